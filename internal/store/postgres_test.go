package store

import (
	"testing"
)

func TestPlaceholders(t *testing.T) {
	got := placeholders(2, 3)
	if got != "($1,$2,$3),($4,$5,$6)" {
		t.Fatalf("unexpected placeholders: %s", got)
	}
	if placeholders(0, 3) != "" {
		t.Fatalf("zero rows should render nothing")
	}
}

func TestStringArray(t *testing.T) {
	if v := stringArray(nil); v == nil || len(v) != 0 {
		t.Fatalf("nil slice -> empty non-nil expected")
	}
	if v := stringArray([]string{"a", "b"}); len(v) != 2 {
		t.Fatalf("non-empty slice should pass through")
	}
	if nullIfEmpty("") != nil {
		t.Fatalf("empty string -> nil expected")
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "", "b", "a"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("dedupe: %v", got)
	}
}
