package model

import (
	"errors"
	"testing"
)

func TestStopTransitions(t *testing.T) {
	cases := []struct {
		from, to StopStatus
		ok       bool
	}{
		{StopPending, StopInProgress, true},
		{StopPending, StopSkipped, true},
		{StopPending, StopCompleted, false},
		{StopInProgress, StopCompleted, true},
		{StopInProgress, StopPending, false},
		{StopCompleted, StopFailed, false},
		{StopFailed, StopPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Fatalf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
	for _, s := range []StopStatus{StopCompleted, StopFailed, StopSkipped} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func TestConfigConfirmedIsTerminal(t *testing.T) {
	for _, to := range []ConfigStatus{ConfigDraft, ConfigConfigured, ConfigOptimizing, ConfigConfirmed} {
		if ConfigConfirmed.CanTransition(to) {
			t.Fatalf("CONFIRMED must not transition to %s", to)
		}
	}
	if !ConfigConfigured.CanTransition(ConfigConfirmed) {
		t.Fatalf("CONFIGURED -> CONFIRMED should be allowed")
	}
	if ConfigDraft.CanTransition(ConfigConfirmed) {
		t.Fatalf("DRAFT -> CONFIRMED should be rejected")
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	in := struct {
		Name  string  `validate:"required"`
		Count int     `validate:"gte=1"`
		Ratio float64 `validate:"lte=1"`
	}{Count: 0, Ratio: 2}
	err := Validate(in)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want *ValidationError, got %v", err)
	}
	if len(verr.Problems) != 3 {
		t.Fatalf("want 3 problems, got %v", verr.Problems)
	}
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("ValidationError should match ErrInvalid")
	}
}
