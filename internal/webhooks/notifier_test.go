package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetops/internal/events"
)

func TestNotifierRetriesAndSigns(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var verified bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		calls++
		verified = VerifyHMAC("secret", body, r.Header.Get("X-Signature")) && r.Header.Get("X-Tenant-Id") == "t1"
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "secret", 3)
	n.HTTP = srv.Client()
	n.Backoff = time.Millisecond
	n.Start()
	if err := n.CreateAlert(context.Background(), "t1", events.Alert{ID: "a1", Type: "STOP_FAILED", Severity: events.SeverityHigh}); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("want 2 attempts, got %d", calls)
	}
	if !verified {
		t.Fatalf("signature or tenant header missing")
	}
}

func TestNotifierGivesUpAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "", 2)
	n.HTTP = srv.Client()
	n.Backoff = time.Millisecond
	n.Start()
	_ = n.CreateAlert(context.Background(), "t1", events.Alert{ID: "a1"})
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("want 2 attempts, got %d", calls)
	}
}

func TestQueueFullIsReported(t *testing.T) {
	n := NewNotifier("http://127.0.0.1:0", "", 1)
	n.queue = make(chan delivery, 1)
	if err := n.CreateAlert(context.Background(), "t1", events.Alert{ID: "a1"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := n.CreateAlert(context.Background(), "t1", events.Alert{ID: "a2"}); err != ErrQueueFull {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if got := nextBackoff(0, time.Second); got != time.Second {
		t.Fatalf("attempt 0: %v", got)
	}
	if got := nextBackoff(3, time.Second); got != 8*time.Second {
		t.Fatalf("attempt 3: %v", got)
	}
	if got := nextBackoff(50, time.Minute); got != time.Hour {
		t.Fatalf("cap: %v", got)
	}
}
