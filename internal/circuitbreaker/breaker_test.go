package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_TripsAfterThresholdFailures(t *testing.T) {
	cfg := DefaultConfig("t")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 2 }
	b := New(cfg)

	if !b.Allow() {
		t.Fatal("want closed breaker to allow the first request")
	}
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("want still closed after one failure, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("want open after consecutive failures reach threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("want an open breaker to reject requests")
	}
}

func TestBreaker_HalfOpenClosesOnSuccess(t *testing.T) {
	cfg := DefaultConfig("t")
	cfg.MaxRequests = 1
	cfg.Timeout = 10 * time.Millisecond // short, so the open state expires within the test
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 1 }
	b := New(cfg)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("want open after the first failure, got %s", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("want a probe allowed once the open timeout has elapsed")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("want half-open once a probe is let through, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("want closed after MaxRequests consecutive successes in half-open, got %s", b.State())
	}
}

func TestManager_GetIsStableAndIndependentPerName(t *testing.T) {
	m := NewManager(DefaultConfig(""))

	a1 := m.Get("origin-a")
	a2 := m.Get("origin-a")
	if a1 != a2 {
		t.Fatal("want the same breaker instance returned for the same name")
	}

	b := m.Get("origin-b")
	b.RecordFailure()
	if a1.Counts().TotalFailures != 0 {
		t.Fatal("want breakers for different names to track independent counts")
	}

	names := m.List()
	if len(names) != 2 {
		t.Fatalf("want 2 tracked breakers, got %d", len(names))
	}
}
