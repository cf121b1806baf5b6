package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b := New(Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		ResetTimeout:        5 * time.Second,
		MaxHalfOpenRequests: 2,
	})

	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := New(Config{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		ResetTimeout:        5 * time.Second,
		MaxHalfOpenRequests: 1,
	})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected still closed after 2 failures, got %v", b.State())
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open after 3rd consecutive failure, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: 5 * time.Second})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Fatalf("expected closed, a success should reset the consecutive count, got %v", b.State())
	}
}

func TestBreakerTransitionsToHalfOpen(t *testing.T) {
	b := New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		ResetTimeout:        10 * time.Millisecond,
		MaxHalfOpenRequests: 1,
	})

	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("should allow probe request in half-open state")
	}
}

func TestBreakerClosesAfterSuccessThresholdProbes(t *testing.T) {
	b := New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		ResetTimeout:        10 * time.Millisecond,
		MaxHalfOpenRequests: 2,
	})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	b.Allow()
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still half-open after 1 of 2 required successes, got %v", b.State())
	}

	b.Allow()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successThreshold probes succeeded, got %v", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		ResetTimeout:        10 * time.Millisecond,
		MaxHalfOpenRequests: 1,
	})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State())
	}
}

func TestBreakerHalfOpenBoundsInFlightProbes(t *testing.T) {
	b := New(Config{
		FailureThreshold:    1,
		SuccessThreshold:    5,
		ResetTimeout:        10 * time.Millisecond,
		MaxHalfOpenRequests: 2,
	})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected first probe to be allowed")
	}
	if !b.Allow() {
		t.Fatal("expected second probe to be allowed (MaxHalfOpenRequests=2)")
	}
	if b.Allow() {
		t.Fatal("expected third probe to be rejected, in-flight cap reached")
	}
}

func TestRegistryCreatesBreakerOnDemand(t *testing.T) {
	r := NewRegistry()
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: 5 * time.Second}

	b1 := r.Get("func-1", cfg)
	if b1 == nil {
		t.Fatal("expected non-nil breaker")
	}

	b2 := r.Get("func-1", cfg)
	if b1 != b2 {
		t.Fatal("expected same breaker instance for same function")
	}
}

func TestRegistryResetReplacesBreaker(t *testing.T) {
	r := NewRegistry()
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}

	b := r.Get("func-1", cfg)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	reset := r.Reset("func-1", cfg)
	if reset.State() != StateClosed {
		t.Fatalf("expected closed after rollback reset, got %v", reset.State())
	}
	if r.Get("func-1", cfg) != reset {
		t.Fatal("expected registry to return the reset breaker")
	}
}

func TestRegistrySnapshotAndOpenRatio(t *testing.T) {
	r := NewRegistry()
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}

	r.Get("func-1", cfg).RecordFailure()
	r.Get("func-2", cfg)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap["func-1"] != StateOpen {
		t.Fatalf("expected open, got %v", snap["func-1"])
	}
	if snap["func-2"] != StateClosed {
		t.Fatalf("expected closed, got %v", snap["func-2"])
	}

	if ratio := r.OpenRatio(); ratio != 0.5 {
		t.Fatalf("expected open ratio 0.5, got %v", ratio)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
