package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewCircuitBreaker("submit", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, expected CLOSED", got)
	}

	// A success in Closed resets the consecutive counter.
	b.RecordSuccess()
	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("success should reset counter; state = %v", got)
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold failures = %v, expected OPEN", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow on open circuit = %v, expected ErrCircuitOpen", err)
	}
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b := NewCircuitBreaker("submit", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, expected OPEN", got)
	}

	time.Sleep(15 * time.Millisecond)

	// Timeout elapsed: next Allow admits a probe and moves to half-open.
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after timeout = %v, expected probe admission", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, expected HALF_OPEN", got)
	}

	b.RecordSuccess()
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("one success should not close yet; state = %v", got)
	}
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after success threshold = %v, expected CLOSED", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker("submit", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          5 * time.Millisecond,
	})

	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after timeout = %v", err)
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("half-open failure should reopen; state = %v", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow after reopen = %v, expected ErrCircuitOpen", err)
	}
}

func TestBreakerForceClose(t *testing.T) {
	b := NewCircuitBreaker("submit", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, expected OPEN", got)
	}

	b.ForceClose()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after ForceClose = %v, expected CLOSED", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after ForceClose = %v", err)
	}
}
