package staterail

import (
	"testing"
	"time"
)

// Ensure non-positive maxAttempts is normalized to 1.
func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	p := Retry(0).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(0), got %d", p.MaxAttempts)
	}

	p = Retry(-5).Policy()
	if p.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts=1 for Retry(-5), got %d", p.MaxAttempts)
	}
}

// Ensure WithExponentialBackoff wires fields correctly and default multiplier is applied.
func TestRetry_WithExponentialBackoff_UsesDefaults(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 2 * time.Second

	// multiplier <= 0 should default to 2.0
	p := Retry(3).
		WithExponentialBackoff(initial, 0, max).
		Policy()

	if p.MaxAttempts != 3 {
		t.Fatalf("expected MaxAttempts=3, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff.Std() != initial {
		t.Fatalf("expected InitialBackoff=%v, got %v", initial, p.InitialBackoff.Std())
	}
	if p.MaxBackoff.Std() != max {
		t.Fatalf("expected MaxBackoff=%v, got %v", max, p.MaxBackoff.Std())
	}
	if p.BackoffMultiplier != 2.0 {
		t.Fatalf("expected BackoffMultiplier=2.0 (default), got %v", p.BackoffMultiplier)
	}
}

// Ensure the built policy produces the expected delay sequence.
func TestRetry_WithExponentialBackoff_DelaySequence(t *testing.T) {
	p := Retry(6).
		WithExponentialBackoff(50*time.Millisecond, 3.0, 500*time.Millisecond).
		Policy()

	want := []time.Duration{
		50 * time.Millisecond,
		150 * time.Millisecond,
		450 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("retry %d: expected delay %v, got %v", i+1, w, got)
		}
	}
}

// Ensure WithConstantBackoff sets a fixed delay and uses multiplier 1.0.
func TestRetry_WithConstantBackoff(t *testing.T) {
	delay := 250 * time.Millisecond

	p := Retry(5).
		WithConstantBackoff(delay).
		Policy()

	if p.MaxAttempts != 5 {
		t.Fatalf("expected MaxAttempts=5, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff.Std() != delay {
		t.Fatalf("expected InitialBackoff=%v, got %v", delay, p.InitialBackoff.Std())
	}
	if p.MaxBackoff != 0 {
		t.Fatalf("expected MaxBackoff=0 for constant backoff, got %v", p.MaxBackoff.Std())
	}
	if p.BackoffMultiplier != 1.0 {
		t.Fatalf("expected BackoffMultiplier=1.0, got %v", p.BackoffMultiplier)
	}
	if p.Delay(4) != delay {
		t.Fatalf("expected constant delay %v on retry 4, got %v", delay, p.Delay(4))
	}
}

// Ensure Immediate clears all backoff-related timing without changing MaxAttempts.
func TestRetry_ImmediateClearsBackoff(t *testing.T) {
	p := Retry(7).
		WithExponentialBackoff(100*time.Millisecond, 2.0, 5*time.Second).
		Immediate().
		Policy()

	if p.MaxAttempts != 7 {
		t.Fatalf("expected MaxAttempts=7, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff != 0 || p.MaxBackoff != 0 || p.BackoffMultiplier != 0 {
		t.Fatalf("expected zero backoff after Immediate, got %+v", p)
	}
	if p.Delay(3) != 0 {
		t.Fatalf("expected no delay after Immediate, got %v", p.Delay(3))
	}
}

func TestRetry_DelaysPreview(t *testing.T) {
	got := Retry(4).WithConstantBackoff(time.Second).Delays()
	if len(got) != 3 {
		t.Fatalf("expected 3 delays for 4 attempts, got %v", got)
	}
	for i, d := range got {
		if d != time.Second {
			t.Fatalf("retry %d: expected 1s, got %v", i+1, d)
		}
	}

	if got := Retry(1).WithConstantBackoff(time.Second).Delays(); len(got) != 0 {
		t.Fatalf("expected no delays for a single attempt, got %v", got)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts by default, got %d", p.MaxAttempts)
	}
	if p.Delay(1) != 200*time.Millisecond {
		t.Fatalf("expected 200ms before the first retry, got %v", p.Delay(1))
	}
}
