package staterail

import (
	"time"

	"github.com/stevebraown/StateRail/internal/engine"
	"github.com/stevebraown/StateRail/pkg/api"
)

// DefaultRetryPolicy returns the policy an engine applies to steps when
// neither the step, its definition nor the engine Options set one.
func DefaultRetryPolicy() RetryPolicy {
	return engine.DefaultConfig().DefaultRetry
}

// RetryBuilder assembles a RetryPolicy step by step. Builders are values;
// every method returns a modified copy, so a partially configured builder
// can be shared between steps.
//
//	staterail.New("order").
//	    Step("charge", "http", cfg).
//	    WithRetryBuilder(staterail.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute))
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a builder allowing maxAttempts attempts in total, the first
// one included. Values below 1 mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// WithExponentialBackoff waits initial before the first retry and
// multiplies the wait by multiplier for every later one, up to limit. A
// multiplier <= 0 becomes 2; a limit <= 0 leaves the wait uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = api.Duration(initial)
		p.MaxBackoff = api.Duration(limit)
		p.BackoffMultiplier = multiplier
	})
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = api.Duration(delay)
		p.MaxBackoff = 0
		p.BackoffMultiplier = 1
	})
}

// Immediate re-queues a failed step as soon as it fails. The attempt limit
// is unchanged.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = 0
		p.MaxBackoff = 0
		p.BackoffMultiplier = 0
	})
}

// Delays lists the wait before each retry the policy allows, in order.
// It is empty for a single-attempt policy.
func (r RetryBuilder) Delays() []time.Duration {
	n := r.policy.Attempts() - 1
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.policy.Delay(i))
	}
	return out
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

func (r RetryBuilder) with(fn func(*RetryPolicy)) RetryBuilder {
	p := r.policy
	fn(&p)
	return RetryBuilder{policy: p}
}
