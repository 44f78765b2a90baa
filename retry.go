package evalflow

import (
	"time"

	"github.com/petrijr/evalflow/internal/taskqueue"
)

// RetryBuilder provides a fluent way to construct the RetryPolicy a queue
// applies between failed attempts.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts from the default policy: exponential from 1s, doubling,
// capped at 5m.
func Retry() RetryBuilder {
	return RetryBuilder{policy: taskqueue.DefaultRetryPolicy()}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry().WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return RetryBuilder{policy: RetryPolicy{
		Strategy:          taskqueue.BackoffExponential,
		InitialBackoff:    initial,
		BackoffMultiplier: multiplier,
		MaxBackoff:        max,
	}}
}

// WithLinearBackoff waits step, 2*step, 3*step... capped at max when > 0.
func (r RetryBuilder) WithLinearBackoff(step, max time.Duration) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{
		Strategy:       taskqueue.BackoffLinear,
		InitialBackoff: step,
		MaxBackoff:     max,
	}}
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{
		Strategy:          taskqueue.BackoffExponential,
		InitialBackoff:    delay,
		BackoffMultiplier: 1.0,
	}}
}

// Immediate makes a failed task pending again right away.
func (r RetryBuilder) Immediate() RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{}}
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
