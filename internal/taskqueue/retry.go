package taskqueue

import (
	"errors"
	"math"
	"time"

	"github.com/petrijr/evalflow/pkg/api"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy controls how long a failed task waits before it is pending
// again. The number of retries is a per-task property (MaxRetries).
//
//   - Linear:      delay(n) = InitialBackoff * n
//   - Exponential: delay(n) = InitialBackoff * BackoffMultiplier^(n-1)
//
// where n is the 1-based retry number. MaxBackoff caps the delay when > 0.
type RetryPolicy struct {
	Strategy          BackoffStrategy
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryPolicy is exponential from 1s, doubling, capped at 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:          BackoffExponential,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Minute,
	}
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.InitialBackoff <= 0 {
		return 0
	}

	var d float64
	switch p.Strategy {
	case BackoffLinear:
		d = float64(p.InitialBackoff) * float64(n)
	default:
		multiplier := p.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
		d = float64(p.InitialBackoff) * math.Pow(multiplier, float64(n-1))
	}

	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// failure is the state a task moves to after a failed attempt.
type failure struct {
	status     api.TaskStatus
	retryCount int
	notBefore  time.Time
	finishedAt time.Time
	lastError  string
}

// decideFailure applies the retry law: a task that has been retried fewer
// than MaxRetries times is retried, otherwise it fails for good. RetryCount
// always grows by one.
func decideFailure(retryCount, maxRetries int, cause error, policy RetryPolicy, now time.Time) failure {
	f := failure{retryCount: retryCount + 1, lastError: errorText(cause)}
	if retryCount < maxRetries && !api.IsPermanent(cause) {
		f.status = api.TaskRetrying
		f.notBefore = now.Add(policy.Delay(retryCount + 1))
		return f
	}
	f.status = api.TaskFailed
	f.finishedAt = now
	return f
}

var errLeaseExpired = errors.New(LeaseExpiredError)

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
