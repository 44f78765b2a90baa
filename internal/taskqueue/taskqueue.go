// Package taskqueue provides durable, priority-ordered, retryable task queues.
//
// All implementations share one contract: ClaimNext hands each eligible
// pending task to exactly one caller, ordered by priority (higher first) and
// then FIFO by creation; Fail applies the retry policy; leases let a reaper
// recover tasks whose worker died.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/evalflow/pkg/api"
)

// DefaultMaxRetries is used when a task is enqueued without WithMaxRetries.
const DefaultMaxRetries = 3

// LeaseExpiredError is recorded as LastError when the reaper recovers a task.
const LeaseExpiredError = "lease expired"

// Queue is a durable task queue.
type Queue interface {
	// Enqueue inserts a pending task and returns its id. args are JSON
	// encoded; json.RawMessage and []byte are stored as-is.
	Enqueue(ctx context.Context, name string, args any, opts ...EnqueueOption) (string, error)

	// ClaimNext atomically claims the next eligible task for owner and
	// marks it running with a lease of leaseTTL. It returns nil, nil when
	// no task is eligible.
	ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*api.Task, error)

	// Complete marks a running task owned by owner as completed.
	Complete(ctx context.Context, id, owner string) error

	// Fail records a failed attempt and returns the resulting status:
	// api.TaskRetrying while retries remain, api.TaskFailed otherwise or
	// when cause is api.Permanent.
	Fail(ctx context.Context, id, owner string, cause error) (api.TaskStatus, error)

	// RenewLease extends the lease of a running task owned by owner.
	RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error

	// ReapExpired recovers running tasks whose lease expired, counting the
	// expiry as a failed attempt. It returns the recovered tasks in their
	// new state.
	ReapExpired(ctx context.Context) ([]*api.Task, error)

	Get(ctx context.Context, id string) (*api.Task, error)

	// Stats returns the number of tasks per status. Every status is present.
	Stats(ctx context.Context) (map[api.TaskStatus]int, error)

	// Purge deletes completed and failed tasks that finished before the
	// given time and returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority   int
	maxRetries int
	notBefore  time.Time
	id         string
}

// WithPriority sets the priority; higher runs sooner. Default 0.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithNotBefore delays eligibility until t.
func WithNotBefore(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.notBefore = t }
}

// WithTaskID uses id instead of a generated UUID.
func WithTaskID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.id = id }
}

// Option customizes a queue implementation.
type Option func(*config)

type config struct {
	policy     RetryPolicy
	maxRetries int
	now        func() time.Time
}

func newConfig(opts []Option) config {
	c := config{
		policy:     DefaultRetryPolicy(),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithRetryPolicy sets the backoff applied between attempts.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithDefaultMaxRetries changes the max retries for tasks enqueued without
// WithMaxRetries.
func WithDefaultMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithClock overrides the queue's clock.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func (c config) enqueueOptions(opts []EnqueueOption) enqueueOptions {
	o := enqueueOptions{maxRetries: c.maxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: encode args: %w", err)
	}
	return b, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty task name", api.ErrInvalidArgument)
	}
	return nil
}

func emptyStats() map[api.TaskStatus]int {
	out := make(map[api.TaskStatus]int, len(api.TaskStatuses))
	for _, s := range api.TaskStatuses {
		out[s] = 0
	}
	return out
}
