package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/evalflow/pkg/api"
)

// newQueueFunc returns an empty queue configured with opts.
type newQueueFunc func(t *testing.T, opts ...Option) Queue

// runQueueTests exercises the Queue contract against any backend.
func runQueueTests(t *testing.T, newQueue newQueueFunc) {
	t.Run("EmptyClaimReturnsNil", func(t *testing.T) { testEmptyClaim(t, newQueue) })
	t.Run("PriorityThenFIFO", func(t *testing.T) { testPriorityThenFIFO(t, newQueue) })
	t.Run("ArgsRoundTrip", func(t *testing.T) { testArgsRoundTrip(t, newQueue) })
	t.Run("InvalidEnqueue", func(t *testing.T) { testInvalidEnqueue(t, newQueue) })
	t.Run("RetryLaw", func(t *testing.T) { testRetryLaw(t, newQueue) })
	t.Run("PermanentFailure", func(t *testing.T) { testPermanentFailure(t, newQueue) })
	t.Run("ZeroRetries", func(t *testing.T) { testZeroRetries(t, newQueue) })
	t.Run("NotBefore", func(t *testing.T) { testNotBefore(t, newQueue) })
	t.Run("LeaseOwnership", func(t *testing.T) { testLeaseOwnership(t, newQueue) })
	t.Run("RenewAndReap", func(t *testing.T) { testRenewAndReap(t, newQueue) })
	t.Run("StatsAndPurge", func(t *testing.T) { testStatsAndPurge(t, newQueue) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { testConcurrentClaims(t, newQueue) })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var linearSecond = RetryPolicy{Strategy: BackoffLinear, InitialBackoff: time.Second}

func mustEnqueue(t *testing.T, q Queue, name string, opts ...EnqueueOption) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), name, map[string]string{"entity_id": name}, opts...)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func mustClaim(t *testing.T, q Queue, owner string) *api.Task {
	t.Helper()
	task, err := q.ClaimNext(context.Background(), owner, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task, "expected a claimable task")
	return task
}

func requireEmpty(t *testing.T, q Queue) {
	t.Helper()
	task, err := q.ClaimNext(context.Background(), "probe", time.Minute)
	require.NoError(t, err)
	require.Nil(t, task, "expected no claimable task")
}

func testEmptyClaim(t *testing.T, newQueue newQueueFunc) {
	requireEmpty(t, newQueue(t))
}

func testPriorityThenFIFO(t *testing.T, newQueue newQueueFunc) {
	clock := newFakeClock()
	q := newQueue(t, WithClock(clock.Now))

	var want []string
	low1 := mustEnqueue(t, q, "low-1", WithPriority(0))
	clock.Advance(time.Millisecond)
	high1 := mustEnqueue(t, q, "high-1", WithPriority(10))
	clock.Advance(time.Millisecond)
	low2 := mustEnqueue(t, q, "low-2", WithPriority(0))
	clock.Advance(time.Millisecond)
	high2 := mustEnqueue(t, q, "high-2", WithPriority(10))
	mid := mustEnqueue(t, q, "mid", WithPriority(5))
	want = append(want, high1, high2, mid, low1, low2)

	var got []string
	for range want {
		task := mustClaim(t, q, "w1")
		require.Equal(t, api.TaskRunning, task.Status)
		require.Equal(t, "w1", task.LeaseOwner)
		require.Equal(t, clock.Now().Add(time.Minute), task.LeaseExpiresAt)
		got = append(got, task.ID)
	}
	require.Equal(t, want, got)
	requireEmpty(t, q)
}

func testArgsRoundTrip(t *testing.T, newQueue newQueueFunc) {
	q := newQueue(t)
	ctx := context.Background()

	type args struct {
		EntityID string `json:"entity_id"`
		Attempt  int    `json:"attempt"`
	}
	id, err := q.Enqueue(ctx, "run_quality_check", args{EntityID: "eval-1", Attempt: 2}, WithMaxRetries(5))
	require.NoError(t, err)

	task := mustClaim(t, q, "w1")
	require.Equal(t, id, task.ID)
	require.Equal(t, "run_quality_check", task.Name)
	require.Equal(t, 5, task.MaxRetries)
	require.Zero(t, task.RetryCount)

	var got args
	require.NoError(t, task.DecodeArgs(&got))
	require.Equal(t, args{EntityID: "eval-1", Attempt: 2}, got)

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"entity_id":"eval-1","attempt":2}`, string(stored.Args))
}

func testInvalidEnqueue(t *testing.T, newQueue newQueueFunc) {
	q := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", nil)
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = q.Enqueue(ctx, "validate_config", nil, WithTaskID("task-1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "validate_config", nil, WithTaskID("task-1"))
	require.ErrorIs(t, err, ErrDuplicateTask)

	_, err = q.Get(ctx, "missing")
	require.ErrorIs(t, err, api.ErrTaskNotFound)
}

func testRetryLaw(t *testing.T, newQueue newQueueFunc) {
	clock := newFakeClock()
	q := newQueue(t, WithClock(clock.Now), WithRetryPolicy(linearSecond))
	ctx := context.Background()
	id := mustEnqueue(t, q, "flaky", WithMaxRetries(2))
	boom := errors.New("boom")

	for attempt := 1; attempt <= 2; attempt++ {
		task := mustClaim(t, q, "w1")
		require.Equal(t, id, task.ID)

		status, err := q.Fail(ctx, id, "w1", boom)
		require.NoError(t, err)
		require.Equal(t, api.TaskRetrying, status, "attempt %d", attempt)

		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, attempt, got.RetryCount)
		require.Equal(t, "boom", got.LastError)
		require.Empty(t, got.LeaseOwner)
		wait := time.Duration(attempt) * time.Second
		require.Equal(t, clock.Now().Add(wait), got.NotBefore)

		// Not eligible until the backoff elapses.
		requireEmpty(t, q)
		clock.Advance(wait)
	}

	mustClaim(t, q, "w1")
	status, err := q.Fail(ctx, id, "w1", boom)
	require.NoError(t, err)
	require.Equal(t, api.TaskFailed, status)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.TaskFailed, got.Status)
	require.Equal(t, 3, got.RetryCount)
	require.Equal(t, clock.Now(), got.CompletedAt)

	clock.Advance(time.Hour)
	requireEmpty(t, q)
}

func testPermanentFailure(t *testing.T, newQueue newQueueFunc) {
	q := newQueue(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, "doomed", WithMaxRetries(5))

	mustClaim(t, q, "w1")
	status, err := q.Fail(ctx, id, "w1", api.Permanent(errors.New("bad input")))
	require.NoError(t, err)
	require.Equal(t, api.TaskFailed, status)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "bad input", got.LastError)
}

func testZeroRetries(t *testing.T, newQueue newQueueFunc) {
	q := newQueue(t, WithDefaultMaxRetries(0))
	id := mustEnqueue(t, q, "once")

	mustClaim(t, q, "w1")
	status, err := q.Fail(context.Background(), id, "w1", errors.New("nope"))
	require.NoError(t, err)
	require.Equal(t, api.TaskFailed, status)
}

func testNotBefore(t *testing.T, newQueue newQueueFunc) {
	clock := newFakeClock()
	q := newQueue(t, WithClock(clock.Now))

	later := mustEnqueue(t, q, "later", WithPriority(100), WithNotBefore(clock.Now().Add(time.Minute)))
	now := mustEnqueue(t, q, "now")

	require.Equal(t, now, mustClaim(t, q, "w1").ID)
	requireEmpty(t, q)

	clock.Advance(time.Minute)
	require.Equal(t, later, mustClaim(t, q, "w1").ID)
}

func testLeaseOwnership(t *testing.T, newQueue newQueueFunc) {
	q := newQueue(t)
	ctx := context.Background()
	id := mustEnqueue(t, q, "owned")

	require.ErrorIs(t, q.Complete(ctx, id, "w1"), api.ErrLeaseLost, "pending task has no owner")

	mustClaim(t, q, "w1")
	require.ErrorIs(t, q.Complete(ctx, id, "w2"), api.ErrLeaseLost)
	_, err := q.Fail(ctx, id, "w2", errors.New("x"))
	require.ErrorIs(t, err, api.ErrLeaseLost)
	require.ErrorIs(t, q.RenewLease(ctx, id, "w2", time.Minute), api.ErrLeaseLost)

	require.NoError(t, q.Complete(ctx, id, "w1"))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.TaskCompleted, got.Status)
	require.False(t, got.CompletedAt.IsZero())

	require.ErrorIs(t, q.Complete(ctx, id, "w1"), api.ErrLeaseLost, "completing twice")
	require.ErrorIs(t, q.Complete(ctx, "missing", "w1"), api.ErrTaskNotFound)
	require.ErrorIs(t, api.ErrLeaseLost, api.ErrConcurrencyConflict)
}

func testRenewAndReap(t *testing.T, newQueue newQueueFunc) {
	clock := newFakeClock()
	q := newQueue(t, WithClock(clock.Now), WithRetryPolicy(linearSecond))
	ctx := context.Background()
	id := mustEnqueue(t, q, "slow", WithMaxRetries(1))

	_, err := q.ClaimNext(ctx, "w1", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.NoError(t, q.RenewLease(ctx, id, "w1", 10*time.Second))

	clock.Advance(6 * time.Second)
	reaped, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, reaped, "renewed lease must not be reaped")

	clock.Advance(5 * time.Second)
	reaped, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	require.Equal(t, id, reaped[0].ID)
	require.Equal(t, api.TaskRetrying, reaped[0].Status)
	require.Equal(t, 1, reaped[0].RetryCount)
	require.Equal(t, LeaseExpiredError, reaped[0].LastError)

	// The previous owner lost the task.
	require.ErrorIs(t, q.Complete(ctx, id, "w1"), api.ErrLeaseLost)

	// A second expiry exhausts the retries.
	clock.Advance(time.Second)
	task, err := q.ClaimNext(ctx, "w2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	clock.Advance(2 * time.Second)
	reaped, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	require.Equal(t, api.TaskFailed, reaped[0].Status)
	require.Equal(t, 2, reaped[0].RetryCount)
}

func testStatsAndPurge(t *testing.T, newQueue newQueueFunc) {
	clock := newFakeClock()
	q := newQueue(t, WithClock(clock.Now), WithDefaultMaxRetries(0))
	ctx := context.Background()

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, len(api.TaskStatuses))
	for _, s := range api.TaskStatuses {
		require.Zero(t, stats[s], s)
	}

	done := mustEnqueue(t, q, "a", WithPriority(3))
	failed := mustEnqueue(t, q, "b", WithPriority(2))
	mustEnqueue(t, q, "c", WithPriority(1))
	mustEnqueue(t, q, "d")

	require.Equal(t, done, mustClaim(t, q, "w1").ID)
	require.NoError(t, q.Complete(ctx, done, "w1"))
	require.Equal(t, failed, mustClaim(t, q, "w1").ID)
	_, err = q.Fail(ctx, failed, "w1", errors.New("x"))
	require.NoError(t, err)
	mustClaim(t, q, "w1")

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[api.TaskCompleted])
	require.Equal(t, 1, stats[api.TaskFailed])
	require.Equal(t, 1, stats[api.TaskRunning])
	require.Equal(t, 1, stats[api.TaskPending])
	require.Zero(t, stats[api.TaskRetrying])

	n, err := q.Purge(ctx, clock.Now())
	require.NoError(t, err)
	require.Zero(t, n, "cutoff is exclusive")

	n, err = q.Purge(ctx, clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = q.Get(ctx, done)
	require.ErrorIs(t, err, api.ErrTaskNotFound)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats[api.TaskRunning]+stats[api.TaskPending])
}

func testConcurrentClaims(t *testing.T, newQueue newQueueFunc) {
	q := newQueue(t)
	ctx := context.Background()

	const tasks = 40
	for i := 0; i < tasks; i++ {
		mustEnqueue(t, q, fmt.Sprintf("task-%02d", i), WithPriority(i%3))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		owner := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.ClaimNext(ctx, owner, time.Minute)
				if err != nil {
					errs <- err
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					mu.Unlock()
					errs <- fmt.Errorf("task %s claimed by %s and %s", task.ID, prev, owner)
					return
				}
				claimed[task.ID] = owner
				mu.Unlock()
				if err := q.Complete(ctx, task.ID, owner); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, claimed, tasks)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, tasks, stats[api.TaskCompleted])
}
