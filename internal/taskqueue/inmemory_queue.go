package taskqueue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/evalflow/pkg/api"
)

// InMemoryQueue is a goroutine-safe Queue kept in process memory. Tasks do
// not survive a restart; use it for tests and local development.
type InMemoryQueue struct {
	cfg config

	mu    sync.Mutex
	tasks map[string]*memTask
	seq   int64
}

type memTask struct {
	api.Task
	seq int64
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an empty in-memory queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	return &InMemoryQueue{
		cfg:   newConfig(opts),
		tasks: make(map[string]*memTask),
	}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, name string, args any, opts ...EnqueueOption) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	o := q.cfg.enqueueOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.now().UTC()
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.tasks[id]; exists {
		return "", ErrDuplicateTask
	}
	notBefore := o.notBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	q.seq++
	q.tasks[id] = &memTask{
		Task: api.Task{
			ID:         id,
			Name:       name,
			Args:       slices.Clone(raw),
			Status:     api.TaskPending,
			Priority:   o.priority,
			MaxRetries: o.maxRetries,
			CreatedAt:  now,
			NotBefore:  notBefore.UTC(),
		},
		seq: q.seq,
	}
	return id, nil
}

func (q *InMemoryQueue) ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*api.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.now().UTC()
	var best *memTask
	for _, t := range q.tasks {
		if t.Status == api.TaskRetrying && !t.NotBefore.After(now) {
			t.Status = api.TaskPending
		}
		if t.Status != api.TaskPending || t.NotBefore.After(now) {
			continue
		}
		if best == nil || claimsBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = api.TaskRunning
	best.StartedAt = now
	best.LeaseOwner = owner
	best.LeaseExpiresAt = now.Add(leaseTTL)
	return copyTask(&best.Task), nil
}

func claimsBefore(a, b *memTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// owned returns the task if it is running under owner's lease.
func (q *InMemoryQueue) owned(id, owner string) (*memTask, error) {
	t, ok := q.tasks[id]
	if !ok {
		return nil, api.ErrTaskNotFound
	}
	if t.Status != api.TaskRunning || t.LeaseOwner != owner {
		return nil, api.ErrLeaseLost
	}
	return t, nil
}

func (q *InMemoryQueue) Complete(ctx context.Context, id, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.owned(id, owner)
	if err != nil {
		return err
	}
	t.Status = api.TaskCompleted
	t.CompletedAt = q.cfg.now().UTC()
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	return nil
}

func (q *InMemoryQueue) Fail(ctx context.Context, id, owner string, cause error) (api.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.owned(id, owner)
	if err != nil {
		return "", err
	}
	q.applyFailure(t, cause, q.cfg.now().UTC())
	return t.Status, nil
}

func (q *InMemoryQueue) applyFailure(t *memTask, cause error, now time.Time) {
	f := decideFailure(t.RetryCount, t.MaxRetries, cause, q.cfg.policy, now)
	t.Status = f.status
	t.RetryCount = f.retryCount
	t.LastError = f.lastError
	t.LeaseOwner = ""
	t.LeaseExpiresAt = time.Time{}
	if f.status == api.TaskRetrying {
		t.NotBefore = f.notBefore
	} else {
		t.CompletedAt = f.finishedAt
	}
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.owned(id, owner)
	if err != nil {
		return err
	}
	t.LeaseExpiresAt = q.cfg.now().UTC().Add(ttl)
	return nil
}

func (q *InMemoryQueue) ReapExpired(ctx context.Context) ([]*api.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.now().UTC()
	var out []*api.Task
	for _, t := range q.tasks {
		if t.Status != api.TaskRunning || t.LeaseExpiresAt.After(now) {
			continue
		}
		q.applyFailure(t, errLeaseExpired, now)
		out = append(out, copyTask(&t.Task))
	}
	slices.SortFunc(out, func(a, b *api.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (q *InMemoryQueue) Get(ctx context.Context, id string) (*api.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, api.ErrTaskNotFound
	}
	return copyTask(&t.Task), nil
}

func (q *InMemoryQueue) Stats(ctx context.Context) (map[api.TaskStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := emptyStats()
	for _, t := range q.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (q *InMemoryQueue) Purge(ctx context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, t := range q.tasks {
		if t.Status.Terminal() && t.CompletedAt.Before(before) {
			delete(q.tasks, id)
			n++
		}
	}
	return n, nil
}

func copyTask(t *api.Task) *api.Task {
	cp := *t
	cp.Args = slices.Clone(t.Args)
	return &cp
}
