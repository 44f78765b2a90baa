package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/evalflow/internal/taskqueue"
	"github.com/petrijr/evalflow/pkg/api"
)

// ErrShutdownTimeout is returned by Stop when in-flight tasks had to be
// abandoned.
var ErrShutdownTimeout = errors.New("worker: shutdown timed out, in-flight tasks abandoned")

// ErrAlreadyStarted is returned by Start on a running pool.
var ErrAlreadyStarted = errors.New("worker: pool already started")

// ResultSink receives the final outcome of tasks. err is nil for a
// successful attempt and a *api.RetriesExhaustedError for tasks that failed
// for good.
//
// Successful results are delivered while the task is still running under
// the worker's lease. An error from OnTaskResult then fails the attempt:
// the task is retried, or fails permanently when the error is marked with
// api.Permanent or retries are exhausted. Sinks must therefore accept the
// same result more than once.
type ResultSink interface {
	OnTaskResult(ctx context.Context, task *api.Task, res api.Result, err error) error
}

// Config tunes a Pool. Zero values select the defaults noted per field.
type Config struct {
	// Owner identifies this pool in task leases. Default: hostname plus a
	// random suffix.
	Owner string

	// PollInterval is the first idle wait (100ms). It doubles up to
	// MaxPollInterval (2s) while the queue stays empty.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// LeaseTTL is the lease taken on claim (30s). HeartbeatInterval renews
	// it while the handler runs (LeaseTTL/3).
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks (30s).
	ShutdownTimeout time.Duration

	// ReapInterval enables the expired-lease reaper when > 0.
	ReapInterval time.Duration

	Logger   *slog.Logger
	Observer api.Observer
	Sink     ResultSink
	Tracer   trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.Owner = host + "-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(2*time.Second, c.PollInterval)
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/petrijr/evalflow/pkg/worker")
	}
	return c
}

// Pool executes tasks from a queue with a fixed number of goroutines.
type Pool struct {
	queue    taskqueue.Queue
	registry *Registry
	cfg      Config

	mu  sync.Mutex
	run *poolRun
}

type poolRun struct {
	cancelClaim context.CancelFunc
	cancelWork  context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Pool. It does not start any goroutines.
func New(queue taskqueue.Queue, registry *Registry, cfg Config) *Pool {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Pool{
		queue:    queue,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// Owner returns the lease owner identity of this pool.
func (p *Pool) Owner() string { return p.cfg.Owner }

// Registry returns the pool's handler registry.
func (p *Pool) Registry() *Registry { return p.registry }

// Start launches n worker goroutines, plus the reaper when ReapInterval is
// set. Cancelling ctx stops claiming; in-flight handlers keep running until
// Stop.
func (p *Pool) Start(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run != nil {
		return ErrAlreadyStarted
	}
	if n <= 0 {
		n = 1
	}

	claimCtx, cancelClaim := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	run := &poolRun{cancelClaim: cancelClaim, cancelWork: cancelWork}
	p.run = run

	run.wg.Add(n)
	for i := 0; i < n; i++ {
		owner := fmt.Sprintf("%s/%d", p.cfg.Owner, i)
		go func() {
			defer run.wg.Done()
			p.loop(claimCtx, workCtx, owner)
		}()
	}
	if p.cfg.ReapInterval > 0 {
		run.wg.Add(1)
		go func() {
			defer run.wg.Done()
			p.reapLoop(claimCtx, workCtx)
		}()
	}

	p.cfg.Logger.Info("worker_pool_started",
		slog.String("owner", p.cfg.Owner),
		slog.Int("workers", n),
	)
	return nil
}

// Stop stops claiming new tasks and waits for in-flight ones up to
// ShutdownTimeout. It returns ErrShutdownTimeout if any had to be abandoned.
// Stop on a pool that is not running is a no-op.
func (p *Pool) Stop() error {
	p.mu.Lock()
	run := p.run
	p.run = nil
	p.mu.Unlock()

	if run == nil {
		return nil
	}
	run.cancelClaim()
	defer run.cancelWork()

	done := make(chan struct{})
	go func() {
		run.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cfg.Logger.Info("worker_pool_stopped", slog.String("owner", p.cfg.Owner))
		return nil
	case <-timer.C:
		p.cfg.Logger.Warn("worker_pool_shutdown_timeout",
			slog.String("owner", p.cfg.Owner),
			slog.Duration("timeout", p.cfg.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

func (p *Pool) loop(claimCtx, workCtx context.Context, owner string) {
	// Reusable timer for polling when no tasks are available.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	wait := p.cfg.PollInterval
	for {
		if claimCtx.Err() != nil {
			return
		}

		processed, err := p.processOne(claimCtx, workCtx, owner)
		if processed {
			wait = p.cfg.PollInterval
			continue
		}
		if err != nil && claimCtx.Err() == nil {
			p.cfg.Logger.Error("task_claim_failed",
				slog.String("owner", owner),
				slog.Any("error", err),
			)
		}

		tmr.Reset(wait)
		select {
		case <-claimCtx.Done():
			return
		case <-tmr.C:
		}
		wait = min(wait*2, p.cfg.MaxPollInterval)
	}
}

// ProcessOne claims and executes at most one task using ctx for both the
// claim and the handler. It reports whether a task was claimed; the error is
// the claim error, or a *api.TaskExecutionError when the handler failed.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	return p.processOne(ctx, ctx, p.cfg.Owner)
}

func (p *Pool) processOne(claimCtx, workCtx context.Context, owner string) (bool, error) {
	task, err := p.queue.ClaimNext(claimCtx, owner, p.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, p.execute(workCtx, task, owner)
}

func (p *Pool) execute(ctx context.Context, task *api.Task, owner string) error {
	log := p.cfg.Logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_name", task.Name),
		slog.Int("attempt", task.RetryCount+1),
	)

	ctx, span := p.cfg.Tracer.Start(ctx, "task "+task.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("evalflow.task.id", task.ID),
			attribute.String("evalflow.task.name", task.Name),
			attribute.Int("evalflow.task.retry_count", task.RetryCount),
			attribute.Int("evalflow.task.priority", task.Priority),
		),
	)
	defer span.End()

	p.cfg.Observer.OnTaskStarted(ctx, task)
	start := time.Now()

	res, runErr := p.runHandler(ctx, task, owner, log)
	d := time.Since(start)

	if ctx.Err() != nil {
		// Abandoned by Stop or by the caller; the lease will expire.
		log.Warn("task_abandoned", slog.Duration("duration", d))
		span.SetStatus(codes.Error, "abandoned")
		return ctx.Err()
	}

	if runErr == nil {
		// The result is applied while the lease is held, so a rejected
		// result fails the attempt and the task runs again.
		if err := p.apply(ctx, task, res); err != nil {
			log.Warn("task_result_rejected", slog.Any("error", err))
			runErr = err
		}
	}

	if runErr == nil {
		if err := p.queue.Complete(ctx, task.ID, owner); err != nil {
			log.Warn("task_complete_failed", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		task.Status = api.TaskCompleted
		task.CompletedAt = time.Now().UTC()
		task.LeaseOwner = ""
		p.cfg.Observer.OnTaskFinished(ctx, task, d, nil)
		return nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())
	execErr := &api.TaskExecutionError{
		TaskID:   task.ID,
		TaskName: task.Name,
		Attempt:  task.RetryCount + 1,
		Err:      runErr,
	}

	status, err := p.queue.Fail(ctx, task.ID, owner, runErr)
	if err != nil {
		log.Warn("task_fail_failed", slog.Any("error", err))
		return errors.Join(execErr, err)
	}
	task.Status = status
	task.RetryCount++
	task.LastError = runErr.Error()
	task.LeaseOwner = ""
	log.Warn("task_attempt_failed",
		slog.String("status", string(status)),
		slog.Any("error", runErr),
	)
	p.cfg.Observer.OnTaskFinished(ctx, task, d, runErr)

	if status == api.TaskFailed {
		p.report(ctx, task, api.Result{}, exhausted(task), log)
	}
	return execErr
}

// runHandler invokes the handler with a heartbeat renewing the lease.
func (p *Pool) runHandler(ctx context.Context, task *api.Task, owner string, log *slog.Logger) (api.Result, error) {
	h, ok := p.registry.Lookup(task.Name)
	if !ok {
		return api.Result{}, api.Permanent(fmt.Errorf("%w: %q", api.ErrUnknownTask, task.Name))
	}

	hctx, cancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hctx, cancel, task.ID, owner, log)
	}()
	defer func() { <-hbDone }()
	defer cancel()

	return invoke(hctx, h, task)
}

func invoke(ctx context.Context, h Handler, task *api.Task) (res api.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler %q panicked: %v\n%s", task.Name, r, debug.Stack())
		}
	}()
	return h(ctx, task)
}

func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, id, owner string, log *slog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.queue.RenewLease(ctx, id, owner, p.cfg.LeaseTTL)
		switch {
		case err == nil:
		case errors.Is(err, api.ErrLeaseLost), errors.Is(err, api.ErrTaskNotFound):
			log.Warn("task_lease_lost", slog.Any("error", err))
			cancel()
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warn("task_lease_renew_failed", slog.Any("error", err))
		}
	}
}

// Reap runs one reaper pass and returns the number of recovered tasks.
// Tasks that failed for good are reported to the sink. The observer is not
// called: the attempt may have started in another process.
func (p *Pool) Reap(ctx context.Context) (int, error) {
	reaped, err := p.queue.ReapExpired(ctx)
	for _, task := range reaped {
		log := p.cfg.Logger.With(
			slog.String("task_id", task.ID),
			slog.String("task_name", task.Name),
		)
		log.Warn("task_lease_expired",
			slog.String("status", string(task.Status)),
			slog.Int("retry_count", task.RetryCount),
		)
		if task.Status == api.TaskFailed {
			p.report(ctx, task, api.Result{}, exhausted(task), log)
		}
	}
	return len(reaped), err
}

func (p *Pool) reapLoop(claimCtx, workCtx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-claimCtx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.Reap(workCtx); err != nil && claimCtx.Err() == nil {
			p.cfg.Logger.Error("task_reap_failed", slog.Any("error", err))
		}
	}
}

// apply hands a successful result to the sink before the task is completed.
func (p *Pool) apply(ctx context.Context, task *api.Task, res api.Result) error {
	if p.cfg.Sink == nil {
		return nil
	}
	if err := p.cfg.Sink.OnTaskResult(ctx, task, res, nil); err != nil {
		return fmt.Errorf("worker: apply %s result: %w", task.Name, err)
	}
	return nil
}

func (p *Pool) report(ctx context.Context, task *api.Task, res api.Result, taskErr error, log *slog.Logger) {
	if p.cfg.Sink == nil {
		return
	}
	if err := p.cfg.Sink.OnTaskResult(ctx, task, res, taskErr); err != nil {
		log.Error("task_result_rejected", slog.Any("error", err))
	}
}

func exhausted(task *api.Task) error {
	return &api.RetriesExhaustedError{
		TaskID:    task.ID,
		TaskName:  task.Name,
		Attempts:  task.RetryCount,
		LastError: task.LastError,
	}
}
