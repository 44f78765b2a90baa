package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestrator and worker pool for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task processing.
type Observer interface {
	// OnTransition is called after a state transition has been persisted.
	OnTransition(ctx context.Context, rec TransitionRecord)

	// OnTaskEnqueued is called after a task has been durably enqueued.
	OnTaskEnqueued(ctx context.Context, task *Task)

	// OnTaskStarted is called after a worker claimed a task, before the
	// handler runs.
	OnTaskStarted(ctx context.Context, task *Task)

	// OnTaskFinished is called once the queue has recorded the outcome.
	// task.Status holds the resulting status; err is the handler error, if any.
	OnTaskFinished(ctx context.Context, task *Task, d time.Duration, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTransition(ctx context.Context, rec TransitionRecord) {}
func (NoopObserver) OnTaskEnqueued(ctx context.Context, task *Task)         {}
func (NoopObserver) OnTaskStarted(ctx context.Context, task *Task)          {}
func (NoopObserver) OnTaskFinished(ctx context.Context, task *Task, d time.Duration, err error) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, rec TransitionRecord) {
	for _, o := range c.observers {
		o.OnTransition(ctx, rec)
	}
}

func (c *CompositeObserver) OnTaskEnqueued(ctx context.Context, task *Task) {
	for _, o := range c.observers {
		o.OnTaskEnqueued(ctx, task)
	}
}

func (c *CompositeObserver) OnTaskStarted(ctx context.Context, task *Task) {
	for _, o := range c.observers {
		o.OnTaskStarted(ctx, task)
	}
}

func (c *CompositeObserver) OnTaskFinished(ctx context.Context, task *Task, d time.Duration, err error) {
	for _, o := range c.observers {
		o.OnTaskFinished(ctx, task, d, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs transitions and task
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTransition(ctx context.Context, rec TransitionRecord) {
	o.Logger.InfoContext(ctx, "state_transition",
		slog.String("entity_kind", string(rec.EntityKind)),
		slog.String("entity_id", rec.EntityID),
		slog.String("from", rec.FromState),
		slog.String("to", rec.ToState),
		slog.String("triggered_by", rec.TriggeredBy),
		slog.String("reason", rec.Reason),
	)
}

func (o *LoggingObserver) OnTaskEnqueued(ctx context.Context, task *Task) {
	o.Logger.InfoContext(ctx, "task_enqueued",
		slog.String("task", task.Name),
		slog.String("task_id", task.ID),
		slog.Int("priority", task.Priority),
	)
}

func (o *LoggingObserver) OnTaskStarted(ctx context.Context, task *Task) {
	o.Logger.DebugContext(ctx, "task_started",
		slog.String("task", task.Name),
		slog.String("task_id", task.ID),
		slog.Int("attempt", task.RetryCount+1),
		slog.String("owner", task.LeaseOwner),
	)
}

func (o *LoggingObserver) OnTaskFinished(ctx context.Context, task *Task, d time.Duration, err error) {
	level := slog.LevelDebug
	switch {
	case task.Status == TaskFailed:
		level = slog.LevelError
	case err != nil:
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "task_finished",
		slog.String("task", task.Name),
		slog.String("task_id", task.ID),
		slog.String("status", string(task.Status)),
		slog.Int("retry_count", task.RetryCount),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	transitions       atomic.Int64
	tasksEnqueued     atomic.Int64
	tasksStarted      atomic.Int64
	tasksCompleted    atomic.Int64
	tasksRetried      atomic.Int64
	tasksFailed       atomic.Int64
	totalTaskDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	Transitions    int64
	TasksEnqueued  int64
	TasksStarted   int64
	TasksCompleted int64
	TasksRetried   int64
	TasksFailed    int64
	InFlight       int64

	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnTransition(ctx context.Context, rec TransitionRecord) {
	m.transitions.Add(1)
}

func (m *BasicMetrics) OnTaskEnqueued(ctx context.Context, task *Task) {
	m.tasksEnqueued.Add(1)
}

func (m *BasicMetrics) OnTaskStarted(ctx context.Context, task *Task) {
	m.tasksStarted.Add(1)
}

func (m *BasicMetrics) OnTaskFinished(ctx context.Context, task *Task, d time.Duration, err error) {
	switch task.Status {
	case TaskCompleted:
		// Only successful executions count towards the average duration.
		m.tasksCompleted.Add(1)
		m.totalTaskDuration.Add(d.Nanoseconds())
	case TaskFailed:
		m.tasksFailed.Add(1)
	default:
		m.tasksRetried.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.tasksStarted.Load()
	completed := m.tasksCompleted.Load()
	retried := m.tasksRetried.Load()
	failed := m.tasksFailed.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		Transitions:     m.transitions.Load(),
		TasksEnqueued:   m.tasksEnqueued.Load(),
		TasksStarted:    started,
		TasksCompleted:  completed,
		TasksRetried:    retried,
		TasksFailed:     failed,
		InFlight:        started - completed - retried - failed,
		AvgTaskDuration: avg,
	}
}
