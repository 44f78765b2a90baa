package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/evalflow/internal/persistence"
	"github.com/petrijr/evalflow/internal/taskqueue"
	"github.com/petrijr/evalflow/pkg/api"
	"github.com/petrijr/evalflow/pkg/worker"
)

type notification struct {
	entityID string
	event    string
	payload  map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, entityID, event string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{entityID: entityID, event: event, payload: payload})
	return n.err
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.event
	}
	return out
}

// services lets each test swap the outcome of the external calls.
type services struct {
	qc       api.QualityReport
	qcErr    error
	qcCalls  int
	cfg      api.QualityReport
	eval     api.EvaluationReport
	evalErr  error
	evalRuns int
}

type fixture struct {
	o       *Orchestrator
	store   *persistence.InMemoryStore
	queue   *taskqueue.InMemoryQueue
	pool    *worker.Pool
	svc     *services
	notes   *recordingNotifier
	metrics *api.BasicMetrics
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store: persistence.NewInMemoryStore(),
		queue: taskqueue.NewInMemoryQueue(taskqueue.WithRetryPolicy(taskqueue.RetryPolicy{})),
		svc: &services{
			qc:   api.QualityReport{Passed: true},
			cfg:  api.QualityReport{Passed: true},
			eval: api.EvaluationReport{Metrics: map[string]float64{"accuracy": 0.93}, ResultRef: "s3://results/eval.json"},
		},
		notes:   &recordingNotifier{},
		metrics: &api.BasicMetrics{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := Config{
		Store: f.store,
		Queue: f.queue,
		QualityCheck: api.QualityCheckFunc(func(ctx context.Context, id string) (api.QualityReport, error) {
			f.svc.qcCalls++
			return f.svc.qc, f.svc.qcErr
		}),
		Evaluation: api.EvaluationFunc(func(ctx context.Context, id string) (api.EvaluationReport, error) {
			f.svc.evalRuns++
			return f.svc.eval, f.svc.evalErr
		}),
		ConfigValidator: api.ConfigValidatorFunc(func(ctx context.Context, id string) (api.QualityReport, error) {
			return f.svc.cfg, nil
		}),
		Notifier: f.notes,
		Observer: f.metrics,
		Logger:   logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	o, err := New(cfg)
	require.NoError(t, err)
	f.o = o
	f.pool = worker.New(f.queue, o.Registry(), worker.Config{Owner: "test", Sink: o, Logger: logger})
	return f
}

// drain processes tasks until the queue has nothing claimable. Handler
// failures are expected in some tests and only claim errors are fatal.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		ok, err := f.pool.ProcessOne(context.Background())
		if !ok {
			require.NoError(t, err)
			return n
		}
		var execErr *api.TaskExecutionError
		if err != nil && !errors.As(err, &execErr) {
			t.Fatalf("ProcessOne: %v", err)
		}
		n++
		require.Less(t, n, 50, "queue never drained")
	}
}

func (f *fixture) evaluation(t *testing.T) (*api.WorkflowInstance, *api.EvaluationInstance) {
	t.Helper()
	ctx := context.Background()
	wf, err := f.o.CreateWorkflow(ctx, "credit scoring", map[string]any{"team": "risk"}, "alice")
	require.NoError(t, err)
	ev, err := f.o.RegisterModel(ctx, wf.ID, "xgb", "1.4.0", "alice")
	require.NoError(t, err)
	return wf, ev
}

func (f *fixture) evalState(t *testing.T, id string) api.EvaluationState {
	t.Helper()
	ev, err := f.o.Evaluation(context.Background(), id)
	require.NoError(t, err)
	return ev.State
}

func (f *fixture) workflowState(t *testing.T, id string) api.WorkflowState {
	t.Helper()
	wf, err := f.o.Workflow(context.Background(), id)
	require.NoError(t, err)
	return wf.State
}

func historyStates(t *testing.T, f *fixture, id string) []string {
	t.Helper()
	hist, err := f.o.History(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, len(hist))
	for i, rec := range hist {
		out[i] = rec.ToState
	}
	return out
}

func pendingTasks(t *testing.T, f *fixture) int {
	t.Helper()
	stats, err := f.o.TaskStats(context.Background())
	require.NoError(t, err)
	return stats[api.TaskPending] + stats[api.TaskRetrying]
}

func TestEvaluationPipeline_UploadToCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)

	taskID, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
	require.Equal(t, api.EvaluationQualityCheckPending, f.evalState(t, ev.ID))

	require.Equal(t, 2, f.drain(t))

	got, err := f.o.Evaluation(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, api.EvaluationCompleted, got.State)
	require.Equal(t, "s3://data/v1.csv", got.DatasetRef)
	require.Equal(t, "s3://results/eval.json", got.ResultRef)

	require.Equal(t, []string{
		"registered",
		"quality_check_pending",
		"quality_check_running",
		"quality_check_passed",
		"evaluation_queued",
		"evaluation_running",
		"evaluation_completed",
	}, historyStates(t, f, ev.ID))
	require.Equal(t, []string{api.EventEvaluationDone}, f.notes.events())

	state, err := f.o.VerifyHistory(ctx, api.KindEvaluation, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "evaluation_completed", state)

	snap := f.metrics.Snapshot()
	// One record per history entry, creation of the workflow included.
	require.EqualValues(t, 8, snap.Transitions)
	require.EqualValues(t, 2, snap.TasksEnqueued)

	_, err = f.o.Archive(ctx, api.KindEvaluation, ev.ID, api.TransitionMetadata{TriggeredBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, api.EvaluationArchived, f.evalState(t, ev.ID))
}

func TestQualityCheckFailure_ParksForDataFix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)
	f.svc.qc = api.QualityReport{Passed: false, Issues: []string{"missing column: label"}}

	_, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, f.drain(t))

	require.Equal(t, api.EvaluationAwaitingDataFix, f.evalState(t, ev.ID))
	hist := historyStates(t, f, ev.ID)
	require.Equal(t, []string{"quality_check_running", "quality_check_failed", "awaiting_data_fix"}, hist[len(hist)-3:])
	require.NotContains(t, hist, "evaluation_queued")
	require.Zero(t, pendingTasks(t, f))
	require.Zero(t, f.svc.evalRuns)

	require.Equal(t, []string{api.EventQualityCheckFailed}, f.notes.events())
	require.Equal(t, []string{"missing column: label"}, f.notes.sent[0].payload["issues"])

	blocked, err := f.o.IsBlocked(ctx, api.KindEvaluation, ev.ID)
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestDataFixUpload_RequeuesQualityCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)
	f.svc.qc = api.QualityReport{Passed: false, Issues: []string{"duplicated rows"}}

	_, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, api.EvaluationAwaitingDataFix, f.evalState(t, ev.ID))

	taskID, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v2.csv", "bob")
	require.NoError(t, err)
	require.Equal(t, api.EvaluationQualityCheckPending, f.evalState(t, ev.ID))

	task, err := f.queue.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, TaskRunQualityCheck, task.Name)
	require.Equal(t, 10, task.Priority)
	require.Equal(t, api.TaskPending, task.Status)

	var args taskArgs
	require.NoError(t, task.DecodeArgs(&args))
	require.Equal(t, ev.ID, args.EntityID)
	require.Equal(t, api.KindEvaluation, args.EntityKind)
	require.NotZero(t, args.TransitionID)

	hist, err := f.o.History(ctx, ev.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	require.Equal(t, "bob", last.TriggeredBy)
	require.Equal(t, "s3://data/v2.csv", last.Payload["file_ref"])
}

func TestQualityCheckPass_QueuesEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)

	_, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)

	ok, err := f.pool.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, api.EvaluationQueued, f.evalState(t, ev.ID))

	claimed, err := f.queue.ClaimNext(ctx, "inspector", 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, TaskRunEvaluation, claimed.Name)
	require.Equal(t, 5, claimed.Priority)
}

func TestReuploadWhilePending_ReplacesDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)

	first, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	second, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1-fixed.csv", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, first)
	require.Empty(t, second)
	require.Equal(t, 1, pendingTasks(t, f))

	got, err := f.o.Evaluation(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "s3://data/v1-fixed.csv", got.DatasetRef)
	require.Equal(t, api.EvaluationQualityCheckPending, got.State)
}

func TestUpload_RejectedOutsideUploadStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, _ := f.evaluation(t)

	_, err := f.o.OnFileUploaded(ctx, wf.ID, api.KindWorkflow, "s3://config.yaml", "alice")
	require.ErrorIs(t, err, api.ErrInvalidTransition)
	var ite *api.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, "template_generation", ite.From)
	require.Zero(t, pendingTasks(t, f))

	_, err = f.o.OnFileUploaded(ctx, wf.ID, api.KindWorkflow, "", "alice")
	require.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = f.o.OnFileUploaded(ctx, wf.ID, api.EntityKind("model"), "s3://x", "alice")
	require.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = f.o.OnFileUploaded(ctx, "missing", api.KindEvaluation, "s3://x", "alice")
	require.ErrorIs(t, err, api.ErrEntityNotFound)
}

func TestWorkflowConfigPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, err := f.o.CreateWorkflow(ctx, "churn", nil, "alice")
	require.NoError(t, err)
	require.Equal(t, api.WorkflowTemplateGeneration, wf.State)

	for _, to := range []api.WorkflowState{api.WorkflowTemplateSent, api.WorkflowAwaitingConfig} {
		_, err := f.o.Advance(ctx, api.KindWorkflow, wf.ID, string(to), api.TransitionMetadata{TriggeredBy: "alice"})
		require.NoError(t, err)
	}

	f.svc.cfg = api.QualityReport{Passed: false, Issues: []string{"unknown metric: f3"}}
	taskID, err := f.o.OnFileUploaded(ctx, wf.ID, api.KindWorkflow, "s3://config/v1.yaml", "alice")
	require.NoError(t, err)
	task, err := f.queue.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, TaskValidateConfig, task.Name)
	require.Equal(t, 10, task.Priority)
	require.Equal(t, api.WorkflowConfigValidationRunning, f.workflowState(t, wf.ID))

	f.drain(t)
	require.Equal(t, api.WorkflowAwaitingConfig, f.workflowState(t, wf.ID))
	require.Equal(t, []string{api.EventConfigInvalid}, f.notes.events())

	f.svc.cfg = api.QualityReport{Passed: true}
	_, err = f.o.OnFileUploaded(ctx, wf.ID, api.KindWorkflow, "s3://config/v2.yaml", "alice")
	require.NoError(t, err)
	require.Equal(t, 2, f.drain(t))
	require.Equal(t, api.WorkflowQualityCheckPassed, f.workflowState(t, wf.ID))
	require.Equal(t, 1, f.svc.qcCalls)

	state, err := f.o.VerifyHistory(ctx, api.KindWorkflow, wf.ID)
	require.NoError(t, err)
	require.Equal(t, "quality_check_passed", state)

	_, err = f.o.Archive(ctx, api.KindWorkflow, wf.ID, api.TransitionMetadata{TriggeredBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, api.WorkflowArchived, f.workflowState(t, wf.ID))
}

func TestWorkflowQualityCheckFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, err := f.o.CreateWorkflow(ctx, "churn", nil, "alice")
	require.NoError(t, err)
	for _, to := range []string{"template_sent", "awaiting_config"} {
		_, err := f.o.Advance(ctx, api.KindWorkflow, wf.ID, to, api.TransitionMetadata{TriggeredBy: "alice"})
		require.NoError(t, err)
	}

	f.svc.qc = api.QualityReport{Passed: false, Issues: []string{"empty holdout"}}
	_, err = f.o.OnFileUploaded(ctx, wf.ID, api.KindWorkflow, "s3://config/v1.yaml", "alice")
	require.NoError(t, err)
	f.drain(t)

	require.Equal(t, api.WorkflowAwaitingDataFix, f.workflowState(t, wf.ID))
	require.Equal(t, []string{api.EventQualityCheckFailed}, f.notes.events())

	// A fixed upload goes back through validation.
	f.svc.qc = api.QualityReport{Passed: true}
	_, err = f.o.OnFileUploaded(ctx, wf.ID, api.KindWorkflow, "s3://config/v2.yaml", "alice")
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, api.WorkflowQualityCheckPassed, f.workflowState(t, wf.ID))
}

func TestRegisterModel_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.RegisterModel(ctx, "missing", "xgb", "1", "alice")
	require.ErrorIs(t, err, api.ErrEntityNotFound)

	wf, err := f.o.CreateWorkflow(ctx, "fraud", nil, "alice")
	require.NoError(t, err)
	_, err = f.o.RegisterModel(ctx, wf.ID, "", "1", "alice")
	require.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = f.o.RegisterModel(ctx, wf.ID, "xgb", "1", "")
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	a, err := f.o.RegisterModel(ctx, wf.ID, "xgb", "1", "alice")
	require.NoError(t, err)
	b, err := f.o.RegisterModel(ctx, wf.ID, "lgbm", "2", "alice")
	require.NoError(t, err)
	list, err := f.o.Evaluations(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, a.ID, list[0].ID)
	require.Equal(t, b.ID, list[1].ID)

	_, err = f.o.Cancel(ctx, api.KindWorkflow, wf.ID, api.TransitionMetadata{TriggeredBy: "alice", Reason: "dropped"})
	require.NoError(t, err)
	_, err = f.o.RegisterModel(ctx, wf.ID, "rf", "3", "alice")
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = f.o.CreateWorkflow(ctx, "", nil, "alice")
	require.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestCancel_StaleTaskIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)

	taskID, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	_, err = f.o.Cancel(ctx, api.KindEvaluation, ev.ID, api.TransitionMetadata{TriggeredBy: "alice", Reason: "wrong model"})
	require.NoError(t, err)

	require.Equal(t, 1, f.drain(t))
	require.Equal(t, api.EvaluationCancelled, f.evalState(t, ev.ID))
	require.Zero(t, f.svc.qcCalls)
	require.Empty(t, f.notes.events())

	task, err := f.queue.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, api.TaskCompleted, task.Status)

	_, err = f.o.Cancel(ctx, api.KindEvaluation, ev.ID, api.TransitionMetadata{TriggeredBy: "alice"})
	require.ErrorIs(t, err, api.ErrInvalidTransition)
}

func TestEvaluationFailure_BlocksThenRetries(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRetries = 1 })
	ctx := context.Background()
	_, ev := f.evaluation(t)
	f.svc.evalErr = errors.New("gpu node unavailable")

	_, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	// quality check, then two evaluation attempts
	require.Equal(t, 3, f.drain(t))
	require.Equal(t, 2, f.svc.evalRuns)
	require.Equal(t, api.EvaluationFailed, f.evalState(t, ev.ID))

	blocked, err := f.o.IsBlocked(ctx, api.KindEvaluation, ev.ID)
	require.NoError(t, err)
	require.True(t, blocked)

	require.Equal(t, []string{api.EventTaskFailed}, f.notes.events())
	note := f.notes.sent[0]
	require.Equal(t, TaskRunEvaluation, note.payload["task_name"])
	require.Equal(t, 2, note.payload["attempts"])
	require.Contains(t, note.payload["error"], "gpu node unavailable")

	hist, err := f.o.History(ctx, ev.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	require.Equal(t, "evaluation_failed", last.ToState)
	require.Equal(t, api.ActorSystem, last.TriggeredBy)

	f.svc.evalErr = nil
	taskID, err := f.o.RetryEvaluation(ctx, ev.ID, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
	require.Equal(t, api.EvaluationQueued, f.evalState(t, ev.ID))

	require.Equal(t, 1, f.drain(t))
	require.Equal(t, api.EvaluationCompleted, f.evalState(t, ev.ID))

	_, err = f.o.RetryEvaluation(ctx, ev.ID, "alice")
	require.ErrorIs(t, err, api.ErrInvalidTransition)
}

func TestQualityCheckServiceFailure_ParksEvaluation(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRetries = 2 })
	ctx := context.Background()
	_, ev := f.evaluation(t)
	f.svc.qcErr = errors.New("profiler timed out")

	_, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	require.Equal(t, 3, f.drain(t))
	require.Equal(t, 3, f.svc.qcCalls)

	require.Equal(t, api.EvaluationAwaitingDataFix, f.evalState(t, ev.ID))
	require.Equal(t, []string{api.EventTaskFailed}, f.notes.events())

	// quality_check_running is entered once; retries find it already running.
	running := 0
	for _, s := range historyStates(t, f, ev.ID) {
		if s == "quality_check_running" {
			running++
		}
	}
	require.Equal(t, 1, running)
}

func TestNotifierError_IsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notes.err = errors.New("smtp down")
	ctx := context.Background()
	_, ev := f.evaluation(t)
	f.svc.qc = api.QualityReport{Passed: false, Issues: []string{"nulls in target"}}

	taskID, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	f.drain(t)

	require.Equal(t, api.EvaluationAwaitingDataFix, f.evalState(t, ev.ID))
	require.Len(t, f.notes.events(), 1)
	task, err := f.queue.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, api.TaskCompleted, task.Status)
}

func TestAdvance_RejectsIllegalTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)

	_, err := f.o.Advance(ctx, api.KindEvaluation, ev.ID, "evaluation_running", api.TransitionMetadata{TriggeredBy: "alice"})
	require.ErrorIs(t, err, api.ErrInvalidTransition)
	_, err = f.o.Advance(ctx, api.KindEvaluation, ev.ID, "quality_check_pending", api.TransitionMetadata{})
	require.Error(t, err)
	require.Equal(t, api.EvaluationRegistered, f.evalState(t, ev.ID))

	_, err = f.o.IsBlocked(ctx, api.EntityKind("model"), ev.ID)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = f.o.VerifyHistory(ctx, api.EntityKind("model"), ev.ID)
	require.Error(t, err)
}

func TestOnTaskResult_RejectsUnknownTask(t *testing.T) {
	f := newFixture(t)
	task := &api.Task{ID: "t-1", Name: "train_model", Args: []byte(`{"entity_id":"e-1","entity_kind":"evaluation"}`)}
	err := f.o.OnTaskResult(context.Background(), task, api.Result{Passed: true}, nil)
	require.ErrorIs(t, err, api.ErrUnknownTask)

	bad := &api.Task{ID: "t-2", Name: TaskRunEvaluation, Args: []byte(`{}`)}
	err = f.o.OnTaskResult(context.Background(), bad, api.Result{}, nil)
	require.True(t, api.IsPermanent(err))
}

func TestNew_Validation(t *testing.T) {
	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue()
	qc := api.QualityCheckFunc(func(ctx context.Context, id string) (api.QualityReport, error) {
		return api.QualityReport{Passed: true}, nil
	})
	eval := api.EvaluationFunc(func(ctx context.Context, id string) (api.EvaluationReport, error) {
		return api.EvaluationReport{}, nil
	})

	for name, cfg := range map[string]Config{
		"no store":      {Queue: queue, QualityCheck: qc, Evaluation: eval},
		"no queue":      {Store: store, QualityCheck: qc, Evaluation: eval},
		"no qc":         {Store: store, Queue: queue, Evaluation: eval},
		"no evaluation": {Store: store, Queue: queue, QualityCheck: qc},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			require.ErrorIs(t, err, api.ErrInvalidArgument)
		})
	}

	reg := worker.NewRegistry()
	reg.MustRegister(TaskRunEvaluation, func(ctx context.Context, task *api.Task) (api.Result, error) {
		return api.Result{}, nil
	})
	_, err := New(Config{Store: store, Queue: queue, QualityCheck: qc, Evaluation: eval, Registry: reg})
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	o, err := New(Config{Store: store, Queue: queue, QualityCheck: qc, Evaluation: eval})
	require.NoError(t, err)
	require.Equal(t, []string{TaskRunEvaluation, TaskRunQualityCheck, TaskValidateConfig}, o.Registry().Names())
}

// flakyStore fails the first transition into failTo.
type flakyStore struct {
	persistence.StateStore
	failTo string
	failed atomic.Bool
}

func (s *flakyStore) ApplyTransition(ctx context.Context, rec *api.TransitionRecord) error {
	if rec.ToState == s.failTo && s.failed.CompareAndSwap(false, true) {
		return errors.New("store unavailable")
	}
	return s.StateStore.ApplyTransition(ctx, rec)
}

func failFirstTransitionTo(state string) func(*Config) {
	return func(c *Config) {
		c.MaxRetries = 2
		c.Store = &flakyStore{StateStore: c.Store, failTo: state}
	}
}

func TestResultNotApplied_TaskRetriesAndEvaluationCompletes(t *testing.T) {
	f := newFixture(t, failFirstTransitionTo("quality_check_passed"))
	ctx := context.Background()
	_, ev := f.evaluation(t)

	qcID, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)

	ok, err := f.pool.ProcessOne(ctx)
	require.True(t, ok)
	var execErr *api.TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, api.EvaluationQualityCheckRunning, f.evalState(t, ev.ID))
	task, err := f.queue.Get(ctx, qcID)
	require.NoError(t, err)
	require.Equal(t, api.TaskRetrying, task.Status)

	// the retried check, then the evaluation
	require.Equal(t, 2, f.drain(t))
	require.Equal(t, api.EvaluationCompleted, f.evalState(t, ev.ID))
	require.Equal(t, 2, f.svc.qcCalls)
	require.Equal(t, 1, f.svc.evalRuns)
	require.Equal(t, []string{api.EventEvaluationDone}, f.notes.events())

	task, err = f.queue.Get(ctx, qcID)
	require.NoError(t, err)
	require.Equal(t, api.TaskCompleted, task.Status)

	state, err := f.o.VerifyHistory(ctx, api.KindEvaluation, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "evaluation_completed", state)
}

func TestResultPartlyApplied_ResumesWithoutRerunningCheck(t *testing.T) {
	f := newFixture(t, failFirstTransitionTo("evaluation_queued"))
	ctx := context.Background()
	_, ev := f.evaluation(t)

	_, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	require.Equal(t, 3, f.drain(t))

	require.Equal(t, api.EvaluationCompleted, f.evalState(t, ev.ID))
	require.Equal(t, 1, f.svc.qcCalls)
	require.Equal(t, 1, f.svc.evalRuns)
	require.Equal(t, []string{
		"registered", "quality_check_pending", "quality_check_running", "quality_check_passed",
		"evaluation_queued", "evaluation_running", "evaluation_completed",
	}, historyStates(t, f, ev.ID))
}

func TestResultAppliedTwice_EnqueuesOneFollowUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)

	qcID, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	ok, err := f.pool.ProcessOne(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, api.EvaluationQueued, f.evalState(t, ev.ID))
	require.Equal(t, 1, pendingTasks(t, f))

	task, err := f.queue.Get(ctx, qcID)
	require.NoError(t, err)
	require.NoError(t, f.o.OnTaskResult(ctx, task, api.Result{Passed: true}, nil))
	require.Equal(t, 1, pendingTasks(t, f))
	require.Equal(t, api.EvaluationQueued, f.evalState(t, ev.ID))

	require.Equal(t, 1, f.drain(t))
	require.Equal(t, api.EvaluationCompleted, f.evalState(t, ev.ID))

	// Once the entity has moved past the result, applying it is a no-op.
	require.NoError(t, f.o.OnTaskResult(ctx, task, api.Result{Passed: true}, nil))
	require.Zero(t, pendingTasks(t, f))
}

func advanceEvaluation(t *testing.T, f *fixture, id string, states ...api.EvaluationState) {
	t.Helper()
	for _, to := range states {
		_, err := f.o.Advance(context.Background(), api.KindEvaluation, id, string(to), api.TransitionMetadata{TriggeredBy: "alice"})
		require.NoError(t, err)
	}
}

func TestPredictionsUpload_QueuesEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)

	_, err := f.o.OnPredictionsUploaded(ctx, ev.ID, "s3://preds/p1.xlsx", "alice")
	require.ErrorIs(t, err, api.ErrInvalidTransition)
	_, err = f.o.OnPredictionsUploaded(ctx, ev.ID, "", "alice")
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	advanceEvaluation(t, f, ev.ID, api.EvaluationQualityCheckPending, api.EvaluationQualityCheckRunning, api.EvaluationQualityCheckPassed)
	taskID, err := f.o.OnPredictionsUploaded(ctx, ev.ID, "s3://preds/p1.xlsx", "bob")
	require.NoError(t, err)
	require.Equal(t, api.EvaluationQueued, f.evalState(t, ev.ID))

	task, err := f.queue.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, TaskRunEvaluation, task.Name)
	require.Equal(t, DefaultPriorities().Evaluation, task.Priority)

	got, err := f.o.Evaluation(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "s3://preds/p1.xlsx", got.PredictionsRef)

	hist, err := f.o.History(ctx, ev.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	require.Equal(t, "bob", last.TriggeredBy)
	require.Equal(t, "s3://preds/p1.xlsx", last.Payload["predictions_ref"])

	require.Equal(t, 1, f.drain(t))
	require.Equal(t, api.EvaluationCompleted, f.evalState(t, ev.ID))
}

func TestPredictionsUpload_RetriesFailedEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ev := f.evaluation(t)
	f.svc.evalErr = api.Permanent(errors.New("predictions sheet is empty"))

	_, err := f.o.OnFileUploaded(ctx, ev.ID, api.KindEvaluation, "s3://data/v1.csv", "alice")
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, api.EvaluationFailed, f.evalState(t, ev.ID))

	f.svc.evalErr = nil
	_, err = f.o.OnPredictionsUploaded(ctx, ev.ID, "s3://preds/p2.xlsx", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, f.drain(t))
	require.Equal(t, api.EvaluationCompleted, f.evalState(t, ev.ID))
}

func TestUploadRequirements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf, ev := f.evaluation(t)

	req, err := f.o.UploadRequirements(ctx, wf.ID, "")
	require.NoError(t, err)
	require.Equal(t, api.WorkflowTemplateGeneration, req.WorkflowState)
	require.Empty(t, req.Required)
	require.Empty(t, req.EvaluationID)

	for _, to := range []string{"template_sent", "awaiting_config"} {
		_, err := f.o.Advance(ctx, api.KindWorkflow, wf.ID, to, api.TransitionMetadata{TriggeredBy: "alice"})
		require.NoError(t, err)
	}
	req, err = f.o.UploadRequirements(ctx, wf.ID, ev.ID)
	require.NoError(t, err)
	require.Equal(t, []api.UploadKind{api.UploadConfig, api.UploadDataset}, req.Required)
	require.Empty(t, req.Optional)
	require.Equal(t, api.EvaluationRegistered, req.EvaluationState)

	advanceEvaluation(t, f, ev.ID, api.EvaluationQualityCheckPending)
	req, err = f.o.UploadRequirements(ctx, wf.ID, ev.ID)
	require.NoError(t, err)
	require.Equal(t, []api.UploadKind{api.UploadConfig}, req.Required)
	require.Equal(t, []api.UploadKind{api.UploadDataset}, req.Optional)

	advanceEvaluation(t, f, ev.ID, api.EvaluationQualityCheckRunning, api.EvaluationQualityCheckPassed)
	req, err = f.o.UploadRequirements(ctx, wf.ID, ev.ID)
	require.NoError(t, err)
	require.Equal(t, []api.UploadKind{api.UploadPredictions}, req.Optional)

	other, err := f.o.CreateWorkflow(ctx, "fraud", nil, "alice")
	require.NoError(t, err)
	_, err = f.o.UploadRequirements(ctx, other.ID, ev.ID)
	require.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = f.o.UploadRequirements(ctx, "missing", "")
	require.ErrorIs(t, err, api.ErrEntityNotFound)
}

func TestStateDurations(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, func(c *Config) { c.Clock = func() time.Time { return now } })
	ctx := context.Background()
	_, ev := f.evaluation(t)

	now = now.Add(5 * time.Minute)
	advanceEvaluation(t, f, ev.ID, api.EvaluationQualityCheckPending)
	now = now.Add(3 * time.Minute)

	got, err := f.o.StateDurations(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]time.Duration{
		"registered":            5 * time.Minute,
		"quality_check_pending": 3 * time.Minute,
	}, got)

	cur, err := f.o.CurrentStateDuration(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, 3*time.Minute, cur)

	_, err = f.o.StateDurations(ctx, "missing")
	require.ErrorIs(t, err, api.ErrEntityNotFound)
	_, err = f.o.CurrentStateDuration(ctx, "missing")
	require.ErrorIs(t, err, api.ErrEntityNotFound)
}
