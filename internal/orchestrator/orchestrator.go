// Package orchestrator turns external events and task results into state
// transitions and follow-up tasks.
//
// Every transition-then-enqueue sequence runs under the entity's lock, so a
// given workflow or evaluation never observes two interleaved events. The
// state store and the queue are separate stores: a crash between a
// transition and its enqueue leaves the entity in its "running" state with
// no task, which shows up in History and can be recovered with Advance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/petrijr/evalflow/internal/persistence"
	"github.com/petrijr/evalflow/internal/statemachine"
	"github.com/petrijr/evalflow/internal/taskqueue"
	"github.com/petrijr/evalflow/pkg/api"
	"github.com/petrijr/evalflow/pkg/worker"
)

// Task names enqueued by the orchestrator.
const (
	TaskValidateConfig  = "validate_config"
	TaskRunQualityCheck = "run_quality_check"
	TaskRunEvaluation   = "run_evaluation"
)

// TaskNames lists every task the orchestrator can enqueue.
var TaskNames = []string{TaskValidateConfig, TaskRunQualityCheck, TaskRunEvaluation}

var validate = validator.New()

// Priorities sets the queue priority of each task kind.
type Priorities struct {
	ConfigValidation int
	QualityCheck     int
	Evaluation       int
}

// DefaultPriorities runs validation and quality checks ahead of evaluations.
func DefaultPriorities() Priorities {
	return Priorities{ConfigValidation: 10, QualityCheck: 10, Evaluation: 5}
}

// Config holds the orchestrator's collaborators. Store, Queue, QualityCheck
// and Evaluation are required.
type Config struct {
	Store  persistence.StateStore
	Queue  taskqueue.Queue
	Locker persistence.Locker

	// Registry receives the orchestrator's task handlers. A new one is
	// created when nil.
	Registry *worker.Registry

	QualityCheck    api.QualityCheckService
	Evaluation      api.EvaluationService
	ConfigValidator api.ConfigValidator // nil accepts every configuration
	Notifier        api.NotificationService

	Observer   api.Observer
	Logger     *slog.Logger
	Priorities *Priorities
	// MaxRetries for enqueued tasks; 0 uses the queue default.
	MaxRetries int
	Clock      func() time.Time
}

// Orchestrator coordinates workflows and evaluations.
type Orchestrator struct {
	store       persistence.StateStore
	queue       taskqueue.Queue
	workflows   *statemachine.WorkflowMachine
	evaluations *statemachine.EvaluationMachine
	registry    *worker.Registry

	qc        api.QualityCheckService
	eval      api.EvaluationService
	validator api.ConfigValidator
	notifier  api.NotificationService

	observer   api.Observer
	logger     *slog.Logger
	priorities Priorities
	maxRetries int
	now        func() time.Time
}

// Ensure Orchestrator can receive results from a worker pool.
var _ worker.ResultSink = (*Orchestrator)(nil)

// New wires an Orchestrator, registers its handlers on cfg.Registry and
// checks that the registry can run every task it enqueues.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("%w: orchestrator needs a state store", api.ErrInvalidArgument)
	case cfg.Queue == nil:
		return nil, fmt.Errorf("%w: orchestrator needs a task queue", api.ErrInvalidArgument)
	case cfg.QualityCheck == nil:
		return nil, fmt.Errorf("%w: orchestrator needs a quality check service", api.ErrInvalidArgument)
	case cfg.Evaluation == nil:
		return nil, fmt.Errorf("%w: orchestrator needs an evaluation service", api.ErrInvalidArgument)
	}

	o := &Orchestrator{
		store:      cfg.Store,
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		qc:         cfg.QualityCheck,
		eval:       cfg.Evaluation,
		validator:  cfg.ConfigValidator,
		notifier:   cfg.Notifier,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		priorities: DefaultPriorities(),
		maxRetries: cfg.MaxRetries,
		now:        cfg.Clock,
	}
	if cfg.Priorities != nil {
		o.priorities = *cfg.Priorities
	}
	if o.registry == nil {
		o.registry = worker.NewRegistry()
	}
	if o.observer == nil {
		o.observer = api.NoopObserver{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.validator == nil {
		o.validator = api.ConfigValidatorFunc(func(ctx context.Context, workflowID string) (api.QualityReport, error) {
			return api.QualityReport{Passed: true}, nil
		})
	}

	locker := cfg.Locker
	if locker == nil {
		locker = persistence.NewKeyedMutex()
	}
	var err error
	if o.workflows, err = statemachine.NewWorkflowMachine(cfg.Store, locker, statemachine.WithClock(o.now)); err != nil {
		return nil, err
	}
	if o.evaluations, err = statemachine.NewEvaluationMachine(cfg.Store, locker, statemachine.WithClock(o.now)); err != nil {
		return nil, err
	}

	handlers := map[string]worker.Handler{
		TaskValidateConfig:  o.handleValidateConfig,
		TaskRunQualityCheck: o.handleQualityCheck,
		TaskRunEvaluation:   o.handleEvaluation,
	}
	for _, name := range TaskNames {
		if err := o.registry.Register(name, handlers[name]); err != nil {
			return nil, fmt.Errorf("orchestrator: register %s: %w", name, err)
		}
	}
	if err := o.registry.Validate(TaskNames...); err != nil {
		return nil, err
	}
	return o, nil
}

// Registry returns the registry holding the orchestrator's handlers.
func (o *Orchestrator) Registry() *worker.Registry { return o.registry }

type workflowInput struct {
	Name  string `validate:"required,max=256"`
	Actor string `validate:"required"`
}

type modelInput struct {
	WorkflowID   string `validate:"required"`
	ModelID      string `validate:"required"`
	ModelVersion string `validate:"required"`
	Actor        string `validate:"required"`
}

type uploadInput struct {
	EntityID string `validate:"required"`
	FileRef  string `validate:"required"`
	Actor    string `validate:"required"`
}

func validateInput(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", api.ErrInvalidArgument, err)
	}
	return nil
}

// CreateWorkflow registers a new use case in template_generation.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, name string, metadata map[string]any, actor string) (*api.WorkflowInstance, error) {
	if err := validateInput(workflowInput{Name: name, Actor: actor}); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rec, err := o.workflows.NewRecord(id, api.TransitionMetadata{
		TriggeredBy: actor,
		Reason:      "workflow created",
		Payload:     map[string]any{"name": name},
	})
	if err != nil {
		return nil, err
	}
	inst := &api.WorkflowInstance{
		ID:        id,
		Name:      name,
		State:     o.workflows.Initial(),
		Metadata:  metadata,
		CreatedAt: rec.At,
		UpdatedAt: rec.At,
	}
	if err := o.store.CreateWorkflow(ctx, inst, rec); err != nil {
		return nil, err
	}
	o.observer.OnTransition(ctx, *rec)
	return inst, nil
}

// RegisterModel adds an evaluation in registered under a live workflow.
func (o *Orchestrator) RegisterModel(ctx context.Context, workflowID, modelID, version, actor string) (*api.EvaluationInstance, error) {
	in := modelInput{WorkflowID: workflowID, ModelID: modelID, ModelVersion: version, Actor: actor}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if o.workflows.IsTerminal(wf.State) {
		return nil, fmt.Errorf("%w: workflow %s is %s", api.ErrInvalidArgument, workflowID, wf.State)
	}

	id := uuid.NewString()
	rec, err := o.evaluations.NewRecord(id, api.TransitionMetadata{
		TriggeredBy: actor,
		Reason:      "model registered",
		Payload:     map[string]any{"workflow_id": workflowID, "model_id": modelID, "model_version": version},
	})
	if err != nil {
		return nil, err
	}
	inst := &api.EvaluationInstance{
		ID:           id,
		WorkflowID:   workflowID,
		ModelID:      modelID,
		ModelVersion: version,
		State:        o.evaluations.Initial(),
		CreatedAt:    rec.At,
		UpdatedAt:    rec.At,
	}
	if err := o.store.CreateEvaluation(ctx, inst, rec); err != nil {
		return nil, err
	}
	o.observer.OnTransition(ctx, *rec)
	return inst, nil
}

// OnFileUploaded reacts to a dataset (evaluation) or configuration
// (workflow) upload and returns the id of the task it enqueued.
//
// An evaluation accepts uploads in registered and awaiting_data_fix. A
// re-upload while quality_check_pending only replaces the dataset reference;
// the queued check picks it up and no task id is returned. A workflow
// accepts uploads in awaiting_config and awaiting_data_fix. Any other state
// fails with *api.InvalidTransitionError.
func (o *Orchestrator) OnFileUploaded(ctx context.Context, entityID string, kind api.EntityKind, fileRef, actor string) (string, error) {
	if err := validateInput(uploadInput{EntityID: entityID, FileRef: fileRef, Actor: actor}); err != nil {
		return "", err
	}
	meta := api.TransitionMetadata{
		TriggeredBy: actor,
		Reason:      "file uploaded",
		Payload:     map[string]any{"file_ref": fileRef},
	}

	switch kind {
	case api.KindEvaluation:
		return o.evaluationUpload(ctx, entityID, fileRef, meta)
	case api.KindWorkflow:
		return o.workflowUpload(ctx, entityID, meta)
	default:
		return "", fmt.Errorf("%w: unknown entity kind %q", api.ErrInvalidArgument, kind)
	}
}

func (o *Orchestrator) evaluationUpload(ctx context.Context, id, fileRef string, meta api.TransitionMetadata) (string, error) {
	var taskID string
	err := doEntity(ctx, o, o.evaluations, id, func(c *statemachine.Cursor[api.EvaluationState]) error {
		refs := persistence.EvaluationRefs{DatasetRef: fileRef}
		if c.Current() == api.EvaluationQualityCheckPending {
			o.logger.InfoContext(ctx, "dataset_replaced",
				slog.String("entity_id", id),
				slog.String("file_ref", fileRef),
			)
			return o.store.UpdateEvaluationRefs(ctx, id, refs)
		}

		rec, err := c.TransitionTo(ctx, api.EvaluationQualityCheckPending, meta)
		if err != nil {
			return err
		}
		if err := o.store.UpdateEvaluationRefs(ctx, id, refs); err != nil {
			return err
		}
		taskID, err = o.enqueue(ctx, TaskRunQualityCheck, api.KindEvaluation, id, o.priorities.QualityCheck, rec.ID, "")
		return err
	})
	return taskID, err
}

func (o *Orchestrator) workflowUpload(ctx context.Context, id string, meta api.TransitionMetadata) (string, error) {
	var taskID string
	err := doEntity(ctx, o, o.workflows, id, func(c *statemachine.Cursor[api.WorkflowState]) error {
		if _, err := c.TransitionTo(ctx, api.WorkflowConfigReceived, meta); err != nil {
			return err
		}
		rec, err := c.TransitionTo(ctx, api.WorkflowConfigValidationRunning, api.System("configuration validation started", nil))
		if err != nil {
			return err
		}
		taskID, err = o.enqueue(ctx, TaskValidateConfig, api.KindWorkflow, id, o.priorities.ConfigValidation, rec.ID, "")
		return err
	})
	return taskID, err
}

// taskArgs is the JSON payload of every orchestrator task.
type taskArgs struct {
	EntityID   string         `json:"entity_id"`
	EntityKind api.EntityKind `json:"entity_kind"`
	// TransitionID is the record that caused the enqueue.
	TransitionID int64 `json:"transition_id,omitempty"`
}

// enqueue adds a task for the entity. A non-empty taskID makes the enqueue
// idempotent: when a task with that id already exists its id is returned.
func (o *Orchestrator) enqueue(ctx context.Context, name string, kind api.EntityKind, entityID string, priority int, cause int64, taskID string) (string, error) {
	args := taskArgs{EntityID: entityID, EntityKind: kind, TransitionID: cause}
	opts := []taskqueue.EnqueueOption{taskqueue.WithPriority(priority)}
	if o.maxRetries > 0 {
		opts = append(opts, taskqueue.WithMaxRetries(o.maxRetries))
	}
	if taskID != "" {
		opts = append(opts, taskqueue.WithTaskID(taskID))
	}
	id, err := o.queue.Enqueue(ctx, name, args, opts...)
	if taskID != "" && errors.Is(err, taskqueue.ErrDuplicateTask) {
		o.logger.InfoContext(ctx, "task_already_enqueued",
			slog.String("task_id", taskID),
			slog.String("task_name", name),
			slog.String("entity_id", entityID),
		)
		return taskID, nil
	}
	if err != nil {
		return "", fmt.Errorf("orchestrator: enqueue %s for %s %s: %w", name, kind, entityID, err)
	}
	o.observer.OnTaskEnqueued(ctx, &api.Task{
		ID:       id,
		Name:     name,
		Status:   api.TaskPending,
		Priority: priority,
	})
	return id, nil
}

// doEntity runs fn under the entity lock and reports every persisted
// transition to the observer, including those made before fn failed.
func doEntity[S ~string](ctx context.Context, o *Orchestrator, m *statemachine.Machine[S], id string, fn func(c *statemachine.Cursor[S]) error) error {
	var applied []api.TransitionRecord
	err := m.Do(ctx, id, func(c *statemachine.Cursor[S]) error {
		defer func() { applied = c.Applied() }()
		return fn(c)
	})
	for _, rec := range applied {
		o.observer.OnTransition(ctx, rec)
	}
	return err
}

func (o *Orchestrator) notify(ctx context.Context, entityID, event string, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, entityID, event, payload); err != nil {
		o.logger.WarnContext(ctx, "notification_failed",
			slog.String("entity_id", entityID),
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}

// Advance applies a manual transition, for example template_sent or
// awaiting_config, which are driven by people rather than tasks.
func (o *Orchestrator) Advance(ctx context.Context, kind api.EntityKind, id, to string, meta api.TransitionMetadata) (api.TransitionRecord, error) {
	var rec api.TransitionRecord
	var err error
	switch kind {
	case api.KindWorkflow:
		err = doEntity(ctx, o, o.workflows, id, func(c *statemachine.Cursor[api.WorkflowState]) error {
			r, terr := c.TransitionTo(ctx, api.WorkflowState(to), meta)
			rec = r
			return terr
		})
	case api.KindEvaluation:
		err = doEntity(ctx, o, o.evaluations, id, func(c *statemachine.Cursor[api.EvaluationState]) error {
			r, terr := c.TransitionTo(ctx, api.EvaluationState(to), meta)
			rec = r
			return terr
		})
	default:
		err = fmt.Errorf("%w: unknown entity kind %q", api.ErrInvalidArgument, kind)
	}
	return rec, err
}

// Cancel moves an entity to cancelled. Tasks already queued for it finish
// without effect.
func (o *Orchestrator) Cancel(ctx context.Context, kind api.EntityKind, id string, meta api.TransitionMetadata) (api.TransitionRecord, error) {
	return o.Advance(ctx, kind, id, cancelledState(kind), meta)
}

// Archive moves a finished entity to archived.
func (o *Orchestrator) Archive(ctx context.Context, kind api.EntityKind, id string, meta api.TransitionMetadata) (api.TransitionRecord, error) {
	return o.Advance(ctx, kind, id, archivedState(kind), meta)
}

func cancelledState(kind api.EntityKind) string {
	if kind == api.KindWorkflow {
		return string(api.WorkflowCancelled)
	}
	return string(api.EvaluationCancelled)
}

func archivedState(kind api.EntityKind) string {
	if kind == api.KindWorkflow {
		return string(api.WorkflowArchived)
	}
	return string(api.EvaluationArchived)
}

// RetryEvaluation requeues a failed evaluation and returns the new task id.
func (o *Orchestrator) RetryEvaluation(ctx context.Context, id, actor string) (string, error) {
	var taskID string
	err := doEntity(ctx, o, o.evaluations, id, func(c *statemachine.Cursor[api.EvaluationState]) error {
		if c.Current() != api.EvaluationFailed {
			return &api.InvalidTransitionError{
				Kind:     api.KindEvaluation,
				EntityID: id,
				From:     string(c.Current()),
				To:       string(api.EvaluationQueued),
				Allowed:  stateNames(c.Allowed()),
			}
		}
		rec, err := c.TransitionTo(ctx, api.EvaluationQueued, api.TransitionMetadata{
			TriggeredBy: actor,
			Reason:      "evaluation retried",
		})
		if err != nil {
			return err
		}
		taskID, err = o.enqueue(ctx, TaskRunEvaluation, api.KindEvaluation, id, o.priorities.Evaluation, rec.ID, "")
		return err
	})
	return taskID, err
}

// OnPredictionsUploaded records model predictions for an evaluation whose
// quality check passed, or whose evaluation failed, and queues the
// evaluation. It returns the id of the enqueued run_evaluation task.
func (o *Orchestrator) OnPredictionsUploaded(ctx context.Context, id, fileRef, actor string) (string, error) {
	if err := validateInput(uploadInput{EntityID: id, FileRef: fileRef, Actor: actor}); err != nil {
		return "", err
	}
	var taskID string
	err := doEntity(ctx, o, o.evaluations, id, func(c *statemachine.Cursor[api.EvaluationState]) error {
		rec, err := c.TransitionTo(ctx, api.EvaluationQueued, api.TransitionMetadata{
			TriggeredBy: actor,
			Reason:      "predictions uploaded",
			Payload:     map[string]any{"predictions_ref": fileRef},
		})
		if err != nil {
			return err
		}
		if err := o.store.UpdateEvaluationRefs(ctx, id, persistence.EvaluationRefs{PredictionsRef: fileRef}); err != nil {
			return err
		}
		taskID, err = o.enqueue(ctx, TaskRunEvaluation, api.KindEvaluation, id, o.priorities.Evaluation, rec.ID, "")
		return err
	})
	return taskID, err
}

// UploadRequirements reports which files the workflow, and the evaluation
// when evaluationID is set, accept next.
func (o *Orchestrator) UploadRequirements(ctx context.Context, workflowID, evaluationID string) (*api.UploadRequirements, error) {
	wfState, err := o.workflows.Current(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	req := &api.UploadRequirements{WorkflowID: workflowID, WorkflowState: wfState}
	if o.workflows.CanTransition(wfState, api.WorkflowConfigReceived) {
		req.Required = append(req.Required, api.UploadConfig)
	}
	if evaluationID == "" {
		return req, nil
	}

	ev, err := o.store.GetEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	if ev.WorkflowID != workflowID {
		return nil, fmt.Errorf("%w: evaluation %s belongs to workflow %s", api.ErrInvalidArgument, evaluationID, ev.WorkflowID)
	}
	req.EvaluationID = evaluationID
	req.EvaluationState = ev.State
	switch {
	case o.evaluations.CanTransition(ev.State, api.EvaluationQualityCheckPending):
		req.Required = append(req.Required, api.UploadDataset)
	case ev.State == api.EvaluationQualityCheckPending:
		req.Optional = append(req.Optional, api.UploadDataset)
	}
	if o.evaluations.CanTransition(ev.State, api.EvaluationQueued) {
		req.Optional = append(req.Optional, api.UploadPredictions)
	}
	return req, nil
}

func stateNames[S ~string](states []S) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func (o *Orchestrator) Workflow(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return o.store.GetWorkflow(ctx, id)
}

func (o *Orchestrator) Evaluation(ctx context.Context, id string) (*api.EvaluationInstance, error) {
	return o.store.GetEvaluation(ctx, id)
}

// Evaluations lists a workflow's evaluations in registration order.
func (o *Orchestrator) Evaluations(ctx context.Context, workflowID string) ([]*api.EvaluationInstance, error) {
	if _, err := o.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return o.store.ListEvaluations(ctx, workflowID)
}

// History returns the entity's audit trail in order.
func (o *Orchestrator) History(ctx context.Context, entityID string) ([]api.TransitionRecord, error) {
	return o.store.History(ctx, entityID)
}

// VerifyHistory replays the entity's history and checks that it ends in the
// stored current state. It returns the replayed state.
func (o *Orchestrator) VerifyHistory(ctx context.Context, kind api.EntityKind, id string) (string, error) {
	hist, err := o.store.History(ctx, id)
	if err != nil {
		return "", err
	}
	cur, err := o.store.CurrentState(ctx, kind, id)
	if err != nil {
		return "", err
	}

	var replayed string
	switch kind {
	case api.KindWorkflow:
		s, err := o.workflows.Replay(hist)
		if err != nil {
			return "", err
		}
		replayed = string(s)
	case api.KindEvaluation:
		s, err := o.evaluations.Replay(hist)
		if err != nil {
			return "", err
		}
		replayed = string(s)
	default:
		return "", fmt.Errorf("%w: unknown entity kind %q", api.ErrInvalidArgument, kind)
	}
	if replayed != cur {
		return replayed, fmt.Errorf("%w: %s %s history replays to %q but current state is %q",
			api.ErrConcurrencyConflict, kind, id, replayed, cur)
	}
	return replayed, nil
}

// StateDurations returns the total time the entity spent in each state it
// visited, counting the current state up to now.
func (o *Orchestrator) StateDurations(ctx context.Context, entityID string) (map[string]time.Duration, error) {
	hist, err := o.entityHistory(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return statemachine.TimeInStates(hist, o.now()), nil
}

// CurrentStateDuration returns how long the entity has been in its current
// state.
func (o *Orchestrator) CurrentStateDuration(ctx context.Context, entityID string) (time.Duration, error) {
	hist, err := o.entityHistory(ctx, entityID)
	if err != nil {
		return 0, err
	}
	return statemachine.TimeInCurrentState(hist, o.now()), nil
}

func (o *Orchestrator) entityHistory(ctx context.Context, entityID string) ([]api.TransitionRecord, error) {
	hist, err := o.store.History(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(hist) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrEntityNotFound, entityID)
	}
	return hist, nil
}

// TaskStats returns the number of tasks per status.
func (o *Orchestrator) TaskStats(ctx context.Context) (map[api.TaskStatus]int, error) {
	return o.queue.Stats(ctx)
}

// IsBlocked reports whether the entity waits on human action.
func (o *Orchestrator) IsBlocked(ctx context.Context, kind api.EntityKind, id string) (bool, error) {
	switch kind {
	case api.KindWorkflow:
		s, err := o.workflows.Current(ctx, id)
		if err != nil {
			return false, err
		}
		return o.workflows.IsBlocked(s), nil
	case api.KindEvaluation:
		s, err := o.evaluations.Current(ctx, id)
		if err != nil {
			return false, err
		}
		return o.evaluations.IsBlocked(s), nil
	}
	return false, fmt.Errorf("%w: unknown entity kind %q", api.ErrInvalidArgument, kind)
}

var errUnexpectedState = errors.New("entity is not in a state this task can run from")
