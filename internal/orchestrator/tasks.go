package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/petrijr/evalflow/internal/persistence"
	"github.com/petrijr/evalflow/internal/statemachine"
	"github.com/petrijr/evalflow/pkg/api"
)

// outputSkipped marks a result whose entity moved on, typically cancelled,
// before the task ran. OnTaskResult ignores such results.
const outputSkipped = "skipped"

func skipped(reason string) api.Result {
	return api.Result{Passed: true, Output: map[string]any{outputSkipped: reason}}
}

func decodeArgs(task *api.Task) (taskArgs, error) {
	var args taskArgs
	if err := task.DecodeArgs(&args); err != nil {
		return args, api.Permanent(fmt.Errorf("orchestrator: decode %s args: %w", task.Name, err))
	}
	if args.EntityID == "" {
		return args, api.Permanent(fmt.Errorf("%w: %s task %s has no entity id", api.ErrInvalidArgument, task.Name, task.ID))
	}
	return args, nil
}

func unexpected(kind api.EntityKind, id string, state, task string) error {
	return api.Permanent(fmt.Errorf("%w: %s %s is %s, cannot run %s", errUnexpectedState, kind, id, state, task))
}

// resumed is the result of a task that runs again after its earlier
// result was only partly applied. OnTaskResult continues from the entity's
// current state.
func resumed(state string, passed bool) api.Result {
	return api.Result{Passed: passed, Output: map[string]any{outputResumed: state}}
}

const outputResumed = "resumed"

// followUpID derives the id of the task enqueued when task's result is
// applied, so applying the same result twice enqueues one successor.
func followUpID(task *api.Task, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("evalflow:"+task.ID+"/"+name)).String()
}

// onPath reports whether cur is on path or can step onto it.
func onPath[S ~string](m *statemachine.Machine[S], cur S, path ...S) bool {
	return slices.Contains(path, cur) || m.CanTransition(cur, path[0])
}

func (o *Orchestrator) handleValidateConfig(ctx context.Context, task *api.Task) (api.Result, error) {
	args, err := decodeArgs(task)
	if err != nil {
		return api.Result{}, err
	}

	cur, err := o.workflows.Current(ctx, args.EntityID)
	if err != nil {
		return api.Result{}, api.Permanent(err)
	}
	switch {
	case o.workflows.IsTerminal(cur):
		return skipped(string(cur)), nil
	case cur == api.WorkflowConfigInvalid:
		return resumed(string(cur), false), nil
	case cur == api.WorkflowQualityCheckRunning:
		return resumed(string(cur), true), nil
	case cur != api.WorkflowConfigValidationRunning:
		return api.Result{}, unexpected(api.KindWorkflow, args.EntityID, string(cur), task.Name)
	}

	report, err := o.validator.Validate(ctx, args.EntityID)
	if err != nil {
		return api.Result{}, err
	}
	return api.Result{Passed: report.Passed, Issues: report.Issues}, nil
}

// handleQualityCheck runs the quality check for a workflow or an evaluation.
// Evaluations are moved from quality_check_pending to quality_check_running
// first; a retried attempt finds them already running.
func (o *Orchestrator) handleQualityCheck(ctx context.Context, task *api.Task) (api.Result, error) {
	args, err := decodeArgs(task)
	if err != nil {
		return api.Result{}, err
	}

	switch args.EntityKind {
	case api.KindWorkflow:
		cur, err := o.workflows.Current(ctx, args.EntityID)
		if err != nil {
			return api.Result{}, api.Permanent(err)
		}
		switch {
		case o.workflows.IsTerminal(cur), cur == api.WorkflowQualityCheckPassed:
			return skipped(string(cur)), nil
		case cur == api.WorkflowQualityCheckFailed:
			return resumed(string(cur), false), nil
		case cur != api.WorkflowQualityCheckRunning:
			return api.Result{}, unexpected(api.KindWorkflow, args.EntityID, string(cur), task.Name)
		}

	default:
		var early *api.Result
		err := doEntity(ctx, o, o.evaluations, args.EntityID, func(c *statemachine.Cursor[api.EvaluationState]) error {
			switch cur := c.Current(); cur {
			case api.EvaluationQualityCheckRunning:
				return nil
			case api.EvaluationQualityCheckPending:
				_, err := c.TransitionTo(ctx, api.EvaluationQualityCheckRunning, api.System("quality check started",
					map[string]any{"task_id": task.ID, "attempt": task.RetryCount + 1}))
				return err
			case api.EvaluationQualityCheckFailed:
				r := resumed(string(cur), false)
				early = &r
			case api.EvaluationQualityCheckPassed, api.EvaluationQueued:
				r := resumed(string(cur), true)
				early = &r
			default:
				r := skipped(string(cur))
				early = &r
			}
			return nil
		})
		if err != nil {
			return api.Result{}, permanentIfFinal(err)
		}
		if early != nil {
			return *early, nil
		}
	}

	report, err := o.qc.Run(ctx, args.EntityID)
	if err != nil {
		return api.Result{}, err
	}
	return api.Result{Passed: report.Passed, Issues: report.Issues}, nil
}

func (o *Orchestrator) handleEvaluation(ctx context.Context, task *api.Task) (api.Result, error) {
	args, err := decodeArgs(task)
	if err != nil {
		return api.Result{}, err
	}

	var skip string
	err = doEntity(ctx, o, o.evaluations, args.EntityID, func(c *statemachine.Cursor[api.EvaluationState]) error {
		switch cur := c.Current(); {
		case cur == api.EvaluationRunning:
			return nil
		case statemachine.CanStartEvaluation(cur):
			return c.Walk(ctx, api.System("evaluation started",
				map[string]any{"task_id": task.ID, "attempt": task.RetryCount + 1}),
				api.EvaluationQueued, api.EvaluationRunning)
		default:
			skip = string(cur)
			return nil
		}
	})
	if err != nil {
		return api.Result{}, permanentIfFinal(err)
	}
	if skip != "" {
		return skipped(skip), nil
	}

	report, err := o.eval.Run(ctx, args.EntityID)
	if err != nil {
		return api.Result{}, err
	}
	return api.Result{
		Passed:  true,
		Metrics: report.Metrics,
		Output:  map[string]any{"result_ref": report.ResultRef},
	}, nil
}

func permanentIfFinal(err error) error {
	if errors.Is(err, api.ErrEntityNotFound) || errors.Is(err, api.ErrInvalidTransition) {
		return api.Permanent(err)
	}
	return err
}

// OnTaskResult applies the outcome of a finished task to its entity. A nil
// taskErr means the task completed with res; otherwise the task failed for
// good and the entity moves to the state where a person has to step in.
func (o *Orchestrator) OnTaskResult(ctx context.Context, task *api.Task, res api.Result, taskErr error) error {
	args, err := decodeArgs(task)
	if err != nil {
		return err
	}
	log := o.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_name", task.Name),
		slog.String("entity_id", args.EntityID),
	)

	if taskErr != nil {
		return o.onTaskFailed(ctx, task, args, taskErr)
	}
	if reason, ok := res.Output[outputSkipped]; ok {
		log.InfoContext(ctx, "task_result_skipped", slog.Any("reason", reason))
		return nil
	}

	switch task.Name {
	case TaskValidateConfig:
		return o.configValidated(ctx, task, args, res)
	case TaskRunQualityCheck:
		if args.EntityKind == api.KindWorkflow {
			return o.workflowQualityChecked(ctx, task, args, res)
		}
		return o.evaluationQualityChecked(ctx, task, args, res)
	case TaskRunEvaluation:
		return o.evaluationCompleted(ctx, task, args, res)
	}
	return fmt.Errorf("%w: %q", api.ErrUnknownTask, task.Name)
}

func issuesPayload(task *api.Task, issues []string) map[string]any {
	return map[string]any{
		"task_id":     task.ID,
		"issues":      issues,
		"issue_count": len(issues),
	}
}

func (o *Orchestrator) configValidated(ctx context.Context, task *api.Task, args taskArgs, res api.Result) error {
	id := args.EntityID
	parked := false
	err := doEntity(ctx, o, o.workflows, id, func(c *statemachine.Cursor[api.WorkflowState]) error {
		if !res.Passed {
			path := []api.WorkflowState{api.WorkflowConfigInvalid, api.WorkflowAwaitingConfig}
			if !onPath(o.workflows, c.Current(), path...) {
				return nil
			}
			parked = c.Current() != api.WorkflowAwaitingConfig
			return c.Walk(ctx, api.System("configuration invalid", issuesPayload(task, res.Issues)), path...)
		}

		var cause int64
		switch c.Current() {
		case api.WorkflowConfigValidationRunning:
			rec, err := c.TransitionTo(ctx, api.WorkflowQualityCheckRunning,
				api.System("configuration valid", map[string]any{"task_id": task.ID}))
			if err != nil {
				return err
			}
			cause = rec.ID
		case api.WorkflowQualityCheckRunning:
		default:
			return nil
		}
		_, err := o.enqueue(ctx, TaskRunQualityCheck, api.KindWorkflow, id, o.priorities.QualityCheck, cause,
			followUpID(task, TaskRunQualityCheck))
		return err
	})
	if err == nil && parked {
		o.notify(ctx, id, api.EventConfigInvalid, issuesPayload(task, res.Issues))
	}
	return err
}

func (o *Orchestrator) workflowQualityChecked(ctx context.Context, task *api.Task, args taskArgs, res api.Result) error {
	id := args.EntityID
	parked := false
	err := doEntity(ctx, o, o.workflows, id, func(c *statemachine.Cursor[api.WorkflowState]) error {
		if res.Passed {
			if c.Current() != api.WorkflowQualityCheckRunning {
				return nil
			}
			_, err := c.TransitionTo(ctx, api.WorkflowQualityCheckPassed,
				api.System("quality check passed", map[string]any{"task_id": task.ID}))
			return err
		}
		path := []api.WorkflowState{api.WorkflowQualityCheckFailed, api.WorkflowAwaitingDataFix}
		if !onPath(o.workflows, c.Current(), path...) {
			return nil
		}
		parked = c.Current() != api.WorkflowAwaitingDataFix
		return c.Walk(ctx, api.System("quality check failed", issuesPayload(task, res.Issues)), path...)
	})
	if err == nil && parked {
		o.notify(ctx, id, api.EventQualityCheckFailed, issuesPayload(task, res.Issues))
	}
	return err
}

// evaluationQualityChecked cascades a passed check into a queued
// evaluation, or parks a failed one in awaiting_data_fix. A result applied
// again continues from wherever the first attempt stopped.
func (o *Orchestrator) evaluationQualityChecked(ctx context.Context, task *api.Task, args taskArgs, res api.Result) error {
	id := args.EntityID
	parked := false
	err := doEntity(ctx, o, o.evaluations, id, func(c *statemachine.Cursor[api.EvaluationState]) error {
		if !res.Passed {
			path := []api.EvaluationState{api.EvaluationQualityCheckFailed, api.EvaluationAwaitingDataFix}
			if !onPath(o.evaluations, c.Current(), path...) {
				return nil
			}
			parked = c.Current() != api.EvaluationAwaitingDataFix
			return c.Walk(ctx, api.System("quality check failed", issuesPayload(task, res.Issues)), path...)
		}

		if c.Current() == api.EvaluationQualityCheckRunning {
			if _, err := c.TransitionTo(ctx, api.EvaluationQualityCheckPassed,
				api.System("quality check passed", map[string]any{"task_id": task.ID})); err != nil {
				return err
			}
		}
		var cause int64
		switch c.Current() {
		case api.EvaluationQualityCheckPassed:
			rec, err := c.TransitionTo(ctx, api.EvaluationQueued, api.System("evaluation queued", nil))
			if err != nil {
				return err
			}
			cause = rec.ID
		case api.EvaluationQueued:
		default:
			return nil
		}
		_, err := o.enqueue(ctx, TaskRunEvaluation, api.KindEvaluation, id, o.priorities.Evaluation, cause,
			followUpID(task, TaskRunEvaluation))
		return err
	})
	if err == nil && parked {
		o.notify(ctx, id, api.EventQualityCheckFailed, issuesPayload(task, res.Issues))
	}
	return err
}

func (o *Orchestrator) evaluationCompleted(ctx context.Context, task *api.Task, args taskArgs, res api.Result) error {
	id := args.EntityID
	resultRef, _ := res.Output["result_ref"].(string)
	payload := map[string]any{"task_id": task.ID, "metrics": res.Metrics}
	if resultRef != "" {
		payload["result_ref"] = resultRef
	}

	done := false
	err := doEntity(ctx, o, o.evaluations, id, func(c *statemachine.Cursor[api.EvaluationState]) error {
		if c.Current() != api.EvaluationRunning {
			return nil
		}
		if resultRef != "" {
			if err := o.store.UpdateEvaluationRefs(ctx, id, persistence.EvaluationRefs{ResultRef: resultRef}); err != nil {
				return err
			}
		}
		if _, err := c.TransitionTo(ctx, api.EvaluationCompleted, api.System("evaluation completed", payload)); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err == nil && done {
		o.notify(ctx, id, api.EventEvaluationDone, payload)
	}
	return err
}

// onTaskFailed moves the entity of a permanently failed task to its
// human-action state, recording the last error.
func (o *Orchestrator) onTaskFailed(ctx context.Context, task *api.Task, args taskArgs, taskErr error) error {
	id := args.EntityID
	attempts := task.RetryCount
	var exhausted *api.RetriesExhaustedError
	if errors.As(taskErr, &exhausted) {
		attempts = exhausted.Attempts
	}
	payload := map[string]any{
		"task_id":   task.ID,
		"task_name": task.Name,
		"attempts":  attempts,
		"error":     task.LastError,
	}
	if task.LastError == "" {
		payload["error"] = taskErr.Error()
	}
	meta := api.System(task.Name+" failed", payload)

	moved := false
	var err error
	switch {
	case task.Name == TaskRunEvaluation:
		err = parkOnFailure(ctx, o, o.evaluations, id, meta, &moved,
			api.EvaluationRunning, api.EvaluationFailed)
	case task.Name == TaskRunQualityCheck && args.EntityKind != api.KindWorkflow:
		err = parkOnFailure(ctx, o, o.evaluations, id, meta, &moved,
			api.EvaluationQualityCheckRunning, api.EvaluationQualityCheckFailed, api.EvaluationAwaitingDataFix)
	case task.Name == TaskRunQualityCheck:
		err = parkOnFailure(ctx, o, o.workflows, id, meta, &moved,
			api.WorkflowQualityCheckFailed, api.WorkflowAwaitingDataFix)
	case task.Name == TaskValidateConfig:
		err = parkOnFailure(ctx, o, o.workflows, id, meta, &moved,
			api.WorkflowConfigInvalid, api.WorkflowAwaitingConfig)
	default:
		return fmt.Errorf("%w: %q", api.ErrUnknownTask, task.Name)
	}

	if err != nil {
		return err
	}
	if moved {
		o.logger.WarnContext(ctx, "task_failed_permanently",
			slog.String("task_id", task.ID),
			slog.String("task_name", task.Name),
			slog.String("entity_id", id),
			slog.Int("attempts", attempts),
		)
		o.notify(ctx, id, api.EventTaskFailed, payload)
	}
	return nil
}

// parkOnFailure walks the entity along path unless it already sits at the
// end of it or has moved somewhere path cannot be reached from.
func parkOnFailure[S ~string](ctx context.Context, o *Orchestrator, m *statemachine.Machine[S], id string, meta api.TransitionMetadata, moved *bool, path ...S) error {
	return doEntity(ctx, o, m, id, func(c *statemachine.Cursor[S]) error {
		if c.Current() == path[len(path)-1] || !onPath(m, c.Current(), path...) {
			return nil
		}
		*moved = true
		return c.Walk(ctx, meta, path...)
	})
}
