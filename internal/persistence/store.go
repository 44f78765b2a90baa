// Package persistence stores the current state and the append-only
// transition history of workflow and evaluation instances, and provides the
// per-entity locks used to serialize transitions.
package persistence

import (
	"context"

	"github.com/petrijr/evalflow/pkg/api"
)

// StateStore persists entities together with their transition history.
//
// Implementations must keep the current state and the history consistent:
// ApplyTransition is a compare-and-swap on the current state plus a history
// append, performed atomically.
type StateStore interface {
	// CreateWorkflow inserts a new workflow and its creation record.
	CreateWorkflow(ctx context.Context, inst *api.WorkflowInstance, rec *api.TransitionRecord) error
	// CreateEvaluation inserts a new evaluation and its creation record.
	CreateEvaluation(ctx context.Context, inst *api.EvaluationInstance, rec *api.TransitionRecord) error

	GetWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error)
	GetEvaluation(ctx context.Context, id string) (*api.EvaluationInstance, error)
	// ListEvaluations returns the evaluations of a workflow in creation order.
	ListEvaluations(ctx context.Context, workflowID string) ([]*api.EvaluationInstance, error)

	// CurrentState returns the entity's current state or api.ErrEntityNotFound.
	CurrentState(ctx context.Context, kind api.EntityKind, id string) (string, error)

	// ApplyTransition moves the entity from rec.FromState to rec.ToState and
	// appends rec to its history, setting rec.ID. It returns
	// api.ErrConcurrencyConflict if the current state is no longer
	// rec.FromState and api.ErrEntityNotFound if the entity does not exist.
	ApplyTransition(ctx context.Context, rec *api.TransitionRecord) error

	// History returns the entity's records ordered by (At, ID).
	History(ctx context.Context, entityID string) ([]api.TransitionRecord, error)

	// UpdateEvaluationRefs replaces the dataset, predictions and/or result
	// reference.
	// Empty values leave the stored reference untouched.
	UpdateEvaluationRefs(ctx context.Context, id string, refs EvaluationRefs) error

	Close() error
}

// EvaluationRefs carries storage references owned by external collaborators.
type EvaluationRefs struct {
	DatasetRef     string
	PredictionsRef string
	ResultRef      string
}

// Locker serializes work on a single key across goroutines or processes.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases the lock and is safe to call more than once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// HoldLocker is a Locker whose hold can end before unlock is called, as when
// a lease expires. The context returned by LockContext is cancelled with
// cause ErrLockLost as soon as the hold is gone, and on unlock.
type HoldLocker interface {
	Locker
	LockContext(ctx context.Context, key string) (held context.Context, unlock func(), err error)
}
