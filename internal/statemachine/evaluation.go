package statemachine

import (
	"github.com/petrijr/evalflow/internal/persistence"
	"github.com/petrijr/evalflow/pkg/api"
)

// EvaluationMachine drives per-model evaluation lifecycles.
type EvaluationMachine = Machine[api.EvaluationState]

// EvaluationDefinition returns the evaluation transition table. A completed
// evaluation can only be archived; every other non-terminal state can be
// cancelled.
func EvaluationDefinition() Definition[api.EvaluationState] {
	const (
		registered  = api.EvaluationRegistered
		qcPending   = api.EvaluationQualityCheckPending
		qcRunning   = api.EvaluationQualityCheckRunning
		qcPassed    = api.EvaluationQualityCheckPassed
		qcFailed    = api.EvaluationQualityCheckFailed
		awaitingFix = api.EvaluationAwaitingDataFix
		queued      = api.EvaluationQueued
		running     = api.EvaluationRunning
		completed   = api.EvaluationCompleted
		failed      = api.EvaluationFailed
		archived    = api.EvaluationArchived
		cancelled   = api.EvaluationCancelled
	)
	return Definition[api.EvaluationState]{
		Kind:    api.KindEvaluation,
		Initial: registered,
		Transitions: map[api.EvaluationState][]api.EvaluationState{
			registered:  {qcPending, cancelled},
			qcPending:   {qcRunning, cancelled},
			qcRunning:   {qcPassed, qcFailed, cancelled},
			qcPassed:    {queued, cancelled},
			qcFailed:    {awaitingFix, cancelled},
			awaitingFix: {qcPending, cancelled},
			queued:      {running, cancelled},
			running:     {completed, failed, cancelled},
			failed:      {queued, cancelled},
			completed:   {archived},
			archived:    {},
			cancelled:   {},
		},
		Blocked: []api.EvaluationState{awaitingFix, qcFailed, failed},
	}
}

// NewEvaluationMachine returns the evaluation machine persisting through store.
func NewEvaluationMachine(store Store, locker persistence.Locker, opts ...Option) (*EvaluationMachine, error) {
	return New(EvaluationDefinition(), store, locker, opts...)
}

// CanStartEvaluation reports whether an evaluation run may be started from s.
func CanStartEvaluation(s api.EvaluationState) bool {
	return s == api.EvaluationQualityCheckPassed || s == api.EvaluationQueued
}
