package statemachine

import (
	"github.com/petrijr/evalflow/internal/persistence"
	"github.com/petrijr/evalflow/pkg/api"
)

// WorkflowMachine drives use-case lifecycles.
type WorkflowMachine = Machine[api.WorkflowState]

// WorkflowDefinition returns the use-case transition table. Cancellation is
// reachable from every non-terminal state.
func WorkflowDefinition() Definition[api.WorkflowState] {
	const (
		templateGeneration = api.WorkflowTemplateGeneration
		templateSent       = api.WorkflowTemplateSent
		awaitingConfig     = api.WorkflowAwaitingConfig
		configReceived     = api.WorkflowConfigReceived
		validationRunning  = api.WorkflowConfigValidationRunning
		configInvalid      = api.WorkflowConfigInvalid
		qcRunning          = api.WorkflowQualityCheckRunning
		qcFailed           = api.WorkflowQualityCheckFailed
		awaitingDataFix    = api.WorkflowAwaitingDataFix
		qcPassed           = api.WorkflowQualityCheckPassed
		archived           = api.WorkflowArchived
		cancelled          = api.WorkflowCancelled
	)
	return Definition[api.WorkflowState]{
		Kind:    api.KindWorkflow,
		Initial: templateGeneration,
		Transitions: map[api.WorkflowState][]api.WorkflowState{
			templateGeneration: {templateSent, cancelled},
			templateSent:       {awaitingConfig, cancelled},
			awaitingConfig:     {configReceived, cancelled},
			configReceived:     {validationRunning, cancelled},
			validationRunning:  {configInvalid, qcRunning, cancelled},
			configInvalid:      {awaitingConfig, cancelled},
			qcRunning:          {qcPassed, qcFailed, cancelled},
			qcFailed:           {awaitingDataFix, cancelled},
			awaitingDataFix:    {configReceived, cancelled},
			qcPassed:           {archived, cancelled},
			archived:           {},
			cancelled:          {},
		},
		Blocked: []api.WorkflowState{configInvalid, qcFailed, awaitingDataFix},
	}
}

// NewWorkflowMachine returns the use-case machine persisting through store.
func NewWorkflowMachine(store Store, locker persistence.Locker, opts ...Option) (*WorkflowMachine, error) {
	return New(WorkflowDefinition(), store, locker, opts...)
}
