package evalflow

import (
	"github.com/petrijr/evalflow/internal/orchestrator"
	"github.com/petrijr/evalflow/internal/taskqueue"
	"github.com/petrijr/evalflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator       = orchestrator.Orchestrator
	Priorities         = orchestrator.Priorities
	WorkflowInstance   = api.WorkflowInstance
	EvaluationInstance = api.EvaluationInstance
	TransitionRecord   = api.TransitionRecord
	TransitionMetadata = api.TransitionMetadata
	Task               = api.Task
	TaskStatus         = api.TaskStatus
	EntityKind         = api.EntityKind
	WorkflowState      = api.WorkflowState
	EvaluationState    = api.EvaluationState
	QualityReport      = api.QualityReport
	EvaluationReport   = api.EvaluationReport
	UploadKind         = api.UploadKind
	UploadRequirements = api.UploadRequirements
	RetryPolicy        = taskqueue.RetryPolicy

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

const (
	KindWorkflow   = api.KindWorkflow
	KindEvaluation = api.KindEvaluation
)

// Task names driven by the orchestrator.
const (
	TaskValidateConfig  = orchestrator.TaskValidateConfig
	TaskRunQualityCheck = orchestrator.TaskRunQualityCheck
	TaskRunEvaluation   = orchestrator.TaskRunEvaluation
)
