package api

// EntityKind distinguishes the two state-machine driven entities.
type EntityKind string

const (
	KindWorkflow   EntityKind = "workflow"
	KindEvaluation EntityKind = "evaluation"
)

// WorkflowState is the lifecycle state of a use case (WorkflowInstance).
type WorkflowState string

const (
	WorkflowTemplateGeneration      WorkflowState = "template_generation"
	WorkflowTemplateSent            WorkflowState = "template_sent"
	WorkflowAwaitingConfig          WorkflowState = "awaiting_config"
	WorkflowConfigReceived          WorkflowState = "config_received"
	WorkflowConfigValidationRunning WorkflowState = "config_validation_running"
	WorkflowConfigInvalid           WorkflowState = "config_invalid"
	WorkflowQualityCheckRunning     WorkflowState = "quality_check_running"
	WorkflowQualityCheckFailed      WorkflowState = "quality_check_failed"
	WorkflowAwaitingDataFix         WorkflowState = "awaiting_data_fix"
	WorkflowQualityCheckPassed      WorkflowState = "quality_check_passed"
	WorkflowArchived                WorkflowState = "archived"
	WorkflowCancelled               WorkflowState = "cancelled"
)

// EvaluationState is the lifecycle state of one model evaluation.
type EvaluationState string

const (
	EvaluationRegistered          EvaluationState = "registered"
	EvaluationQualityCheckPending EvaluationState = "quality_check_pending"
	EvaluationQualityCheckRunning EvaluationState = "quality_check_running"
	EvaluationQualityCheckPassed  EvaluationState = "quality_check_passed"
	EvaluationQualityCheckFailed  EvaluationState = "quality_check_failed"
	EvaluationAwaitingDataFix     EvaluationState = "awaiting_data_fix"
	EvaluationQueued              EvaluationState = "evaluation_queued"
	EvaluationRunning             EvaluationState = "evaluation_running"
	EvaluationCompleted           EvaluationState = "evaluation_completed"
	EvaluationFailed              EvaluationState = "evaluation_failed"
	EvaluationArchived            EvaluationState = "archived"
	EvaluationCancelled           EvaluationState = "cancelled"
)

// TaskStatus is the queue-level status of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
)

// TaskStatuses lists every TaskStatus in DAG order.
var TaskStatuses = []TaskStatus{TaskPending, TaskRunning, TaskRetrying, TaskCompleted, TaskFailed}

// Terminal reports whether no further status change is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ActorSystem is the TriggeredBy value used for engine-driven transitions.
const ActorSystem = "system"
