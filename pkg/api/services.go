package api

import "context"

// QualityCheckService runs data quality checks for an entity's dataset.
type QualityCheckService interface {
	Run(ctx context.Context, entityID string) (QualityReport, error)
}

// ConfigValidator validates an uploaded use-case configuration.
type ConfigValidator interface {
	Validate(ctx context.Context, workflowID string) (QualityReport, error)
}

// EvaluationService computes evaluation metrics for a model.
type EvaluationService interface {
	Run(ctx context.Context, entityID string) (EvaluationReport, error)
}

// NotificationService delivers user-facing notifications. Failures are
// logged by callers and never block a transition.
type NotificationService interface {
	Notify(ctx context.Context, entityID, eventType string, payload map[string]any) error
}

// Notification event types.
const (
	EventConfigInvalid      = "config_invalid"
	EventQualityCheckFailed = "quality_check_failed"
	EventEvaluationDone     = "evaluation_completed"
	EventTaskFailed         = "task_failed"
)

// QualityCheckFunc adapts a function to QualityCheckService.
type QualityCheckFunc func(ctx context.Context, entityID string) (QualityReport, error)

func (f QualityCheckFunc) Run(ctx context.Context, entityID string) (QualityReport, error) {
	return f(ctx, entityID)
}

// ConfigValidatorFunc adapts a function to ConfigValidator.
type ConfigValidatorFunc func(ctx context.Context, workflowID string) (QualityReport, error)

func (f ConfigValidatorFunc) Validate(ctx context.Context, workflowID string) (QualityReport, error) {
	return f(ctx, workflowID)
}

// EvaluationFunc adapts a function to EvaluationService.
type EvaluationFunc func(ctx context.Context, entityID string) (EvaluationReport, error)

func (f EvaluationFunc) Run(ctx context.Context, entityID string) (EvaluationReport, error) {
	return f(ctx, entityID)
}

// NotifyFunc adapts a function to NotificationService.
type NotifyFunc func(ctx context.Context, entityID, eventType string, payload map[string]any) error

func (f NotifyFunc) Notify(ctx context.Context, entityID, eventType string, payload map[string]any) error {
	return f(ctx, entityID, eventType, payload)
}
