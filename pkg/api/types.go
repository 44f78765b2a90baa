package api

import (
	"encoding/json"
	"time"
)

// WorkflowInstance is a submitted evaluation use case.
type WorkflowInstance struct {
	ID        string
	Name      string
	State     WorkflowState
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EvaluationInstance is one model's pass through the quality-check and
// evaluation pipeline. WorkflowID is a lookup reference only.
type EvaluationInstance struct {
	ID           string
	WorkflowID   string
	ModelID      string
	ModelVersion string
	State        EvaluationState
	DatasetRef   string
	// PredictionsRef points at model outputs uploaded separately from the
	// dataset, when the model does not produce them itself.
	PredictionsRef string
	ResultRef      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionRecord is an immutable audit entry for one state change.
// FromState is empty only for the record written at creation.
type TransitionRecord struct {
	ID          int64
	EntityID    string
	EntityKind  EntityKind
	FromState   string
	ToState     string
	TriggeredBy string
	Reason      string
	Payload     map[string]any
	At          time.Time
}

// TransitionMetadata is supplied by callers of a state machine transition.
type TransitionMetadata struct {
	TriggeredBy string `validate:"required"`
	Reason      string `validate:"max=1024"`
	Payload     map[string]any
}

// System returns metadata for an engine-driven transition.
func System(reason string, payload map[string]any) TransitionMetadata {
	return TransitionMetadata{TriggeredBy: ActorSystem, Reason: reason, Payload: payload}
}

// Task is a durable unit of asynchronous work bound to a named handler.
type Task struct {
	ID             string
	Name           string
	Args           json.RawMessage
	Status         TaskStatus
	Priority       int
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	NotBefore      time.Time
	LastError      string
	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// DecodeArgs unmarshals the task arguments into v.
func (t *Task) DecodeArgs(v any) error {
	if len(t.Args) == 0 {
		return nil
	}
	return json.Unmarshal(t.Args, v)
}

// Result is what a task handler reports back on success.
type Result struct {
	Passed  bool
	Issues  []string
	Metrics map[string]float64
	Output  map[string]any
}

// QualityReport is returned by quality checks and config validation.
type QualityReport struct {
	Passed bool
	Issues []string
}

// EvaluationReport is returned by an evaluation run.
type EvaluationReport struct {
	Metrics   map[string]float64
	ResultRef string
}

// UploadKind names a file an entity can accept.
type UploadKind string

const (
	UploadConfig      UploadKind = "config"
	UploadDataset     UploadKind = "dataset"
	UploadPredictions UploadKind = "predictions"
)

// UploadRequirements lists the uploads a workflow and, optionally, one of
// its evaluations accept in their current states. Required uploads block
// progress; optional ones replace or add a reference.
type UploadRequirements struct {
	WorkflowID    string
	WorkflowState WorkflowState

	EvaluationID    string
	EvaluationState EvaluationState

	Required []UploadKind
	Optional []UploadKind
}
