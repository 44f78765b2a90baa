// Package api contains the public types shared by the evalflow engine:
// entity and task models, lifecycle states, the error taxonomy, collaborator
// interfaces, and observers.
//
// Most users interact with the higher-level evalflow package, which re-exports
// selected types from this package and wires the runtime together.
//
// # Entities
//
// A WorkflowInstance represents one submitted evaluation use case. Each
// registered model gets its own EvaluationInstance, which moves through the
// quality-check and evaluation pipeline independently of its siblings.
// Every state change is captured by an append-only TransitionRecord.
//
// # Tasks
//
// Asynchronous work is represented by Task values persisted in a durable
// queue. A task names the handler that executes it, carries JSON arguments,
// and records its priority, retry accounting and lease.
//
// # Errors
//
// Sentinel errors (ErrInvalidTransition, ErrEntityNotFound,
// ErrConcurrencyConflict, ErrRetriesExhausted, ...) are matched with
// errors.Is. Typed errors such as *InvalidTransitionError carry details and
// are extracted with errors.As. Wrap a handler error with Permanent to skip
// the remaining retries.
//
// # Observability
//
// Observer receives transition and task lifecycle callbacks. NoopObserver,
// LoggingObserver (log/slog), BasicMetrics and NewCompositeObserver cover the
// common cases.
package api
