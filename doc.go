// Package evalflow tracks ML model evaluations through their lifecycle.
//
// A use case (WorkflowInstance) and each model registered under it
// (EvaluationInstance) move through explicit state machines. Every state
// change is persisted together with an append-only TransitionRecord, so the
// current state of any entity can be replayed from its history.
//
// # Core Concepts
//
//  1. Orchestrator
//  2. Task queue
//  3. Worker pool
//  4. Runtime
//
// # Orchestrator
//
// The Orchestrator turns external events (a configuration or dataset
// upload, a manual Advance) into transitions and follow-up tasks, and turns
// task results back into transitions:
//
//	registered → quality_check_pending → quality_check_running
//	  → quality_check_passed → evaluation_queued → evaluation_running
//	  → evaluation_completed
//
// A failed quality check parks the evaluation in awaiting_data_fix until a
// new dataset is uploaded. A task that exhausts its retries moves its entity
// to the state where a person has to step in, and the NotificationService
// is told about it.
//
// # Task queue
//
// Tasks are durable and claimed by priority, then FIFO. Backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - MongoDB
//
// A claim takes a lease that the worker renews while the handler runs. If a
// worker dies, the reaper returns the task to the queue once the lease
// expires, counting the expiry as a failed attempt.
//
// # Worker pool
//
// The pool runs a fixed number of goroutines claiming tasks, dispatching
// them to the handlers the Orchestrator registered, and reporting results
// back. See package pkg/worker.
//
// # Runtime
//
// Runtime bundles backends opened from configuration, an Orchestrator and a
// worker pool:
//
//	rt, err := evalflow.Open(ctx, cfg, evalflow.Services{
//	    QualityCheck: qc,
//	    Evaluation:   runner,
//	})
//	if err != nil { ... }
//	defer rt.Close()
//	_ = rt.Start(ctx)
//
//	wf, _ := rt.Orchestrator.CreateWorkflow(ctx, "credit scoring", nil, "alice")
//	ev, _ := rt.Orchestrator.RegisterModel(ctx, wf.ID, "xgb", "1.4.0", "alice")
//	_, _ = rt.Orchestrator.OnFileUploaded(ctx, ev.ID, evalflow.KindEvaluation, "s3://data.csv", "alice")
//
// NewLocalRuntime gives the same on in-memory backends for development.
package evalflow
