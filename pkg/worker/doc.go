// Package worker runs queued tasks.
//
// A Pool owns a fixed number of goroutines that claim tasks from a
// taskqueue.Queue, look up the handler registered under the task's name and
// record the outcome back on the queue. Handlers never crash a worker:
// errors become failed attempts and panics are recovered.
//
// # Leases
//
// Every claim carries a lease. While a handler runs, the worker renews the
// lease every HeartbeatInterval; if renewal reports the lease lost, the
// handler's context is cancelled. A pool with ReapInterval set also runs a
// reaper that recovers tasks whose worker died, so several processes sharing
// one durable queue recover each other's work.
//
// # Results
//
// A ResultSink (normally the orchestrator) is told about every completed
// task and every task that failed for good, either because its retries ran
// out, its error was permanent, or the reaper gave up on it. Intermediate
// retries are only visible through the Observer.
//
// # Shutdown
//
// Stop stops claiming and waits up to ShutdownTimeout for in-flight tasks.
// Tasks still running after that have their context cancelled and are left
// unsettled; their leases expire and the reaper requeues them.
package worker
