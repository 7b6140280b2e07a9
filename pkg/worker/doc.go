// Package worker provides the background worker used to drive StateRail
// runs forward.
//
// A Worker consumes tasks from a task queue and hands each one to a
// Handler, normally the engine's scheduler. The handler returns the task
// that should come next, typically the same run scheduled again, and the
// worker puts it back on the queue. Because every active run owns exactly
// one circulating task, a run is advanced by at most one worker at a time,
// while many runs progress in parallel across workers.
//
// Workers are long-lived and usually run in their own goroutines. Several
// workers, in one process or many, can share a durable queue (SQLite,
// PostgreSQL, Redis or MongoDB).
//
// Most applications never construct a Worker directly: Engine.Start runs a
// pool of them. The package is useful when embedding the scheduler into a
// custom process loop.
package worker
