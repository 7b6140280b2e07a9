// Package persistence defines the durable stores the engine depends on and
// their backends: in-memory, SQLite, PostgreSQL, Redis and MongoDB.
//
// A run and the events produced by one scheduler step are always written
// together: a SQL transaction, a Redis MULTI/EXEC guarded by WATCH, or a
// single MongoDB document update. Readers therefore see either the state
// before a dispatch or the state after it.
package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Definitions DefinitionStore
	Runs        RunStore
	Events      EventStore
}
