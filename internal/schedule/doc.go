// Package schedule is the deferred task scheduler for batch finalization.
//
// Tasks live in the store's wakeups table, one row per task identity.
// ScheduleOnce upserts the row and bumps its version, so a newer schedule
// supersedes an older one atomically with whatever record write happens in
// the same transaction. The Dispatcher fires a task only once its due time
// has passed (late, never early) and hands the exact version it saw to the
// handler; a handler that finds the version superseded does nothing.
//
// Because tasks are rows rather than in-memory closures they survive process
// restarts: a dispatcher started after a crash fires whatever is due.
package schedule
