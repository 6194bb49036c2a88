// Package store provides SQLite-backed durable storage for patchlog.
//
// The store holds:
//   - batch_record: the single shared batch record (one row, whole-row writes)
//   - wakeups: the persisted next wake-up per task, versioned for replace semantics
//   - doses: finalized dose records and their upload lifecycle
//   - activity: the user-visible activity log
//   - settings: patch settings as key/value pairs
//
// # Serialization
//
// Every read-modify-write goes through Update, which runs the callback in a
// single transaction. The connection is opened with _txlock=immediate so the
// write lock is taken at BEGIN: two processes updating the batch record are
// serialized by SQLite instead of racing, and a finalization either commits
// the dose row, the reset record and the completed wake-up together or none
// of them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
