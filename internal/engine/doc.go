// Package engine implements the Coordinator: the single writer for the
// shared batch record.
//
// ARCHITECTURE:
//
// Single-Writer Command Loop:
// Clicks, undos, resets and expiration evaluations are submitted as commands
// to a FIFO queue. Coordinator.Run() dequeues them one at a time and
// processes each as one store transaction:
//
//  1. read the batch record
//  2. compute the next record with dose.Machine
//  3. write the whole record back
//  4. apply the scheduler effect (reschedule or cancel the wake-up)
//  5. on finalization, insert the dose row and its activity entry
//
// Within a process the queue serializes every read-modify-write, so a click
// from the CLI and an evaluation from the dispatcher can never interleave.
// Across processes the store's immediate transactions give the same
// guarantee: a second process blocks at BEGIN until the first commits.
//
// Finalization sinks (upload kick, metrics) run after commit. A sink failure
// is logged and never reopens or duplicates a batch.
//
// Every command is stamped with a monotonic Sequence number for logs and
// results.
package engine
