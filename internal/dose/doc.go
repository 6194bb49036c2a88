// Package dose implements the batch engine: the pure state machine that
// groups closely-spaced clicks into a single dose.
//
// A batch is Idle (no clicks), Open (clicks > 0, deadline in the future) or
// Expired (clicks > 0, deadline at or before the evaluation time). Expired is
// never stored; it is only observed by Evaluate.
//
// Every transition takes the current Record and returns the next one. The
// caller persists the result and applies the returned Effect to the deferred
// task scheduler. Nothing in this package returns an error: illegal inputs are
// clamped.
//
// Evaluate re-derives its decision from the record it is given rather than
// from the fact that a timer fired. Running it twice after an expiry emits
// exactly one FinalDose; a deferred task that fires after a newer click has
// pushed the deadline out is a no-op.
package dose
