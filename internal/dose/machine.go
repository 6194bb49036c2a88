package dose

import (
	"fmt"
	"time"
)

// DefaultInactivityWindow is the debounce window after the last activity.
const DefaultInactivityWindow = 5 * time.Second

// Effect tells the caller what to do with the deferred finalization task
// after persisting the next record.
type Effect int

const (
	// EffectNone leaves the scheduled task alone.
	EffectNone Effect = iota

	// EffectReschedule replaces the scheduled task with one due one
	// inactivity window from now.
	EffectReschedule

	// EffectCancel cancels the scheduled task. Cancellation is advisory: a
	// task that still fires observes an idle record and does nothing.
	EffectCancel
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectReschedule:
		return "reschedule"
	case EffectCancel:
		return "cancel"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// Outcome is the result of evaluating expiration.
type Outcome string

const (
	// OutcomeIdle: nothing to finalize (undo or an earlier evaluation won).
	OutcomeIdle Outcome = "idle"

	// OutcomePending: the deadline moved after the task was scheduled.
	OutcomePending Outcome = "pending"

	// OutcomeFinalized: a FinalDose was emitted and the record reset.
	OutcomeFinalized Outcome = "finalized"
)

// Machine holds the batch engine's only parameter.
type Machine struct {
	Window time.Duration
}

// NewMachine returns a Machine with the given inactivity window. A
// non-positive window selects DefaultInactivityWindow.
func NewMachine(window time.Duration) Machine {
	if window <= 0 {
		window = DefaultInactivityWindow
	}
	return Machine{Window: window}
}

func (m Machine) window() time.Duration {
	if m.Window <= 0 {
		return DefaultInactivityWindow
	}
	return m.Window
}

// RegisterClick adds one click and pushes the deadline to now + window.
// The rate is snapshotted only when the batch opens; later clicks keep the
// rate the batch was opened with.
func (m Machine) RegisterClick(r Record, now time.Time, rate float64) (Record, Effect) {
	next := r.Normalize()
	if next.Clicks == 0 || next.UnitsPerClick <= 0 {
		next.UnitsPerClick = rate
		if next.UnitsPerClick <= 0 {
			next.UnitsPerClick = DefaultUnitsPerClick
		}
	}
	next.Clicks++
	next.ExpiresAt = now.Add(m.window())
	return next, EffectReschedule
}

// UndoClick removes one click. Undo counts as activity, so a batch that
// stays open gets a fresh deadline. Undoing the last click returns to Idle.
// Undo on an idle record is a no-op.
func (m Machine) UndoClick(r Record, now time.Time) (Record, Effect) {
	next := r.Normalize()
	if next.Clicks == 0 {
		return Record{}, EffectNone
	}
	next.Clicks--
	if next.Clicks == 0 {
		return Record{}, EffectCancel
	}
	next.ExpiresAt = now.Add(m.window())
	return next, EffectReschedule
}

// Reset discards the open batch without emitting a dose.
func (m Machine) Reset(r Record) (Record, Effect) {
	if r.Normalize().Clicks == 0 {
		return Record{}, EffectNone
	}
	return Record{}, EffectCancel
}

// Evaluate decides whether the batch is due. It finalizes only when the
// record itself says the deadline has passed, so stale or duplicate
// evaluations are harmless.
func (m Machine) Evaluate(r Record, now time.Time) (Record, *FinalDose, Outcome) {
	cur := r.Normalize()
	switch cur.State(now) {
	case StateIdle:
		return Record{}, nil, OutcomeIdle
	case StateOpen:
		return cur, nil, OutcomePending
	}

	next, final := m.Finalize(cur, now)
	return next, final, OutcomeFinalized
}

// Finalize emits the batch as a FinalDose and resets to Idle without
// consulting the deadline. It is for owners with exclusive access to the
// record, such as an in-process timer. Returns nil for an idle record.
func (m Machine) Finalize(r Record, now time.Time) (Record, *FinalDose) {
	cur := r.Normalize()
	if cur.Clicks == 0 {
		return Record{}, nil
	}
	return Record{}, &FinalDose{
		FinalizedAt: now,
		Clicks:      cur.Clicks,
		TotalUnits:  cur.TotalUnits(),
	}
}
