package dose

import (
	"fmt"
	"time"
)

// DefaultUnitsPerClick is used when a click arrives with no usable rate and
// the batch has no snapshot yet.
const DefaultUnitsPerClick = 2.0

// Record is the single open batch. The zero value is the Idle record.
//
// Invariant: Clicks == 0 if and only if ExpiresAt is the zero time.
type Record struct {
	Clicks int

	// UnitsPerClick is snapshotted when the batch opens.
	UnitsPerClick float64

	// ExpiresAt is the deadline after which the batch may be finalized.
	// The zero time means unset.
	ExpiresAt time.Time
}

// State classifies a record at an evaluation instant.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TotalUnits is derived, never stored as ground truth. A missing rate
// snapshot counts at DefaultUnitsPerClick, as finalization does.
func (r Record) TotalUnits() float64 {
	if r.Clicks <= 0 {
		return 0
	}
	return float64(r.Clicks) * r.effectiveRate()
}

func (r Record) effectiveRate() float64 {
	if r.UnitsPerClick <= 0 {
		return DefaultUnitsPerClick
	}
	return r.UnitsPerClick
}

// IsIdle reports whether the record holds no clicks.
func (r Record) IsIdle() bool {
	return r.Clicks <= 0
}

// State returns the state of r as observed at now.
func (r Record) State(now time.Time) State {
	n := r.Normalize()
	if n.Clicks == 0 {
		return StateIdle
	}
	if now.Before(n.ExpiresAt) {
		return StateOpen
	}
	return StateExpired
}

// Normalize clamps a record read from shared storage back into its invariant.
// Negative click counts become zero and an idle record loses its deadline.
// A record with clicks but no deadline keeps the zero deadline, which makes
// it expired at any evaluation time, so the clicks are finalized rather than
// stranded.
func (r Record) Normalize() Record {
	if r.Clicks <= 0 {
		return Record{}
	}
	if r.UnitsPerClick < 0 {
		r.UnitsPerClick = 0
	}
	return r
}

// Remaining is the time left until the deadline, never negative.
func (r Record) Remaining(now time.Time) time.Duration {
	if r.Clicks <= 0 || r.ExpiresAt.IsZero() {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// View is the read-only projection rendered by display surfaces.
type View struct {
	Clicks     int           `json:"clicks"`
	TotalUnits float64       `json:"total_units"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Remaining  time.Duration `json:"remaining"`
}

// View projects r at now.
func (r Record) View(now time.Time) View {
	n := r.Normalize()
	return View{
		Clicks:     n.Clicks,
		TotalUnits: n.TotalUnits(),
		ExpiresAt:  n.ExpiresAt,
		Remaining:  n.Remaining(now),
	}
}

// FinalDose is the immutable outcome of a finalized batch.
type FinalDose struct {
	FinalizedAt time.Time
	Clicks      int
	TotalUnits  float64
}
