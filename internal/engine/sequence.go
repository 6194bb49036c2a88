package engine

import "sync/atomic"

// Sequence is a monotonic logical counter stamped on every command the
// Coordinator processes. Log lines and results carry the number, so the
// order in which commands were serialized is visible without comparing
// wall-clock times.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
// However, the Coordinator's single-writer design means only one goroutine
// typically calls Next().
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence starting at a specific number.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next number and increments the sequence.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the current number without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
