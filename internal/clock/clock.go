// Package clock abstracts wall-clock time so timer-driven code can be driven
// deterministically in tests (see internal/testutil.FakeClock).
package clock

import "time"

// Clock provides the current time and timers.
type Clock interface {
	Now() time.Time

	// NewTimer returns a timer that delivers the time on C after d.
	NewTimer(d time.Duration) Timer

	// AfterFunc calls f in its own goroutine (or, for fake clocks, on the
	// goroutine advancing time) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer used by this module.
type Timer interface {
	// C returns the delivery channel. It is nil for AfterFunc timers.
	C() <-chan time.Time

	// Stop prevents the timer from firing. Returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real is the Clock backed by package time.
type Real struct{}

// New returns the real wall clock.
func New() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time {
	return r.t.C
}

func (r realTimer) Stop() bool {
	return r.t.Stop()
}
