package schedule

import (
	"fmt"
	"time"

	"github.com/roach88/patchlog/internal/store"
)

// TaskID is the single logical finalization task.
const TaskID = "dose_finalization"

// Scheduler writes wake-ups inside store transactions and nudges a running
// Dispatcher once they commit.
//
// Thread-safety: All methods are safe for concurrent use.
type Scheduler struct {
	notify chan struct{} // buffered, size 1
}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{notify: make(chan struct{}, 1)}
}

// ScheduleOnce schedules taskID to run delay after now, replacing any pending
// schedule of the same task.
func (s *Scheduler) ScheduleOnce(tx *store.Tx, taskID string, now time.Time, delay time.Duration) (store.Wakeup, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(tx, taskID, now.Add(delay))
}

// ScheduleAt schedules taskID at an absolute time, replacing any pending
// schedule of the same task.
func (s *Scheduler) ScheduleAt(tx *store.Tx, taskID string, dueAt time.Time) (store.Wakeup, error) {
	w, err := tx.ScheduleWakeup(taskID, dueAt)
	if err != nil {
		return store.Wakeup{}, fmt.Errorf("schedule %s: %w", taskID, err)
	}
	return w, nil
}

// Cancel cancels the pending schedule of taskID. Cancelling a task that is
// not pending is a no-op.
func (s *Scheduler) Cancel(tx *store.Tx, taskID string) error {
	if _, err := tx.CancelWakeup(taskID); err != nil {
		return fmt.Errorf("cancel %s: %w", taskID, err)
	}
	return nil
}

// Notify wakes a Dispatcher waiting on Notified. Call after the transaction
// that changed the schedule commits. Multiple notifications coalesce.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Notified signals that the schedule may have changed.
func (s *Scheduler) Notified() <-chan struct{} {
	return s.notify
}
