package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/patchlog/internal/clock"
	"github.com/roach88/patchlog/internal/store"
)

// DefaultPollInterval bounds how long Run sleeps between checks, so wake-ups
// scheduled by other processes are noticed.
const DefaultPollInterval = time.Second

// Handler runs a due wake-up. It receives the exact version that was due.
type Handler func(ctx context.Context, w store.Wakeup) error

// Dispatcher fires due wake-ups.
type Dispatcher struct {
	store   *store.Store
	clock   clock.Clock
	sched   *Scheduler
	handler Handler
	poll    time.Duration
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval sets the maximum sleep between checks.
func WithPollInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.poll = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) {
		if l != nil {
			dp.logger = l
		}
	}
}

// NewDispatcher creates a Dispatcher. sched may be nil, in which case Run
// relies on polling alone.
func NewDispatcher(s *store.Store, c clock.Clock, sched *Scheduler, h Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   s,
		clock:   c,
		sched:   sched,
		handler: h,
		poll:    DefaultPollInterval,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunDue fires every wake-up due at the current time once, in due order.
// Handler errors are logged and joined into the returned error; they do not
// stop later wake-ups from firing. Returns the number of wake-ups handled
// without error.
func (d *Dispatcher) RunDue(ctx context.Context) (int, error) {
	due, err := d.store.DueWakeups(ctx, d.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("load due wakeups: %w", err)
	}

	var (
		fired int
		errs  []error
	)
	for _, w := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		d.logger.Debug("wakeup due",
			"task", w.TaskID,
			"version", w.Version,
			"due_at", w.DueAt,
		)
		if err := d.handler(ctx, w); err != nil {
			d.logger.Error("wakeup handler failed",
				"task", w.TaskID,
				"version", w.Version,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s v%d: %w", w.TaskID, w.Version, err))
			continue
		}
		fired++
	}
	return fired, errors.Join(errs...)
}

// Run fires wake-ups as they fall due until ctx is cancelled.
//
// It sleeps until the earliest pending wake-up, never longer than the poll
// interval, and wakes early when the Scheduler is notified. A failed handler
// leaves its wake-up pending, so it is retried on the next poll.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "poll_interval", d.poll)

	for {
		_, runErr := d.RunDue(ctx)
		if runErr != nil && ctx.Err() == nil {
			d.logger.Warn("dispatch incomplete", "error", runErr)
		}

		wait, err := d.nextWait(ctx)
		if err != nil {
			d.logger.Warn("read schedule failed", "error", err)
		}
		if err != nil || runErr != nil {
			wait = d.poll
		}

		timer := d.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("dispatcher stopping: context cancelled")
			return ctx.Err()
		case <-timer.C():
		case <-d.notified():
			timer.Stop()
		}
	}
}

// nextWait returns how long to sleep before the next check.
func (d *Dispatcher) nextWait(ctx context.Context) (time.Duration, error) {
	pending, err := d.store.PendingWakeups(ctx)
	if err != nil {
		return 0, err
	}
	wait := d.poll
	if len(pending) > 0 {
		until := pending[0].DueAt.Sub(d.clock.Now())
		if until < 0 {
			until = 0
		}
		if until < wait {
			wait = until
		}
	}
	return wait, nil
}

func (d *Dispatcher) notified() <-chan struct{} {
	if d.sched == nil {
		return nil
	}
	return d.sched.Notified()
}
