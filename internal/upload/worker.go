package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/patchlog/internal/activity"
	"github.com/roach88/patchlog/internal/clock"
	"github.com/roach88/patchlog/internal/dose"
	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/metrics"
	"github.com/roach88/patchlog/internal/status"
	"github.com/roach88/patchlog/internal/store"
)

const (
	// DefaultBatchSize is the number of records one run uploads.
	DefaultBatchSize = 10

	// DefaultInitialBackoff is the wait before the first retry.
	DefaultInitialBackoff = 15 * time.Second

	// DefaultMaxAttempts is the number of runs tried before giving up until
	// the next kick.
	DefaultMaxAttempts = 5
)

// Summary counts the outcomes of one run.
type Summary struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
}

// Worker drains pending dose records to Nightscout.
//
// Thread-safety: RunOnce must not be called concurrently with itself or Run.
// Kick and Record are safe from any goroutine.
type Worker struct {
	store   *store.Store
	poster  Poster
	clock   clock.Clock
	log     *activity.Log
	status  *status.Channel
	metrics *metrics.Metrics
	logger  *slog.Logger

	batchSize      int
	initialBackoff time.Duration
	maxAttempts    int

	kick chan struct{}
}

var _ engine.Sink = (*Worker)(nil)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithClock sets the clock used for timestamps and backoff.
func WithClock(c clock.Clock) WorkerOption {
	return func(w *Worker) { w.clock = c }
}

// WithActivityLog records every outcome in the activity log.
func WithActivityLog(l *activity.Log) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithStatus publishes every outcome on the status channel.
func WithStatus(ch *status.Channel) WorkerOption {
	return func(w *Worker) { w.status = ch }
}

// WithMetrics counts uploads.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithBatchSize sets the number of records per run.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithBackoff sets the initial retry delay and the number of runs tried.
func WithBackoff(initial time.Duration, maxAttempts int) WorkerOption {
	return func(w *Worker) {
		if initial > 0 {
			w.initialBackoff = initial
		}
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
	}
}

// NewWorker creates a Worker. A nil poster means Nightscout is not
// configured and every run is skipped.
func NewWorker(s *store.Store, p Poster, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:          s,
		poster:         p,
		clock:          clock.New(),
		logger:         slog.Default(),
		batchSize:      DefaultBatchSize,
		initialBackoff: DefaultInitialBackoff,
		maxAttempts:    DefaultMaxAttempts,
		kick:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Kick asks Run to drain pending records. Kicks coalesce.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Record kicks the worker after a finalization is committed.
func (w *Worker) Record(_ context.Context, d dose.FinalDose, dc engine.DoseContext) error {
	w.logger.Debug("upload kicked by finalization", "dose_id", dc.ID, "total_units", d.TotalUnits)
	w.Kick()
	return nil
}

// RunOnce uploads up to one batch of pending records, oldest first.
// Upload failures are recorded on the records and counted in the Summary;
// the error is reserved for store failures.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	if w.poster == nil {
		w.logger.Debug("nightscout not configured, skipping upload")
		return sum, nil
	}

	pending, err := w.store.PendingDoses(ctx, w.batchSize)
	if err != nil {
		return sum, fmt.Errorf("loading pending doses: %w", err)
	}
	if len(pending) == 0 {
		return sum, nil
	}
	w.logger.Debug("uploading pending doses", "count", len(pending))

	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		units := activity.FormatUnits(d.Units)
		postErr := w.poster.Post(ctx, NewTreatment(d))
		w.metrics.ObserveUpload(postErr == nil)

		if postErr == nil {
			if err := w.store.MarkUploaded(ctx, d.ID, w.clock.Now()); err != nil {
				return sum, err
			}
			sum.Uploaded++
			w.logger.Info("dose uploaded", "dose_id", d.ID, "units", d.Units)
			w.report(ctx, true, fmt.Sprintf("Uploaded %su to Nightscout", units), fmt.Sprintf("%d clicks", d.Clicks))
			continue
		}

		reason := postErr.Error()
		if err := w.store.MarkFailed(ctx, d.ID, reason); err != nil {
			return sum, err
		}
		sum.Failed++
		w.logger.Warn("dose upload failed", "dose_id", d.ID, "error", reason)
		w.report(ctx, false, fmt.Sprintf("Failed to upload %su", units), reason)
	}

	w.logger.Info("upload run complete", "uploaded", sum.Uploaded, "failed", sum.Failed)
	return sum, nil
}

func (w *Worker) report(ctx context.Context, ok bool, message, details string) {
	if w.log != nil {
		var err error
		if ok {
			err = w.log.Success(ctx, message, details)
		} else {
			err = w.log.Error(ctx, message, details)
		}
		if err != nil {
			w.logger.Error("activity log write failed", "error", err)
		}
	}
	if w.status != nil {
		if ok {
			w.status.Success(message)
		} else {
			w.status.Error(message)
		}
	}
}

// Run drains pending records at start and after every kick until ctx is
// cancelled. A run with failures is retried with doubling backoff, up to
// the configured number of attempts.
func (w *Worker) Run(ctx context.Context) error {
	w.Kick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.kick:
		}
		if err := w.drain(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.logger.Error("upload worker gave up", "error", err)
		}
	}
}

func (w *Worker) drain(ctx context.Context) error {
	backoff := w.initialBackoff
	for attempt := 1; ; attempt++ {
		sum, err := w.RunOnce(ctx)
		if err == nil && sum.Failed == 0 {
			if sum.Uploaded < w.batchSize {
				return nil
			}
			// A full batch: more may be waiting.
			attempt = 0
			backoff = w.initialBackoff
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = fmt.Errorf("%d uploads failed", sum.Failed)
		}
		if attempt >= w.maxAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		w.logger.Warn("upload run failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		timer := w.clock.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
		backoff *= 2
	}
}
