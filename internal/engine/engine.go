package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/patchlog/internal/activity"
	"github.com/roach88/patchlog/internal/clock"
	"github.com/roach88/patchlog/internal/dose"
	"github.com/roach88/patchlog/internal/metrics"
	"github.com/roach88/patchlog/internal/schedule"
	"github.com/roach88/patchlog/internal/settings"
	"github.com/roach88/patchlog/internal/store"
)

// OutcomeSuperseded is reported for a wake-up whose version was replaced or
// cancelled before it ran.
const OutcomeSuperseded dose.Outcome = "superseded"

// RateSource supplies the current rate profile.
// Implemented by settings.Service.
type RateSource interface {
	Current(ctx context.Context) (settings.Profile, error)
}

// RateFunc adapts a function to RateSource.
type RateFunc func(ctx context.Context) (settings.Profile, error)

// Current implements RateSource.
func (f RateFunc) Current(ctx context.Context) (settings.Profile, error) { return f(ctx) }

// StaticRate returns a RateSource that always yields p.
func StaticRate(p settings.Profile) RateSource {
	return RateFunc(func(context.Context) (settings.Profile, error) { return p, nil })
}

// DoseContext is the device metadata attached to a finalized dose.
type DoseContext struct {
	ID            string
	InsulinName   string
	Concentration settings.Concentration
	UnitsPerClick float64
}

// Finalized is a committed dose.
type Finalized struct {
	dose.FinalDose
	DoseContext
}

// Sink receives every finalized dose after it has been committed.
type Sink interface {
	Record(ctx context.Context, d dose.FinalDose, dc DoseContext) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d dose.FinalDose, dc DoseContext) error

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, d dose.FinalDose, dc DoseContext) error {
	return f(ctx, d, dc)
}

// Result describes a processed command.
type Result struct {
	// Seq is the command's position in the Coordinator's order.
	Seq int64

	// Op is the command kind.
	Op string

	// Record is the batch record after the command.
	Record dose.Record

	// Effect is the scheduler effect that was applied.
	Effect dose.Effect

	// Wakeup is the wake-up installed by a reschedule.
	Wakeup store.Wakeup

	// Outcome is set for evaluations.
	Outcome dose.Outcome

	// Final is set when the evaluation finalized a dose.
	Final *Finalized
}

// View projects the resulting record at now.
func (r Result) View(now time.Time) dose.View {
	return r.Record.View(now)
}

// Coordinator serializes every read-modify-write of the batch record.
//
// Thread-safety model:
//   - Click/Undo/Reset/Evaluate/Snapshot: safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// Commands block until Run processes them, so Run must be started before
// submitting.
type Coordinator struct {
	store    *store.Store
	clock    clock.Clock
	seq      *Sequence
	machine  dose.Machine
	sched    *schedule.Scheduler
	rates    RateSource
	fallback settings.Profile
	sinks    []Sink
	ids      IDGenerator
	metrics  *metrics.Metrics
	logger   *slog.Logger
	queue    *commandQueue
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the wall clock. Defaults to the real clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithWindow sets the inactivity window. Non-positive selects the default.
func WithWindow(d time.Duration) Option {
	return func(co *Coordinator) { co.machine = dose.NewMachine(d) }
}

// WithScheduler shares a scheduler with a Dispatcher so reschedules wake it.
func WithScheduler(s *schedule.Scheduler) Option {
	return func(co *Coordinator) { co.sched = s }
}

// WithRateSource sets the rate source. Defaults to the U100 profile.
func WithRateSource(r RateSource) Option {
	return func(co *Coordinator) { co.rates = r }
}

// WithSinks adds finalization sinks, called in order after commit.
func WithSinks(s ...Sink) Option {
	return func(co *Coordinator) { co.sinks = append(co.sinks, s...) }
}

// WithIDGenerator sets the dose ID generator. Defaults to UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(co *Coordinator) { co.ids = g }
}

// WithMetrics records command and finalization metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.logger = l
		}
	}
}

// WithSequence resumes command numbering from an existing sequence.
func WithSequence(s *Sequence) Option {
	return func(co *Coordinator) { co.seq = s }
}

// New creates a Coordinator over s.
func New(s *store.Store, opts ...Option) *Coordinator {
	fallback := settings.DefaultProfile(settings.DefaultInsulinName)
	c := &Coordinator{
		store:    s,
		clock:    clock.New(),
		seq:      NewSequence(),
		machine:  dose.NewMachine(0),
		sched:    schedule.New(),
		rates:    StaticRate(fallback),
		fallback: fallback,
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		queue:    newCommandQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scheduler returns the scheduler the Coordinator writes wake-ups through.
func (c *Coordinator) Scheduler() *schedule.Scheduler { return c.sched }

// Window returns the inactivity window.
func (c *Coordinator) Window() time.Duration { return c.machine.Window }

// Click registers one click.
func (c *Coordinator) Click(ctx context.Context) (Result, error) {
	return c.submit(ctx, command{kind: cmdClick})
}

// Undo removes one click.
func (c *Coordinator) Undo(ctx context.Context) (Result, error) {
	return c.submit(ctx, command{kind: cmdUndo})
}

// Reset discards the open batch without recording a dose.
func (c *Coordinator) Reset(ctx context.Context) (Result, error) {
	return c.submit(ctx, command{kind: cmdReset})
}

// Evaluate runs expiration evaluation for a due wake-up. A wake-up whose
// version is no longer current is reported as OutcomeSuperseded and changes
// nothing.
func (c *Coordinator) Evaluate(ctx context.Context, w store.Wakeup) (Result, error) {
	return c.submit(ctx, command{kind: cmdEvaluate, wakeup: w})
}

// EvaluateNow runs expiration evaluation without a wake-up. The record's own
// deadline still decides whether anything is finalized.
func (c *Coordinator) EvaluateNow(ctx context.Context) (Result, error) {
	return c.submit(ctx, command{kind: cmdEvaluate})
}

// HandleWakeup adapts Evaluate to schedule.Handler.
func (c *Coordinator) HandleWakeup(ctx context.Context, w store.Wakeup) error {
	_, err := c.Evaluate(ctx, w)
	return err
}

// Snapshot reads the current batch view. Reads do not go through the queue.
func (c *Coordinator) Snapshot(ctx context.Context) (dose.View, error) {
	rec, err := c.store.ReadRecord(ctx)
	if err != nil {
		return dose.View{}, fmt.Errorf("snapshot: %w", err)
	}
	return rec.View(c.clock.Now()), nil
}

func (c *Coordinator) submit(ctx context.Context, cmd command) (Result, error) {
	cmd.reply = make(chan reply, 1)
	if !c.queue.Enqueue(cmd) {
		return Result{}, stoppedError(cmd.kind.String())
	}
	select {
	case r := <-cmd.reply:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run starts the single-writer command loop.
// Blocks until context is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// A command that fails is reported to its submitter and the loop continues.
// Commands still queued when the loop exits are answered with ErrStopped.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator starting", "window", c.machine.Window)
	defer c.drain()

	for {
		if cmd, ok := c.queue.TryDequeue(); ok {
			c.process(ctx, cmd)
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping: context cancelled")
			c.queue.Close()
			return ctx.Err()

		case <-c.queue.Wait():
			// The signal channel is closed when the queue is closed. A
			// buffered signal can also outlive the command it announced, so
			// only a closed, empty queue ends the loop.
			if c.queue.Closed() && c.queue.Len() == 0 {
				c.logger.Info("coordinator stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the Coordinator.
// Queued commands are still processed before Run returns.
func (c *Coordinator) Stop() {
	c.queue.Close()
}

func (c *Coordinator) drain() {
	for {
		cmd, ok := c.queue.TryDequeue()
		if !ok {
			return
		}
		cmd.reply <- reply{err: stoppedError(cmd.kind.String())}
	}
}

// process runs one command and replies.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (c *Coordinator) process(ctx context.Context, cmd command) {
	seq := c.seq.Next()

	var (
		res Result
		err error
	)
	switch cmd.kind {
	case cmdClick:
		profile := c.profile(ctx)
		res, err = c.mutate(ctx, seq, cmd.kind, func(r dose.Record, now time.Time) (dose.Record, dose.Effect) {
			return c.machine.RegisterClick(r, now, profile.UnitsPerClick)
		})
	case cmdUndo:
		res, err = c.mutate(ctx, seq, cmd.kind, c.machine.UndoClick)
	case cmdReset:
		res, err = c.mutate(ctx, seq, cmd.kind, func(r dose.Record, _ time.Time) (dose.Record, dose.Effect) {
			return c.machine.Reset(r)
		})
	case cmdEvaluate:
		res, err = c.evaluate(ctx, seq, cmd.wakeup)
	default:
		err = fmt.Errorf("unknown command kind: %d", cmd.kind)
	}

	if err != nil {
		c.logger.Error("command failed",
			"seq", seq,
			"op", cmd.kind.String(),
			"error", err,
		)
	}
	cmd.reply <- reply{result: res, err: err}
}

type transition func(r dose.Record, now time.Time) (dose.Record, dose.Effect)

// mutate applies a click, undo or reset transition in one transaction.
func (c *Coordinator) mutate(ctx context.Context, seq int64, kind commandKind, next transition) (Result, error) {
	now := c.clock.Now()
	res := Result{Seq: seq, Op: kind.String()}

	err := c.store.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.ReadRecord()
		if err != nil {
			return err
		}

		rec, eff := next(cur.Record, now)
		res.Record, res.Effect = rec, eff
		if eff == dose.EffectNone && rec == cur.Record {
			return nil
		}

		if _, err := tx.WriteRecord(rec, now); err != nil {
			return err
		}
		res.Wakeup, err = c.applyEffect(tx, eff, now)
		return err
	})
	if err != nil {
		return Result{}, storeError(kind.String(), err)
	}

	if res.Effect != dose.EffectNone {
		c.sched.Notify()
	}
	c.metrics.ObserveCommand(kind.String(), res.Record.Clicks)
	c.logger.Info("batch updated",
		"seq", seq,
		"op", kind.String(),
		"clicks", res.Record.Clicks,
		"total_units", res.Record.TotalUnits(),
		"expires_at", res.Record.ExpiresAt,
		"effect", res.Effect.String(),
	)
	return res, nil
}

func (c *Coordinator) applyEffect(tx *store.Tx, eff dose.Effect, now time.Time) (store.Wakeup, error) {
	switch eff {
	case dose.EffectReschedule:
		return c.sched.ScheduleOnce(tx, schedule.TaskID, now, c.machine.Window)
	case dose.EffectCancel:
		return store.Wakeup{}, c.sched.Cancel(tx, schedule.TaskID)
	default:
		return store.Wakeup{}, nil
	}
}

// evaluate claims the wake-up, evaluates expiration and, if the batch has
// expired, commits the dose row, the reset record and the activity entry
// together.
func (c *Coordinator) evaluate(ctx context.Context, seq int64, w store.Wakeup) (Result, error) {
	now := c.clock.Now()
	profile := c.profile(ctx)
	res := Result{Seq: seq, Op: cmdEvaluate.String()}

	err := c.store.Update(ctx, func(tx *store.Tx) error {
		if w.TaskID != "" {
			claimed, err := tx.CompleteWakeup(w.TaskID, w.Version)
			if err != nil {
				return err
			}
			if !claimed {
				cur, err := tx.ReadRecord()
				if err != nil {
					return err
				}
				res.Record = cur.Record
				res.Outcome = OutcomeSuperseded
				return nil
			}
		}

		cur, err := tx.ReadRecord()
		if err != nil {
			return err
		}

		next, final, outcome := c.machine.Evaluate(cur.Record, now)
		res.Record, res.Outcome = next, outcome

		switch outcome {
		case dose.OutcomeIdle:
			return nil

		case dose.OutcomePending:
			// The deadline moved without a matching wake-up. Re-arm at the
			// record's own deadline so the batch cannot be stranded.
			res.Effect = dose.EffectReschedule
			res.Wakeup, err = c.sched.ScheduleAt(tx, schedule.TaskID, cur.ExpiresAt)
			return err
		}

		if _, err := tx.WriteRecord(next, now); err != nil {
			return err
		}
		if w.TaskID == "" {
			if err := c.sched.Cancel(tx, schedule.TaskID); err != nil {
				return err
			}
		}

		fin := &Finalized{
			FinalDose: *final,
			DoseContext: DoseContext{
				ID:            c.ids.Generate(),
				InsulinName:   profile.InsulinName,
				Concentration: profile.Concentration,
				UnitsPerClick: cur.UnitsPerClick,
			},
		}
		if err := InsertFinalized(tx, fin); err != nil {
			return err
		}

		res.Effect = dose.EffectCancel
		res.Final = fin
		return nil
	})
	if err != nil {
		return Result{}, storeError(cmdEvaluate.String(), err)
	}

	c.metrics.ObserveEvaluation(string(res.Outcome))
	c.logger.Debug("batch evaluated",
		"seq", seq,
		"outcome", string(res.Outcome),
		"task", w.TaskID,
		"version", w.Version,
	)

	if res.Effect == dose.EffectReschedule {
		c.sched.Notify()
	}
	if res.Final != nil {
		c.metrics.ObserveFinalization(res.Final.TotalUnits)
		c.logger.Info("dose finalized",
			"seq", seq,
			"id", res.Final.ID,
			"clicks", res.Final.Clicks,
			"total_units", res.Final.TotalUnits,
			"finalized_at", res.Final.FinalizedAt,
		)
		c.notifySinks(ctx, res.Final)
	}
	return res, nil
}

// InsertFinalized writes a finalized dose and its activity entry.
func InsertFinalized(tx *store.Tx, fin *Finalized) error {
	err := tx.InsertDose(store.Dose{
		ID:            fin.ID,
		FinalizedAt:   fin.FinalizedAt,
		Clicks:        fin.Clicks,
		Units:         fin.TotalUnits,
		UnitsPerClick: fin.UnitsPerClick,
		InsulinName:   fin.InsulinName,
		Concentration: int(fin.Concentration),
	})
	if err != nil {
		return err
	}
	_, err = tx.AppendActivity(activity.DoseRecorded(fin.FinalizedAt, fin.TotalUnits, fin.Clicks))
	return err
}

// notifySinks runs after commit. Failures are logged and never undo the
// finalization.
func (c *Coordinator) notifySinks(ctx context.Context, fin *Finalized) {
	for _, s := range c.sinks {
		if err := s.Record(ctx, fin.FinalDose, fin.DoseContext); err != nil {
			c.logger.Error("finalization sink failed",
				"id", fin.ID,
				"error", err,
			)
		}
	}
}

// profile reads the rate source, falling back to the default profile.
func (c *Coordinator) profile(ctx context.Context) settings.Profile {
	p, err := c.rates.Current(ctx)
	if err != nil {
		c.logger.Warn("using default rate", "error", rateError(err))
		return c.fallback
	}
	p.Concentration = settings.ConcentrationFromValue(int(p.Concentration))
	if p.UnitsPerClick <= 0 {
		p.UnitsPerClick = p.Concentration.UnitsPerClick()
	}
	if p.InsulinName == "" {
		p.InsulinName = c.fallback.InsulinName
	}
	return p
}
