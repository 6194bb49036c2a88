package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/schedule"
	"github.com/roach88/patchlog/internal/settings"
	"github.com/roach88/patchlog/internal/store"
	"github.com/roach88/patchlog/internal/testutil"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// Harness is the test execution engine.
// It runs one scenario against a coordinator over an in-memory store.
type Harness struct {
	store  *store.Store
	clock  *testutil.FakeClock
	seq    *engine.Sequence
	opts   []engine.Option
	logger *slog.Logger
	result *Result

	coord *engine.Coordinator
	disp  *schedule.Dispatcher
	stop  func()
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution errors (a failed command, a store error) are returned as
// errors; failed assertions are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.OpenMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	profile := settings.DefaultProfile(settings.DefaultInsulinName)
	if scenario.Concentration != "" {
		c, err := settings.ParseConcentration(scenario.Concentration)
		if err != nil {
			return nil, err
		}
		profile.Concentration = c
		profile.UnitsPerClick = c.UnitsPerClick()
	}
	if scenario.UnitsPerClick > 0 {
		profile.UnitsPerClick = scenario.UnitsPerClick
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testutil.NewFakeClock(Epoch)
	h := &Harness{
		store:  st,
		clock:  clk,
		seq:    engine.NewSequence(),
		logger: logger,
		result: NewResult(),
		opts: []engine.Option{
			engine.WithClock(clk),
			engine.WithWindow(time.Duration(scenario.Window)),
			engine.WithRateSource(engine.StaticRate(profile)),
			engine.WithIDGenerator(testutil.NewSequentialIDGenerator("dose")),
			engine.WithLogger(logger),
		},
	}
	h.start()
	defer func() { h.stop() }()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, st, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// start launches a coordinator and a dispatcher sharing its scheduler.
func (h *Harness) start() {
	opts := append(append([]engine.Option{}, h.opts...), engine.WithSequence(h.seq))
	h.coord = engine.New(h.store, opts...)
	h.disp = schedule.NewDispatcher(h.store, h.clock, h.coord.Scheduler(), h.handleWakeup,
		schedule.WithLogger(h.logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.coord.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Kind {
	case StepClick:
		for range step.Count {
			if err := h.command(h.coord.Click(ctx)); err != nil {
				return err
			}
		}
	case StepUndo:
		for range step.Count {
			if err := h.command(h.coord.Undo(ctx)); err != nil {
				return err
			}
		}
	case StepReset:
		return h.command(h.coord.Reset(ctx))
	case StepEvaluate:
		return h.command(h.coord.EvaluateNow(ctx))
	case StepTick:
		_, err := h.disp.RunDue(ctx)
		return err
	case StepAdvance:
		return h.advance(ctx, step.Duration)
	case StepRestart:
		h.stop()
		h.start()
	default:
		return fmt.Errorf("unknown step %q", step.Kind)
	}
	return nil
}

// advance moves the clock by d, stopping at each pending wake-up's due time
// to dispatch it.
func (h *Harness) advance(ctx context.Context, d time.Duration) error {
	target := h.clock.Now().Add(d)
	for {
		pending, err := h.store.PendingWakeups(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 || pending[0].DueAt.After(target) {
			break
		}
		if wait := pending[0].DueAt.Sub(h.clock.Now()); wait > 0 {
			h.clock.Advance(wait)
		}
		if _, err := h.disp.RunDue(ctx); err != nil {
			return err
		}
	}
	if wait := target.Sub(h.clock.Now()); wait > 0 {
		h.clock.Advance(wait)
	}
	return nil
}

func (h *Harness) handleWakeup(ctx context.Context, w store.Wakeup) error {
	return h.command(h.coord.Evaluate(ctx, w))
}

// command records a processed command in the trace.
func (h *Harness) command(res engine.Result, err error) error {
	if err != nil {
		return err
	}
	ev := TraceEvent{
		Seq:        res.Seq,
		Op:         res.Op,
		At:         h.clock.Now().Sub(Epoch),
		Clicks:     res.Record.Clicks,
		TotalUnits: res.Record.TotalUnits(),
		Effect:     res.Effect.String(),
		Outcome:    string(res.Outcome),
	}
	if res.Final != nil {
		ev.Dose = &TraceDose{
			ID:         res.Final.ID,
			Clicks:     res.Final.Clicks,
			TotalUnits: res.Final.TotalUnits,
		}
	}
	h.result.AddEvent(ev)
	h.logger.Debug("scenario event", "seq", ev.Seq, "op", ev.Op, "at", ev.At)
	return nil
}
