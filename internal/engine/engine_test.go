package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchlog/internal/dose"
	"github.com/roach88/patchlog/internal/schedule"
	"github.com/roach88/patchlog/internal/settings"
	"github.com/roach88/patchlog/internal/store"
	"github.com/roach88/patchlog/internal/testutil"
)

var t0 = time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sinkRecorder collects finalized doses.
type sinkRecorder struct {
	mu    sync.Mutex
	doses []dose.FinalDose
	ctxs  []DoseContext
	err   error
}

func (r *sinkRecorder) Record(_ context.Context, d dose.FinalDose, dc DoseContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doses = append(r.doses, d)
	r.ctxs = append(r.ctxs, dc)
	return r.err
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.doses)
}

type fixture struct {
	store *store.Store
	clock *testutil.FakeClock
	coord *Coordinator
	disp  *schedule.Dispatcher
	sink  *sinkRecorder
}

func rate(unitsPerClick float64) RateSource {
	return StaticRate(settings.Profile{
		Concentration: settings.U100,
		UnitsPerClick: unitsPerClick,
		InsulinName:   "Rapid-acting",
	})
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: setupTestStore(t),
		clock: testutil.NewFakeClock(t0),
		sink:  &sinkRecorder{},
	}
	base := []Option{
		WithClock(f.clock),
		WithRateSource(rate(0.5)),
		WithIDGenerator(testutil.NewSequentialIDGenerator("dose")),
		WithSinks(f.sink),
		WithLogger(discardLogger()),
	}
	f.coord = New(f.store, append(base, opts...)...)
	f.disp = schedule.NewDispatcher(f.store, f.clock, f.coord.Scheduler(), f.coord.HandleWakeup,
		schedule.WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

// advanceTo moves the clock to t0+ms, dispatching every wake-up at its due
// time on the way.
func (f *fixture) advanceTo(t *testing.T, ms int) {
	t.Helper()
	target := t0.Add(time.Duration(ms) * time.Millisecond)
	ctx := context.Background()
	for {
		pending, err := f.store.PendingWakeups(ctx)
		require.NoError(t, err)
		if len(pending) == 0 || pending[0].DueAt.After(target) {
			break
		}
		if d := pending[0].DueAt.Sub(f.clock.Now()); d > 0 {
			f.clock.Advance(d)
		}
		_, err = f.disp.RunDue(ctx)
		require.NoError(t, err)
	}
	if d := target.Sub(f.clock.Now()); d > 0 {
		f.clock.Advance(d)
	}
}

func (f *fixture) click(t *testing.T) Result {
	t.Helper()
	res, err := f.coord.Click(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) undo(t *testing.T) Result {
	t.Helper()
	res, err := f.coord.Undo(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) record(t *testing.T) dose.Record {
	t.Helper()
	rec, err := f.store.ReadRecord(context.Background())
	require.NoError(t, err)
	return rec.Record
}

func (f *fixture) doses(t *testing.T) []store.Dose {
	t.Helper()
	doses, err := f.store.RecentDoses(context.Background(), 0)
	require.NoError(t, err)
	return doses
}

func TestCoordinator_BurstFinalizesOnce(t *testing.T) {
	f := newFixture(t)

	f.click(t)
	f.advanceTo(t, 1000)
	f.click(t)
	f.advanceTo(t, 2000)
	res := f.click(t)

	assert.Equal(t, 3, res.Record.Clicks)
	assert.Equal(t, 1.5, res.Record.TotalUnits())
	assert.Equal(t, t0.Add(7*time.Second), res.Wakeup.DueAt)

	f.advanceTo(t, 6999)
	assert.Equal(t, 0, f.sink.count())

	f.advanceTo(t, 7000)
	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, dose.FinalDose{FinalizedAt: t0.Add(7 * time.Second), Clicks: 3, TotalUnits: 1.5}, f.sink.doses[0])
	assert.Equal(t, "dose-1", f.sink.ctxs[0].ID)
	assert.Equal(t, dose.Record{}, f.record(t))

	f.advanceTo(t, 60000)
	assert.Equal(t, 1, f.sink.count())
}

func TestCoordinator_TwoGroupsTwoDoses(t *testing.T) {
	f := newFixture(t)

	f.click(t)
	f.click(t)
	f.advanceTo(t, 5000)
	f.click(t)
	f.advanceTo(t, 20000)

	doses := f.doses(t)
	require.Len(t, doses, 2)
	// Most recent first.
	assert.Equal(t, 1, doses[0].Clicks)
	assert.Equal(t, 2, doses[1].Clicks)
	assert.Equal(t, t0.Add(5*time.Second), doses[1].FinalizedAt)
	assert.Equal(t, t0.Add(10*time.Second), doses[0].FinalizedAt)
}

func TestCoordinator_UndoToZeroSuppressesDose(t *testing.T) {
	f := newFixture(t)

	f.click(t)
	res := f.undo(t)
	assert.Equal(t, dose.EffectCancel, res.Effect)
	res = f.undo(t)
	assert.Equal(t, dose.EffectNone, res.Effect)
	assert.Equal(t, 0, res.Record.Clicks)

	f.advanceTo(t, 30000)
	assert.Equal(t, 0, f.sink.count())
	assert.Empty(t, f.doses(t))

	w, err := f.store.ReadWakeup(context.Background(), schedule.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.WakeupCancelled, w.State)
}

func TestCoordinator_UndoResetsDeadline(t *testing.T) {
	f := newFixture(t)

	f.click(t)
	f.click(t)
	f.advanceTo(t, 4000)
	res := f.undo(t)
	assert.Equal(t, t0.Add(9*time.Second), res.Record.ExpiresAt)

	f.advanceTo(t, 8999)
	assert.Equal(t, 0, f.sink.count())
	f.advanceTo(t, 9000)
	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, 1, f.sink.doses[0].Clicks)
}

func TestCoordinator_ResetDiscardsBatch(t *testing.T) {
	f := newFixture(t)

	f.click(t)
	f.click(t)
	res, err := f.coord.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dose.EffectCancel, res.Effect)

	f.advanceTo(t, 30000)
	assert.Empty(t, f.doses(t))
}

func TestCoordinator_SupersededWakeupIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.click(t).Wakeup
	f.advanceTo(t, 3000)
	f.click(t)

	// The first wake-up fires late, after a newer click moved the deadline.
	f.clock.Advance(3 * time.Second)
	res, err := f.coord.Evaluate(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, res.Outcome)
	assert.Nil(t, res.Final)
	assert.Equal(t, 2, f.record(t).Clicks)
}

func TestCoordinator_DoubleEvaluationFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.click(t).Wakeup
	f.clock.Advance(5 * time.Second)

	first, err := f.coord.Evaluate(ctx, w)
	require.NoError(t, err)
	second, err := f.coord.Evaluate(ctx, w)
	require.NoError(t, err)

	assert.Equal(t, dose.OutcomeFinalized, first.Outcome)
	assert.NotNil(t, first.Final)
	assert.Equal(t, OutcomeSuperseded, second.Outcome)
	assert.Nil(t, second.Final)

	third, err := f.coord.EvaluateNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, dose.OutcomeIdle, third.Outcome)

	assert.Len(t, f.doses(t), 1)
	assert.Equal(t, 1, f.sink.count())
}

func TestCoordinator_EvaluateNowBeforeDeadlineReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.click(t)
	f.clock.Advance(2 * time.Second)

	res, err := f.coord.EvaluateNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, dose.OutcomePending, res.Outcome)
	assert.Equal(t, t0.Add(5*time.Second), res.Wakeup.DueAt)
	assert.Equal(t, 1, f.record(t).Clicks)

	f.advanceTo(t, 5000)
	assert.Equal(t, 1, f.sink.count())
}

func TestCoordinator_FinalizationIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.click(t)
	f.click(t)
	f.advanceTo(t, 5000)

	doses := f.doses(t)
	require.Len(t, doses, 1)
	assert.Equal(t, store.Dose{
		ID:            "dose-1",
		FinalizedAt:   t0.Add(5 * time.Second),
		Clicks:        2,
		Units:         1.0,
		UnitsPerClick: 0.5,
		InsulinName:   "Rapid-acting",
		Concentration: 100,
		Status:        store.DosePending,
	}, doses[0])

	entries, err := f.store.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Dose recorded: 1.0u", entries[0].Message)
	assert.Equal(t, "2 clicks", entries[0].Details)

	w, err := f.store.ReadWakeup(ctx, schedule.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.WakeupFired, w.State)
}

func TestCoordinator_SinkFailureDoesNotReopenBatch(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("upload queue unavailable")

	f.click(t)
	f.advanceTo(t, 5000)
	f.advanceTo(t, 20000)

	assert.Equal(t, 1, f.sink.count())
	assert.Len(t, f.doses(t), 1)
	assert.Equal(t, dose.Record{}, f.record(t))
}

func TestCoordinator_RateSnapshottedAtOpen(t *testing.T) {
	var (
		mu   sync.Mutex
		rate = 2.0
	)
	f := newFixture(t, WithRateSource(RateFunc(func(context.Context) (settings.Profile, error) {
		mu.Lock()
		defer mu.Unlock()
		return settings.Profile{Concentration: settings.U100, UnitsPerClick: rate, InsulinName: "x"}, nil
	})))

	f.click(t)
	mu.Lock()
	rate = 4.0
	mu.Unlock()
	res := f.click(t)

	assert.Equal(t, 4.0, res.Record.TotalUnits())
}

func TestCoordinator_RateErrorUsesDefault(t *testing.T) {
	f := newFixture(t, WithRateSource(RateFunc(func(context.Context) (settings.Profile, error) {
		return settings.Profile{}, errors.New("settings unavailable")
	})))

	res := f.click(t)
	assert.Equal(t, 2.0, res.Record.UnitsPerClick)
}

func TestCoordinator_ConcurrentClicksAllCounted(t *testing.T) {
	f := newFixture(t)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Click(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, f.record(t).Clicks)
}

func TestCoordinator_TwoProcessesShareRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	fc := testutil.NewFakeClock(t0)

	start := func() *Coordinator {
		s, err := store.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		c := New(s, WithClock(fc), WithRateSource(rate(1)), WithLogger(discardLogger()))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = c.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		return c
	}
	a, b := start(), start()

	const n = 20
	var wg sync.WaitGroup
	for _, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				_, err := c.Click(context.Background())
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	view, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*n, view.Clicks)
}

func TestCoordinator_Snapshot(t *testing.T) {
	f := newFixture(t)

	f.click(t)
	f.clock.Advance(2 * time.Second)

	view, err := f.coord.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dose.View{
		Clicks:     1,
		TotalUnits: 0.5,
		ExpiresAt:  t0.Add(5 * time.Second),
		Remaining:  3 * time.Second,
	}, view)
}

func TestCoordinator_StoppedRejectsCommands(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, WithLogger(discardLogger()))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	c.Stop()
	require.NoError(t, <-done)

	_, err := c.Click(context.Background())
	assert.True(t, IsStopped(err))
}

func TestCoordinator_SubmitHonorsContext(t *testing.T) {
	// Run is never started, so the command waits until ctx expires.
	c := New(setupTestStore(t), WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Click(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_SequenceNumbersIncrease(t *testing.T) {
	f := newFixture(t)

	a := f.click(t)
	b := f.undo(t)
	c := f.click(t)

	assert.Less(t, a.Seq, b.Seq)
	assert.Less(t, b.Seq, c.Seq)
	assert.Equal(t, "undo", b.Op)
}
