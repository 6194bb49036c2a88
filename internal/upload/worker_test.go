package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/patchlog/internal/activity"
	"github.com/roach88/patchlog/internal/dose"
	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/metrics"
	"github.com/roach88/patchlog/internal/status"
	"github.com/roach88/patchlog/internal/store"
	"github.com/roach88/patchlog/internal/testutil"
)

var t0 = time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

// fakePoster fails every treatment whose insulin is in failFor.
type fakePoster struct {
	mu      sync.Mutex
	posted  []Treatment
	failFor map[float64]error
	failAll error
}

func (p *fakePoster) Post(_ context.Context, t Treatment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posted = append(p.posted, t)
	if p.failAll != nil {
		return p.failAll
	}
	if err, ok := p.failFor[t.Insulin]; ok {
		return err
	}
	return nil
}

func (p *fakePoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posted)
}

func (p *fakePoster) setFailAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAll = err
}

type fixture struct {
	store   *store.Store
	clock   *testutil.FakeClock
	log     *activity.Log
	status  *status.Channel
	metrics *metrics.Metrics
	poster  *fakePoster
	worker  *Worker
}

func newFixture(t *testing.T, opts ...WorkerOption) *fixture {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store:   s,
		clock:   testutil.NewFakeClock(t0),
		metrics: metrics.New(prometheus.NewRegistry()),
		poster:  &fakePoster{failFor: map[float64]error{}},
	}
	f.log = activity.New(s, f.clock, 0, logger)
	f.status = status.New(f.clock, 0)
	t.Cleanup(f.status.Close)

	opts = append([]WorkerOption{
		WithClock(f.clock),
		WithActivityLog(f.log),
		WithStatus(f.status),
		WithMetrics(f.metrics),
		WithLogger(logger),
	}, opts...)
	f.worker = NewWorker(s, f.poster, opts...)
	return f
}

func (f *fixture) insert(t *testing.T, id string, offset time.Duration, clicks int) {
	t.Helper()
	err := f.store.Update(context.Background(), func(tx *store.Tx) error {
		return tx.InsertDose(store.Dose{
			ID:            id,
			FinalizedAt:   t0.Add(offset),
			Clicks:        clicks,
			Units:         float64(clicks) * 2,
			UnitsPerClick: 2,
			InsulinName:   "Rapid-acting",
			Concentration: 100,
		})
	})
	require.NoError(t, err)
}

func TestWorker_RunOnceUploadsOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, "b", 10*time.Second, 1)
	f.insert(t, "a", 0, 2)

	sum, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Uploaded: 2}, sum)

	require.Len(t, f.poster.posted, 2)
	assert.Equal(t, 4.0, f.poster.posted[0].Insulin)
	assert.Equal(t, 2.0, f.poster.posted[1].Insulin)

	d, err := f.store.ReadDose(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.DoseUploaded, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, t0, d.UploadedAt)

	entries, err := f.log.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.LevelSuccess, entries[0].Level)
	assert.Equal(t, "Uploaded 2.0u to Nightscout", entries[0].Message)
	assert.Equal(t, "1 clicks", entries[0].Details)

	assert.Equal(t, status.Status{Message: "Uploaded 2.0u to Nightscout", Tag: status.TagSuccess}, f.status.Current())
	f.clock.Advance(status.DefaultDisplayFor)
	assert.True(t, f.status.Current().IsZero())

	assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.Uploads.WithLabelValues("success")))

	// Nothing left.
	sum, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func TestWorker_RunOnceRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insert(t, "ok", 0, 1)
	f.insert(t, "bad", time.Second, 3)
	f.poster.failFor[6] = &StatusError{Code: 500, Status: "500 Internal Server Error"}

	sum, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Uploaded: 1, Failed: 1}, sum)

	d, err := f.store.ReadDose(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, store.DoseFailed, d.Status)
	assert.Equal(t, "Upload failed: 500 Internal Server Error", d.LastError)

	entries, err := f.log.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.LevelError, entries[0].Level)
	assert.Equal(t, "Failed to upload 6.0u", entries[0].Message)
	assert.Equal(t, "Upload failed: 500 Internal Server Error", entries[0].Details)
	assert.Equal(t, status.TagError, f.status.Current().Tag)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Uploads.WithLabelValues("failure")))

	// FAILED records are retried and the error is cleared on success.
	delete(f.poster.failFor, 6)
	sum, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Uploaded: 1}, sum)

	d, err = f.store.ReadDose(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, store.DoseUploaded, d.Status)
	assert.Empty(t, d.LastError)
	assert.Equal(t, 2, d.Attempts)
}

func TestWorker_RunOnceHonorsBatchSize(t *testing.T) {
	f := newFixture(t, WithBatchSize(2))
	for i, id := range []string{"a", "b", "c"} {
		f.insert(t, id, time.Duration(i)*time.Second, 1)
	}

	sum, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Uploaded)

	pending, err := f.store.PendingDoses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)
}

func TestWorker_FailingDosesDoNotBlockNewOnes(t *testing.T) {
	f := newFixture(t, WithBatchSize(2))
	ctx := context.Background()
	f.insert(t, "bad1", 0, 1)
	f.insert(t, "bad2", time.Second, 1)
	f.poster.failFor[2] = &StatusError{Code: 400, Status: "400 Bad Request"}

	sum, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 2}, sum)

	f.insert(t, "good", time.Minute, 2)
	for i := 0; i < 3; i++ {
		_, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
	}

	d, err := f.store.ReadDose(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, store.DoseUploaded, d.Status)
	assert.Equal(t, 1, d.Attempts)

	for _, id := range []string{"bad1", "bad2"} {
		d, err := f.store.ReadDose(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.DoseFailed, d.Status, "failed doses stay queued for retry")
	}
}

func TestWorker_NotConfiguredSkips(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	w := NewWorker(s, nil)
	sum, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func TestWorker_RecordKicks(t *testing.T) {
	f := newFixture(t)

	err := f.worker.Record(context.Background(), dose.FinalDose{TotalUnits: 2}, engine.DoseContext{ID: "x"})
	require.NoError(t, err)
	f.worker.Kick()

	assert.Len(t, f.worker.kick, 1)
}

func TestWorker_RunRetriesWithBackoff(t *testing.T) {
	// Status timers would share the fake clock with the backoff timer.
	f := newFixture(t, WithBackoff(10*time.Second, 3), WithStatus(nil))
	f.insert(t, "a", 0, 1)
	f.poster.setFailAll(errors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	// First attempt runs at start, then waits 10s.
	require.Eventually(t, func() bool { return f.poster.count() == 1 && f.clock.PendingTimers() == 1 },
		time.Second, time.Millisecond)
	f.clock.Advance(9 * time.Second)
	assert.Equal(t, 1, f.poster.count())
	f.clock.Advance(time.Second)

	// Second attempt, then waits 20s.
	require.Eventually(t, func() bool { return f.poster.count() == 2 && f.clock.PendingTimers() == 1 },
		time.Second, time.Millisecond)
	f.poster.setFailAll(nil)
	f.clock.Advance(20 * time.Second)

	require.Eventually(t, func() bool {
		d, err := f.store.ReadDose(context.Background(), "a")
		return err == nil && d.Status == store.DoseUploaded
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWorker_RunGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, WithBackoff(time.Second, 2), WithStatus(nil))
	f.insert(t, "a", 0, 1)
	f.poster.setFailAll(errors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return f.clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	f.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return f.poster.count() == 2 }, time.Second, time.Millisecond)

	// No third attempt until the next kick.
	f.clock.Advance(time.Minute)
	assert.Never(t, func() bool { return f.poster.count() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	f.worker.Kick()
	require.Eventually(t, func() bool { return f.poster.count() == 3 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
