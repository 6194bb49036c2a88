// Package batcher is the in-process variant of the batch engine, for a
// single long-lived process that owns the interaction exclusively.
//
// State lives in memory and a live cancellable timer replaces the durable
// scheduler. Every click or undo re-arms the timer; when it fires the batch
// is finalized unconditionally, since no other writer can have touched it.
package batcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/patchlog/internal/clock"
	"github.com/roach88/patchlog/internal/dose"
)

// Batcher accumulates clicks in memory.
//
// Thread-safety: All methods are safe for concurrent use. onFinal is called
// without the lock held, from the timer's goroutine.
type Batcher struct {
	mu      sync.Mutex
	clock   clock.Clock
	machine dose.Machine
	rate    func() float64
	onFinal func(dose.FinalDose)
	logger  *slog.Logger

	rec    dose.Record
	timer  clock.Timer
	gen    uint64 // bumped whenever the timer is re-armed or cancelled
	closed bool

	subs    map[int]chan dose.View
	nextSub int

	inflight sync.WaitGroup // onFinal calls started before Close
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithRate sets the rate consulted when a batch opens. Defaults to
// dose.DefaultUnitsPerClick.
func WithRate(rate func() float64) Option {
	return func(b *Batcher) {
		if rate != nil {
			b.rate = rate
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Batcher. onFinal receives every finalized dose.
func New(c clock.Clock, window time.Duration, onFinal func(dose.FinalDose), opts ...Option) *Batcher {
	b := &Batcher{
		clock:   c,
		machine: dose.NewMachine(window),
		rate:    func() float64 { return dose.DefaultUnitsPerClick },
		onFinal: onFinal,
		logger:  slog.Default(),
		subs:    make(map[int]chan dose.View),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Click registers one click and re-arms the timer.
func (b *Batcher) Click() dose.View {
	rate := b.rate()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.view()
	}

	next, eff := b.machine.RegisterClick(b.rec, b.clock.Now(), rate)
	b.apply(next, eff)
	return b.view()
}

// Undo removes one click. Undoing the last click cancels the timer.
func (b *Batcher) Undo() dose.View {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.view()
	}

	next, eff := b.machine.UndoClick(b.rec, b.clock.Now())
	b.apply(next, eff)
	return b.view()
}

// Reset discards the batch without a dose.
func (b *Batcher) Reset() dose.View {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.view()
	}

	next, eff := b.machine.Reset(b.rec)
	b.apply(next, eff)
	return b.view()
}

// View returns the current state.
func (b *Batcher) View() dose.View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view()
}

// Subscribe returns a channel carrying every state change, starting with the
// current state. Slow subscribers only see the latest value. The returned
// function unsubscribes.
func (b *Batcher) Subscribe() (<-chan dose.View, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan dose.View, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	ch <- b.view()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Close cancels the timer and closes every subscription. A pending batch is
// dropped without a dose. Close waits for an onFinal call that is already
// running, so onFinal must not call Close.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopTimer()
	if b.rec.Clicks > 0 {
		b.logger.Warn("batcher closed with open batch", "clicks", b.rec.Clicks)
	}
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	b.inflight.Wait()
}

// apply stores next and applies the effect to the timer.
// Caller must hold b.mu.
func (b *Batcher) apply(next dose.Record, eff dose.Effect) {
	b.rec = next
	switch eff {
	case dose.EffectReschedule:
		b.arm()
	case dose.EffectCancel:
		b.stopTimer()
	}
	b.publish()
}

// arm replaces the timer with one firing one window from now.
// Caller must hold b.mu.
func (b *Batcher) arm() {
	b.stopTimer()
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.machine.Window, func() { b.fire(gen) })
}

// stopTimer cancels the timer. Bumping gen makes a callback that already
// started a no-op.
// Caller must hold b.mu.
func (b *Batcher) stopTimer() {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher) fire(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	next, final := b.machine.Finalize(b.rec, b.clock.Now())
	b.rec = next
	b.publish()
	if final == nil {
		b.mu.Unlock()
		return
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	b.logger.Info("batch finalized",
		"clicks", final.Clicks,
		"total_units", final.TotalUnits,
	)
	if b.onFinal != nil {
		b.onFinal(*final)
	}
}

// publish sends the current view to every subscriber, replacing any value
// they have not read yet.
// Caller must hold b.mu.
func (b *Batcher) publish() {
	v := b.view()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Caller must hold b.mu.
func (b *Batcher) view() dose.View {
	return b.rec.View(b.clock.Now())
}
