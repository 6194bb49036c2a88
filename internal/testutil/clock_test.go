package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

func TestFakeClock_StartsFrozen(t *testing.T) {
	c := NewFakeClock(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now())
}

func TestFakeClock_AdvanceMovesNow(t *testing.T) {
	c := NewFakeClock(start)
	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), c.Now())
}

func TestFakeClock_AfterFuncFiresAtDeadline(t *testing.T) {
	c := NewFakeClock(start)

	var firedAt time.Time
	c.AfterFunc(5*time.Second, func() { firedAt = c.Now() })

	c.Advance(4 * time.Second)
	assert.True(t, firedAt.IsZero())
	assert.Equal(t, 1, c.PendingTimers())

	c.Advance(10 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), firedAt)
	assert.Equal(t, start.Add(14*time.Second), c.Now())
	assert.Equal(t, 0, c.PendingTimers())
}

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	c := NewFakeClock(start)

	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFakeClock_CallbackCanScheduleWithinSpan(t *testing.T) {
	c := NewFakeClock(start)

	var fired []time.Time
	c.AfterFunc(time.Second, func() {
		fired = append(fired, c.Now())
		c.AfterFunc(time.Second, func() { fired = append(fired, c.Now()) })
	})

	c.Advance(5 * time.Second)
	require.Len(t, fired, 2)
	assert.Equal(t, start.Add(time.Second), fired[0])
	assert.Equal(t, start.Add(2*time.Second), fired[1])
}

func TestFakeClock_StopPreventsFire(t *testing.T) {
	c := NewFakeClock(start)

	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeClock_NewTimerDeliversOnChannel(t *testing.T) {
	c := NewFakeClock(start)
	tm := c.NewTimer(time.Second)

	select {
	case <-tm.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-tm.C():
		assert.Equal(t, start.Add(time.Second), got)
	default:
		t.Fatal("timer did not fire")
	}
}

func TestSequentialIDGenerator(t *testing.T) {
	g := NewSequentialIDGenerator("")
	assert.Equal(t, "dose-1", g.Generate())
	assert.Equal(t, "dose-2", g.Generate())
	g.Reset()
	assert.Equal(t, "dose-1", g.Generate())

	g = NewSequentialIDGenerator("x")
	assert.Equal(t, "x-1", g.Generate())
}
