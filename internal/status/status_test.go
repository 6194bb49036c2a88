package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/patchlog/internal/testutil"
)

var t0 = time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

func TestChannel_ClearsAfterDisplayPeriod(t *testing.T) {
	fc := testutil.NewFakeClock(t0)
	c := New(fc, 0)
	defer c.Close()

	c.Success("Uploaded 4.0u to Nightscout")
	assert.Equal(t, Status{Message: "Uploaded 4.0u to Nightscout", Tag: TagSuccess}, c.Current())

	fc.Advance(DefaultDisplayFor - time.Millisecond)
	assert.Equal(t, TagSuccess, c.Current().Tag)

	fc.Advance(time.Millisecond)
	assert.True(t, c.Current().IsZero())
	assert.Equal(t, 0, fc.PendingTimers())
}

func TestChannel_NewerStatusReplacesTimer(t *testing.T) {
	fc := testutil.NewFakeClock(t0)
	c := New(fc, 2*time.Second)
	defer c.Close()

	c.Success("first")
	fc.Advance(1500 * time.Millisecond)
	c.Error("second")
	assert.Equal(t, 1, fc.PendingTimers())

	// The first status's timer would have fired here.
	fc.Advance(time.Second)
	assert.Equal(t, Status{Message: "second", Tag: TagError}, c.Current())

	fc.Advance(time.Second)
	assert.True(t, c.Current().IsZero())
}

func TestChannel_PublishZeroClears(t *testing.T) {
	fc := testutil.NewFakeClock(t0)
	c := New(fc, time.Second)
	defer c.Close()

	c.Error("boom")
	c.Publish(Status{})

	assert.True(t, c.Current().IsZero())
	assert.Equal(t, 0, fc.PendingTimers())
}

func TestChannel_Subscribe(t *testing.T) {
	fc := testutil.NewFakeClock(t0)
	c := New(fc, time.Second)

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	assert.True(t, (<-ch).IsZero())

	c.Success("ok")
	assert.Equal(t, "ok", (<-ch).Message)

	fc.Advance(time.Second)
	assert.True(t, (<-ch).IsZero())

	c.Close()
	_, ok := <-ch
	assert.False(t, ok)

	c.Success("ignored")
	assert.True(t, c.Current().IsZero())
}
