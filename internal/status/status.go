// Package status carries short-lived upload feedback for display surfaces.
//
// A Status is shown until its display period elapses and is then cleared.
// Publishing a new Status replaces the previous one and its clear timer.
// Nothing here is persisted.
package status

import (
	"sync"
	"time"

	"github.com/roach88/patchlog/internal/clock"
)

// DefaultDisplayFor is how long a status stays visible.
const DefaultDisplayFor = 2 * time.Second

// Tag classifies a status message.
type Tag string

const (
	TagNone    Tag = ""
	TagSuccess Tag = "success"
	TagError   Tag = "error"
)

// Status is a transient message. The zero value means nothing to show.
type Status struct {
	Message string `json:"message,omitempty"`
	Tag     Tag    `json:"tag,omitempty"`
}

// IsZero reports whether there is nothing to show.
func (s Status) IsZero() bool {
	return s.Message == "" && s.Tag == TagNone
}

// Channel holds the current status and fans it out to subscribers.
//
// Thread-safety: All methods are safe for concurrent use.
type Channel struct {
	mu         sync.Mutex
	clock      clock.Clock
	displayFor time.Duration

	current Status
	timer   clock.Timer
	gen     uint64
	closed  bool

	subs    map[int]chan Status
	nextSub int
}

// New creates a Channel. A non-positive displayFor selects DefaultDisplayFor.
func New(c clock.Clock, displayFor time.Duration) *Channel {
	if displayFor <= 0 {
		displayFor = DefaultDisplayFor
	}
	return &Channel{
		clock:      c,
		displayFor: displayFor,
		subs:       make(map[int]chan Status),
	}
}

// Publish shows s and arms the clear timer. Publishing the zero Status
// clears immediately.
func (c *Channel) Publish(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.stopTimer()
	c.current = s
	if !s.IsZero() {
		gen := c.gen
		c.timer = c.clock.AfterFunc(c.displayFor, func() { c.clear(gen) })
	}
	c.broadcast()
}

// Success publishes a success status.
func (c *Channel) Success(message string) {
	c.Publish(Status{Message: message, Tag: TagSuccess})
}

// Error publishes an error status.
func (c *Channel) Error(message string) {
	c.Publish(Status{Message: message, Tag: TagError})
}

// Current returns the visible status.
func (c *Channel) Current() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe returns a channel carrying every change, starting with the
// current status. Slow subscribers only see the latest value.
func (c *Channel) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Status, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.current

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Close stops the clear timer and closes every subscription.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopTimer()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Channel) clear(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.timer = nil
	c.current = Status{}
	c.broadcast()
}

// Caller must hold c.mu.
func (c *Channel) stopTimer() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Caller must hold c.mu.
func (c *Channel) broadcast() {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c.current
	}
}
