package engine

import (
	"sync"

	"github.com/roach88/patchlog/internal/store"
)

// commandKind distinguishes between command kinds.
type commandKind int

const (
	cmdClick commandKind = iota + 1
	cmdUndo
	cmdReset
	cmdEvaluate
)

func (k commandKind) String() string {
	switch k {
	case cmdClick:
		return "click"
	case cmdUndo:
		return "undo"
	case cmdReset:
		return "reset"
	case cmdEvaluate:
		return "evaluate"
	default:
		return "unknown"
	}
}

// command is a request to the Run loop. The loop sends exactly one reply.
type command struct {
	kind   commandKind
	wakeup store.Wakeup // cmdEvaluate only; zero means evaluate unconditionally
	reply  chan reply   // buffered, size 1
}

type reply struct {
	result Result
	err    error
}

// commandQueue is a thread-safe FIFO queue for commands.
//
// Thread-safety is provided for submitting from any goroutine (CLI handlers,
// the dispatcher, HTTP handlers) while the Coordinator's Run loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type commandQueue struct {
	mu       sync.Mutex
	commands []command
	closed   bool
	signal   chan struct{} // Signals command availability (buffered, size 1)
}

// newCommandQueue creates an empty command queue.
func newCommandQueue() *commandQueue {
	return &commandQueue{
		commands: make([]command, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a command to the back of the queue.
// Returns false if the queue is closed.
func (q *commandQueue) Enqueue(c command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.commands = append(q.commands, c)

	// Non-blocking - buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (command{}, false) if queue is empty.
func (q *commandQueue) TryDequeue() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return command{}, false
	}

	c := q.commands[0]

	// Nil out the slot so the reply channel can be collected.
	q.commands[0] = command{}

	if len(q.commands) == 1 {
		q.commands = q.commands[:0]
	} else {
		q.commands = q.commands[1:]
	}

	return c, true
}

// Wait returns a channel that signals when commands may be available.
// The channel is closed when the queue is closed.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Closed reports whether Close has been called.
func (q *commandQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more commands will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
