package engine

import (
	"sync"

	"github.com/roach88/vigil/internal/detect"
)

// logQueue is a thread-safe FIFO of log events with an optional bound.
//
// Producers (stdin readers, HTTP handlers, tests) enqueue from any
// goroutine; the monitor's log loop is the single consumer.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the consumer loop.
type logQueue struct {
	mu      sync.Mutex
	events  []detect.LogEvent
	limit   int
	closed  bool
	dropped int
	signal  chan struct{} // Signals event availability (buffered, size 1)
}

// newLogQueue creates an empty queue. limit <= 0 means unbounded.
func newLogQueue(limit int) *logQueue {
	return &logQueue{
		events: make([]detect.LogEvent, 0, 64),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed or full; a full queue keeps its
// older events and drops the new one.
func (q *logQueue) Enqueue(e detect.LogEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.limit > 0 && len(q.events) >= q.limit {
		q.dropped++
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
// Returns false if the queue is empty.
func (q *logQueue) TryDequeue() (detect.LogEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return detect.LogEvent{}, false
	}

	e := q.events[0]
	// Clear the slot so the backing array does not pin Details maps.
	q.events[0] = detect.LogEvent{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. The
// channel is closed when the queue is closed.
func (q *logQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *logQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped returns how many events were refused because the queue was full.
func (q *logQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close signals that no more events will be enqueued. Queued events can
// still be dequeued.
func (q *logQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal) // Wakes all waiters
}
