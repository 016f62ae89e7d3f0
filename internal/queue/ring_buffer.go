// Package queue provides the bounded hand-off between network ingest and the
// detection pipeline.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"logsentinel/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 10000

// RingBuffer is a fixed-capacity FIFO of events. Producers never block: a
// push into a full buffer is dropped and counted.
type RingBuffer struct {
	buffer []schema.Event
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}

	rb := &RingBuffer{
		buffer: make([]schema.Event, size),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push appends an event. It returns ErrQueueFull when at capacity and
// ErrQueueClosed after Close.
func (rb *RingBuffer) Push(event schema.Event) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == len(rb.buffer) {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = event
	rb.tail = (rb.tail + 1) % len(rb.buffer)
	rb.count++
	rb.totalPushed.Add(1)

	rb.cond.Signal()
	return nil
}

// popLocked removes the head. The caller holds mu and has checked count.
func (rb *RingBuffer) popLocked() schema.Event {
	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = schema.Event{}
	rb.head = (rb.head + 1) % len(rb.buffer)
	rb.count--
	rb.totalPopped.Add(1)
	return event
}

// Pop removes and returns the oldest event without blocking.
func (rb *RingBuffer) Pop() (schema.Event, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return schema.Event{}, ErrQueueClosed
		}
		return schema.Event{}, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopContext blocks until an event is available, the queue is closed and
// drained, or ctx is done. Events still buffered at Close are delivered
// before ErrQueueClosed.
func (rb *RingBuffer) PopContext(ctx context.Context) (schema.Event, error) {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		if err := ctx.Err(); err != nil {
			return schema.Event{}, err
		}
		rb.cond.Wait()
	}

	if rb.count == 0 {
		return schema.Event{}, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

// Drain removes up to limit buffered events without blocking. A
// non-positive limit drains everything.
func (rb *RingBuffer) Drain(limit int) []schema.Event {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]schema.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, rb.popLocked())
	}
	return out
}

// Len returns the current number of events in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return len(rb.buffer)
}

// Close stops further pushes and wakes blocked consumers. Buffered events
// remain poppable.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (rb *RingBuffer) Closed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: len(rb.buffer),
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
