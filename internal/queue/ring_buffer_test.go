package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"logsentinel/internal/schema"
)

func newTestEvent(i int) schema.Event {
	return schema.Event{
		SourceID:  fmt.Sprintf("10.0.0.%d", i%255),
		Timestamp: time.Date(2024, 1, 10, 12, 0, i, 0, time.UTC),
		Type:      schema.EventLoginFailed,
	}
}

func TestNewRingBuffer(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"with valid size", 100, 100},
		{"with zero size uses default", 0, DefaultSize},
		{"with negative size uses default", -5, DefaultSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.size)
			if rb.Cap() != tt.want {
				t.Errorf("Cap() = %d, want %d", rb.Cap(), tt.want)
			}
			if rb.Len() != 0 {
				t.Errorf("Len() = %d, want 0", rb.Len())
			}
		})
	}
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb := NewRingBuffer(4)

	// Wrap around the buffer a few times.
	for round := 0; round < 3; round++ {
		for i := 0; i < 3; i++ {
			if err := rb.Push(newTestEvent(round*10 + i)); err != nil {
				t.Fatalf("Push() error = %v", err)
			}
		}
		for i := 0; i < 3; i++ {
			got, err := rb.Pop()
			if err != nil {
				t.Fatalf("Pop() error = %v", err)
			}
			if want := newTestEvent(round*10 + i); got != want {
				t.Errorf("Pop() = %+v, want %+v", got, want)
			}
		}
	}

	if _, err := rb.Pop(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Pop() on empty queue error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_Full(t *testing.T) {
	rb := NewRingBuffer(2)
	_ = rb.Push(newTestEvent(1))
	_ = rb.Push(newTestEvent(2))

	if err := rb.Push(newTestEvent(3)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	m := rb.Metrics()
	if m.Pushed != 2 || m.Dropped != 1 || m.Depth != 2 || m.Capacity != 2 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer(4)
	_ = rb.Push(newTestEvent(1))
	rb.Close()

	if !rb.Closed() {
		t.Error("Closed() = false after Close")
	}
	if err := rb.Push(newTestEvent(2)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() after close error = %v, want ErrQueueClosed", err)
	}

	if _, err := rb.PopContext(context.Background()); err != nil {
		t.Errorf("buffered event should survive close, got %v", err)
	}
	if _, err := rb.PopContext(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("PopContext() error = %v, want ErrQueueClosed", err)
	}
	if _, err := rb.Pop(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopContextWaits(t *testing.T) {
	rb := NewRingBuffer(4)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = rb.Push(newTestEvent(7))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := rb.PopContext(ctx)
	if err != nil {
		t.Fatalf("PopContext() error = %v", err)
	}
	if got != newTestEvent(7) {
		t.Errorf("PopContext() = %+v", got)
	}
}

func TestRingBuffer_PopContextCancel(t *testing.T) {
	rb := NewRingBuffer(4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := rb.PopContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("PopContext() error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("PopContext did not return promptly after cancellation")
	}
}

func TestRingBuffer_Drain(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		_ = rb.Push(newTestEvent(i))
	}

	first := rb.Drain(3)
	if len(first) != 3 || first[0] != newTestEvent(0) {
		t.Errorf("Drain(3) = %d events, first %+v", len(first), first)
	}

	rest := rb.Drain(0)
	if len(rest) != 2 || rest[1] != newTestEvent(4) {
		t.Errorf("Drain(0) = %d events", len(rest))
	}
	if rb.Len() != 0 {
		t.Errorf("Len() = %d after drain, want 0", rb.Len())
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(1000)
	const producers, perProducer = 4, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = rb.Push(newTestEvent(p*perProducer + i))
			}
		}(p)
	}

	received := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		for {
			if _, err := rb.PopContext(ctx); err != nil {
				return
			}
			received++
		}
	}()

	wg.Wait()
	rb.Close()
	<-done

	if received != producers*perProducer {
		t.Errorf("received %d events, want %d", received, producers*perProducer)
	}
	if m := rb.Metrics(); m.Popped != uint64(received) {
		t.Errorf("Popped = %d, want %d", m.Popped, received)
	}
}
