package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokenr-co/tokenr-go/internal/usage"
)

func newEvent(model string) *usage.Event {
	return &usage.Event{Provider: "openai", Model: model, InputTokens: 1, OutputTokens: 1}
}

func TestDispatcher_DeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var got []string

	d := NewDispatcher(Config{
		QueueSize: 10,
		Deliver: func(ctx context.Context, ev *usage.Event) error {
			mu.Lock()
			got = append(got, ev.Model)
			mu.Unlock()
			return nil
		},
	})

	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		if err := d.Enqueue(ctx, newEvent(m)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.Flush(flushCtx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Errorf("Expected 3 delivered events, got %d", len(got))
	}

	stats := d.Stats()
	if stats.Enqueued != 3 || stats.Delivered != 3 || stats.Failed != 0 || stats.Dropped != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestDispatcher_LazyStart(t *testing.T) {
	d := NewDispatcher(Config{Deliver: func(ctx context.Context, ev *usage.Event) error { return nil }})

	if d.cancel != nil {
		t.Fatal("Expected worker not to start before first event")
	}

	_ = d.Enqueue(context.Background(), newEvent("a"))
	if d.cancel == nil {
		t.Error("Expected worker to start on first event")
	}
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(Config{
		QueueSize: 2,
		Deliver: func(ctx context.Context, ev *usage.Event) error {
			<-release
			return nil
		},
	})
	defer close(release)

	var dropped atomic.Int64
	d.onDrop = func(ev *usage.Event, err error) {
		if errors.Is(err, ErrQueueFull) {
			dropped.Add(1)
		}
	}

	start := time.Now()
	for i := 0; i < 50; i++ {
		_ = d.Enqueue(context.Background(), newEvent("m"))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Enqueue blocked for %v", elapsed)
	}

	// one event may be held by the worker, two sit in the buffer
	if dropped.Load() < 47 {
		t.Errorf("Expected at least 47 drops, got %d", dropped.Load())
	}
	if d.Stats().Dropped != dropped.Load() {
		t.Errorf("Stats dropped %d != hook count %d", d.Stats().Dropped, dropped.Load())
	}
}

func TestDispatcher_FailuresAreCounted(t *testing.T) {
	var hookErr atomic.Value
	d := NewDispatcher(Config{
		Deliver: func(ctx context.Context, ev *usage.Event) error {
			return errors.New("network down")
		},
		OnError: func(ev *usage.Event, err error) {
			hookErr.Store(err)
		},
	})

	if err := d.Enqueue(context.Background(), newEvent("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = d.Flush(ctx)

	if d.Stats().Failed != 1 {
		t.Errorf("Expected 1 failure, got %+v", d.Stats())
	}
	if hookErr.Load() == nil {
		t.Error("Expected OnError hook to fire")
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(Config{
		Deliver: func(ctx context.Context, ev *usage.Event) error {
			if ev.Model == "boom" {
				panic("unexpected response shape")
			}
			return nil
		},
	})

	ctx := context.Background()
	_ = d.Enqueue(ctx, newEvent("boom"))
	_ = d.Enqueue(ctx, newEvent("fine"))

	flushCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.Flush(flushCtx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	stats := d.Stats()
	if stats.Failed != 1 || stats.Delivered != 1 {
		t.Errorf("Expected worker to survive panic, got %+v", stats)
	}
}

func TestDispatcher_CloseDrains(t *testing.T) {
	var delivered atomic.Int64
	d := NewDispatcher(Config{
		QueueSize: 100,
		Deliver: func(ctx context.Context, ev *usage.Event) error {
			time.Sleep(time.Millisecond)
			delivered.Add(1)
			return nil
		},
	})

	for i := 0; i < 20; i++ {
		_ = d.Enqueue(context.Background(), newEvent("m"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if delivered.Load() != 20 {
		t.Errorf("Expected 20 delivered after close, got %d", delivered.Load())
	}

	if err := d.Enqueue(context.Background(), newEvent("late")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestDispatcher_CloseIsBounded(t *testing.T) {
	d := NewDispatcher(Config{
		Deliver: func(ctx context.Context, ev *usage.Event) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	_ = d.Enqueue(context.Background(), newEvent("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.Close(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Close did not respect its deadline")
	}
}

func TestDispatcher_FlushAfterAbandonedClose(t *testing.T) {
	d := NewDispatcher(Config{
		QueueSize: 10,
		Deliver: func(ctx context.Context, ev *usage.Event) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	for _, m := range []string{"stuck", "queued-1", "queued-2"} {
		_ = d.Enqueue(context.Background(), newEvent(m))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = d.Close(closeCtx)

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()

	start := time.Now()
	err := d.Flush(flushCtx)
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Flush waited on events that will never be attempted")
	}
}

func TestDispatcher_CloseWithoutEvents(t *testing.T) {
	d := NewDispatcher(Config{})
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("Expected clean close, got %v", err)
	}
}
