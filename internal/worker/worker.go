package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenr-co/tokenr-go/internal/usage"
)

var (
	ErrQueueFull   = errors.New("usage queue is full")
	ErrQueueClosed = errors.New("usage queue is closed")
)

const DefaultQueueSize = 1000

type Queue interface {
	Enqueue(ctx context.Context, ev *usage.Event) error
	Process(ctx context.Context) error // starts the worker loop
}

// DeliverFunc ships one event. Its error only feeds the OnError hook.
type DeliverFunc func(ctx context.Context, ev *usage.Event) error

type Stats struct {
	Enqueued  int64
	Dropped   int64
	Delivered int64
	Failed    int64
}

type Config struct {
	QueueSize int
	Deliver   DeliverFunc
	// OnDeliver and OnError are optional observation hooks.
	OnDeliver func(ev *usage.Event)
	OnError   func(ev *usage.Event, err error)
	OnDrop    func(ev *usage.Event, err error)
}

// Dispatcher is a bounded in-memory queue drained by a single background
// worker. Enqueue never blocks; when the buffer is full the event is dropped.
type Dispatcher struct {
	items  chan *usage.Event
	mu     sync.RWMutex
	closed bool

	startOnce sync.Once
	stopped   chan struct{}
	cancel    context.CancelFunc

	deliver   DeliverFunc
	onDeliver func(ev *usage.Event)
	onError   func(ev *usage.Event, err error)
	onDrop    func(ev *usage.Event, err error)

	pending   atomic.Int64
	enqueued  atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func NewDispatcher(cfg Config) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		items:     make(chan *usage.Event, size),
		stopped:   make(chan struct{}),
		deliver:   cfg.Deliver,
		onDeliver: cfg.OnDeliver,
		onError:   cfg.OnError,
		onDrop:    cfg.OnDrop,
	}
}

// Enqueue hands an event to the worker, starting it on first use.
func (d *Dispatcher) Enqueue(ctx context.Context, ev *usage.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ev, ErrQueueClosed)
		return ErrQueueClosed
	}

	d.start()

	d.pending.Add(1)
	select {
	case d.items <- ev:
		d.enqueued.Add(1)
		return nil
	default:
		d.pending.Add(-1)
		d.drop(ev, ErrQueueFull)
		return ErrQueueFull
	}
}

func (d *Dispatcher) start() {
	d.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		go func() {
			defer close(d.stopped)
			_ = d.Process(ctx)
		}()
	})
}

// Process drains the queue until it is closed or ctx is cancelled.
func (d *Dispatcher) Process(ctx context.Context) error {
	for {
		// cancellation wins over queued work
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-d.items:
			if !ok {
				return nil
			}
			d.process(ctx, ev)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev *usage.Event) {
	defer d.pending.Add(-1)

	err := d.safeDeliver(ctx, ev)
	if err != nil {
		d.failed.Add(1)
		if d.onError != nil {
			d.onError(ev, err)
		}
		return
	}
	d.delivered.Add(1)
	if d.onDeliver != nil {
		d.onDeliver(ev)
	}
}

func (d *Dispatcher) safeDeliver(ctx context.Context, ev *usage.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panicked: %v", r)
		}
	}()
	if d.deliver == nil {
		return errors.New("no deliver function configured")
	}
	return d.deliver(ctx, ev)
}

func (d *Dispatcher) drop(ev *usage.Event, err error) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop(ev, err)
	}
}

// Flush waits until every accepted event has been attempted or ctx ends.
// Events abandoned by a Close that ran out of time are never attempted, so
// once the worker has stopped Flush reports ErrQueueClosed instead of waiting.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for d.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopped:
			if d.pending.Load() > 0 {
				return ErrQueueClosed
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops intake and drains what is queued within ctx. Events still
// queued when ctx expires are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.items)
	d.mu.Unlock()

	// no worker may start after close
	d.startOnce.Do(func() {})
	if d.cancel == nil {
		return nil
	}

	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}
