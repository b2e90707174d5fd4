package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/tokenr-co/tokenr-go"

// Counters records the lifecycle of usage events so operators can watch the
// drop rate. All methods are safe on a nil receiver.
type Counters struct {
	enqueued  metric.Int64Counter
	dropped   metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

func NewCounters(mp metric.MeterProvider) (*Counters, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(meterName)

	var c Counters
	var err error
	if c.enqueued, err = meter.Int64Counter("tokenr.events.enqueued",
		metric.WithDescription("Usage events accepted into the delivery queue")); err != nil {
		return nil, fmt.Errorf("create enqueued counter: %w", err)
	}
	if c.dropped, err = meter.Int64Counter("tokenr.events.dropped",
		metric.WithDescription("Usage events discarded before delivery")); err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}
	if c.delivered, err = meter.Int64Counter("tokenr.events.delivered",
		metric.WithDescription("Usage events acknowledged by the tracking endpoint")); err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}
	if c.failed, err = meter.Int64Counter("tokenr.events.failed",
		metric.WithDescription("Usage events whose delivery attempt failed")); err != nil {
		return nil, fmt.Errorf("create failed counter: %w", err)
	}
	return &c, nil
}

func (c *Counters) Enqueued(ctx context.Context, provider string) {
	if c == nil {
		return
	}
	c.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// Dropped takes the reason so queue-full and closed-queue drops can be told apart.
func (c *Counters) Dropped(ctx context.Context, provider, reason string) {
	if c == nil {
		return
	}
	c.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func (c *Counters) Delivered(ctx context.Context, provider string) {
	if c == nil {
		return
	}
	c.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (c *Counters) Failed(ctx context.Context, provider string) {
	if c == nil {
		return
	}
	c.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
