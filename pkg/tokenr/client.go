package tokenr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenr-co/tokenr-go/config"
	"github.com/tokenr-co/tokenr-go/internal/delivery"
	"github.com/tokenr-co/tokenr-go/internal/logging"
	"github.com/tokenr-co/tokenr-go/internal/metrics"
	"github.com/tokenr-co/tokenr-go/internal/pricing"
	"github.com/tokenr-co/tokenr-go/internal/provider"
	"github.com/tokenr-co/tokenr-go/internal/provider/anthropic"
	"github.com/tokenr-co/tokenr-go/internal/provider/gemini"
	"github.com/tokenr-co/tokenr-go/internal/provider/openai"
	"github.com/tokenr-co/tokenr-go/internal/usage"
	"github.com/tokenr-co/tokenr-go/internal/worker"
	"go.opentelemetry.io/otel"
)

const defaultShutdownTimeout = 5 * time.Second

type Status = usage.Status

const (
	StatusSuccess = usage.StatusSuccess
	StatusError   = usage.StatusError
)

// Stats counts events over the client's lifetime.
type Stats = worker.Stats

// Usage is one call's worth of tokens plus optional attribution. Empty
// attribution fields fall back to the context, then to client defaults.
type Usage struct {
	Provider         string
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int

	// CostUSD is estimated from the pricing table when zero.
	CostUSD float64

	AgentID     string
	FeatureName string
	TeamID      string
	Tags        map[string]string

	Status      Status
	Latency     time.Duration
	RequestedAt time.Time
}

type Client struct {
	mu       sync.RWMutex
	settings *settings
	prices   *pricing.Table
	sender   *delivery.Sender

	logger   *logging.Logger
	queue    *worker.Dispatcher
	counters *metrics.Counters
	registry *provider.Registry

	// responses captured by the transport and still being parsed
	extracting atomic.Int64
}

// New builds a client from defaults, then TOKENR_* environment variables,
// then opts. It never fails; a client without a token simply tracks nothing.
func New(opts ...Option) *Client {
	env, envErr := config.FromEnv()
	s := &settings{SDK: *env}
	for _, opt := range opts {
		opt(s)
	}

	c := &Client{
		settings: s,
		logger:   logging.New("Tokenr", s.logOutput, s.Debug),
		registry: provider.NewRegistry(openai.New(), anthropic.New(), gemini.New()),
	}
	if envErr != nil {
		c.logger.Warn("ignoring malformed environment", "error", envErr)
	}

	mp := s.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	counters, err := metrics.NewCounters(mp)
	if err != nil {
		c.logger.Debug("metrics disabled", "error", err)
	}
	c.counters = counters

	c.applyLocked()

	c.queue = worker.NewDispatcher(worker.Config{
		QueueSize: s.QueueSize,
		Deliver:   c.deliver,
		OnDeliver: func(ev *usage.Event) {
			c.counters.Delivered(context.Background(), ev.Provider)
		},
		OnError: func(ev *usage.Event, err error) {
			c.counters.Failed(context.Background(), ev.Provider)
			c.logger.Debug("delivery failed", "event_id", ev.ID, "error", err)
		},
		OnDrop: func(ev *usage.Event, err error) {
			c.counters.Dropped(context.Background(), ev.Provider, dropReason(err))
			c.logger.Debug("event dropped", "model", ev.Model, "error", err)
		},
	})

	if s.Enabled && s.Token == "" {
		c.logger.Debug("no token configured (set TOKENR_TOKEN or WithToken); tracking is off")
	}
	return c
}

// applyLocked rebuilds everything derived from settings. Callers hold mu
// or own c exclusively.
func (c *Client) applyLocked() {
	s := c.settings

	prices := pricing.Default()
	for _, p := range s.prices {
		prices.Set(p.provider, p.model, p.price)
	}
	c.prices = prices

	tp := s.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c.sender = delivery.NewSender(delivery.Config{
		HTTPClient: s.httpClient,
		Timeout:    s.Timeout,
		RateLimit:  s.RateLimit,
		UserAgent:  userAgent(),
		Tracer:     tp.Tracer("github.com/tokenr-co/tokenr-go"),
	})
	c.logger.SetDebug(s.Debug)
}

// Configure changes settings at runtime. The queue size is fixed at New.
func (c *Client) Configure(opts ...Option) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.settings.clone()
	for _, opt := range opts {
		opt(next)
	}
	next.QueueSize = c.settings.QueueSize
	c.settings = next
	c.applyLocked()
}

// Enabled reports whether Track and the transport will emit events.
func (c *Client) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Enabled && c.settings.Token != ""
}

// Track queues one usage event and returns immediately. It never fails the
// caller: invalid events and a full queue are logged at debug and dropped.
func (c *Client) Track(ctx context.Context, u Usage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("track panicked", "panic", r)
		}
	}()

	if !c.Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ev := c.buildEvent(ctx, u)
	if err := ev.Validate(); err != nil {
		c.counters.Dropped(ctx, ev.Provider, "invalid")
		c.logger.Debug("event rejected", "error", err)
		return
	}

	if err := c.queue.Enqueue(ctx, ev); err != nil {
		return
	}
	c.counters.Enqueued(ctx, ev.Provider)
}

func (c *Client) buildEvent(ctx context.Context, u Usage) *usage.Event {
	attr := AttributionFrom(ctx)

	c.mu.RLock()
	defaultAgent := c.settings.AgentID
	defaultTags := c.settings.Tags
	prices := c.prices
	cost := u.CostUSD
	if cost == 0 {
		cost = prices.Cost(u.Provider, u.Model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens)
	}
	tags := mergeTags(defaultTags, attr.Tags, u.Tags)
	c.mu.RUnlock()

	requestedAt := u.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now()
	}

	return &usage.Event{
		Provider:         u.Provider,
		Model:            u.Model,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		CostUSD:          cost,
		AgentID:          firstNonEmpty(u.AgentID, attr.AgentID, defaultAgent),
		FeatureName:      firstNonEmpty(u.FeatureName, attr.FeatureName),
		TeamID:           firstNonEmpty(u.TeamID, attr.TeamID),
		Status:           u.Status,
		LatencyMs:        u.Latency.Milliseconds(),
		Tags:             tags,
		RequestedAt:      requestedAt.UTC(),
	}
}

func (c *Client) deliver(ctx context.Context, ev *usage.Event) error {
	c.mu.RLock()
	target := delivery.Target{URL: c.settings.URL, Token: c.settings.Token}
	sender := c.sender
	c.mu.RUnlock()

	receipt, err := sender.Send(ctx, target, ev)
	if err != nil {
		return err
	}
	c.logger.Debug("event delivered", "event_id", ev.ID, "receipt", receipt.ID, "cost", receipt.Cost)
	return nil
}

// HTTPClient returns a copy of base whose transport tracks provider calls.
// A nil base means http.DefaultClient.
func (c *Client) HTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	wrapped := *base
	wrapped.Transport = c.Transport(base.Transport)
	return &wrapped
}

// Flush waits for captured responses to be parsed and queued events to be
// attempted.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.waitExtractions(ctx); err != nil {
		return err
	}
	return c.queue.Flush(ctx)
}

func (c *Client) waitExtractions(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for c.extracting.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown stops intake and drains the queue. Without a deadline on ctx it
// gives up after five seconds.
func (c *Client) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	// a response still being parsed would otherwise be dropped as closed
	_ = c.waitExtractions(ctx)
	if err := c.queue.Close(ctx); err != nil {
		return fmt.Errorf("tokenr: shutdown: %w", err)
	}
	return nil
}

func (c *Client) Stats() Stats {
	return c.queue.Stats()
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, worker.ErrQueueClosed):
		return "closed"
	default:
		return "other"
	}
}
