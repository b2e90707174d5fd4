package tokenr

import (
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/tokenr-co/tokenr-go/config"
	"github.com/tokenr-co/tokenr-go/internal/pricing"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Price is USD per single token.
type Price = pricing.Price

type modelPrice struct {
	provider string
	model    string
	price    Price
}

type settings struct {
	config.SDK

	httpClient     *http.Client
	logOutput      io.Writer
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	prices         []modelPrice
}

func (s *settings) clone() *settings {
	c := *s
	c.Tags = maps.Clone(s.Tags)
	c.prices = append([]modelPrice(nil), s.prices...)
	return &c
}

type Option func(*settings)

// WithToken sets the bearer token. Without one, tracking is a no-op.
func WithToken(token string) Option {
	return func(s *settings) { s.Token = token }
}

// WithURL overrides the tracking endpoint.
func WithURL(url string) Option {
	return func(s *settings) { s.URL = url }
}

// WithAgentID sets the default agent id for every event.
func WithAgentID(id string) Option {
	return func(s *settings) { s.AgentID = id }
}

// WithTags replaces the default tags attached to every event.
func WithTags(tags map[string]string) Option {
	return func(s *settings) { s.Tags = maps.Clone(tags) }
}

func WithEnabled(enabled bool) Option {
	return func(s *settings) { s.Enabled = enabled }
}

func WithDebug(debug bool) Option {
	return func(s *settings) { s.Debug = debug }
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.Timeout = d
		}
	}
}

// WithQueueSize sets the in-memory buffer. It only takes effect in New.
func WithQueueSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.QueueSize = n
		}
	}
}

// WithRateLimit caps deliveries per second; excess events are dropped.
func WithRateLimit(perSecond float64) Option {
	return func(s *settings) {
		if perSecond >= 0 {
			s.RateLimit = perSecond
		}
	}
}

// WithHTTPClient sets the client used to reach the tracking endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithLogOutput redirects debug logs (stderr by default).
func WithLogOutput(w io.Writer) Option {
	return func(s *settings) { s.logOutput = w }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) { s.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *settings) { s.meterProvider = mp }
}

// WithPricing adds or replaces the price used to estimate cost for a model.
func WithPricing(provider, model string, p Price) Option {
	return func(s *settings) {
		s.prices = append(s.prices, modelPrice{provider: provider, model: model, price: p})
	}
}
