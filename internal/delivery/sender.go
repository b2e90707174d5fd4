package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/tokenr-co/tokenr-go/internal/usage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 2 * time.Second
	EventIDHeader  = "X-Tokenr-Event-ID"
	maxReceiptSize = 64 << 10
)

var (
	ErrRateLimited = errors.New("delivery rate limit exceeded")
	ErrCircuitOpen = errors.New("delivery circuit open")
	ErrNoToken     = errors.New("no token configured")
)

// Target is where an event goes and how it authenticates.
type Target struct {
	URL   string
	Token string
}

// Receipt is the endpoint's acknowledgement. Both fields are optional.
type Receipt struct {
	ID   string  `json:"id"`
	Cost float64 `json:"cost"`
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tracking endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("tracking endpoint returned %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// RateLimit caps events per second; zero disables the limiter.
	RateLimit float64
	UserAgent string
	Tracer    trace.Tracer
}

type Sender struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	tracer    trace.Tracer
}

func NewSender(cfg Config) *Sender {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("tokenr")
	}

	s := &Sender{
		client:    client,
		timeout:   timeout,
		userAgent: cfg.UserAgent,
		tracer:    tracer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tokenr-delivery",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: endpointHealthy,
		}),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// endpointHealthy keeps 4xx answers from tripping the breaker: the endpoint
// is up, the event or token is at fault.
func endpointHealthy(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// Send posts one event. It makes a single attempt; callers drop the event on error.
func (s *Sender) Send(ctx context.Context, t Target, ev *usage.Event) (*Receipt, error) {
	if t.Token == "" {
		return nil, ErrNoToken
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, ErrRateLimited
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	ctx, span := s.tracer.Start(ctx, "tokenr.deliver", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("tokenr.event_id", ev.ID),
		attribute.String("tokenr.provider", ev.Provider),
		attribute.String("tokenr.model", ev.Model),
	)

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, t, ev)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result.(*Receipt), nil
}

func (s *Sender) post(ctx context.Context, t Target, ev *usage.Event) (*Receipt, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, ev.ID)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReceiptSize))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	receipt := &Receipt{}
	if len(body) > 0 {
		// receipts are informational; an unexpected shape is not a failure
		_ = json.Unmarshal(body, receipt)
	}
	return receipt, nil
}

// State reports the breaker state for diagnostics.
func (s *Sender) State() string {
	return s.breaker.State().String()
}
