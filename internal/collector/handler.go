package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tokenr-co/tokenr-go/internal/auth"
	"github.com/tokenr-co/tokenr-go/internal/delivery"
	"github.com/tokenr-co/tokenr-go/internal/pricing"
	"github.com/tokenr-co/tokenr-go/internal/usage"
	"github.com/tokenr-co/tokenr-go/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxEventSize = 64 << 10

type RateLimiter interface {
	Allow(ctx context.Context, accountID string, perMinute int64) (bool, error)
}

type Handler struct {
	store   usage.Store
	limiter RateLimiter
	prices  *pricing.Table
	tracer  trace.Tracer
}

func NewHandler(store usage.Store, limiter RateLimiter, prices *pricing.Table, tracer trace.Tracer) *Handler {
	if prices == nil {
		prices = pricing.Default()
	}
	return &Handler{
		store:   store,
		limiter: limiter,
		prices:  prices,
		tracer:  tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleTrack accepts one usage event from an SDK.
func (h *Handler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.GetAccountID(ctx)
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	eventID := r.Header.Get(delivery.EventIDHeader)
	if eventID == "" {
		eventID = uuid.New().String()
	}

	ctx, span := h.tracer.Start(ctx, "collector.track")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.String("event_id", eventID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
	)

	allowed, err := h.limiter.Allow(ctx, accountID, auth.GetRateLimit(ctx))
	if err != nil || !allowed {
		if err != nil {
			log.Printf("[Collector] rate limiter error: %v", err)
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.Window.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": ratelimit.Window.String(),
		})
		return
	}

	var ev usage.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventSize)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("model", ev.Model),
		attribute.Int("total_tokens", ev.TotalTokens()),
	)

	if ev.RequestedAt.IsZero() {
		ev.RequestedAt = time.Now().UTC()
	}
	if ev.CostUSD == 0 {
		ev.CostUSD = h.prices.Cost(ev.Provider, ev.Model, ev.InputTokens, ev.OutputTokens, ev.CacheReadTokens, ev.CacheWriteTokens)
	}

	rec := &usage.Record{
		AccountID: accountID,
		EventID:   eventID,
		Event:     &ev,
	}
	if err := h.store.LogUsage(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "log usage failed")
		if errors.Is(err, usage.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[Collector] failed to store event %s: %v", eventID, err)
		writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":   rec.ID,
		"cost": ev.CostUSD,
	})
}
