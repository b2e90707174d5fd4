package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEvent = errors.New("invalid usage event")

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event is one completed LLM call: token counts, derived cost and attribution.
// It never carries prompt or response content.
type Event struct {
	ID               string            `json:"-"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	InputTokens      int               `json:"input_tokens"`
	OutputTokens     int               `json:"output_tokens"`
	CacheReadTokens  int               `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int               `json:"cache_write_tokens,omitempty"`
	CostUSD          float64           `json:"cost_usd,omitempty"`
	AgentID          string            `json:"agent_id,omitempty"`
	FeatureName      string            `json:"feature_name,omitempty"`
	TeamID           string            `json:"team_id,omitempty"`
	Status           Status            `json:"status"`
	LatencyMs        int64             `json:"latency_ms,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	RequestedAt      time.Time         `json:"requested_at"`
}

// Validate normalizes an empty status to success and rejects events the
// accounting endpoint could not attribute.
func (e *Event) Validate() error {
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	switch {
	case e.Provider == "":
		return fmt.Errorf("%w: provider is required", ErrInvalidEvent)
	case e.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalidEvent)
	case e.InputTokens < 0 || e.OutputTokens < 0:
		return fmt.Errorf("%w: token counts must be non-negative", ErrInvalidEvent)
	case e.CacheReadTokens < 0 || e.CacheWriteTokens < 0:
		return fmt.Errorf("%w: cache token counts must be non-negative", ErrInvalidEvent)
	case e.Status != StatusSuccess && e.Status != StatusError:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	return nil
}

func (e *Event) TotalTokens() int {
	return e.InputTokens + e.OutputTokens + e.CacheReadTokens + e.CacheWriteTokens
}

// Record is an event as persisted by the collector.
type Record struct {
	ID        string
	AccountID string
	EventID   string
	Event     *Event
	CreatedAt time.Time
}

type Store interface {
	LogUsage(ctx context.Context, rec *Record) error
}
