package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, rec *Record) error {
	if rec.Event == nil {
		return fmt.Errorf("failed to log usage: %w: missing event", ErrInvalidEvent)
	}
	ev := rec.Event

	var tags []byte
	if len(ev.Tags) > 0 {
		var err error
		tags, err = json.Marshal(ev.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
	}

	query := `
		INSERT INTO usage_events (
			account_id, event_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, agent_id, feature_name, team_id, status, latency_ms, tags, requested_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.AccountID, rec.EventID, ev.Provider, ev.Model,
		ev.InputTokens, ev.OutputTokens, ev.CacheReadTokens, ev.CacheWriteTokens,
		ev.CostUSD, ev.AgentID, ev.FeatureName, ev.TeamID, string(ev.Status), ev.LatencyMs, tags, ev.RequestedAt,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}
