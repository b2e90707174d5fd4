package auth

import (
	"context"
	"errors"
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

func (s *PostgresStore) GetByToken(ctx context.Context, token string) (*AccountToken, error) {
	query := `
		SELECT id, account_id, token_hash, rate_limit, active, created_at
		FROM account_tokens
		WHERE token_hash = $1 AND active = true
	`

	var t AccountToken
	err := s.db.QueryRow(ctx, query, HashToken(token)).Scan(
		&t.ID, &t.AccountID, &t.TokenHash, &t.RateLimit, &t.Active, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get account token: %w", err)
	}

	return &t, nil
}

func (s *PostgresStore) Create(ctx context.Context, t *AccountToken) error {
	if t.TokenHash == "" {
		return fmt.Errorf("token_hash is required")
	}
	if t.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}

	query := `
		INSERT INTO account_tokens (account_id, token_hash, rate_limit, active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		t.AccountID, t.TokenHash, t.RateLimit, t.Active,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account token: %w", err)
	}

	return nil
}
