package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("account token not found")

const cacheTTL = 5 * time.Minute

// AccountToken is a bearer token an SDK uses to report usage for one account.
type AccountToken struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	TokenHash string    `json:"token_hash"`
	RateLimit int64     `json:"rate_limit"` // max events per minute, 0 = collector default
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *AccountToken) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *AccountToken) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByToken(ctx context.Context, token string) (*AccountToken, error)
	Create(ctx context.Context, t *AccountToken) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	accountIDKey contextKey = "account_id"
	tokenIDKey   contextKey = "token_id"
	rateLimitKey contextKey = "rate_limit"
	requestIDKey contextKey = "request_id"
)

// HashToken is how tokens are stored and cached; the raw value is never kept.
func HashToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeUnauthorized(w, "missing or invalid Authorization header")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == "" {
				writeUnauthorized(w, "missing or invalid Authorization header")
				return
			}

			redisKey := fmt.Sprintf("auth:%s", HashToken(token))

			var cached AccountToken
			err := cache.Get(ctx, redisKey).Scan(&cached)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withAccount(ctx, &cached)))
				return
			} else if err != redis.Nil {
				log.Printf("[Auth] redis error: %v", err)
			}

			at, err := store.GetByToken(ctx, token)
			if err != nil {
				if errors.Is(err, ErrTokenNotFound) {
					writeUnauthorized(w, "invalid token")
					return
				}
				log.Printf("[Auth] token lookup failed: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			_ = cache.Set(ctx, redisKey, at, cacheTTL).Err()

			next.ServeHTTP(w, r.WithContext(withAccount(ctx, at)))
		})
	}
}

func withAccount(ctx context.Context, at *AccountToken) context.Context {
	ctx = context.WithValue(ctx, accountIDKey, at.AccountID)
	ctx = context.WithValue(ctx, tokenIDKey, at.ID)
	return context.WithValue(ctx, rateLimitKey, at.RateLimit)
}

func GetAccountID(ctx context.Context) string {
	if id, ok := ctx.Value(accountIDKey).(string); ok {
		return id
	}
	return ""
}

func GetTokenID(ctx context.Context) string {
	if id, ok := ctx.Value(tokenIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRateLimit returns the token's events-per-minute override, 0 if none.
func GetRateLimit(ctx context.Context) int64 {
	if n, ok := ctx.Value(rateLimitKey).(int64); ok {
		return n
	}
	return 0
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithRateLimit(ctx context.Context, perMinute int64) context.Context {
	return context.WithValue(ctx, rateLimitKey, perMinute)
}
