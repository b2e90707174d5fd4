package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Window is the span each per-minute limit is counted over.
const Window = time.Minute

// Limiter caps usage events per account per minute on top of
// github.com/vnmchuo/ratelimiter. Tokens may carry their own limit; each
// distinct limit gets its own store over the same Redis keys.
type Limiter struct {
	mu         sync.Mutex
	stores     map[int64]extratelimit.Limiter
	defaultEPM int64
	newStore   func(limit int64) extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultEPM int64) *Limiter {
	return &Limiter{
		stores:     make(map[int64]extratelimit.Limiter),
		defaultEPM: defaultEPM,
		newStore: func(limit int64) extratelimit.Limiter {
			return extratelimit.NewRedisStore(rdb,
				extratelimit.WithLimit(int(limit)),
				extratelimit.WithWindow(Window),
			)
		},
	}
}

// NewTestLimiter routes every limit to store.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{
		stores:   make(map[int64]extratelimit.Limiter),
		newStore: func(int64) extratelimit.Limiter { return store },
	}
}

func accountKey(accountID string) string {
	return fmt.Sprintf("ratelimit:account:%s", accountID)
}

func (l *Limiter) store(perMinute int64) extratelimit.Limiter {
	if perMinute <= 0 {
		perMinute = l.defaultEPM
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[perMinute]
	if !ok {
		s = l.newStore(perMinute)
		l.stores[perMinute] = s
	}
	return s
}

// Allow counts one event against the account. perMinute <= 0 uses the default.
func (l *Limiter) Allow(ctx context.Context, accountID string, perMinute int64) (bool, error) {
	res, err := l.store(perMinute).Allow(ctx, accountKey(accountID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
