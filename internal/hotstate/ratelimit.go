package hotstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/database"
)

// RateLimiter sheds excess per-porter location updates using fixed-window
// counters in the hot store.
type RateLimiter interface {
	// Allow reports whether the porter is within its per-second budget.
	Allow(ctx context.Context, porterID uuid.UUID) (bool, error)
}

type rateLimiter struct {
	redis     *database.Redis
	keyPrefix string
	limit     int64
}

// NewRateLimiter creates a fixed-window limiter of limit ops per second,
// keyed under keyPrefix.
func NewRateLimiter(redis *database.Redis, keyPrefix string, limit int) RateLimiter {
	return &rateLimiter{redis: redis, keyPrefix: keyPrefix, limit: int64(limit)}
}

// Allow increments the counter for the current one-second window. The key
// carries the epoch second so windows never leak into each other.
func (l *rateLimiter) Allow(ctx context.Context, porterID uuid.UUID) (bool, error) {
	window := time.Now().Unix()
	key := fmt.Sprintf("%s%s:%d", l.keyPrefix, porterID, window)

	count, err := l.redis.IncrWithExpire(ctx, key, 2*time.Second)
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return count <= l.limit, nil
}
