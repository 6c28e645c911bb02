// Package ratelimit implements a Redis-backed sliding-window rate
// limiter for the ingest surface. The limiter fails open: when the
// cache is unreachable requests are admitted and the outage is logged.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/convolabai/langhook/errors"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter tracks request counts per key in a sliding window.
type Limiter struct {
	rdb    *redis.Client
	logger *slog.Logger

	limit  int
	window time.Duration
}

// New creates a Limiter admitting at most limit requests per key per
// window.
func New(rdb *redis.Client, limit int, window time.Duration, logger *slog.Logger) (*Limiter, error) {
	if limit <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("limit must be positive, got %d", limit),
			"Limiter", "New", "validate config")
	}
	if window <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("window must be positive, got %v", window),
			"Limiter", "New", "validate config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{rdb: rdb, logger: logger, limit: limit, window: window}, nil
}

// Check records one request for key and reports whether it is within
// the limit. Entries outside the window are pruned before counting.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	now := time.Now()
	redisKey := "ratelimit:" + key
	windowStart := now.Add(-l.window)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter cache unavailable, admitting request", "key", key,
			"error", errors.WrapKind(err, errors.KindCacheUnavailable, errors.ErrorTransient, "Limiter", "Check"))
		return Decision{Allowed: true}
	}

	count := countCmd.Val()
	if count <= int64(l.limit) {
		return Decision{Allowed: true}
	}

	retryAfter := l.window
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		expiresAt := time.Unix(0, int64(oldest[0].Score)).Add(l.window)
		if until := expiresAt.Sub(now); until > 0 {
			retryAfter = until
		}
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// Limit returns the configured request ceiling.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }
