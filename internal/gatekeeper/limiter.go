// internal/gatekeeper/limiter.go
package gatekeeper

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/playroom/playroom/internal/session"
)

// RateLimitError reports a breached window to the caller only; the action is
// never forwarded to room logic.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
}

// Limiter is a sliding-window rate limiter keyed by identity. Window state
// lives in the same redis as sessions so replicated gatekeepers stay
// consistent. A store outage must not block traffic: on check failure the
// action is allowed through and logged.
type Limiter struct {
	rdb    *redis.Client
	Limit  int
	Window time.Duration
	logger *logrus.Logger
}

// NewLimiter reads {limit, window} from RATE_LIMIT / RATE_WINDOW
// (defaults 20 actions per 10s).
func NewLimiter(rdb *redis.Client, logger *logrus.Logger) *Limiter {
	limit := 20
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT")); err == nil && v > 0 {
		limit = v
	}
	window := 10 * time.Second
	if d, err := time.ParseDuration(os.Getenv("RATE_WINDOW")); err == nil && d > 0 {
		window = d
	}
	return &Limiter{rdb: rdb, Limit: limit, Window: window, logger: logger}
}

// Allow records one action under key and reports whether it fits the window.
// On breach it returns a RateLimitError with the seconds until the oldest
// entry falls out of the window.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	now := time.Now()
	redisKey := session.RateLimitKey(key)
	windowStart := now.Add(-l.Window).UnixMilli()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warnf("rate limiter store check failed for %s, allowing action: %v", key, err)
		return nil
	}

	if countCmd.Val() >= int64(l.Limit) {
		retry := l.retryAfter(ctx, redisKey, now)
		return &RateLimitError{RetryAfterSeconds: retry}
	}

	pipe = l.rdb.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: now.UnixNano()})
	pipe.Expire(ctx, redisKey, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warnf("rate limiter store record failed for %s, allowing action: %v", key, err)
	}
	return nil
}

// retryAfter computes whole seconds until the oldest window entry expires.
// Always at least 1 so callers can back off meaningfully.
func (l *Limiter) retryAfter(ctx context.Context, redisKey string, now time.Time) int {
	entries, err := l.rdb.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil || len(entries) == 0 {
		return 1
	}
	oldest := time.UnixMilli(int64(entries[0].Score))
	retry := int(l.Window.Seconds() - now.Sub(oldest).Seconds())
	if retry < 1 {
		retry = 1
	}
	return retry
}
