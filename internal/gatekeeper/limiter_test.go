// internal/gatekeeper/limiter_test.go
package gatekeeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return &Limiter{rdb: rdb, Limit: limit, Window: window, logger: logger}, mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := setupLimiter(t, 3, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "user-a"), "action %d should fit the window", i+1)
	}
}

func TestBreachReturnsRetryAfter(t *testing.T) {
	l, _ := setupLimiter(t, 3, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow(ctx, "user-b"))
	}

	err := l.Allow(ctx, "user-b")
	require.Error(t, err)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.GreaterOrEqual(t, rle.RetryAfterSeconds, 1)
	assert.LessOrEqual(t, rle.RetryAfterSeconds, 10)
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := setupLimiter(t, 2, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-c"))
	require.NoError(t, l.Allow(ctx, "user-c"))
	require.Error(t, l.Allow(ctx, "user-c"))

	// A different identity still has a fresh window.
	assert.NoError(t, l.Allow(ctx, "user-d"))
}

func TestWindowSlides(t *testing.T) {
	l, _ := setupLimiter(t, 2, 200*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-e"))
	require.NoError(t, l.Allow(ctx, "user-e"))
	require.Error(t, l.Allow(ctx, "user-e"))

	// Once the window has passed, the old entries prune away and the
	// identity gets fresh capacity.
	time.Sleep(250 * time.Millisecond)
	assert.NoError(t, l.Allow(ctx, "user-e"))
}

func TestStoreFailureFailsOpen(t *testing.T) {
	l, mr := setupLimiter(t, 1, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "user-f"))

	// With the store down the check cannot run; actions pass through.
	mr.Close()
	assert.NoError(t, l.Allow(ctx, "user-f"))
}
