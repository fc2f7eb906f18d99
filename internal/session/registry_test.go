// internal/session/registry_test.go
package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playroom/playroom/internal/auth"
)

func setupRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	require.NoError(t, auth.Init())
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRegistry(rdb, logger), mr
}

func TestCreateAndAuthenticate(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	userID := uuid.New()

	sess, err := reg.Create(ctx, userID, "alice", false)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)

	got, err := reg.AuthenticateByToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, "alice", got.Username)
	assert.False(t, got.IsGuest)
}

func TestAuthenticateInvalidToken(t *testing.T) {
	reg, _ := setupRegistry(t)

	_, err := reg.AuthenticateByToken(context.Background(), "not-a-jwt")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestAuthenticateExpiredToken(t *testing.T) {
	reg, _ := setupRegistry(t)

	prev := auth.TokenTTL
	auth.TokenTTL = -time.Minute
	token, err := auth.CreateToken(uuid.NewString())
	auth.TokenTTL = prev
	require.NoError(t, err)

	_, err = reg.AuthenticateByToken(context.Background(), token)
	assert.True(t, errors.Is(err, ErrExpired))
}

func TestAuthenticateUnknownToken(t *testing.T) {
	reg, _ := setupRegistry(t)

	// Verifiable signature, but no session was ever created for it.
	token, err := auth.CreateToken(uuid.NewString())
	require.NoError(t, err)

	_, err = reg.AuthenticateByToken(context.Background(), token)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreFallbackSurvivesRestart(t *testing.T) {
	reg, mr := setupRegistry(t)
	ctx := context.Background()
	userID := uuid.New()

	sess, err := reg.Create(ctx, userID, "bob", false)
	require.NoError(t, err)

	// A fresh registry over the same store simulates a process restart: the
	// in-memory cache is empty but the mirror still holds the session.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	fresh := NewRegistry(rdb, logger)

	got, err := fresh.AuthenticateByToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, "bob", got.Username)
}

func TestSingleSessionEviction(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	userID := uuid.New()

	evicted := make(chan *Session, 1)
	reg.OnEvict = func(old *Session) { evicted <- old }

	first, err := reg.Create(ctx, userID, "carol", false)
	require.NoError(t, err)
	second, err := reg.Create(ctx, userID, "carol", false)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	select {
	case old := <-evicted:
		assert.Equal(t, first.Token, old.Token)
	case <-time.After(time.Second):
		t.Fatal("eviction hook never fired")
	}

	_, err = reg.AuthenticateByToken(ctx, first.Token)
	assert.True(t, errors.Is(err, ErrNotFound), "the evicted token must not authenticate")

	got, err := reg.AuthenticateByToken(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
}

func TestInvalidate(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, uuid.New(), "dave", false)
	require.NoError(t, err)

	reg.Invalidate(sess.Token)

	// The mirror delete is asynchronous.
	require.Eventually(t, func() bool {
		_, err := reg.AuthenticateByToken(ctx, sess.Token)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMirrorCarriesTTL(t *testing.T) {
	reg, mr := setupRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, uuid.New(), "erin", true)
	require.NoError(t, err)

	ttl := mr.TTL(sessionKey(sess.Token))
	assert.Greater(t, ttl, time.Duration(0), "mirror entries must expire on their own")
}

func TestBindConnection(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, uuid.New(), "frank", true)
	require.NoError(t, err)

	connID := uuid.New()
	reg.BindConnection(sess.Token, connID)

	got, ok := reg.Get(sess.Token)
	require.True(t, ok)
	assert.Equal(t, connID, got.ConnID)
}
