// internal/session/registry.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/playroom/playroom/internal/auth"
	"github.com/playroom/playroom/internal/models"
)

// Session is the time-bounded binding of a token to an identity. The
// registry is its exclusive owner; the redis mirror is durable backup for
// process restarts, not a second owner.
type Session struct {
	Token     string    `json:"token"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	IsGuest   bool      `json:"is_guest"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`

	// ConnID is the bound connection, uuid.Nil while detached. A connection
	// is bound to at most one identity and vice versa.
	ConnID uuid.UUID `json:"conn_id"`
}

// AsUser projects the session onto the user model for room membership.
func (s *Session) AsUser() *models.User {
	return &models.User{ID: s.UserID, Username: s.Username, IsGuest: s.IsGuest}
}

// Registry maps durable identities to their single active session, cached in
// memory for hot lookups and mirrored to redis with a TTL so authentication
// by token survives process restarts.
type Registry struct {
	mu      sync.Mutex
	byToken map[string]*Session
	byUser  map[uuid.UUID]string // identity -> active token (single session policy)

	rdb          *redis.Client
	ttl          time.Duration
	storeTimeout time.Duration
	failClosed   bool
	logger       *logrus.Logger

	// OnEvict is called (outside the registry lock) when a new session
	// replaces an identity's previous one, so the transport can close the
	// stale connection.
	OnEvict func(old *Session)
}

// NewRegistry builds a registry around an existing redis client.
// SESSION_STORE_TIMEOUT bounds every store round-trip (default 2s);
// SESSION_FAIL_CLOSED=true makes store failures reject instead of degrade.
func NewRegistry(rdb *redis.Client, logger *logrus.Logger) *Registry {
	storeTimeout := 2 * time.Second
	if v := os.Getenv("SESSION_STORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			storeTimeout = d
		}
	}
	failClosed, _ := strconv.ParseBool(os.Getenv("SESSION_FAIL_CLOSED"))

	return &Registry{
		byToken:      make(map[string]*Session),
		byUser:       make(map[uuid.UUID]string),
		rdb:          rdb,
		ttl:          auth.TokenTTL,
		storeTimeout: storeTimeout,
		failClosed:   failClosed,
		logger:       logger,
	}
}

// Create mints a token for the identity and installs the session, evicting
// any previous session for the same identity (single active session policy).
// The redis mirror write is bounded; on failure the in-memory session stays
// valid unless the registry is configured fail-closed.
func (r *Registry) Create(ctx context.Context, userID uuid.UUID, username string, isGuest bool) (*Session, error) {
	token, err := auth.CreateToken(userID.String())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		Token:     token,
		UserID:    userID,
		Username:  username,
		IsGuest:   isGuest,
		CreatedAt: now,
		LastSeen:  now,
	}

	r.mu.Lock()
	var evicted *Session
	if oldToken, ok := r.byUser[userID]; ok {
		evicted = r.byToken[oldToken]
		delete(r.byToken, oldToken)
	}
	r.byToken[token] = sess
	r.byUser[userID] = token
	onEvict := r.OnEvict
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Infof("session: evicting previous session for user %s", userID)
		go r.deleteMirror(evicted.Token)
		if onEvict != nil {
			onEvict(evicted)
		}
	}

	if err := r.writeMirror(ctx, sess); err != nil {
		r.logger.Warnf("session: mirror write failed for user %s: %v", userID, err)
		if r.failClosed {
			r.mu.Lock()
			delete(r.byToken, token)
			delete(r.byUser, userID)
			r.mu.Unlock()
			return nil, ErrTimeout
		}
	}
	return sess, nil
}

// AuthenticateByToken resolves a token to its session. It verifies the
// signature first, then consults the in-memory cache, and falls back to the
// external store so a valid token still authenticates after a cache
// eviction or process restart. A miss in both is ErrNotFound.
func (r *Registry) AuthenticateByToken(ctx context.Context, token string) (*Session, error) {
	userIDStr, err := auth.VerifyToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, ErrInvalid
	}

	r.mu.Lock()
	if sess, ok := r.byToken[token]; ok {
		sess.LastSeen = time.Now()
		r.mu.Unlock()
		go r.touchMirror(token)
		return sess, nil
	}
	// If the identity already holds a *different* active session in memory,
	// this token was evicted by the single-session policy.
	if active, ok := r.byUser[userID]; ok && active != token {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	r.mu.Unlock()

	// Cache miss: fall back to the external store.
	sess, err := r.readMirror(ctx, token)
	if err != nil {
		return nil, err
	}
	sess.LastSeen = time.Now()

	r.mu.Lock()
	r.byToken[token] = sess
	r.byUser[sess.UserID] = token
	r.mu.Unlock()

	go r.touchMirror(token)
	return sess, nil
}

// Touch extends the session's TTL and refreshes last-seen. The store write
// is asynchronous and must not block the caller.
func (r *Registry) Touch(token string) {
	r.mu.Lock()
	if sess, ok := r.byToken[token]; ok {
		sess.LastSeen = time.Now()
	}
	r.mu.Unlock()
	go r.touchMirror(token)
}

// Invalidate removes a session from memory and the store (logout or forgery).
func (r *Registry) Invalidate(token string) {
	r.mu.Lock()
	if sess, ok := r.byToken[token]; ok {
		delete(r.byToken, token)
		if r.byUser[sess.UserID] == token {
			delete(r.byUser, sess.UserID)
		}
	}
	r.mu.Unlock()
	go r.deleteMirror(token)
}

// BindConnection records the connection currently carrying this session.
func (r *Registry) BindConnection(token string, connID uuid.UUID) {
	r.mu.Lock()
	if sess, ok := r.byToken[token]; ok {
		sess.ConnID = connID
	}
	r.mu.Unlock()
}

// Get returns the in-memory session for a token, if cached.
func (r *Registry) Get(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byToken[token]
	return sess, ok
}

// --- redis mirror ---

func (r *Registry) writeMirror(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.rdb.Set(ctx, sessionKey(sess.Token), data, r.ttl).Err()
}

func (r *Registry) readMirror(ctx context.Context, token string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	data, err := r.rdb.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		r.logger.Warnf("session: mirror read failed: %v", err)
		return nil, ErrTimeout
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ErrInvalid
	}
	return &sess, nil
}

func (r *Registry) touchMirror(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := r.rdb.Expire(ctx, sessionKey(token), r.ttl).Err(); err != nil {
		r.logger.Warnf("session: mirror touch failed: %v", err)
	}
}

func (r *Registry) deleteMirror(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := r.rdb.Del(ctx, sessionKey(token)).Err(); err != nil {
		r.logger.Warnf("session: mirror delete failed: %v", err)
	}
}
