// internal/gatekeeper/gatekeeper.go
package gatekeeper

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/playroom/playroom/internal/session"
)

// Gatekeeper validates every inbound connection and every inbound action
// against identity, session, and rate-limit policy before any room logic
// runs.
type Gatekeeper struct {
	Sessions *session.Registry
	Limiter  *Limiter
	logger   *logrus.Logger
}

// New wires a gatekeeper over the shared session registry and limiter.
func New(sessions *session.Registry, limiter *Limiter, logger *logrus.Logger) *Gatekeeper {
	return &Gatekeeper{Sessions: sessions, Limiter: limiter, logger: logger}
}

// Admit resolves the presented token to an identity. All session error
// semantics (ErrExpired, ErrInvalid, ErrNotFound, ErrTimeout) pass through
// untouched so the transport can map them to distinct client outcomes.
func (gk *Gatekeeper) Admit(ctx context.Context, token string) (*session.Session, error) {
	sess, err := gk.Sessions.AuthenticateByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// AllowAction applies the sliding-window rate limit for one inbound action.
// The key is the identity when known, otherwise the raw connection address.
func (gk *Gatekeeper) AllowAction(ctx context.Context, sess *session.Session, remoteAddr string) error {
	key := remoteAddr
	if sess != nil {
		key = sess.UserID.String()
	}
	return gk.Limiter.Allow(ctx, key)
}
