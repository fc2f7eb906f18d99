// internal/handlers/server.go
package handlers

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/playroom/playroom/internal/gatekeeper"
	"github.com/playroom/playroom/internal/room"
	"github.com/playroom/playroom/internal/session"
)

// Server holds the shared state behind every HTTP and WebSocket handler:
// the room registry, the session registry, and the gatekeeper in front of
// them.
type Server struct {
	Rooms    *room.Store
	Sessions *session.Registry
	Gate     *gatekeeper.Gatekeeper
	Logger   *logrus.Logger

	// live tracks the connection currently carrying each token so the
	// single-session eviction policy can tear down the stale one.
	mu   sync.Mutex
	live map[string]*room.Conn
}

// NewServer wires the handler layer. It installs the session-eviction hook
// so minting a new session for an identity disconnects the previous one.
func NewServer(rooms *room.Store, sessions *session.Registry, gate *gatekeeper.Gatekeeper, logger *logrus.Logger) *Server {
	s := &Server{
		Rooms:    rooms,
		Sessions: sessions,
		Gate:     gate,
		Logger:   logger,
		live:     make(map[string]*room.Conn),
	}
	sessions.OnEvict = s.evictConnection
	return s
}

// trackConn registers the connection carrying a token.
func (s *Server) trackConn(token string, conn *room.Conn) {
	s.mu.Lock()
	s.live[token] = conn
	s.mu.Unlock()
}

// untrackConn drops the token's connection entry if it still points at conn.
func (s *Server) untrackConn(token string, conn *room.Conn) {
	s.mu.Lock()
	if cur, ok := s.live[token]; ok && cur == conn {
		delete(s.live, token)
	}
	s.mu.Unlock()
}

// evictConnection is invoked by the session registry when a new session
// replaces an identity's previous one. Cancelling the read loop lets the
// normal disconnect path run, so the member gets the usual grace period.
func (s *Server) evictConnection(old *session.Session) {
	s.mu.Lock()
	conn, ok := s.live[old.Token]
	if ok {
		delete(s.live, old.Token)
	}
	s.mu.Unlock()

	if ok && conn.Cancel != nil {
		s.Logger.Infof("closing evicted connection for user %s", old.UserID)
		conn.Cancel()
	}
}
