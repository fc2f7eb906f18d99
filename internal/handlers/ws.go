// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playroom/playroom/internal/database"
	"github.com/playroom/playroom/internal/engine"
	"github.com/playroom/playroom/internal/gatekeeper"
	"github.com/playroom/playroom/internal/models"
	"github.com/playroom/playroom/internal/room"
	"github.com/playroom/playroom/internal/session"
)

// WSHandler is the single persistent WebSocket endpoint. Every connection is
// admitted through the gatekeeper, bound to a session, and then multiplexes
// all room and game traffic until it closes.
func WSHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		// Connection attempts are rate limited by remote address before any
		// session work happens.
		if err := s.Gate.AllowAction(r.Context(), nil, hostOnly(remoteAddr)); err != nil {
			var rle *gatekeeper.RateLimitError
			if errors.As(err, &rle) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", rle.RetryAfterSeconds))
				http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
				return
			}
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"playroom"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "playroom" {
			c.Close(BadSubprotocolError, "client must speak the playroom subprotocol")
			return
		}

		sess, err := s.admit(r)
		if err != nil {
			closeForAuthError(c, err)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := &room.Conn{
			ID:       uuid.New(),
			UserID:   sess.UserID,
			Username: sess.Username,
			Cancel:   cancel,
			OutChan:  make(chan map[string]interface{}, 32),
		}
		s.Sessions.BindConnection(sess.Token, conn.ID)
		s.trackConn(sess.Token, conn)
		defer s.untrackConn(sess.Token, conn)

		logger.WithFields(logrus.Fields{
			"user_id": sess.UserID,
			"remote":  remoteAddr,
			"guest":   sess.IsGuest,
		}).Info("websocket connected")

		conn.Write(map[string]interface{}{
			"type":     "authenticated",
			"token":    sess.Token,
			"user_id":  sess.UserID.String(),
			"username": sess.Username,
			"is_guest": sess.IsGuest,
		})

		// A member reconnecting within the grace period resumes their room:
		// full snapshot first, then the live stream.
		if rm, ok := s.Rooms.RoomFor(sess.UserID); ok {
			if snapshot, err := rm.Attach(sess.UserID, conn); err == nil {
				conn.Write(snapshot)
			}
		}

		go wsWritePump(ctx, c, conn, logger)
		s.wsReadPump(ctx, c, sess, conn, remoteAddr)

		logger.WithField("user_id", sess.UserID).Info("websocket disconnected")
		if rm, ok := s.Rooms.RoomFor(sess.UserID); ok {
			rm.HandleDisconnect(sess.UserID, conn.ID)
		}
	}
}

// admit resolves the request to a session. A missing token means a guest:
// a fresh identity is minted with a session, usable immediately but barred
// from the operations that require a durable identity.
func (s *Server) admit(r *http.Request) (*session.Session, error) {
	token := extractToken(r)
	if token == "" {
		return s.createGuestSession(r.Context())
	}
	return s.Gate.Admit(r.Context(), token)
}

// createGuestSession mints a guest identity and its session. The user row
// insert is best effort; a storage failure degrades to an unpersisted guest
// rather than refusing play.
func (s *Server) createGuestSession(ctx context.Context) (*session.Session, error) {
	guest := models.User{
		Username: fmt.Sprintf("Guest-%s", uuid.NewString()[:8]),
		IsGuest:  true,
	}
	dbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := database.CreateUser(dbCtx, &guest); err != nil {
		s.Logger.Warnf("failed to persist guest user: %v", err)
		if guest.ID == uuid.Nil {
			guest.ID = uuid.New()
		}
	}
	return s.Sessions.Create(ctx, guest.ID, guest.Username, true)
}

// extractToken pulls the session token from the query string or the
// auth_token cookie.
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// closeForAuthError maps each session error to a distinct close code so the
// client knows whether to re-login, retry, or discard the token.
func closeForAuthError(c *websocket.Conn, err error) {
	switch {
	case errors.Is(err, session.ErrExpired):
		c.Close(ExpiredAuthTokenError, "session token expired")
	case errors.Is(err, session.ErrInvalid):
		c.Close(InvalidAuthTokenError, "session token invalid")
	case errors.Is(err, session.ErrNotFound):
		c.Close(UnknownSessionError, "no session for token")
	case errors.Is(err, session.ErrTimeout):
		c.Close(StoreTimeoutError, "session store unavailable, retry")
	default:
		c.Close(websocket.StatusPolicyViolation, "authentication failed")
	}
}

// wsReadPump reads client packets until the connection drops. Every packet
// passes the per-identity rate limit before it is dispatched.
func (s *Server) wsReadPump(ctx context.Context, c *websocket.Conn, sess *session.Session, conn *room.Conn, remoteAddr string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				return
			}
			if !strings.Contains(err.Error(), "context canceled") {
				s.Logger.Warnf("read error for user %s: %v", sess.UserID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var packet map[string]interface{}
		if err := json.Unmarshal(msg, &packet); err != nil {
			conn.WriteError("BadPayload", "invalid JSON")
			continue
		}
		action, _ := packet["type"].(string)

		if err := s.Gate.AllowAction(ctx, sess, remoteAddr); err != nil {
			var rle *gatekeeper.RateLimitError
			if errors.As(err, &rle) {
				conn.Write(map[string]interface{}{
					"type":        "error",
					"code":        "RateLimited",
					"message":     "too many actions",
					"retry_after": rle.RetryAfterSeconds,
				})
				continue
			}
		}

		s.Sessions.Touch(sess.Token)
		s.handleClientMessage(ctx, action, packet, sess, conn)
	}
}

// handleClientMessage dispatches one inbound packet by its "type" field.
// Failures are reported to the sender only; accepted state changes reach the
// room through its own broadcasts.
func (s *Server) handleClientMessage(ctx context.Context, action string, packet map[string]interface{}, sess *session.Session, conn *room.Conn) {
	switch action {
	case "ping":
		conn.Write(map[string]interface{}{"type": "pong"})

	case "create_room":
		cfg := room.Config{GameType: "truth_or_dare", MaxPlayers: 8}
		if gt, ok := packet["game_type"].(string); ok && gt != "" {
			cfg.GameType = gt
		}
		if mp, ok := packet["max_players"].(float64); ok && mp > 0 {
			cfg.MaxPlayers = int(mp)
		}
		if pub, ok := packet["public"].(bool); ok {
			cfg.Public = pub
		}
		u := sess.AsUser()
		rm, err := s.Rooms.CreateRoom(u, cfg)
		if err != nil {
			writeRoomError(conn, action, err)
			return
		}
		snapshot, _ := rm.Attach(sess.UserID, conn)
		ackOK(conn, action, map[string]interface{}{"room_code": rm.Code})
		if snapshot != nil {
			conn.Write(snapshot)
		}

	case "join_room":
		code, _ := packet["code"].(string)
		rm, err := s.Rooms.JoinRoom(strings.ToUpper(strings.TrimSpace(code)), sess.AsUser())
		if err != nil {
			writeRoomError(conn, action, err)
			return
		}
		snapshot, err := rm.Attach(sess.UserID, conn)
		if err != nil {
			writeRoomError(conn, action, err)
			return
		}
		ackOK(conn, action, map[string]interface{}{"room_code": rm.Code})
		conn.Write(snapshot)

	case "request_match":
		gameType, _ := packet["game_type"].(string)
		rm, err := s.Rooms.RequestMatch(sess.AsUser(), gameType)
		if err != nil {
			writeRoomError(conn, action, err)
			return
		}
		snapshot, err := rm.Attach(sess.UserID, conn)
		if err != nil {
			writeRoomError(conn, action, err)
			return
		}
		ackOK(conn, action, map[string]interface{}{"room_code": rm.Code})
		conn.Write(snapshot)

	case "leave_room":
		if err := s.Rooms.LeaveRoom(sess.UserID); err != nil {
			writeRoomError(conn, action, err)
			return
		}
		ackOK(conn, action, nil)

	case "send_message":
		text, _ := packet["text"].(string)
		if strings.TrimSpace(text) == "" {
			conn.WriteError("BadPayload", "message text required")
			return
		}
		rm, ok := s.Rooms.RoomFor(sess.UserID)
		if !ok {
			writeRoomError(conn, action, room.ErrNotInRoom)
			return
		}
		if _, err := rm.AppendChat(sess.UserID, text); err != nil {
			writeRoomError(conn, action, err)
		}

	case "submit_confession":
		if sess.IsGuest {
			conn.WriteError("GuestNotAllowed", "confessions require a registered account")
			return
		}
		text, _ := packet["text"].(string)
		if strings.TrimSpace(text) == "" {
			conn.WriteError("BadPayload", "confession text required")
			return
		}
		rm, ok := s.Rooms.RoomFor(sess.UserID)
		if !ok {
			writeRoomError(conn, action, room.ErrNotInRoom)
			return
		}
		if err := rm.QueueConfession(sess.UserID, text); err != nil {
			writeRoomError(conn, action, err)
			return
		}
		ackOK(conn, action, nil)

	case "start_game":
		rm, ok := s.Rooms.RoomFor(sess.UserID)
		if !ok {
			writeRoomError(conn, action, room.ErrNotInRoom)
			return
		}
		g, err := rm.StartGame(sess.UserID)
		if err != nil {
			writeRoomError(conn, action, err)
			return
		}
		ackOK(conn, action, map[string]interface{}{"game_id": g.ID.String()})

	case "game_action":
		rm, ok := s.Rooms.RoomFor(sess.UserID)
		if !ok {
			writeRoomError(conn, action, room.ErrNotInRoom)
			return
		}
		g := rm.ActiveGame()
		if g == nil {
			conn.WriteError(engine.CodeGameNotFound, "no active game in this room")
			return
		}
		act := engine.Action{}
		if t, ok := packet["action"].(string); ok {
			act.Type = engine.ActionType(t)
		}
		if txt, ok := packet["text"].(string); ok {
			act.Text = txt
		}
		if approve, ok := packet["approve"].(bool); ok {
			act.Approve = approve
		}
		if _, err := g.HandleAction(sess.UserID, act); err != nil {
			var ge *engine.Error
			if errors.As(err, &ge) {
				conn.WriteError(ge.Code, ge.Message)
				return
			}
			conn.WriteError("GameError", err.Error())
		}

	case "update_nickname":
		username, _ := packet["username"].(string)
		username = strings.TrimSpace(username)
		if username == "" {
			conn.WriteError("BadPayload", "username required")
			return
		}
		sess.Username = username
		conn.Username = username
		go func() {
			dbCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := database.UpdateUsername(dbCtx, sess.UserID, username); err != nil {
				s.Logger.Warnf("failed to persist nickname for %s: %v", sess.UserID, err)
			}
		}()
		if rm, ok := s.Rooms.RoomFor(sess.UserID); ok {
			rm.SetUsername(sess.UserID, username)
		}
		ackOK(conn, action, map[string]interface{}{"username": username})

	case "logout":
		s.Sessions.Invalidate(sess.Token)
		ackOK(conn, action, nil)
		if conn.Cancel != nil {
			conn.Cancel()
		}

	default:
		conn.WriteError("UnknownMessageType", fmt.Sprintf("unknown message type: %s", action))
	}
}

// ackOK confirms a request back to the sender with optional payload fields.
func ackOK(conn *room.Conn, action string, data map[string]interface{}) {
	msg := map[string]interface{}{
		"type":    "ack",
		"action":  action,
		"success": true,
	}
	for k, v := range data {
		msg[k] = v
	}
	conn.Write(msg)
}

// writeRoomError maps room/store errors to stable client-facing codes.
func writeRoomError(conn *room.Conn, action string, err error) {
	code := "RoomError"
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		code = "RoomNotFound"
	case errors.Is(err, room.ErrRoomFull):
		code = "RoomFull"
	case errors.Is(err, room.ErrAlreadyActive):
		code = "AlreadyActive"
	case errors.Is(err, room.ErrNotInRoom):
		code = "NotInRoom"
	case errors.Is(err, room.ErrGameInProgress):
		code = "GameInProgress"
	case errors.Is(err, room.ErrUnknownGameType):
		code = "UnknownGameType"
	case errors.Is(err, room.ErrNoMatch):
		code = "NoMatch"
	}
	conn.Write(map[string]interface{}{
		"type":    "ack",
		"action":  action,
		"success": false,
		"error":   map[string]interface{}{"code": code, "message": err.Error()},
	})
}

// wsWritePump drains the connection's OutChan onto the wire and keeps the
// connection alive with periodic pings.
func wsWritePump(ctx context.Context, c *websocket.Conn, conn *room.Conn, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.OutChan:
			if !ok {
				c.Close(websocket.StatusGoingAway, "connection replaced")
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("failed to marshal outgoing msg for user %s: %v", conn.UserID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("failed to write to websocket for user %s: %v", conn.UserID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("ping failed for user %s, assuming disconnect: %v", conn.UserID, err)
				return
			}
		}
	}
}

// hostOnly strips the port from a remote address for per-host rate limiting.
func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
