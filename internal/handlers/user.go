// internal/handlers/user.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/playroom/playroom/internal/auth"
	"github.com/playroom/playroom/internal/database"
	"github.com/playroom/playroom/internal/models"
)

// CreateUserHandler registers a durable identity.
func (s *Server) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" || req.Username == "" {
		http.Error(w, "email, password and username are required", http.StatusBadRequest)
		return
	}

	user := models.User{
		Email:    req.Email,
		Password: req.Password,
		Username: req.Username,
	}
	if err := database.CreateUser(r.Context(), &user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Error(w, "email already exists", http.StatusConflict)
			return
		}
		s.Logger.Errorf("failed to create user: %v", err)
		http.Error(w, "error creating user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// LoginHandler verifies credentials and mints a session. Any previous
// session for the same identity is evicted, which disconnects its websocket.
//
// Request payload:
//
//	{
//	  "email": "someone@example.com",
//	  "password": "password"
//	}
//
// The token is returned in the body and also set as the auth_token cookie.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}

	user, err := database.VerifyCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		s.Logger.Warnf("failed login for %s: %v", req.Email, err)
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}

	sess, err := s.Sessions.Create(r.Context(), user.ID, user.Username, user.IsGuest)
	if err != nil {
		s.Logger.Errorf("failed to create session for %s: %v", user.ID, err)
		http.Error(w, "session creation failed", http.StatusServiceUnavailable)
		return
	}
	database.PersistSessionAudit(user.ID, sess.CreatedAt)

	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    sess.Token,
		HttpOnly: true,
		Path:     "/",
		MaxAge:   int(auth.TokenTTL.Seconds()),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{
		Token:    sess.Token,
		UserID:   user.ID.String(),
		Username: user.Username,
	})
}
