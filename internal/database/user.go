package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/playroom/playroom/internal/auth"
	"github.com/playroom/playroom/internal/models"
)

// ErrUserNotFound is returned when no user row matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// CreateUser inserts a user row, hashing the password if one is set.
// Guest users carry no credentials.
func CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		user.ID = id
	}

	hashed := ""
	if user.Password != "" {
		var err error
		hashed, err = auth.HashPassword(user.Password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
	}

	q := `
		INSERT INTO users (id, email, password, username, is_guest)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := DB.Exec(ctx, q, user.ID, user.Email, hashed, user.Username, user.IsGuest); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	user.Password = ""
	return nil
}

// GetUserByID fetches a user row by primary key.
func GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	q := `SELECT id, email, username, is_guest FROM users WHERE id = $1`
	var u models.User
	err := DB.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.Username, &u.IsGuest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", id, err)
	}
	return &u, nil
}

// VerifyCredentials checks an email/password pair against the stored
// Argon2id hash and returns the matching user on success.
func VerifyCredentials(ctx context.Context, email, password string) (*models.User, error) {
	q := `SELECT id, email, password, username, is_guest FROM users WHERE email = $1`
	var u models.User
	var hashed string
	err := DB.QueryRow(ctx, q, email).Scan(&u.ID, &u.Email, &hashed, &u.Username, &u.IsGuest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user by email: %w", err)
	}

	ok, err := auth.ComparePasswordAndHash(password, hashed)
	if err != nil {
		return nil, fmt.Errorf("failed to compare password: %w", err)
	}
	if !ok {
		return nil, errors.New("password mismatch")
	}
	u.Password = ""
	return &u, nil
}

// UpdateUsername persists a nickname change.
func UpdateUsername(ctx context.Context, id uuid.UUID, username string) error {
	q := `UPDATE users SET username = $2 WHERE id = $1`
	if _, err := DB.Exec(ctx, q, id, username); err != nil {
		return fmt.Errorf("failed to update username for %s: %w", id, err)
	}
	return nil
}
