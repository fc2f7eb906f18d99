package session

import "errors"

// Authentication errors are terminal for the action that raised them: the
// caller must restart the auth flow rather than retry the same token.
var (
	// ErrInvalid means the token failed signature verification.
	ErrInvalid = errors.New("session: invalid token")

	// ErrExpired means the token's lifetime has passed.
	ErrExpired = errors.New("session: token expired")

	// ErrNotFound means neither the in-memory cache nor the external store
	// holds a session for the token. The caller must discard the token.
	ErrNotFound = errors.New("session: not found")

	// ErrTimeout means the external store did not answer within the bounded
	// lookup window. Distinct from ErrNotFound: the token may still be valid.
	ErrTimeout = errors.New("session: store lookup timed out")
)
