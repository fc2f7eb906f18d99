package models

import "github.com/google/uuid"

// User is the durable player identity. A user record survives disconnects
// and reconnects; its ID is immutable and is never destroyed while any
// session still references it.
type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email,omitempty"`
	Password string    `json:"password,omitempty"`
	Username string    `json:"username"`

	// IsGuest marks identities created without credential verification.
	// Guests are gated out of authored content such as confessions.
	IsGuest bool `json:"is_guest"`
}

// Authenticated reports whether this identity passed credential
// verification. Guests are connected but not authenticated.
func (u *User) Authenticated() bool {
	return !u.IsGuest
}
