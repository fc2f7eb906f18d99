package models

import "github.com/google/uuid"

// Role distinguishes the room creator from regular members.
type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

// Player is a user's room-scoped membership entry. A player entry exists
// only while its identity is a member of exactly one room.
type Player struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`

	// Live is false while the player is inside a disconnect grace period.
	Live bool `json:"live"`
}
