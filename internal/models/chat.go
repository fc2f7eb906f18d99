package models

import "github.com/google/uuid"

// ChatKind tags entries in a room's append-only log.
type ChatKind string

const (
	ChatKindMessage    ChatKind = "message"
	ChatKindConfession ChatKind = "confession"
)

// ChatEntry is one line of a room's append-only chat log. The full log is
// replayed to a member on rejoin.
type ChatEntry struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Kind     ChatKind  `json:"kind"`
	Text     string    `json:"text"`
	Ts       int64     `json:"ts"`
}
