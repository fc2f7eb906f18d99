// internal/room/connection.go
package room

import (
	"log"

	"github.com/google/uuid"
)

// Conn is a single member's live presence in a room. OutChan is drained by
// the transport's write pump; Cancel tears down the read loop.
type Conn struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Username string
	Cancel   func()
	OutChan  chan map[string]interface{}
}

// Write pushes a message onto the member's OutChan non-blockingly. Delivery
// is best-effort per connection: a full or closed channel drops the message
// and the member resynchronizes from a snapshot on reconnect.
func (c *Conn) Write(msg map[string]interface{}) {
	select {
	case c.OutChan <- msg:
	default:
		msgType, _ := msg["type"].(string)
		log.Printf("room conn %s: OutChan closed or full, dropped message type %q", c.UserID, msgType)
	}
}

// WriteError is a convenience to send an error object to this member only.
func (c *Conn) WriteError(code, msg string) {
	c.Write(map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": msg,
	})
}
