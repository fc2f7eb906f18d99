package session

import "fmt"

// Key prefix for everything this service writes to redis.
const keyPrefix = "playroom"

// sessionKey returns the redis key mirroring one session, keyed by token.
func sessionKey(token string) string {
	return fmt.Sprintf("%s:session:%s", keyPrefix, token)
}

// RateLimitKey returns the redis key for one identity's sliding rate window.
// Exported for the gatekeeper, which shares the session store.
func RateLimitKey(id string) string {
	return fmt.Sprintf("%s:ratelimit:%s", keyPrefix, id)
}
