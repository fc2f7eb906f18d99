// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes. These give clients a machine-readable reason
// beyond the standard status set.
const (
	BadSubprotocolError   = 3000 // client connected with an unsupported subprotocol
	InvalidAuthTokenError = 3001 // presented token was forged or malformed
	ExpiredAuthTokenError = 3002 // presented token's lifetime has passed
	UnknownSessionError   = 3003 // token verified but no session exists for it
	StoreTimeoutError     = 3004 // session store did not answer in time
	RateLimitedError      = 3005 // connection attempts breached the rate limit
	SessionEvictedError   = 3006 // a newer session for the same identity replaced this one
)
