package ports

import "time"

// SessionTokenizer converts opaque session ids to signed cookie values and back
type SessionTokenizer interface {
	SessionToToken(sessionID string, ttl time.Duration) (string, error)
	TokenToSession(token string) (string, error)
}
