package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrBadRequest         = errors.New("bad request")
	ErrKeyExpired         = errors.New("api key expired")
	ErrKeyDisabled        = errors.New("api key disabled")
	ErrUserDisabled       = errors.New("user disabled")
	ErrClientNotAllowed   = errors.New("client not allowed")
	ErrModelNotAllowed    = errors.New("model not allowed")
	ErrSensitiveContent   = errors.New("sensitive content blocked")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrRPMExceeded        = errors.New("rpm limit exceeded")
	ErrConcurrentExceeded = errors.New("concurrent session limit exceeded")
	ErrNoProvider         = errors.New("no eligible provider")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrUpstream           = errors.New("upstream error")
	ErrInvalidSessionID   = errors.New("invalid session id")
)

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
