// Package session correlates proxy requests into conversations: it derives
// session ids, allocates request sequences, tracks sticky providers and
// live concurrency, and stores short-lived debug artifacts. All shared
// state lives in the distributed KV under TTL.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
)

const (
	minIDLen = 21
	maxIDLen = 256

	// prevIDPrefix marks session ids synthesized from a Responses-dialect
	// previous_response_id.
	prevIDPrefix = "codex_prev_"

	// fingerprintMessages is how many leading user messages feed the
	// fingerprint hash.
	fingerprintMessages = 3
)

// ValidateID checks session id length and charset. The allowed charset is
// [A-Za-z0-9_.\-:].
func ValidateID(id string) error {
	if len(id) < minIDLen || len(id) > maxIDLen {
		return fmt.Errorf("%w: length %d outside [%d,%d]", gateway.ErrInvalidSessionID, len(id), minIDLen, maxIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-' || c == ':':
		default:
			return fmt.Errorf("%w: illegal character %q", gateway.ErrInvalidSessionID, c)
		}
	}
	return nil
}

// Resolve determines the session id for a request. Sources are tried in
// priority order: explicit header, body metadata.session_id,
// prompt_cache_key, previous_response_id, then a deterministic fingerprint
// so that client retries without any id collapse into one session.
//
// An id supplied by the client that fails validation is an error; the
// fingerprint path cannot fail validation by construction.
func (t *Tracker) Resolve(ctx context.Context, header http.Header, req *gateway.ProxyRequest, keyID, clientIP, userAgent string) (string, gateway.SessionSource, error) {
	if id := headerSessionID(header); id != "" {
		if err := ValidateID(id); err != nil {
			return "", "", err
		}
		return id, gateway.SessionFromHeader, nil
	}
	if id := req.MetadataSessionID; id != "" {
		if err := ValidateID(id); err != nil {
			return "", "", err
		}
		return id, gateway.SessionFromMetadata, nil
	}
	if id := req.PromptCacheKey; id != "" {
		if err := ValidateID(id); err != nil {
			return "", "", err
		}
		return id, gateway.SessionFromCacheKey, nil
	}
	if prev := req.PreviousResponseID; prev != "" {
		id := prevIDPrefix + prev
		if len(id) > maxIDLen {
			return "", "", fmt.Errorf("%w: composite id exceeds %d chars", gateway.ErrInvalidSessionID, maxIDLen)
		}
		if err := ValidateID(id); err != nil {
			return "", "", err
		}
		return id, gateway.SessionFromPreviousID, nil
	}

	id, err := t.fingerprintSession(ctx, req, keyID, clientIP, userAgent)
	if err != nil {
		return "", "", err
	}
	return id, gateway.SessionFromFingerprint, nil
}

// headerSessionID reads the client-supplied session header.
func headerSessionID(h http.Header) string {
	if v := h.Get("x-session-id"); v != "" {
		return v
	}
	return h.Get("session-id")
}

// fingerprintSession allocates (or re-reads) the deterministic session id
// for a request with no explicit id. The fingerprint hashes the key, the
// client address, the user agent and the first user messages; the KV entry
// guarantees that concurrent retries agree on one id.
func (t *Tracker) fingerprintSession(ctx context.Context, req *gateway.ProxyRequest, keyID, clientIP, userAgent string) (string, error) {
	h := sha256.New()
	h.Write([]byte(keyID))
	h.Write([]byte{0})
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	for _, text := range req.UserMessageTexts(fingerprintMessages) {
		sum := sha256.Sum256([]byte(text))
		h.Write(sum[:])
	}
	fp := hex.EncodeToString(h.Sum(nil))

	key := kv.FingerprintKey(fp)
	if id, err := t.kv.GetString(ctx, key); err == nil {
		return id, nil
	}

	// UUIDv7 keeps ids time-sortable in logs; SetNX makes the first
	// writer win so retries racing here still converge.
	candidate := "sess_" + uuid.Must(uuid.NewV7()).String()
	ok, err := t.kv.SetStringNX(ctx, key, candidate, t.ttl)
	if err != nil {
		return "", fmt.Errorf("session fingerprint: %w", err)
	}
	if ok {
		return candidate, nil
	}
	id, err := t.kv.GetString(ctx, key)
	if err != nil {
		// Lost the race and the winner's entry expired in between;
		// fall back to our candidate.
		return candidate, nil
	}
	return id, nil
}

// DebugArtifacts is the per-request debug snapshot stored best-effort.
type DebugArtifacts struct {
	RequestBody []byte            `json:"request_body,omitempty"`
	Messages    []gateway.Message `json:"messages,omitempty"`
	Response    []byte            `json:"response,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Meta        map[string]any    `json:"meta,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}
