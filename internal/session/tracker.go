package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/vantagegw/vantage/internal/kv"
)

// debugTTL bounds how long request/response debug artifacts survive.
const debugTTL = 10 * time.Minute

// Tracker is the session-state service. One instance is shared by the
// whole process; all state is in the KV so every gateway process sees the
// same sessions.
type Tracker struct {
	kv  *kv.Store
	ttl time.Duration
}

// NewTracker returns a Tracker with the given session TTL (must be > 0,
// enforced at config load).
func NewTracker(store *kv.Store, ttl time.Duration) *Tracker {
	return &Tracker{kv: store, ttl: ttl}
}

// TTL returns the configured session TTL.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// AllocateSequence atomically allocates the next request sequence for the
// session, starting at 1. The counter's TTL is refreshed on every call.
func (t *Tracker) AllocateSequence(ctx context.Context, sessionID string) (int64, error) {
	return t.kv.IncrBy(ctx, kv.SessionSeqKey(sessionID), 1, t.ttl)
}

// StickyProvider returns the provider bound to the session, or "" if none.
func (t *Tracker) StickyProvider(ctx context.Context, sessionID string) string {
	id, err := t.kv.GetString(ctx, kv.SessionStickyKey(sessionID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.LogAttrs(ctx, slog.LevelWarn, "sticky provider read failed",
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
		}
		return ""
	}
	return id
}

// SetStickyProvider binds the session to a provider for the session TTL.
func (t *Tracker) SetStickyProvider(ctx context.Context, sessionID, providerID string) error {
	return t.kv.SetString(ctx, kv.SessionStickyKey(sessionID), providerID, t.ttl)
}

// ClearStickyProvider removes the session's provider binding.
func (t *Tracker) ClearStickyProvider(ctx context.Context, sessionID string) error {
	return t.kv.Delete(ctx, kv.SessionStickyKey(sessionID))
}

// IncrementConcurrent bumps the live-request counters for the session and
// for the key/user scopes used by the concurrency caps. Callers must pair
// it with DecrementConcurrent on every exit path.
func (t *Tracker) IncrementConcurrent(ctx context.Context, sessionID, keyID, userID string) error {
	if _, err := t.kv.IncrBy(ctx, kv.SessionConcurrentKey(sessionID), 1, t.ttl); err != nil {
		return err
	}
	if _, err := t.kv.IncrBy(ctx, kv.ScopeConcurrentKey("key", keyID), 1, t.ttl); err != nil {
		return err
	}
	_, err := t.kv.IncrBy(ctx, kv.ScopeConcurrentKey("user", userID), 1, t.ttl)
	return err
}

// DecrementConcurrent undoes IncrementConcurrent. It never fails a
// request: errors are logged and swallowed.
func (t *Tracker) DecrementConcurrent(ctx context.Context, sessionID, keyID, userID string) {
	for _, key := range []string{
		kv.SessionConcurrentKey(sessionID),
		kv.ScopeConcurrentKey("key", keyID),
		kv.ScopeConcurrentKey("user", userID),
	} {
		if _, err := t.kv.DecrFloor(ctx, key); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "concurrent decrement failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ConcurrentCount returns the live request count for a scope ("key" or
// "user") and id.
func (t *Tracker) ConcurrentCount(ctx context.Context, scope, id string) (int64, error) {
	return t.kv.GetInt(ctx, kv.ScopeConcurrentKey(scope, id))
}

// SessionConcurrentCount returns the live request count for one session.
func (t *Tracker) SessionConcurrentCount(ctx context.Context, sessionID string) (int64, error) {
	return t.kv.GetInt(ctx, kv.SessionConcurrentKey(sessionID))
}

// Terminate clears the session's affinity, sequence and concurrency state.
// The next request with the same id starts a fresh session at sequence 1.
func (t *Tracker) Terminate(ctx context.Context, sessionID string) error {
	return t.kv.Delete(ctx,
		kv.SessionStickyKey(sessionID),
		kv.SessionSeqKey(sessionID),
		kv.SessionConcurrentKey(sessionID),
	)
}

// RecordDebugArtifacts stores a request's debug snapshot under a short
// TTL. Best-effort: failures are logged and never affect the request.
func (t *Tracker) RecordDebugArtifacts(ctx context.Context, sessionID string, sequence int64, art DebugArtifacts) {
	art.StoredAt = time.Now()
	key := kv.SessionDebugKey(sessionID, sequence, "snapshot")
	if err := t.kv.SetJSON(ctx, key, art, debugTTL); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "debug artifact write failed",
			slog.String("session", sessionID),
			slog.String("seq", strconv.FormatInt(sequence, 10)),
			slog.String("error", err.Error()),
		)
	}
}

// DebugArtifact loads a stored snapshot, if still alive.
func (t *Tracker) DebugArtifact(ctx context.Context, sessionID string, sequence int64) (*DebugArtifacts, error) {
	var art DebugArtifacts
	err := t.kv.GetJSON(ctx, kv.SessionDebugKey(sessionID, sequence, "snapshot"), &art)
	if err != nil {
		return nil, err
	}
	return &art, nil
}
