package kv

import "fmt"

// Key namespaces. Every gateway process shares these; changing a format is
// a rolling-upgrade hazard.
const (
	// ProbeLockKey is the endpoint prober leader lock.
	ProbeLockKey = "probe:lock"

	// InvalidateChannel carries cache-invalidation broadcasts. Payloads
	// are "<kind>:<id>" (e.g. "rules:sensitive", "provider:p1", "price:*").
	InvalidateChannel = "vantage:invalidate"
)

// CircuitProviderKey is the per-provider breaker state. No TTL; admin
// reset deletes it.
func CircuitProviderKey(providerID string) string {
	return "circuit:provider:" + providerID
}

// CircuitVendorTypeKey is the per-(vendor, provider-type) breaker state.
func CircuitVendorTypeKey(vendorID, providerType string) string {
	return fmt.Sprintf("circuit:vendorType:%s:%s", vendorID, providerType)
}

// SessionStickyKey holds a session's sticky provider id.
func SessionStickyKey(sessionID string) string {
	return "session:" + sessionID + ":sticky_provider"
}

// SessionSeqKey holds a session's request sequence counter.
func SessionSeqKey(sessionID string) string {
	return "session:" + sessionID + ":seq"
}

// SessionConcurrentKey holds a session's live request counter.
func SessionConcurrentKey(sessionID string) string {
	return "session:" + sessionID + ":concurrent"
}

// SessionDebugKey holds a short-TTL debug artifact for one request of a
// session.
func SessionDebugKey(sessionID string, sequence int64, name string) string {
	return fmt.Sprintf("session:%s:debug:%d:%s", sessionID, sequence, name)
}

// ScopeConcurrentKey holds the live request counter for a key or user.
func ScopeConcurrentKey(scope, id string) string {
	return fmt.Sprintf("concurrent:%s:%s", scope, id)
}

// CostKey holds the decimal running-cost counter for one quota window.
// scope is "key", "user" or "provider"; window is "5h", "daily", "weekly",
// "monthly" or "total".
func CostKey(scope, id, window string) string {
	return fmt.Sprintf("cost:%s:%s:%s", scope, id, window)
}

// RPMKey holds the fixed-window request counter for a user. bucket is the
// unix minute.
func RPMKey(userID string, bucket int64) string {
	return fmt.Sprintf("rpm:%s:%d", userID, bucket)
}

// FingerprintKey maps a request fingerprint to its allocated session id.
func FingerprintKey(sha256hex string) string {
	return "codex:fingerprint:" + sha256hex + ":session_id"
}
