package breaker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
)

// VendorState is the coarse per-(vendor, provider-type) breaker. It has no
// half-open phase: either requests flow or the whole vendor+type is dark.
type VendorState struct {
	Open      bool      `json:"open"`
	Manual    bool      `json:"manual"` // admin force-open; only admin closes it
	OpenUntil time.Time `json:"open_until,omitzero"`
	Reason    string    `json:"reason,omitempty"`
}

const (
	// vendorFailureWindow is how long consecutive endpoint failures are
	// remembered when deciding a vendor-wide blackout.
	vendorFailureWindow = time.Minute

	// vendorAutoOpenFor is the auto blackout duration.
	vendorAutoOpenFor = time.Minute
)

// VendorStore gates whole (vendor, provider-type) pairs. State lives only
// in the KV; this is off the per-request hot path except for one read that
// the selector batches per resolution.
type VendorStore struct {
	kv       *kv.Store
	notifier gateway.Notifier
}

// NewVendorStore returns a vendor-type breaker store.
func NewVendorStore(store *kv.Store, notifier gateway.Notifier) *VendorStore {
	if notifier == nil {
		notifier = gateway.NopNotifier{}
	}
	return &VendorStore{kv: store, notifier: notifier}
}

// IsOpen reports whether the vendor+type pair is currently dark.
func (vs *VendorStore) IsOpen(ctx context.Context, vendorID string, t gateway.ProviderType) bool {
	if vendorID == "" {
		return false
	}
	var st VendorState
	err := vs.kv.GetJSON(ctx, kv.CircuitVendorTypeKey(vendorID, string(t)), &st)
	if err != nil {
		return false // missing or unreachable KV never blocks traffic
	}
	if !st.Open {
		return false
	}
	if st.Manual {
		return true
	}
	return time.Now().Before(st.OpenUntil)
}

// ForceOpen opens the vendor+type breaker until an admin closes it.
func (vs *VendorStore) ForceOpen(ctx context.Context, vendorID string, t gateway.ProviderType, reason string) error {
	st := VendorState{Open: true, Manual: true, Reason: reason}
	return vs.kv.SetJSON(ctx, kv.CircuitVendorTypeKey(vendorID, string(t)), st, 0)
}

// ForceClose clears the vendor+type breaker, manual or auto.
func (vs *VendorStore) ForceClose(ctx context.Context, vendorID string, t gateway.ProviderType) error {
	return vs.kv.Delete(ctx, kv.CircuitVendorTypeKey(vendorID, string(t)))
}

// RecordEndpointFailure notes a failed call against one endpoint of the
// vendor+type. When every known endpoint has failed inside the window, the
// pair is blacked out for vendorAutoOpenFor.
func (vs *VendorStore) RecordEndpointFailure(ctx context.Context, vendorID string, t gateway.ProviderType, endpointCount int) {
	if vendorID == "" || endpointCount <= 0 {
		return
	}
	key := kv.CircuitVendorTypeKey(vendorID, string(t)) + ":failures"
	n, err := vs.kv.IncrBy(ctx, key, 1, vendorFailureWindow)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "vendor failure count failed",
			slog.String("vendor", vendorID),
			slog.String("error", err.Error()),
		)
		return
	}
	if n < int64(endpointCount) {
		return
	}
	st := VendorState{
		Open:      true,
		OpenUntil: time.Now().Add(vendorAutoOpenFor),
		Reason:    "all endpoints failing",
	}
	if err := vs.kv.SetJSON(ctx, kv.CircuitVendorTypeKey(vendorID, string(t)), st, vendorAutoOpenFor); err != nil {
		return
	}
	go vs.notifier.Notify(context.WithoutCancel(ctx), "circuit_breaker_alert", map[string]any{
		"vendor_id":     vendorID,
		"provider_type": string(t),
		"reason":        st.Reason,
	})
}
