// Package selector picks the upstream provider for each request: session
// affinity first, then eligibility, group, health and quota filters, then
// a weighted lottery within the best priority tier.
package selector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
	"github.com/vantagegw/vantage/internal/storage"
)

// registryTTL bounds how stale the provider snapshot may get without an
// explicit invalidation.
const registryTTL = 30 * time.Second

// Registry caches the enabled provider set. Admin edits broadcast an
// invalidation over the KV channel; the TTL catches anything missed.
type Registry struct {
	store storage.ProviderStore
	kv    *kv.Store

	mu        sync.RWMutex
	providers []*gateway.Provider
	byID      map[string]*gateway.Provider
	fetched   time.Time
}

// NewRegistry returns an empty Registry; the first Providers call loads it.
func NewRegistry(store storage.ProviderStore, kvStore *kv.Store) *Registry {
	return &Registry{store: store, kv: kvStore}
}

// Providers returns the cached enabled provider snapshot, refreshing it
// when stale. The returned slice must not be mutated.
func (r *Registry) Providers(ctx context.Context) ([]*gateway.Provider, error) {
	r.mu.RLock()
	if time.Since(r.fetched) < registryTTL {
		ps := r.providers
		r.mu.RUnlock()
		return ps, nil
	}
	r.mu.RUnlock()
	return r.refresh(ctx)
}

// Get returns one provider from the snapshot, or nil.
func (r *Registry) Get(ctx context.Context, id string) (*gateway.Provider, error) {
	if _, err := r.Providers(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id], nil
}

func (r *Registry) refresh(ctx context.Context) ([]*gateway.Provider, error) {
	ps, err := r.store.ListEnabledProviders(ctx)
	if err != nil {
		r.mu.RLock()
		cached := r.providers
		r.mu.RUnlock()
		if cached != nil {
			// Serve the stale snapshot rather than failing requests.
			slog.LogAttrs(ctx, slog.LevelWarn, "provider refresh failed, serving stale snapshot",
				slog.String("error", err.Error()))
			return cached, nil
		}
		return nil, err
	}
	byID := make(map[string]*gateway.Provider, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}
	r.mu.Lock()
	r.providers, r.byID, r.fetched = ps, byID, time.Now()
	r.mu.Unlock()
	return ps, nil
}

// VendorTypeCount returns how many enabled providers share the vendor and
// provider type. The vendor blackout only trips once that many distinct
// failures land inside the window, so one sick provider cannot dark a
// healthy sibling.
func (r *Registry) VendorTypeCount(ctx context.Context, vendorID string, t gateway.ProviderType) int {
	ps, err := r.Providers(ctx)
	if err != nil {
		return 0
	}
	n := 0
	for _, p := range ps {
		if p.VendorID == vendorID && p.Type == t {
			n++
		}
	}
	return n
}

// Invalidate forces the next Providers call to reload.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.fetched = time.Time{}
	r.mu.Unlock()
}

// Watch invalidates the snapshot whenever a provider change is broadcast.
// Blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) {
	for payload := range r.kv.Subscribe(ctx, kv.InvalidateChannel) {
		if strings.HasPrefix(payload, "provider:") {
			r.Invalidate()
		}
	}
}

// Broadcast announces a provider change to every process.
func (r *Registry) Broadcast(ctx context.Context, providerID string) error {
	return r.kv.Publish(ctx, kv.InvalidateChannel, "provider:"+providerID)
}
