package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/breaker"
	"github.com/vantagegw/vantage/internal/kv"
	"github.com/vantagegw/vantage/internal/pricing"
	"github.com/vantagegw/vantage/internal/quota"
	"github.com/vantagegw/vantage/internal/session"
)

type fakeProviderStore struct {
	providers []*gateway.Provider
}

func (f *fakeProviderStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	f.providers = append(f.providers, p)
	return nil
}

func (f *fakeProviderStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	for _, p := range f.providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeProviderStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	return f.providers, nil
}

func (f *fakeProviderStore) ListEnabledProviders(context.Context) ([]*gateway.Provider, error) {
	var out []*gateway.Provider
	for _, p := range f.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProviderStore) UpdateProvider(context.Context, *gateway.Provider) error { return nil }
func (f *fakeProviderStore) DeleteProvider(context.Context, string) error            { return nil }

type fakePriceStore struct{}

func (fakePriceStore) UpsertPrice(context.Context, *gateway.ModelPrice) error { return nil }
func (fakePriceStore) GetPrice(context.Context, string) (*gateway.ModelPrice, error) {
	return nil, gateway.ErrNotFound
}
func (fakePriceStore) ListPrices(context.Context) ([]*gateway.ModelPrice, error) { return nil, nil }
func (fakePriceStore) DeletePrice(context.Context, string) error                 { return nil }

type harness struct {
	resolver *Resolver
	tracker  *session.Tracker
	breakers *breaker.Store
	vendors  *breaker.VendorStore
	store    *kv.Store
}

func newHarness(t *testing.T, providers ...*gateway.Provider) *harness {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := kv.NewFromClient(rdb)

	catalog, err := pricing.NewCatalog(fakePriceStore{})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	tracker := session.NewTracker(store, 5*time.Minute)
	guard := quota.NewGuard(quota.NewCostWindowStore(store), tracker, catalog, store, nil, time.UTC)
	breakers := breaker.NewStore(store, nil)
	vendors := breaker.NewVendorStore(store, nil)
	reg := NewRegistry(&fakeProviderStore{providers: providers}, store)

	return &harness{
		resolver: NewResolver(reg, breakers, vendors, guard, tracker, catalog),
		tracker:  tracker,
		breakers: breakers,
		vendors:  vendors,
		store:    store,
	}
}

func provider(id string, priority, weight int, mods ...func(*gateway.Provider)) *gateway.Provider {
	p := &gateway.Provider{
		ID:             id,
		Name:           id,
		Type:           gateway.TypeClaude,
		Priority:       priority,
		Weight:         weight,
		CostMultiplier: 1,
		Enabled:        true,
	}
	for _, mod := range mods {
		mod(p)
	}
	return p
}

func identity() *gateway.Identity {
	return &gateway.Identity{
		User: &gateway.User{ID: "u1", Role: "user", Enabled: true},
		Key:  &gateway.Key{ID: "k1", UserID: "u1", Enabled: true},
	}
}

func TestResolveSingleProvider(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider("a", 0, 1))
	sel, err := h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "a" || sel.Reason != gateway.ReasonInitialSelection {
		t.Fatalf("selection = %s/%s, want a/initial_selection", sel.Provider.ID, sel.Reason)
	}
}

func TestResolveNoProvider(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
	if !errors.Is(err, gateway.ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestResolvePriorityTierWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		provider("low", 1, 100),
		provider("high", 0, 1),
	)
	sel, err := h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "high" {
		t.Fatalf("selected %s, want the priority-0 provider regardless of weight", sel.Provider.ID)
	}
}

func TestResolveWeightedLottery(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		provider("a", 0, 1, func(p *gateway.Provider) { p.CostMultiplier = 2 }),
		provider("b", 0, 1),
	)
	// Candidates are ordered b (cost x1) then a (cost x2); total weight 2.
	counts := map[string]int{}
	for draw := int64(0); draw < 2; draw++ {
		d := draw
		h.resolver.randFn = func(int64) int64 { return d }
		sel, err := h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		counts[sel.Provider.ID]++
	}
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("draw distribution = %v, want each provider once across the weight range", counts)
	}
}

func TestResolveGroupFilter(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		provider("vip-only", 0, 1, func(p *gateway.Provider) { p.GroupTag = "vip" }),
		provider("default-pool", 0, 1),
	)
	sel, err := h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "default-pool" {
		t.Fatalf("selected %s, want default-pool for an untagged key", sel.Provider.ID)
	}

	vip := identity()
	vip.Key.ProviderGroup = "vip"
	sel, err = h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: vip})
	if err != nil {
		t.Fatalf("Resolve vip: %v", err)
	}
	if sel.Provider.ID != "vip-only" {
		t.Fatalf("selected %s, want vip-only for the vip key", sel.Provider.ID)
	}
}

func TestResolveModelEligibility(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		provider("openai", 0, 1, func(p *gateway.Provider) { p.Type = gateway.TypeOpenAI }),
		provider("claude", 0, 1),
	)
	sel, err := h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "claude" {
		t.Fatalf("selected %s, want the anthropic-type provider for a claude model", sel.Provider.ID)
	}

	// A redirect opts a non-Anthropic provider into the claude pool.
	h2 := newHarness(t,
		provider("openai", 0, 1, func(p *gateway.Provider) {
			p.Type = gateway.TypeOpenAI
			p.ModelRedirects = map[string]string{"claude-3-opus": "gpt-5"}
		}),
	)
	sel, err = h2.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
	if err != nil {
		t.Fatalf("Resolve redirect: %v", err)
	}
	if sel.Provider.ID != "openai" {
		t.Fatalf("selected %s, want the redirecting provider", sel.Provider.ID)
	}
}

func TestResolveAllowedModelsRestricts(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		provider("narrow", 0, 1, func(p *gateway.Provider) { p.AllowedModels = []string{"claude-3-haiku"} }),
	)
	_, err := h.resolver.Resolve(context.Background(), Input{Model: "claude-3-opus", Identity: identity()})
	if !errors.Is(err, gateway.ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider for a model outside allowedModels", err)
	}
}

func TestResolveExcludesTried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, provider("a", 0, 1), provider("b", 0, 1))
	sel, err := h.resolver.Resolve(context.Background(), Input{
		Model:    "claude-3-opus",
		Identity: identity(),
		Tried:    []string{"a"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "b" {
		t.Fatalf("selected %s, want b with a excluded", sel.Provider.ID)
	}

	_, err = h.resolver.Resolve(context.Background(), Input{
		Model:    "claude-3-opus",
		Identity: identity(),
		Tried:    []string{"a", "b"},
	})
	if !errors.Is(err, gateway.ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider when all tried", err)
	}
}

func TestResolveOpenBreakerDropsProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pa := provider("a", 0, 1, func(p *gateway.Provider) {
		p.Breaker = gateway.BreakerConfig{FailureThreshold: 1, OpenDurationMs: 60_000}
	})
	h := newHarness(t, pa, provider("b", 0, 1))

	h.breakers.RecordFailure(ctx, pa)
	sel, err := h.resolver.Resolve(ctx, Input{Model: "claude-3-opus", Identity: identity()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "b" {
		t.Fatalf("selected %s, want b while a's breaker is open", sel.Provider.ID)
	}
}

func TestResolveVendorBlackoutDropsProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pa := provider("a", 0, 1, func(p *gateway.Provider) { p.VendorID = "v1" })
	h := newHarness(t, pa, provider("b", 0, 1))

	if err := h.vendors.ForceOpen(ctx, "v1", gateway.TypeClaude, "maintenance"); err != nil {
		t.Fatalf("ForceOpen: %v", err)
	}
	sel, err := h.resolver.Resolve(ctx, Input{Model: "claude-3-opus", Identity: identity()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "b" {
		t.Fatalf("selected %s, want b during the vendor blackout", sel.Provider.ID)
	}
}

func TestResolveSessionAffinity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, provider("a", 0, 1), provider("b", 0, 1))
	const sid = "sess_0000000000000000000001"

	if err := h.tracker.SetStickyProvider(ctx, sid, "b"); err != nil {
		t.Fatalf("SetStickyProvider: %v", err)
	}
	sel, err := h.resolver.Resolve(ctx, Input{Model: "claude-3-opus", Identity: identity(), SessionID: sid})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "b" || sel.Reason != gateway.ReasonSessionReuse {
		t.Fatalf("selection = %s/%s, want b/session_reuse", sel.Provider.ID, sel.Reason)
	}

	// A tried list bypasses affinity: the sticky provider already failed.
	sel, err = h.resolver.Resolve(ctx, Input{Model: "claude-3-opus", Identity: identity(), SessionID: sid, Tried: []string{"b"}})
	if err != nil {
		t.Fatalf("Resolve retry: %v", err)
	}
	if sel.Provider.ID != "a" {
		t.Fatalf("retry selected %s, want a", sel.Provider.ID)
	}
}

func TestResolveStickyClearedWhenGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, provider("a", 0, 1))
	const sid = "sess_0000000000000000000002"

	if err := h.tracker.SetStickyProvider(ctx, sid, "deleted-provider"); err != nil {
		t.Fatalf("SetStickyProvider: %v", err)
	}
	sel, err := h.resolver.Resolve(ctx, Input{Model: "claude-3-opus", Identity: identity(), SessionID: sid})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sel.Provider.ID != "a" {
		t.Fatalf("selected %s, want fallback to a", sel.Provider.ID)
	}
	if got := h.tracker.StickyProvider(ctx, sid); got != "" {
		t.Fatalf("sticky provider = %q, want cleared", got)
	}
}
