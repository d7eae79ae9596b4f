package selector

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/breaker"
	"github.com/vantagegw/vantage/internal/pricing"
	"github.com/vantagegw/vantage/internal/quota"
	"github.com/vantagegw/vantage/internal/session"
)

// Input carries everything the resolver needs for one selection round.
type Input struct {
	Model     string
	Identity  *gateway.Identity
	SessionID string
	Tried     []string // provider ids already attempted for this request
}

// Selection is one chosen candidate with the reason that goes into the
// provider chain.
type Selection struct {
	Provider *gateway.Provider
	Reason   gateway.ChainReason
}

// Resolver applies the selection pipeline over the provider registry.
type Resolver struct {
	registry *Registry
	breakers *breaker.Store
	vendors  *breaker.VendorStore
	guard    *quota.Guard
	tracker  *session.Tracker
	catalog  *pricing.Catalog

	// randFn is swapped in tests for a deterministic lottery.
	randFn func(n int64) int64
}

// NewResolver wires a Resolver.
func NewResolver(reg *Registry, breakers *breaker.Store, vendors *breaker.VendorStore, guard *quota.Guard, tracker *session.Tracker, catalog *pricing.Catalog) *Resolver {
	return &Resolver{
		registry: reg,
		breakers: breakers,
		vendors:  vendors,
		guard:    guard,
		tracker:  tracker,
		catalog:  catalog,
		randFn:   rand.Int64N,
	}
}

// Resolve picks the next candidate provider. The forwarder calls it again
// with an updated Tried list after each retryable failure; gateway.
// ErrNoProvider means the pool is exhausted.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Selection, error) {
	lower, err := r.catalog.MinCostLowerBound(ctx, in.Model)
	if err != nil {
		return nil, err
	}

	// Session affinity wins when the sticky provider is still viable.
	if in.SessionID != "" && len(in.Tried) == 0 {
		if sel := r.trySticky(ctx, in, lower); sel != nil {
			return sel, nil
		}
	}

	candidates, err := r.survivors(ctx, in, lower)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("selector: model %s: %w", in.Model, gateway.ErrNoProvider)
	}

	winner := r.lottery(lowestTier(candidates))
	return &Selection{Provider: winner, Reason: gateway.ReasonInitialSelection}, nil
}

// VendorTypeCount exposes the registry's sibling count for the vendor
// blackout heuristic in the forwarder.
func (r *Resolver) VendorTypeCount(ctx context.Context, vendorID string, t gateway.ProviderType) int {
	return r.registry.VendorTypeCount(ctx, vendorID, t)
}

// trySticky returns the session's sticky provider when it passes every
// filter, clearing the binding otherwise.
func (r *Resolver) trySticky(ctx context.Context, in Input, lower decimal.Decimal) *Selection {
	stickyID := r.tracker.StickyProvider(ctx, in.SessionID)
	if stickyID == "" {
		return nil
	}
	p, err := r.registry.Get(ctx, stickyID)
	if err != nil || p == nil {
		r.tracker.ClearStickyProvider(ctx, in.SessionID) //nolint:errcheck
		return nil
	}
	if !r.serves(p, in.Model) || !r.groupMatches(p, in.Identity) || !r.healthy(ctx, p, lower) {
		r.tracker.ClearStickyProvider(ctx, in.SessionID) //nolint:errcheck
		return nil
	}
	return &Selection{Provider: p, Reason: gateway.ReasonSessionReuse}
}

// survivors runs enumeration and the group/health/exclusion filters.
func (r *Resolver) survivors(ctx context.Context, in Input, lower decimal.Decimal) ([]*gateway.Provider, error) {
	all, err := r.registry.Providers(ctx)
	if err != nil {
		return nil, err
	}
	tried := make(map[string]bool, len(in.Tried))
	for _, id := range in.Tried {
		tried[id] = true
	}

	var out []*gateway.Provider
	for _, p := range all {
		if tried[p.ID] {
			continue
		}
		if !r.serves(p, in.Model) || !r.groupMatches(p, in.Identity) {
			continue
		}
		if !r.healthy(ctx, p, lower) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// serves reports whether the provider can handle the requested model.
// Providers with an explicit model list serve only those; a redirect for
// the model always qualifies; Claude-family models additionally accept any
// Anthropic-type provider; otherwise an unrestricted provider serves all.
func (r *Resolver) serves(p *gateway.Provider, model string) bool {
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	if p.ModelRedirects[model] != "" {
		return true
	}
	if len(p.AllowedModels) > 0 {
		return false
	}
	if isClaudeModel(model) {
		return p.Type == gateway.TypeClaude || p.Type == gateway.TypeClaudeAuth
	}
	return true
}

func isClaudeModel(model string) bool {
	return strings.HasPrefix(model, "claude")
}

// groupMatches applies the group tag filter. An untagged provider belongs
// to "default".
func (r *Resolver) groupMatches(p *gateway.Provider, id *gateway.Identity) bool {
	tag := p.GroupTag
	if tag == "" {
		tag = "default"
	}
	return tag == id.Group()
}

// healthy drops providers behind an open breaker, a vendor blackout, or
// exhausted provider spend windows.
func (r *Resolver) healthy(ctx context.Context, p *gateway.Provider, lower decimal.Decimal) bool {
	if !r.breakers.Allow(ctx, p) {
		return false
	}
	if r.vendors.IsOpen(ctx, p.VendorID, p.Type) {
		return false
	}
	exceeded, err := r.guard.WouldExceed(ctx, "provider", p.ID, p.Quotas, r.guard.ProviderAnchor(), lower)
	if err != nil {
		return true // quota store down never blackholes the pool
	}
	return !exceeded
}

// lowestTier keeps only the best (smallest) priority value.
func lowestTier(ps []*gateway.Provider) []*gateway.Provider {
	best := ps[0].Priority
	for _, p := range ps[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	tier := ps[:0:0]
	for _, p := range ps {
		if p.Priority == best {
			tier = append(tier, p)
		}
	}
	return tier
}

// lottery draws a winner with probability weight/Σweight. Candidates are
// ordered by costMultiplier then id first, so equal draws resolve the
// same way on every process.
func (r *Resolver) lottery(tier []*gateway.Provider) *gateway.Provider {
	if len(tier) == 1 {
		return tier[0]
	}
	ordered := make([]*gateway.Provider, len(tier))
	copy(ordered, tier)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CostMultiplier != ordered[j].CostMultiplier {
			return ordered[i].CostMultiplier < ordered[j].CostMultiplier
		}
		return ordered[i].ID < ordered[j].ID
	})

	var total int64
	for _, p := range ordered {
		total += int64(weightOf(p))
	}
	draw := r.randFn(total)
	for _, p := range ordered {
		draw -= int64(weightOf(p))
		if draw < 0 {
			return p
		}
	}
	return ordered[len(ordered)-1]
}

func weightOf(p *gateway.Provider) int {
	if p.Weight < 1 {
		return 1
	}
	return p.Weight
}

// ChainItem builds a decision-log entry for the request's provider chain.
func ChainItem(p *gateway.Provider, reason gateway.ChainReason, context string) gateway.ProviderChainItem {
	item := gateway.ProviderChainItem{
		Reason:    reason,
		Timestamp: time.Now(),
		Context:   context,
	}
	if p != nil {
		item.ProviderID = p.ID
		item.Name = p.Name
	}
	return item
}
