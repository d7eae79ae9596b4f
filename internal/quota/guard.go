package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/kv"
	"github.com/vantagegw/vantage/internal/pricing"
	"github.com/vantagegw/vantage/internal/session"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// rpmBucketTTL keeps spent minute buckets around briefly past their window.
const rpmBucketTTL = 2 * time.Minute

// defaultAlertFraction triggers a spend notification at this share of a
// window limit.
const defaultAlertFraction = 0.8

// Violation describes a blocked request. BlockedBy and Reason go verbatim
// into the MessageRequest row; Err is the sentinel for HTTP mapping.
type Violation struct {
	BlockedBy string
	Reason    string
	Err       error
}

// Guard runs the pre-forward quota checks: cost windows, request rate and
// concurrency, for both the key and the owning user.
type Guard struct {
	costs    *CostWindowStore
	tracker  *session.Tracker
	catalog  *pricing.Catalog
	kv       *kv.Store
	notifier gateway.Notifier
	loc      *time.Location

	// AlertFraction is the share of a window limit at which RecordSpend
	// emits a quota alert.
	AlertFraction float64
}

// NewGuard wires a Guard. loc anchors fixed and calendar windows.
func NewGuard(costs *CostWindowStore, tracker *session.Tracker, catalog *pricing.Catalog, store *kv.Store, notifier gateway.Notifier, loc *time.Location) *Guard {
	if notifier == nil {
		notifier = gateway.NopNotifier{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{
		costs:         costs,
		tracker:       tracker,
		catalog:       catalog,
		kv:            store,
		notifier:      notifier,
		loc:           loc,
		AlertFraction: defaultAlertFraction,
	}
}

func (g *Guard) anchorFor(u *gateway.User) Anchor {
	return Anchor{Mode: u.DailyResetMode, ResetTime: u.DailyResetTime, Loc: g.loc}
}

// Check runs every quota gate for the identity. A non-nil Violation means
// the request must be rejected; a non-nil error means the check itself
// failed (KV down) and the caller decides the failure policy.
func (g *Guard) Check(ctx context.Context, id *gateway.Identity, model string) (*Violation, error) {
	lower, err := g.catalog.MinCostLowerBound(ctx, model)
	if err != nil {
		return nil, err
	}
	anchor := g.anchorFor(id.User)

	if v, err := g.checkWindows(ctx, "key", id.Key.ID, id.Key.Quotas, anchor, lower); v != nil || err != nil {
		return v, err
	}
	if v, err := g.checkWindows(ctx, "user", id.User.ID, id.User.Quotas, anchor, lower); v != nil || err != nil {
		return v, err
	}
	if v, err := g.checkRPM(ctx, id.User); v != nil || err != nil {
		return v, err
	}
	return g.checkConcurrent(ctx, id)
}

// checkWindows rejects when any limited window would be pushed past its
// limit by the conservative lower-bound cost of this request.
func (g *Guard) checkWindows(ctx context.Context, scope, id string, q gateway.Quotas, a Anchor, lower decimal.Decimal) (*Violation, error) {
	for _, w := range Windows {
		limit := Limit(q, w)
		if limit <= 0 {
			continue
		}
		running, err := g.costs.Running(ctx, scope, id, w)
		if err != nil {
			return nil, err
		}
		if running.Add(lower).GreaterThan(decimal.NewFromFloat(limit)) {
			return &Violation{
				BlockedBy: "quota",
				Reason:    fmt.Sprintf("%s %s limit %.2f USD exceeded: running %s", scope, w, limit, running),
				Err:       gateway.ErrQuotaExceeded,
			}, nil
		}
	}
	return nil, nil
}

// checkRPM enforces the user's fixed 60-second request-rate window. The
// bucket increment counts this request even if a later gate rejects it.
func (g *Guard) checkRPM(ctx context.Context, u *gateway.User) (*Violation, error) {
	if u.Quotas.RPMLimit <= 0 {
		return nil, nil
	}
	bucket := nowFunc().Unix() / 60
	n, err := g.kv.IncrBy(ctx, kv.RPMKey(u.ID, bucket), 1, rpmBucketTTL)
	if err != nil {
		return nil, err
	}
	if n > int64(u.Quotas.RPMLimit) {
		return &Violation{
			BlockedBy: "rpm",
			Reason:    fmt.Sprintf("user rpm limit %d exceeded", u.Quotas.RPMLimit),
			Err:       gateway.ErrRPMExceeded,
		}, nil
	}
	return nil, nil
}

// checkConcurrent enforces the live-request caps: the key's own counter
// for the key cap, the user-scope counter (all the user's keys) for the
// user cap.
func (g *Guard) checkConcurrent(ctx context.Context, id *gateway.Identity) (*Violation, error) {
	if limit := id.Key.Quotas.LimitConcurrentSessions; limit > 0 {
		n, err := g.tracker.ConcurrentCount(ctx, "key", id.Key.ID)
		if err != nil {
			return nil, err
		}
		if n >= int64(limit) {
			return &Violation{
				BlockedBy: "concurrent",
				Reason:    fmt.Sprintf("key concurrent limit %d reached", limit),
				Err:       gateway.ErrConcurrentExceeded,
			}, nil
		}
	}
	if limit := id.User.Quotas.LimitConcurrentSessions; limit > 0 {
		n, err := g.tracker.ConcurrentCount(ctx, "user", id.User.ID)
		if err != nil {
			return nil, err
		}
		if n >= int64(limit) {
			return &Violation{
				BlockedBy: "concurrent",
				Reason:    fmt.Sprintf("user concurrent limit %d reached", limit),
				Err:       gateway.ErrConcurrentExceeded,
			}, nil
		}
	}
	return nil, nil
}

// WouldExceed reports whether charging the lower-bound cost against the
// quotas would cross any window limit. The selector uses it to drop
// providers whose own spend caps are exhausted.
func (g *Guard) WouldExceed(ctx context.Context, scope, id string, q gateway.Quotas, a Anchor, lower decimal.Decimal) (bool, error) {
	v, err := g.checkWindows(ctx, scope, id, q, a, lower)
	return v != nil, err
}

// ProviderAnchor is the calendar anchor used for provider-scope windows:
// midnight-fixed daily in the gateway timezone.
func (g *Guard) ProviderAnchor() Anchor {
	return Anchor{Mode: gateway.ResetFixed, Loc: g.loc}
}

// RecordSpend adds a completed request's cost to every key and user window
// and emits a quota alert when a limited window crosses the alert
// fraction. Counter failures are logged; the first error is returned so
// the finaliser can surface it.
func (g *Guard) RecordSpend(ctx context.Context, id *gateway.Identity, cost decimal.Decimal) error {
	if cost.IsZero() {
		return nil
	}
	anchor := g.anchorFor(id.User)
	var firstErr error
	for _, sc := range []struct {
		scope string
		id    string
		q     gateway.Quotas
	}{
		{"key", id.Key.ID, id.Key.Quotas},
		{"user", id.User.ID, id.User.Quotas},
	} {
		for _, w := range Windows {
			running, err := g.costs.Add(ctx, sc.scope, sc.id, w, anchor, cost)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "cost window increment failed",
					slog.String("scope", sc.scope),
					slog.String("id", sc.id),
					slog.String("window", string(w)),
					slog.String("error", err.Error()),
				)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			g.maybeAlert(ctx, sc.scope, sc.id, w, sc.q, running, cost)
		}
	}
	return firstErr
}

// RecordProviderSpend adds cost to a provider's own spend windows. The
// selector's health filter reads these through WouldExceed.
func (g *Guard) RecordProviderSpend(ctx context.Context, p *gateway.Provider, cost decimal.Decimal) error {
	if cost.IsZero() {
		return nil
	}
	anchor := g.ProviderAnchor()
	var firstErr error
	for _, w := range Windows {
		running, err := g.costs.Add(ctx, "provider", p.ID, w, anchor, cost)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		g.maybeAlert(ctx, "provider", p.ID, w, p.Quotas, running, cost)
	}
	return firstErr
}

// maybeAlert notifies once when the running total crosses the alert line.
func (g *Guard) maybeAlert(ctx context.Context, scope, id string, w Window, q gateway.Quotas, running, cost decimal.Decimal) {
	limit := Limit(q, w)
	if limit <= 0 || w == WindowTotal {
		return
	}
	line := decimal.NewFromFloat(limit * g.AlertFraction)
	if running.LessThan(line) || running.Sub(cost).GreaterThanOrEqual(line) {
		return
	}
	go g.notifier.Notify(context.WithoutCancel(ctx), "quota_alert", map[string]any{
		"scope":   scope,
		"id":      id,
		"window":  string(w),
		"running": running.String(),
		"limit":   limit,
	})
}
