package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vantagegw/vantage/internal/kv"
)

// CostWindowStore is the KV-backed decimal running-cost counter per
// (scope, id, window). Increments are single atomic INCRBYFLOAT calls with
// the window's TTL; application code never read-modify-writes a counter.
type CostWindowStore struct {
	kv *kv.Store
}

// NewCostWindowStore returns a store over the shared KV.
func NewCostWindowStore(store *kv.Store) *CostWindowStore {
	return &CostWindowStore{kv: store}
}

// Running returns the live cost for a window, zero when no counter exists.
func (s *CostWindowStore) Running(ctx context.Context, scope, id string, w Window) (decimal.Decimal, error) {
	raw, err := s.kv.GetString(ctx, kv.CostKey(scope, id, string(w)))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quota: counter %s/%s/%s corrupt: %w", scope, id, w, err)
	}
	return d, nil
}

// Add atomically adds cost to the window counter and returns the new
// running total.
func (s *CostWindowStore) Add(ctx context.Context, scope, id string, w Window, a Anchor, cost decimal.Decimal) (decimal.Decimal, error) {
	ttl := a.TTL(nowFunc(), w)
	raw, err := s.kv.IncrByFloat(ctx, kv.CostKey(scope, id, string(w)), cost.String(), ttl)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quota: counter %s/%s/%s corrupt: %w", scope, id, w, err)
	}
	return d, nil
}

// Reset deletes every window counter for a scope id. Admin use only.
func (s *CostWindowStore) Reset(ctx context.Context, scope, id string) error {
	keys := make([]string, 0, len(Windows))
	for _, w := range Windows {
		keys = append(keys, kv.CostKey(scope, id, string(w)))
	}
	return s.kv.Delete(ctx, keys...)
}
