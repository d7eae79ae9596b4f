package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/shopspring/decimal"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/storage"
)

const (
	catalogTTL    = 5 * time.Minute // price edits propagate within this
	catalogMaxLen = 2_000
)

// Catalog resolves model prices from the store through a W-TinyLFU cache.
// A model absent from the catalogue resolves to a zero price: the request
// is served and recorded at cost 0 rather than rejected.
type Catalog struct {
	store storage.PriceStore
	cache *otter.Cache[string, *Price]
}

// NewCatalog returns a Catalog backed by store.
func NewCatalog(store storage.PriceStore) (*Catalog, error) {
	c, err := otter.New(&otter.Options[string, *Price]{
		MaximumSize:      catalogMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *Price](catalogTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	return &Catalog{store: store, cache: c}, nil
}

// Resolve returns the parsed price for a model. The zero Price (all
// components zero) is returned for unknown models.
func (c *Catalog) Resolve(ctx context.Context, model string) (*Price, error) {
	if p, ok := c.cache.GetIfPresent(model); ok {
		return p, nil
	}
	mp, err := c.store.GetPrice(ctx, model)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			p := &Price{}
			c.cache.Set(model, p)
			return p, nil
		}
		return nil, fmt.Errorf("pricing: resolve %q: %w", model, err)
	}
	p, err := ParsePrice(mp)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	c.cache.Set(model, p)
	return p, nil
}

// Invalidate drops a cached model price after an admin edit.
func (c *Catalog) Invalidate(model string) {
	if model == "" {
		c.cache.InvalidateAll()
		return
	}
	c.cache.Invalidate(model)
}

// MinCostLowerBound is the conservative spend the quota guard assumes a
// request will incur before any usage is known. Unknown models price at
// zero and pass the pre-check.
func (c *Catalog) MinCostLowerBound(ctx context.Context, model string) (decimal.Decimal, error) {
	p, err := c.Resolve(ctx, model)
	if err != nil {
		return decimal.Zero, err
	}
	return p.MinCost(), nil
}
