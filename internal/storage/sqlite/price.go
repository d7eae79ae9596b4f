package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/vantagegw/vantage/internal"
)

const priceColumns = `model, input_cost_per_token, output_cost_per_token,
 cache_creation_5m_cost, cache_creation_1h_cost, cache_read_cost,
 cost_per_request, input_cost_above_200k, output_cost_above_200k,
 supports_1m_context`

// UpsertPrice inserts or replaces a model price row.
func (s *Store) UpsertPrice(ctx context.Context, p *gateway.ModelPrice) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_prices (`+priceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		 input_cost_per_token = excluded.input_cost_per_token,
		 output_cost_per_token = excluded.output_cost_per_token,
		 cache_creation_5m_cost = excluded.cache_creation_5m_cost,
		 cache_creation_1h_cost = excluded.cache_creation_1h_cost,
		 cache_read_cost = excluded.cache_read_cost,
		 cost_per_request = excluded.cost_per_request,
		 input_cost_above_200k = excluded.input_cost_above_200k,
		 output_cost_above_200k = excluded.output_cost_above_200k,
		 supports_1m_context = excluded.supports_1m_context`,
		p.Model, p.InputCostPerToken, p.OutputCostPerToken,
		nullStr(p.CacheCreation5mCost), nullStr(p.CacheCreation1hCost),
		nullStr(p.CacheReadCost), nullStr(p.CostPerRequest),
		nullStr(p.InputCostAbove200k), nullStr(p.OutputCostAbove200k),
		boolToInt(p.Supports1MContext),
	)
	return err
}

// GetPrice looks up one model's price row.
func (s *Store) GetPrice(ctx context.Context, model string) (*gateway.ModelPrice, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+priceColumns+` FROM model_prices WHERE model = ?`, model)
	return scanPrice(row)
}

// ListPrices returns the full catalogue.
func (s *Store) ListPrices(ctx context.Context) ([]*gateway.ModelPrice, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+priceColumns+` FROM model_prices ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ModelPrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePrice removes a model price row.
func (s *Store) DeletePrice(ctx context.Context, model string) error {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM model_prices WHERE model = ?`, model)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "price")
}

func scanPrice(sc scanner) (*gateway.ModelPrice, error) {
	var p gateway.ModelPrice
	var cache5m, cache1h, cacheRead, perReq, inAbove, outAbove sql.NullString
	var supports1M int
	err := sc.Scan(&p.Model, &p.InputCostPerToken, &p.OutputCostPerToken,
		&cache5m, &cache1h, &cacheRead, &perReq, &inAbove, &outAbove, &supports1M)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.CacheCreation5mCost = cache5m.String
	p.CacheCreation1hCost = cache1h.String
	p.CacheReadCost = cacheRead.String
	p.CostPerRequest = perReq.String
	p.InputCostAbove200k = inAbove.String
	p.OutputCostAbove200k = outAbove.String
	p.Supports1MContext = supports1M != 0
	return &p, nil
}
