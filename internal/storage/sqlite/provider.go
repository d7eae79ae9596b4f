package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

const providerColumns = `id, name, vendor_id, type, base_url, api_key,
 priority, weight, cost_multiplier, group_tag, allowed_models, model_redirects,
 quotas, breaker, timeouts, proxy_url, proxy_fallback, context_1m,
 codex_strategy, reasoning_overrides, enabled, created_at, deleted_at`

// CreateProvider inserts a routing provider.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	cols, err := providerJSONColumns(p)
	if err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, vendor_id, type, base_url, api_key,
		 priority, weight, cost_multiplier, group_tag, allowed_models, model_redirects,
		 quotas, breaker, timeouts, proxy_url, proxy_fallback, context_1m,
		 codex_strategy, reasoning_overrides, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullStr(p.VendorID), string(p.Type), p.BaseURL, nullStr(p.APIKey),
		p.Priority, p.Weight, p.CostMultiplier, nullStr(p.GroupTag),
		cols.models, cols.redirects, cols.quotas, cols.breaker, cols.timeouts,
		nullStr(p.ProxyURL), boolToInt(p.ProxyFallback), boolToInt(p.Context1M),
		nullStr(p.CodexStrategy), cols.overrides, boolToInt(p.Enabled), timeStr(p.CreatedAt),
	)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ? AND deleted_at IS NULL`, id)
	return scanProvider(row)
}

// ListProviders returns every live provider.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	return s.queryProviders(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE deleted_at IS NULL
		 ORDER BY priority, name`)
}

// ListEnabledProviders returns the selectable pool, served by the partial
// index on enabled.
func (s *Store) ListEnabledProviders(ctx context.Context) ([]*gateway.Provider, error) {
	return s.queryProviders(ctx,
		`SELECT `+providerColumns+` FROM providers
		 WHERE enabled = 1 AND deleted_at IS NULL ORDER BY priority, name`)
}

func (s *Store) queryProviders(ctx context.Context, query string) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProvider updates a provider's configuration.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	cols, err := providerJSONColumns(p)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name = ?, vendor_id = ?, type = ?, base_url = ?,
		 api_key = ?, priority = ?, weight = ?, cost_multiplier = ?, group_tag = ?,
		 allowed_models = ?, model_redirects = ?, quotas = ?, breaker = ?,
		 timeouts = ?, proxy_url = ?, proxy_fallback = ?, context_1m = ?,
		 codex_strategy = ?, reasoning_overrides = ?, enabled = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		p.Name, nullStr(p.VendorID), string(p.Type), p.BaseURL, nullStr(p.APIKey),
		p.Priority, p.Weight, p.CostMultiplier, nullStr(p.GroupTag),
		cols.models, cols.redirects, cols.quotas, cols.breaker, cols.timeouts,
		nullStr(p.ProxyURL), boolToInt(p.ProxyFallback), boolToInt(p.Context1M),
		nullStr(p.CodexStrategy), cols.overrides, boolToInt(p.Enabled), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "provider")
}

// DeleteProvider soft-deletes a provider.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE providers SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "provider")
}

type providerJSON struct {
	models, redirects, quotas, breaker, timeouts, overrides sql.NullString
}

func providerJSONColumns(p *gateway.Provider) (providerJSON, error) {
	var cols providerJSON
	var err error
	if cols.models, err = marshalJSON(p.AllowedModels); err != nil {
		return cols, err
	}
	if len(p.ModelRedirects) > 0 {
		if cols.redirects, err = marshalJSON(p.ModelRedirects); err != nil {
			return cols, err
		}
	}
	if cols.quotas, err = marshalJSON(p.Quotas); err != nil {
		return cols, err
	}
	if cols.breaker, err = marshalJSON(p.Breaker); err != nil {
		return cols, err
	}
	if cols.timeouts, err = marshalJSON(p.Timeouts); err != nil {
		return cols, err
	}
	if len(p.ReasoningOverrides) > 0 {
		if cols.overrides, err = marshalJSON(p.ReasoningOverrides); err != nil {
			return cols, err
		}
	}
	return cols, nil
}

func scanProvider(sc scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var vendorID, apiKey, group, proxyURL, codexStrategy sql.NullString
	var models, redirects, quotas, brk, timeouts, overrides sql.NullString
	var typ, createdAt string
	var deletedAt sql.NullString
	var proxyFallback, context1M, enabled int

	err := sc.Scan(&p.ID, &p.Name, &vendorID, &typ, &p.BaseURL, &apiKey,
		&p.Priority, &p.Weight, &p.CostMultiplier, &group, &models, &redirects,
		&quotas, &brk, &timeouts, &proxyURL, &proxyFallback, &context1M,
		&codexStrategy, &overrides, &enabled, &createdAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.VendorID = vendorID.String
	p.Type = gateway.ProviderType(typ)
	p.APIKey = apiKey.String
	p.GroupTag = group.String
	p.ProxyURL = proxyURL.String
	p.CodexStrategy = codexStrategy.String
	p.ProxyFallback = proxyFallback != 0
	p.Context1M = context1M != 0
	p.Enabled = enabled != 0
	if err := unmarshalJSON(models, &p.AllowedModels); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(redirects, &p.ModelRedirects); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(quotas, &p.Quotas); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(brk, &p.Breaker); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(timeouts, &p.Timeouts); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(overrides, &p.ReasoningOverrides); err != nil {
		return nil, err
	}
	p.DeletedAt = parseTime(deletedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}
