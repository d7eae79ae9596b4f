package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

// CreateVendor inserts a provider vendor.
func (s *Store) CreateVendor(ctx context.Context, v *gateway.ProviderVendor) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_vendors (id, name, created_at) VALUES (?, ?, ?)`,
		v.ID, v.Name, timeStr(v.CreatedAt))
	return err
}

// GetVendor retrieves a vendor by ID.
func (s *Store) GetVendor(ctx context.Context, id string) (*gateway.ProviderVendor, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, created_at, deleted_at FROM provider_vendors
		 WHERE id = ? AND deleted_at IS NULL`, id)
	return scanVendor(row)
}

// ListVendors returns all live vendors.
func (s *Store) ListVendors(ctx context.Context) ([]*gateway.ProviderVendor, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, created_at, deleted_at FROM provider_vendors
		 WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ProviderVendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVendor renames a vendor.
func (s *Store) UpdateVendor(ctx context.Context, v *gateway.ProviderVendor) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_vendors SET name = ? WHERE id = ? AND deleted_at IS NULL`,
		v.Name, v.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "vendor")
}

// DeleteVendor soft-deletes a vendor and its endpoints.
func (s *Store) DeleteVendor(ctx context.Context, id string) error {
	now := timeStr(time.Now())
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_vendors SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "vendor"); err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`UPDATE provider_endpoints SET deleted_at = ? WHERE vendor_id = ? AND deleted_at IS NULL`,
		now, id)
	return err
}

func scanVendor(sc scanner) (*gateway.ProviderVendor, error) {
	var v gateway.ProviderVendor
	var createdAt string
	var deletedAt sql.NullString
	if err := sc.Scan(&v.ID, &v.Name, &createdAt, &deletedAt); err != nil {
		return nil, notFoundErr(err)
	}
	v.DeletedAt = parseTime(deletedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		v.CreatedAt = *t
	}
	return &v, nil
}

const endpointColumns = `id, vendor_id, type, base_url, sort_order, enabled,
 probe, created_at, deleted_at`

// CreateEndpoint inserts a vendor endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error {
	probe, err := marshalJSON(e.Probe)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_endpoints (id, vendor_id, type, base_url, sort_order, enabled, probe, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.VendorID, string(e.Type), e.BaseURL, e.SortOrder,
		boolToInt(e.Enabled), probe, timeStr(e.CreatedAt))
	return err
}

// GetEndpoint retrieves an endpoint by ID.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*gateway.ProviderEndpoint, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM provider_endpoints
		 WHERE id = ? AND deleted_at IS NULL`, id)
	return scanEndpoint(row)
}

// ListEndpoints returns a vendor's endpoints in probe order.
func (s *Store) ListEndpoints(ctx context.Context, vendorID string) ([]*gateway.ProviderEndpoint, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM provider_endpoints
		 WHERE vendor_id = ? AND deleted_at IS NULL ORDER BY sort_order, id`, vendorID)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// ListAllEndpoints returns every live endpoint, for the prober sweep.
func (s *Store) ListAllEndpoints(ctx context.Context) ([]*gateway.ProviderEndpoint, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM provider_endpoints
		 WHERE deleted_at IS NULL ORDER BY vendor_id, sort_order`)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// UpdateEndpoint updates an endpoint's configuration.
func (s *Store) UpdateEndpoint(ctx context.Context, e *gateway.ProviderEndpoint) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_endpoints SET type = ?, base_url = ?, sort_order = ?, enabled = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		string(e.Type), e.BaseURL, e.SortOrder, boolToInt(e.Enabled), e.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "endpoint")
}

// UpdateEndpointProbe stores the latest probe snapshot.
func (s *Store) UpdateEndpointProbe(ctx context.Context, id string, probe gateway.ProbeState) error {
	p, err := marshalJSON(probe)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_endpoints SET probe = ? WHERE id = ? AND deleted_at IS NULL`,
		p, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "endpoint")
}

// DeleteEndpoint soft-deletes an endpoint.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_endpoints SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "endpoint")
}

func collectEndpoints(rows *sql.Rows) ([]*gateway.ProviderEndpoint, error) {
	defer rows.Close()
	var out []*gateway.ProviderEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEndpoint(sc scanner) (*gateway.ProviderEndpoint, error) {
	var e gateway.ProviderEndpoint
	var typ, createdAt string
	var probe, deletedAt sql.NullString
	var enabled int
	err := sc.Scan(&e.ID, &e.VendorID, &typ, &e.BaseURL, &e.SortOrder,
		&enabled, &probe, &createdAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	e.Type = gateway.ProviderType(typ)
	e.Enabled = enabled != 0
	if err := unmarshalJSON(probe, &e.Probe); err != nil {
		return nil, err
	}
	e.DeletedAt = parseTime(deletedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		e.CreatedAt = *t
	}
	return &e, nil
}
