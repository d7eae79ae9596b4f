package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

const keyColumns = `id, user_id, name, key_hash, key_prefix, provider_group,
 quotas, cache_ttl, can_login_web_ui, allowed_clients, enabled, expires_at,
 last_used_at, created_at, deleted_at`

// CreateKey inserts a new API key. Only the hash of the credential is
// stored.
func (s *Store) CreateKey(ctx context.Context, k *gateway.Key) error {
	quotas, err := marshalJSON(k.Quotas)
	if err != nil {
		return err
	}
	clients, err := marshalJSON(k.AllowedClients)
	if err != nil {
		return err
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO keys (id, user_id, name, key_hash, key_prefix, provider_group,
		 quotas, cache_ttl, can_login_web_ui, allowed_clients, enabled, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Name, k.KeyHash, k.KeyPrefix, nullStr(k.ProviderGroup),
		quotas, nullStr(k.CacheTTL), boolToInt(k.CanLoginWebUI), clients,
		boolToInt(k.Enabled), timeToStr(k.ExpiresAt), timeStr(k.CreatedAt),
	)
	return err
}

// GetKey retrieves a key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.Key, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE id = ? AND deleted_at IS NULL`, id)
	return scanApiKey(row)
}

// GetKeyByHash retrieves a key by its SHA-256 hash. This is the auth
// hot path; it is served by the partial unique index on key_hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.Key, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE key_hash = ? AND deleted_at IS NULL`, hash)
	return scanApiKey(row)
}

// ListKeys returns a user's keys, newest first.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*gateway.Key, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Key
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKey updates a key's mutable fields. The hash is immutable.
func (s *Store) UpdateKey(ctx context.Context, k *gateway.Key) error {
	quotas, err := marshalJSON(k.Quotas)
	if err != nil {
		return err
	}
	clients, err := marshalJSON(k.AllowedClients)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE keys SET name = ?, provider_group = ?, quotas = ?, cache_ttl = ?,
		 can_login_web_ui = ?, allowed_clients = ?, enabled = ?, expires_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		k.Name, nullStr(k.ProviderGroup), quotas, nullStr(k.CacheTTL),
		boolToInt(k.CanLoginWebUI), clients, boolToInt(k.Enabled),
		timeToStr(k.ExpiresAt), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "key")
}

// DeleteKey soft-deletes a key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE keys SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "key")
}

// TouchKeyUsed stamps the key's last use. Fired asynchronously on auth,
// so a missing row is not an error.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE keys SET last_used_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	return err
}

func scanApiKey(sc scanner) (*gateway.Key, error) {
	var k gateway.Key
	var group, quotas, cacheTTL, clients sql.NullString
	var expiresAt, lastUsedAt, deletedAt sql.NullString
	var createdAt string
	var webUI, enabled int

	err := sc.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &group,
		&quotas, &cacheTTL, &webUI, &clients, &enabled, &expiresAt,
		&lastUsedAt, &createdAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.ProviderGroup = group.String
	k.CacheTTL = cacheTTL.String
	k.CanLoginWebUI = webUI != 0
	k.Enabled = enabled != 0
	if err := unmarshalJSON(quotas, &k.Quotas); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(clients, &k.AllowedClients); err != nil {
		return nil, err
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	k.DeletedAt = parseTime(deletedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
