package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

const userColumns = `id, name, role, provider_group, quotas, daily_reset_mode,
 daily_reset_time, allowed_clients, allowed_models, enabled, expires_at,
 created_at, deleted_at`

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	quotas, err := marshalJSON(u.Quotas)
	if err != nil {
		return err
	}
	clients, err := marshalJSON(u.AllowedClients)
	if err != nil {
		return err
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	role := u.Role
	if role == "" {
		role = "user"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, name, role, provider_group, quotas, daily_reset_mode,
		 daily_reset_time, allowed_clients, allowed_models, enabled, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, role, nullStr(u.ProviderGroup), quotas,
		nullStr(string(u.DailyResetMode)), nullStr(u.DailyResetTime),
		clients, models, boolToInt(u.Enabled), timeToStr(u.ExpiresAt), timeStr(u.CreatedAt),
	)
	return err
}

// GetUser retrieves a user by ID. Soft-deleted users are not found.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ? AND deleted_at IS NULL`, id)
	return scanUser(row)
}

// ListUsers returns users ordered by creation time, newest first.
func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUser updates an existing user.
func (s *Store) UpdateUser(ctx context.Context, u *gateway.User) error {
	quotas, err := marshalJSON(u.Quotas)
	if err != nil {
		return err
	}
	clients, err := marshalJSON(u.AllowedClients)
	if err != nil {
		return err
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET name = ?, role = ?, provider_group = ?, quotas = ?,
		 daily_reset_mode = ?, daily_reset_time = ?, allowed_clients = ?,
		 allowed_models = ?, enabled = ?, expires_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		u.Name, u.Role, nullStr(u.ProviderGroup), quotas,
		nullStr(string(u.DailyResetMode)), nullStr(u.DailyResetTime),
		clients, models, boolToInt(u.Enabled), timeToStr(u.ExpiresAt), u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

// DeleteUser soft-deletes a user.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

func scanUser(sc scanner) (*gateway.User, error) {
	var u gateway.User
	var group, resetMode, resetTime sql.NullString
	var quotas, clients, models sql.NullString
	var expiresAt, deletedAt sql.NullString
	var createdAt string
	var enabled int

	err := sc.Scan(&u.ID, &u.Name, &u.Role, &group, &quotas, &resetMode,
		&resetTime, &clients, &models, &enabled, &expiresAt, &createdAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.ProviderGroup = group.String
	u.DailyResetMode = gateway.DailyResetMode(resetMode.String)
	u.DailyResetTime = resetTime.String
	u.Enabled = enabled != 0
	if err := unmarshalJSON(quotas, &u.Quotas); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(clients, &u.AllowedClients); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(models, &u.AllowedModels); err != nil {
		return nil, err
	}
	u.ExpiresAt = parseTime(expiresAt)
	u.DeletedAt = parseTime(deletedAt)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}
