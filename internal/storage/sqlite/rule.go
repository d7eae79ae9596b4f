package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

// CreateSensitiveWord inserts a sensitive word rule.
func (s *Store) CreateSensitiveWord(ctx context.Context, w *gateway.SensitiveWord) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	match := w.Match
	if match == "" {
		match = gateway.MatchContains
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sensitive_words (id, pattern, match_type, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.Pattern, string(match), boolToInt(w.Enabled), timeStr(w.CreatedAt))
	return err
}

// ListSensitiveWords returns all live sensitive word rules.
func (s *Store) ListSensitiveWords(ctx context.Context) ([]*gateway.SensitiveWord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, pattern, match_type, enabled, created_at FROM sensitive_words
		 WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.SensitiveWord
	for rows.Next() {
		var w gateway.SensitiveWord
		var match, createdAt string
		var enabled int
		if err := rows.Scan(&w.ID, &w.Pattern, &match, &enabled, &createdAt); err != nil {
			return nil, err
		}
		w.Match = gateway.MatchType(match)
		w.Enabled = enabled != 0
		if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
			w.CreatedAt = *t
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// DeleteSensitiveWord soft-deletes a sensitive word rule.
func (s *Store) DeleteSensitiveWord(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE sensitive_words SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "sensitive word")
}

// CreateErrorRule inserts an upstream error rule.
func (s *Store) CreateErrorRule(ctx context.Context, r *gateway.ErrorRule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	match := r.Match
	if match == "" {
		match = gateway.MatchContains
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO error_rules (id, pattern, match_type, category, override_body,
		 override_status, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Pattern, string(match), r.Category, nullStr(r.OverrideBody),
		r.OverrideStatus, boolToInt(r.Enabled), timeStr(r.CreatedAt))
	return err
}

// ListErrorRules returns all live error rules.
func (s *Store) ListErrorRules(ctx context.Context) ([]*gateway.ErrorRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, pattern, match_type, category, override_body, override_status,
		 enabled, created_at FROM error_rules WHERE deleted_at IS NULL
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ErrorRule
	for rows.Next() {
		var r gateway.ErrorRule
		var match, createdAt string
		var overrideBody sql.NullString
		var enabled int
		err := rows.Scan(&r.ID, &r.Pattern, &match, &r.Category, &overrideBody,
			&r.OverrideStatus, &enabled, &createdAt)
		if err != nil {
			return nil, err
		}
		r.Match = gateway.MatchType(match)
		r.OverrideBody = overrideBody.String
		r.Enabled = enabled != 0
		if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
			r.CreatedAt = *t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteErrorRule soft-deletes an error rule.
func (s *Store) DeleteErrorRule(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE error_rules SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "error rule")
}

// CreateRequestFilter inserts a request filter rule.
func (s *Store) CreateRequestFilter(ctx context.Context, f *gateway.RequestFilter) error {
	providers, err := marshalJSON(f.Providers)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(f.Groups)
	if err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	var extra sql.NullString
	if len(f.Extra) > 0 {
		extra = sql.NullString{String: string(f.Extra), Valid: true}
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO request_filters (id, priority, scope, action, target, value,
		 providers, group_tags, enabled, extra, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Priority, f.Scope, f.Action, f.Target, nullStr(f.Value),
		providers, groups, boolToInt(f.Enabled), extra, timeStr(f.CreatedAt))
	return err
}

// ListRequestFilters returns all live request filters in priority order.
func (s *Store) ListRequestFilters(ctx context.Context) ([]*gateway.RequestFilter, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, priority, scope, action, target, value, providers, group_tags,
		 enabled, extra, created_at FROM request_filters
		 WHERE deleted_at IS NULL ORDER BY priority, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.RequestFilter
	for rows.Next() {
		var f gateway.RequestFilter
		var value, providers, groups, extra sql.NullString
		var createdAt string
		var enabled int
		err := rows.Scan(&f.ID, &f.Priority, &f.Scope, &f.Action, &f.Target,
			&value, &providers, &groups, &enabled, &extra, &createdAt)
		if err != nil {
			return nil, err
		}
		f.Value = value.String
		f.Enabled = enabled != 0
		if err := unmarshalJSON(providers, &f.Providers); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(groups, &f.Groups); err != nil {
			return nil, err
		}
		if extra.Valid {
			f.Extra = []byte(extra.String)
		}
		if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
			f.CreatedAt = *t
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// UpdateRequestFilter updates a filter rule.
func (s *Store) UpdateRequestFilter(ctx context.Context, f *gateway.RequestFilter) error {
	providers, err := marshalJSON(f.Providers)
	if err != nil {
		return err
	}
	groups, err := marshalJSON(f.Groups)
	if err != nil {
		return err
	}
	var extra sql.NullString
	if len(f.Extra) > 0 {
		extra = sql.NullString{String: string(f.Extra), Valid: true}
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE request_filters SET priority = ?, scope = ?, action = ?, target = ?,
		 value = ?, providers = ?, group_tags = ?, enabled = ?, extra = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		f.Priority, f.Scope, f.Action, f.Target, nullStr(f.Value),
		providers, groups, boolToInt(f.Enabled), extra, f.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "request filter")
}

// DeleteRequestFilter soft-deletes a filter rule.
func (s *Store) DeleteRequestFilter(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE request_filters SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		timeStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "request filter")
}
