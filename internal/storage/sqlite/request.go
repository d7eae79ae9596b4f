package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/storage"
)

const requestColumns = `id, provider_id, user_id, key_id, session_id,
 request_sequence, model, original_model, endpoint, api_type, status_code,
 duration_ms, ttfb_ms, input_tokens, output_tokens, cache_5m_tokens,
 cache_1h_tokens, cache_read_tokens, cache_ttl_applied, context_1m, cost_usd,
 cost_multiplier, provider_chain, blocked_by, blocked_reason, error_message,
 error_stack, user_agent, messages_count, special_settings, created_at`

// InsertRequests writes a batch of usage records in one transaction. The
// finaliser hands over batches; a single-row batch is the common case.
func (s *Store) InsertRequests(ctx context.Context, recs []*gateway.MessageRequest) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO message_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		chain, err := marshalJSON(r.ProviderChain)
		if err != nil {
			return err
		}
		var special sql.NullString
		if len(r.SpecialSettings) > 0 {
			if special, err = marshalJSON(r.SpecialSettings); err != nil {
				return err
			}
		}
		cost := r.CostUSD
		if cost == "" {
			cost = "0"
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		_, err = stmt.ExecContext(ctx,
			r.ID, nullStr(r.ProviderID), r.UserID, r.KeyID, nullStr(r.SessionID),
			r.RequestSequence, r.Model, nullStr(r.OriginalModel), nullStr(r.Endpoint),
			string(r.APIType), r.StatusCode, r.DurationMs, r.TTFBMs,
			r.Usage.InputTokens, r.Usage.OutputTokens,
			r.Usage.CacheCreation5mInputTokens, r.Usage.CacheCreation1hInputTokens,
			r.Usage.CacheReadInputTokens, nullStr(r.CacheTTLApplied),
			boolToInt(r.Context1M), cost, r.CostMultiplier, chain,
			nullStr(r.BlockedBy), nullStr(r.BlockedReason), nullStr(r.ErrorMessage),
			nullStr(r.ErrorStack), nullStr(r.UserAgent), r.MessagesCount,
			special, timeStr(r.CreatedAt),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRequest retrieves one usage record by ID.
func (s *Store) GetRequest(ctx context.Context, id string) (*gateway.MessageRequest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM message_requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns usage records matching the filter, newest first.
func (s *Store) ListRequests(ctx context.Context, f storage.RequestFilterSpec) ([]*gateway.MessageRequest, error) {
	where, args := requestWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM message_requests`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.MessageRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionRequestCount counts non-rejected requests in one session.
func (s *Store) SessionRequestCount(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_requests
		 WHERE session_id = ? AND request_sequence > 0`, sessionID).Scan(&n)
	return n, err
}

// SessionSequences returns the ordered sequence numbers recorded for a
// session, used by gap diagnostics.
func (s *Store) SessionSequences(ctx context.Context, sessionID string) ([]int64, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT request_sequence FROM message_requests
		 WHERE session_id = ? AND request_sequence > 0
		 ORDER BY request_sequence`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// SumUsage aggregates requests, tokens and spend for a filter. Cost is
// summed in decimal to keep the 15 dp contract.
func (s *Store) SumUsage(ctx context.Context, f storage.RequestFilterSpec) (*storage.UsageTotals, error) {
	where, args := requestWhere(f)
	rows, err := s.read.QueryContext(ctx,
		`SELECT input_tokens + cache_5m_tokens + cache_1h_tokens + cache_read_tokens,
		 output_tokens, cost_usd FROM message_requests`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := &storage.UsageTotals{}
	cost := decimal.Zero
	for rows.Next() {
		var in, out int64
		var costStr string
		if err := rows.Scan(&in, &out, &costStr); err != nil {
			return nil, err
		}
		totals.Requests++
		totals.InputTokens += in
		totals.OutputTokens += out
		if c, err := decimal.NewFromString(costStr); err == nil {
			cost = cost.Add(c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	totals.CostUSD = cost.String()
	return totals, nil
}

func requestWhere(f storage.RequestFilterSpec) (string, []any) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, timeStr(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, timeStr(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRequest(sc scanner) (*gateway.MessageRequest, error) {
	var r gateway.MessageRequest
	var providerID, sessionID, originalModel, endpoint sql.NullString
	var cacheTTL, chain, blockedBy, blockedReason sql.NullString
	var errMsg, errStack, userAgent, special sql.NullString
	var apiType, createdAt string
	var context1M int

	err := sc.Scan(&r.ID, &providerID, &r.UserID, &r.KeyID, &sessionID,
		&r.RequestSequence, &r.Model, &originalModel, &endpoint, &apiType,
		&r.StatusCode, &r.DurationMs, &r.TTFBMs,
		&r.Usage.InputTokens, &r.Usage.OutputTokens,
		&r.Usage.CacheCreation5mInputTokens, &r.Usage.CacheCreation1hInputTokens,
		&r.Usage.CacheReadInputTokens, &cacheTTL, &context1M, &r.CostUSD,
		&r.CostMultiplier, &chain, &blockedBy, &blockedReason, &errMsg,
		&errStack, &userAgent, &r.MessagesCount, &special, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.ProviderID = providerID.String
	r.SessionID = sessionID.String
	r.OriginalModel = originalModel.String
	r.Endpoint = endpoint.String
	r.APIType = gateway.Dialect(apiType)
	r.CacheTTLApplied = cacheTTL.String
	r.Context1M = context1M != 0
	r.BlockedBy = blockedBy.String
	r.BlockedReason = blockedReason.String
	r.ErrorMessage = errMsg.String
	r.ErrorStack = errStack.String
	r.UserAgent = userAgent.String
	if err := unmarshalJSON(chain, &r.ProviderChain); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(special, &r.SpecialSettings); err != nil {
		return nil, err
	}
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}
