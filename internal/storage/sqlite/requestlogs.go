package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	relay "github.com/keymux/keymux/internal"
)

// InsertRequestLogs batch-inserts the arrival half of request logs.
// A single multi-row INSERT avoids N round-trips for large batches.
func (s *Store) InsertRequestLogs(ctx context.Context, recs []relay.RequestLog) error {
	if len(recs) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 16
	placeholders := make([]string, len(recs))
	args := make([]any, 0, len(recs)*cols)

	for i, r := range recs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, nullStr(r.ProxyKeyID), nullStr(r.GroupID),
			string(r.Kind), r.Model, r.Method, r.Endpoint,
			nullStr(r.RequestBody), nullStr(r.RequestHeaders), boolToInt(r.Truncated),
			nullStr(r.ClientIP), nullStr(r.UserAgent),
			boolToInt(r.HasTools), boolToInt(r.IsStreaming),
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO request_logs
		(id, request_id, proxy_key_id, group_id, provider_kind, model, method, endpoint,
		 request_body, request_headers, content_truncated, client_ip, user_agent,
		 has_tools, is_streaming, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// UpdateRequestLogs applies completion records to previously inserted rows,
// correlated by request_id. Updates whose Insert was dropped match zero rows
// and are silently skipped.
func (s *Store) UpdateRequestLogs(ctx context.Context, recs []relay.RequestLogUpdate) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE request_logs SET
		 group_id = ?, model = ?, status_code = ?, duration_ms = ?,
		 prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
		 response_body = ?, response_headers = ?,
		 content_truncated = content_truncated | ?, error_message = ?
		 WHERE request_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			nullStr(r.GroupID), r.Model, r.StatusCode, r.DurationMs,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			nullStr(r.ResponseBody), nullStr(r.ResponseHeaders),
			boolToInt(r.Truncated), nullStr(r.ErrorMessage),
			r.RequestID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRequestLogs returns recent request logs, newest first.
func (s *Store) ListRequestLogs(ctx context.Context, offset, limit int) ([]*relay.RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_id, proxy_key_id, group_id, provider_kind, model, method,
		 endpoint, request_body, request_headers, content_truncated, client_ip,
		 user_agent, has_tools, is_streaming, created_at
		 FROM request_logs ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.RequestLog
	for rows.Next() {
		var r relay.RequestLog
		var kind string
		var proxyKeyID, groupID, body, headers, clientIP, userAgent sql.NullString
		var truncated, hasTools, isStreaming int
		var createdAt sql.NullString
		if err := rows.Scan(&r.ID, &r.RequestID, &proxyKeyID, &groupID, &kind, &r.Model,
			&r.Method, &r.Endpoint, &body, &headers, &truncated, &clientIP,
			&userAgent, &hasTools, &isStreaming, &createdAt); err != nil {
			return nil, err
		}
		r.Kind = relay.ProviderKind(kind)
		r.ProxyKeyID = proxyKeyID.String
		r.GroupID = groupID.String
		r.RequestBody = body.String
		r.RequestHeaders = headers.String
		r.ClientIP = clientIP.String
		r.UserAgent = userAgent.String
		r.Truncated = truncated != 0
		r.HasTools = hasTools != 0
		r.IsStreaming = isStreaming != 0
		if t := parseTime(createdAt); t != nil {
			r.CreatedAt = *t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
