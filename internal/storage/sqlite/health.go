package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	relay "github.com/keymux/keymux/internal"
)

// InsertHealthResults batch-inserts probe outcomes as a single multi-row INSERT.
func (s *Store) InsertHealthResults(ctx context.Context, recs []relay.HealthCheckResult) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 9
	placeholders := make([]string, len(recs))
	args := make([]any, 0, len(recs)*cols)

	for i, r := range recs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.GroupID, string(r.CheckType), r.Subject,
			boolToInt(r.Success), r.StatusCode, r.LatencyMs,
			nullStr(r.Error), r.CheckedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO health_check_results
		(id, group_id, check_type, subject, success, status_code, latency_ms, error, checked_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// UpsertHealthStats writes aggregated probe statistics keyed by
// (group_id, check_type, subject). Counters are absolute values computed by
// the rollup worker, not deltas.
func (s *Store) UpsertHealthStats(ctx context.Context, recs []relay.HealthCheckStats) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO health_check_stats
		 (id, group_id, check_type, subject, success_count, failure_count,
		  avg_latency_ms, consecutive_failures, last_success_at, last_failure_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (group_id, check_type, subject) DO UPDATE SET
		 success_count = excluded.success_count,
		 failure_count = excluded.failure_count,
		 avg_latency_ms = excluded.avg_latency_ms,
		 consecutive_failures = excluded.consecutive_failures,
		 last_success_at = excluded.last_success_at,
		 last_failure_at = excluded.last_failure_at,
		 updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.GroupID, string(r.CheckType), r.Subject,
			r.SuccessCount, r.FailureCount, r.AvgLatencyMs, r.ConsecutiveFailures,
			timeToStr(r.LastSuccessAt), timeToStr(r.LastFailureAt),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListHealthStats returns aggregated probe statistics, optionally filtered to
// one group. An empty groupID returns stats for all groups.
func (s *Store) ListHealthStats(ctx context.Context, groupID string) ([]relay.HealthCheckStats, error) {
	query := `SELECT id, group_id, check_type, subject, success_count, failure_count,
		 avg_latency_ms, consecutive_failures, last_success_at, last_failure_at, updated_at
		 FROM health_check_stats`
	var args []any
	if groupID != "" {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY group_id, check_type, subject`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.HealthCheckStats
	for rows.Next() {
		var r relay.HealthCheckStats
		var checkType string
		var lastSuccess, lastFailure, updatedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.GroupID, &checkType, &r.Subject,
			&r.SuccessCount, &r.FailureCount, &r.AvgLatencyMs, &r.ConsecutiveFailures,
			&lastSuccess, &lastFailure, &updatedAt); err != nil {
			return nil, err
		}
		r.CheckType = relay.CheckType(checkType)
		r.LastSuccessAt = parseTime(lastSuccess)
		r.LastFailureAt = parseTime(lastFailure)
		if t := parseTime(updatedAt); t != nil {
			r.UpdatedAt = *t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
