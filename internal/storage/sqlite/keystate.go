package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/keymux/keymux/internal"
)

// UpsertKeyValidity writes a batch of validity records in one transaction,
// keyed by (group_id, api_key_hash). Last writer wins.
func (s *Store) UpsertKeyValidity(ctx context.Context, recs []relay.KeyValidity) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO key_validation (id, group_id, api_key_hash, provider_kind, is_valid,
		 error_count, last_error, last_status_code, last_validated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id, api_key_hash) DO UPDATE SET
		 is_valid = excluded.is_valid,
		 error_count = excluded.error_count,
		 last_error = excluded.last_error,
		 last_status_code = excluded.last_status_code,
		 last_validated_at = excluded.last_validated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.GroupID, r.KeyHash, string(r.Kind), boolToInt(r.Valid),
			r.ErrorCount, nullStr(r.LastError), r.LastStatusCode,
			r.LastValidatedAt.UTC().Format(time.RFC3339),
			r.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListKeyValidity returns every persisted validity record, used to hydrate
// the in-process key-state store at startup.
func (s *Store) ListKeyValidity(ctx context.Context) ([]relay.KeyValidity, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, group_id, api_key_hash, provider_kind, is_valid, error_count,
		 last_error, last_status_code, last_validated_at, created_at
		 FROM key_validation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.KeyValidity
	for rows.Next() {
		var r relay.KeyValidity
		var kind string
		var valid int
		var lastError sql.NullString
		var lastStatus sql.NullInt64
		var validatedAt, createdAt sql.NullString
		if err := rows.Scan(&r.ID, &r.GroupID, &r.KeyHash, &kind, &valid, &r.ErrorCount,
			&lastError, &lastStatus, &validatedAt, &createdAt); err != nil {
			return nil, err
		}
		r.Kind = relay.ProviderKind(kind)
		r.Valid = valid != 0
		r.LastError = lastError.String
		r.LastStatusCode = int(lastStatus.Int64)
		if t := parseTime(validatedAt); t != nil {
			r.LastValidatedAt = *t
		}
		if t := parseTime(createdAt); t != nil {
			r.CreatedAt = *t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertKeyUsage writes a batch of usage counters in one transaction. Counts
// are absolute values from the in-process store, not deltas.
func (s *Store) UpsertKeyUsage(ctx context.Context, recs []relay.KeyUsage) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO key_usage_stats (id, group_id, api_key_hash, usage_count,
		 last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id, api_key_hash) DO UPDATE SET
		 usage_count = excluded.usage_count,
		 last_used_at = excluded.last_used_at,
		 updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.GroupID, r.KeyHash, r.UsageCount,
			r.LastUsedAt.UTC().Format(time.RFC3339),
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.UpdatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListKeyUsage returns every persisted usage counter.
func (s *Store) ListKeyUsage(ctx context.Context) ([]relay.KeyUsage, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, group_id, api_key_hash, usage_count, last_used_at, created_at, updated_at
		 FROM key_usage_stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.KeyUsage
	for rows.Next() {
		var r relay.KeyUsage
		var lastUsedAt, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.GroupID, &r.KeyHash, &r.UsageCount,
			&lastUsedAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if t := parseTime(lastUsedAt); t != nil {
			r.LastUsedAt = *t
		}
		if t := parseTime(createdAt); t != nil {
			r.CreatedAt = *t
		}
		if t := parseTime(updatedAt); t != nil {
			r.UpdatedAt = *t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteKeyState removes validity and usage rows for a group. Called when a
// group is removed; per-key state is never deleted otherwise.
func (s *Store) DeleteKeyState(ctx context.Context, groupID string) error {
	if _, err := s.write.ExecContext(ctx,
		`DELETE FROM key_validation WHERE group_id = ?`, groupID); err != nil {
		return err
	}
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM key_usage_stats WHERE group_id = ?`, groupID)
	return err
}
