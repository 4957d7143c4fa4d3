package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/keymux/keymux/internal"
)

const proxyKeyCols = `id, name, token, description, allowed_groups_blob,
	group_balance_policy, group_weights_blob, rpm_limit, enabled, usage_count,
	last_used_at, created_at`

// UpsertProxyKey inserts or replaces a proxy key row keyed by id.
func (s *Store) UpsertProxyKey(ctx context.Context, k *relay.ProxyKey) error {
	groups, err := marshalJSON(k.AllowedGroups)
	if err != nil {
		return err
	}
	weights, err := marshalJSON(k.GroupWeights)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO proxy_keys (id, name, token, description, allowed_groups_blob,
		 group_balance_policy, group_weights_blob, rpm_limit, enabled, usage_count,
		 last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 token = excluded.token,
		 description = excluded.description,
		 allowed_groups_blob = excluded.allowed_groups_blob,
		 group_balance_policy = excluded.group_balance_policy,
		 group_weights_blob = excluded.group_weights_blob,
		 rpm_limit = excluded.rpm_limit,
		 enabled = excluded.enabled`,
		k.ID, k.Name, k.Token, nullStr(k.Description), groups,
		string(k.GroupPolicy), weights, k.RPMLimit, boolToInt(k.Enabled), k.UsageCount,
		timeToStr(k.LastUsedAt), k.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetProxyKeyByToken retrieves a proxy key by its client-facing token.
func (s *Store) GetProxyKeyByToken(ctx context.Context, token string) (*relay.ProxyKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+proxyKeyCols+` FROM proxy_keys WHERE token = ?`, token)
	return scanProxyKey(row)
}

// ListProxyKeys returns all proxy keys.
func (s *Store) ListProxyKeys(ctx context.Context) ([]*relay.ProxyKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+proxyKeyCols+` FROM proxy_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*relay.ProxyKey
	for rows.Next() {
		k, err := scanProxyKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchProxyKey adds uses to usage_count and advances last_used_at.
func (s *Store) TouchProxyKey(ctx context.Context, id string, uses int64, at time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE proxy_keys SET usage_count = usage_count + ?, last_used_at = ? WHERE id = ?`,
		uses, at.UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanProxyKey(sc scanner) (*relay.ProxyKey, error) {
	var k relay.ProxyKey
	var description sql.NullString
	var groupsJSON, weightsJSON sql.NullString
	var policy string
	var enabled int
	var lastUsedAt, createdAt sql.NullString

	err := sc.Scan(
		&k.ID, &k.Name, &k.Token, &description, &groupsJSON,
		&policy, &weightsJSON, &k.RPMLimit, &enabled, &k.UsageCount,
		&lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Description = description.String
	k.GroupPolicy = relay.BalancePolicy(policy)
	k.Enabled = enabled != 0

	if k.AllowedGroups, err = unmarshalStringSlice(groupsJSON); err != nil {
		return nil, err
	}
	if k.GroupWeights, err = unmarshalIntMap(weightsJSON); err != nil {
		return nil, err
	}
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
