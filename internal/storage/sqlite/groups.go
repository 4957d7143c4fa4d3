package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	relay "github.com/keymux/keymux/internal"
)

// UpsertGroup inserts or replaces a group row keyed by id.
func (s *Store) UpsertGroup(ctx context.Context, g *relay.Group) error {
	keys, err := marshalJSON(g.APIKeys)
	if err != nil {
		return err
	}
	models, err := marshalJSON(g.Models)
	if err != nil {
		return err
	}
	aliases, err := marshalJSON(g.Aliases)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(g.Headers)
	if err != nil {
		return err
	}
	proxyCfg, err := marshalJSON(g.Proxy)
	if err != nil {
		return err
	}
	overrides := sql.NullString{}
	if len(g.ParamOverrides) > 0 {
		overrides = sql.NullString{String: string(g.ParamOverrides), Valid: true}
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO groups (id, name, provider_kind, base_url, api_keys_blob, models_blob,
		 aliases_blob, param_overrides_blob, headers_blob, balance_policy, retry_count,
		 connect_timeout_s, response_timeout_s, rpm_limit, test_model, priority, enabled,
		 proxy_enabled, proxy_config_blob, fake_streaming, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 provider_kind = excluded.provider_kind,
		 base_url = excluded.base_url,
		 api_keys_blob = excluded.api_keys_blob,
		 models_blob = excluded.models_blob,
		 aliases_blob = excluded.aliases_blob,
		 param_overrides_blob = excluded.param_overrides_blob,
		 headers_blob = excluded.headers_blob,
		 balance_policy = excluded.balance_policy,
		 retry_count = excluded.retry_count,
		 connect_timeout_s = excluded.connect_timeout_s,
		 response_timeout_s = excluded.response_timeout_s,
		 rpm_limit = excluded.rpm_limit,
		 test_model = excluded.test_model,
		 priority = excluded.priority,
		 enabled = excluded.enabled,
		 proxy_enabled = excluded.proxy_enabled,
		 proxy_config_blob = excluded.proxy_config_blob,
		 fake_streaming = excluded.fake_streaming,
		 deleted = excluded.deleted,
		 updated_at = excluded.updated_at`,
		g.ID, g.Name, string(g.Kind), g.BaseURL, keys, models,
		aliases, overrides, headers, string(g.BalancePolicy), g.RetryCount,
		int(g.ConnectTimeout.Seconds()), int(g.ResponseTimeout.Seconds()),
		g.RPMLimit, nullStr(g.TestModel), g.Priority, boolToInt(g.Enabled),
		boolToInt(g.ProxyEnabled), proxyCfg, boolToInt(g.FakeStreaming), boolToInt(g.Deleted),
		g.CreatedAt.UTC().Format(time.RFC3339), g.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const groupCols = `id, name, provider_kind, base_url, api_keys_blob, models_blob,
	aliases_blob, param_overrides_blob, headers_blob, balance_policy, retry_count,
	connect_timeout_s, response_timeout_s, rpm_limit, test_model, priority, enabled,
	proxy_enabled, proxy_config_blob, fake_streaming, deleted, created_at, updated_at`

// GetGroup retrieves a group by id, including soft-deleted rows.
func (s *Store) GetGroup(ctx context.Context, id string) (*relay.Group, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+groupCols+` FROM groups WHERE id = ?`, id)
	return scanGroup(row)
}

// ListGroups returns all groups ordered by priority then id. Soft-deleted rows
// are included; the snapshot layer filters them.
func (s *Store) ListGroups(ctx context.Context) ([]*relay.Group, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+groupCols+` FROM groups ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*relay.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// MarkGroupDeleted sets the soft-delete tombstone.
func (s *Store) MarkGroupDeleted(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE groups SET deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "group")
}

func scanGroup(sc scanner) (*relay.Group, error) {
	var g relay.Group
	var kind, policy string
	var keysJSON, modelsJSON, aliasesJSON, overridesJSON, headersJSON, proxyJSON sql.NullString
	var testModel sql.NullString
	var connectS, responseS int64
	var enabled, proxyEnabled, fakeStreaming, deleted int
	var createdAt, updatedAt sql.NullString

	err := sc.Scan(
		&g.ID, &g.Name, &kind, &g.BaseURL, &keysJSON, &modelsJSON,
		&aliasesJSON, &overridesJSON, &headersJSON, &policy, &g.RetryCount,
		&connectS, &responseS, &g.RPMLimit, &testModel, &g.Priority, &enabled,
		&proxyEnabled, &proxyJSON, &fakeStreaming, &deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	g.Kind = relay.ProviderKind(kind)
	g.BalancePolicy = relay.BalancePolicy(policy)
	g.ConnectTimeout = time.Duration(connectS) * time.Second
	g.ResponseTimeout = time.Duration(responseS) * time.Second
	g.TestModel = testModel.String
	g.Enabled = enabled != 0
	g.ProxyEnabled = proxyEnabled != 0
	g.FakeStreaming = fakeStreaming != 0
	g.Deleted = deleted != 0

	if g.APIKeys, err = unmarshalStringSlice(keysJSON); err != nil {
		return nil, err
	}
	if g.Models, err = unmarshalStringSlice(modelsJSON); err != nil {
		return nil, err
	}
	if g.Aliases, err = unmarshalStringMap(aliasesJSON); err != nil {
		return nil, err
	}
	if g.Headers, err = unmarshalStringMap(headersJSON); err != nil {
		return nil, err
	}
	if overridesJSON.Valid {
		g.ParamOverrides = json.RawMessage(overridesJSON.String)
	}
	if proxyJSON.Valid {
		var pc relay.ProxyConfig
		if err := json.Unmarshal([]byte(proxyJSON.String), &pc); err != nil {
			return nil, fmt.Errorf("unmarshal proxy config: %w", err)
		}
		g.Proxy = &pc
	}
	if t := parseTime(createdAt); t != nil {
		g.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		g.UpdatedAt = *t
	}
	return &g, nil
}

// --- shared scan helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to relay.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return relay.ErrNotFound
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]int:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case *relay.ProxyConfig:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func unmarshalStringMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal string map: %w", err)
	}
	return m, nil
}

func unmarshalIntMap(ns sql.NullString) (map[string]int, error) {
	if !ns.Valid {
		return nil, nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal int map: %w", err)
	}
	return m, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, relay.ErrNotFound)
	}
	return nil
}
