package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/storage"
)

// Bootstrap syncs the config file into the database. The file is the source
// of truth for group and proxy-key configuration; the database keeps the
// derived state (usage counters, validation history) across restarts.
//
// Groups present in the database but absent from the config are tombstoned
// and their key state purged; proxy keys absent from the config are disabled.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	now := time.Now().UTC()

	inConfig := make(map[string]bool, len(cfg.Groups))
	for _, e := range cfg.Groups {
		g, err := e.group(cfg.Defaults, now)
		if err != nil {
			return fmt.Errorf("group %q: %w", e.Name, err)
		}
		if err := store.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("upsert group %q: %w", g.ID, err)
		}
		inConfig[g.ID] = true
	}

	existing, err := store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range existing {
		if inConfig[g.ID] || g.Deleted {
			continue
		}
		if err := store.MarkGroupDeleted(ctx, g.ID); err != nil {
			return fmt.Errorf("tombstone group %q: %w", g.ID, err)
		}
		if err := store.DeleteKeyState(ctx, g.ID); err != nil {
			return fmt.Errorf("purge key state for %q: %w", g.ID, err)
		}
		slog.Info("removed group", "group", g.ID)
	}

	keys, err := store.ListProxyKeys(ctx)
	if err != nil {
		return err
	}
	byToken := make(map[string]*relay.ProxyKey, len(keys))
	for _, k := range keys {
		byToken[k.Token] = k
	}

	seen := make(map[string]bool, len(cfg.ProxyKeys))
	for _, e := range cfg.ProxyKeys {
		pk := e.proxyKey(now)
		// Reuse the stored identity so usage counters survive restarts.
		if prev, ok := byToken[pk.Token]; ok {
			pk.ID = prev.ID
		}
		if err := store.UpsertProxyKey(ctx, pk); err != nil {
			return fmt.Errorf("upsert proxy key %q: %w", pk.Name, err)
		}
		seen[pk.Token] = true
	}
	for _, k := range keys {
		if seen[k.Token] || !k.Enabled {
			continue
		}
		k.Enabled = false
		if err := store.UpsertProxyKey(ctx, k); err != nil {
			return fmt.Errorf("disable proxy key %q: %w", k.Name, err)
		}
		slog.Info("disabled proxy key removed from config", "name", k.Name)
	}

	return nil
}

func (e GroupEntry) group(d GroupDefaults, now time.Time) (*relay.Group, error) {
	retry := d.RetryCount
	if e.RetryCount != nil {
		retry = *e.RetryCount
	}
	connectTO := e.ConnectTimeout
	if connectTO <= 0 {
		connectTO = d.ConnectTimeout
	}
	responseTO := e.ResponseTimeout
	if responseTO <= 0 {
		responseTO = d.ResponseTimeout
	}
	rpm := d.RPMLimit
	if e.RPMLimit != nil {
		rpm = *e.RPMLimit
	}

	var overrides json.RawMessage
	if e.ParamOverrides != nil {
		raw, err := json.Marshal(e.ParamOverrides)
		if err != nil {
			return nil, fmt.Errorf("param_overrides: %w", err)
		}
		overrides = raw
	}

	g := &relay.Group{
		ID:              e.Name,
		Name:            e.Name,
		Kind:            relay.ProviderKind(e.Kind),
		BaseURL:         e.BaseURL,
		APIKeys:         e.APIKeys,
		Models:          e.Models,
		Aliases:         e.Aliases,
		ParamOverrides:  overrides,
		Headers:         e.Headers,
		BalancePolicy:   e.ResolvedPolicy(),
		RetryCount:      retry,
		ConnectTimeout:  connectTO,
		ResponseTimeout: responseTO,
		RPMLimit:        rpm,
		TestModel:       e.TestModel,
		Priority:        e.Priority,
		Enabled:         e.IsEnabled(),
		FakeStreaming:   e.FakeStreaming,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if e.Proxy != nil {
		g.ProxyEnabled = true
		g.Proxy = &relay.ProxyConfig{URL: e.Proxy.URL}
	}
	return g, nil
}

func (e ProxyKeyEntry) proxyKey(now time.Time) *relay.ProxyKey {
	return &relay.ProxyKey{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Name:          e.Name,
		Token:         e.Token,
		Description:   e.Description,
		AllowedGroups: e.AllowedGroups,
		GroupPolicy:   e.ResolvedPolicy(),
		GroupWeights:  e.GroupWeights,
		RPMLimit:      e.RPMLimit,
		Enabled:       e.IsEnabled(),
		CreatedAt:     now,
	}
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return relay.TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
