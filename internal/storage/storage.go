// Package storage defines persistence interfaces for the relay.
package storage

import (
	"context"
	"time"

	relay "github.com/keymux/keymux/internal"
)

// GroupStore manages group configuration persistence.
type GroupStore interface {
	UpsertGroup(ctx context.Context, g *relay.Group) error
	GetGroup(ctx context.Context, id string) (*relay.Group, error)
	ListGroups(ctx context.Context) ([]*relay.Group, error)
	MarkGroupDeleted(ctx context.Context, id string) error
}

// ProxyKeyStore manages proxy key persistence.
type ProxyKeyStore interface {
	UpsertProxyKey(ctx context.Context, k *relay.ProxyKey) error
	GetProxyKeyByToken(ctx context.Context, token string) (*relay.ProxyKey, error)
	ListProxyKeys(ctx context.Context) ([]*relay.ProxyKey, error)
	// TouchProxyKey bumps usage_count and last_used_at off the hot path.
	TouchProxyKey(ctx context.Context, id string, uses int64, at time.Time) error
}

// KeyStateStore persists learnt key validity and usage counters so they
// survive restarts.
type KeyStateStore interface {
	UpsertKeyValidity(ctx context.Context, recs []relay.KeyValidity) error
	ListKeyValidity(ctx context.Context) ([]relay.KeyValidity, error)
	UpsertKeyUsage(ctx context.Context, recs []relay.KeyUsage) error
	ListKeyUsage(ctx context.Context) ([]relay.KeyUsage, error)
	DeleteKeyState(ctx context.Context, groupID string) error
}

// RequestLogStore persists two-phase request logs.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, recs []relay.RequestLog) error
	UpdateRequestLogs(ctx context.Context, recs []relay.RequestLogUpdate) error
	ListRequestLogs(ctx context.Context, offset, limit int) ([]*relay.RequestLog, error)
}

// HealthStore persists health probe observations and rollups.
type HealthStore interface {
	InsertHealthResults(ctx context.Context, recs []relay.HealthCheckResult) error
	UpsertHealthStats(ctx context.Context, recs []relay.HealthCheckStats) error
	ListHealthStats(ctx context.Context, groupID string) ([]relay.HealthCheckStats, error)
}

// Store combines all storage interfaces.
type Store interface {
	GroupStore
	ProxyKeyStore
	KeyStateStore
	RequestLogStore
	HealthStore
	Ping(ctx context.Context) error
	Close() error
}
