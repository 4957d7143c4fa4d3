// Package testutil provides configurable test doubles for relay interfaces.
package testutil

import (
	"context"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/storage"
)

// FlakyStore wraps a real storage.Store and fails selected operations on
// demand, for exercising degraded-storage paths without torturing SQLite.
type FlakyStore struct {
	storage.Store

	PingErr     error // returned by Ping when non-nil
	ListLogsErr error // returned by ListRequestLogs when non-nil
}

func (s *FlakyStore) Ping(ctx context.Context) error {
	if s.PingErr != nil {
		return s.PingErr
	}
	return s.Store.Ping(ctx)
}

func (s *FlakyStore) ListRequestLogs(ctx context.Context, offset, limit int) ([]*relay.RequestLog, error) {
	if s.ListLogsErr != nil {
		return nil, s.ListLogsErr
	}
	return s.Store.ListRequestLogs(ctx, offset, limit)
}
