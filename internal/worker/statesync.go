package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/keymux/keymux/internal/keystate"
)

const (
	stateSyncInterval = 30 * time.Second
	stateDrainTime    = 10 * time.Second
	windowRetention   = 5 * time.Minute
)

// StateSyncWorker periodically flushes dirty key state to storage and evicts
// expired rate-limit windows. A final flush runs on shutdown so validity and
// usage counters survive restarts.
type StateSyncWorker struct {
	state    *keystate.Store
	interval time.Duration
}

// NewStateSyncWorker creates a StateSyncWorker. interval <= 0 uses the
// default.
func NewStateSyncWorker(state *keystate.Store, interval time.Duration) *StateSyncWorker {
	if interval <= 0 {
		interval = stateSyncInterval
	}
	return &StateSyncWorker{state: state, interval: interval}
}

// Name returns the worker identifier.
func (w *StateSyncWorker) Name() string { return "state_sync" }

// Run flushes on a fixed interval until ctx is cancelled, then performs one
// final flush on a detached deadline.
func (w *StateSyncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.state.Flush(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "key state flush failed",
					slog.String("error", err.Error()),
				)
			}
			if n := w.state.EvictStaleWindows(time.Now().Add(-windowRetention)); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "rate windows evicted",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), stateDrainTime)
			defer cancel()
			if err := w.state.Flush(drainCtx); err != nil {
				slog.LogAttrs(drainCtx, slog.LevelError, "final key state flush failed",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}
