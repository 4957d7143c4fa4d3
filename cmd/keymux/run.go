package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/dispatch"
	"github.com/keymux/keymux/internal/health"
	"github.com/keymux/keymux/internal/keystate"
	"github.com/keymux/keymux/internal/logpipe"
	"github.com/keymux/keymux/internal/server"
	"github.com/keymux/keymux/internal/snapshot"
	"github.com/keymux/keymux/internal/storage/sqlite"
	"github.com/keymux/keymux/internal/telemetry"
	"github.com/keymux/keymux/internal/upstream"
	"github.com/keymux/keymux/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting keymux", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Storage and config sync. The file is the source of truth; the
	// database keeps derived state across restarts.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	adminKey := cfg.Auth.AdminKey
	if adminKey == "" {
		adminKey = config.GenerateAdminKey()
		// Printed exactly once; set auth.admin_key to make it stable.
		slog.Warn("generated ephemeral admin key", "admin_key", adminKey)
	}

	// Routing snapshot and learnt key state.
	snapshots := snapshot.New(store)
	if err := snapshots.Rebuild(ctx); err != nil {
		return err
	}
	state := keystate.New(store)
	if err := state.Hydrate(ctx); err != nil {
		return err
	}

	// Telemetry.
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Error("tracing shutdown", "error", err)
			}
		}()
	}

	// Upstream HTTP clients. The scanner gets its own pool so probe traffic
	// never competes for dispatch connections.
	resolver := &dnscache.Resolver{}
	dispatchPool, err := upstream.NewClientPool(resolver)
	if err != nil {
		return err
	}
	scanPool, err := upstream.NewClientPool(resolver)
	if err != nil {
		return err
	}

	// Log pipeline and dispatcher.
	pipe := logpipe.New(store, logpipe.Options{
		QueueSize:     cfg.Logging.QueueSize,
		BatchSize:     cfg.Logging.BatchSize,
		FlushInterval: cfg.Logging.FlushInterval,
		MaxRetries:    cfg.Logging.MaxRetries,
	})
	dispatcher := dispatch.New(snapshots, state, dispatchPool, pipe, dispatch.Options{
		BodyCapBytes: cfg.Logging.BodyCapBytes,
		Metrics:      metrics,
	})

	var scanner *health.Scanner
	if cfg.Health.IsEnabled() {
		scanner = health.New(snapshots, state, store, scanPool, health.Options{
			Interval:    cfg.Health.Interval,
			Concurrency: cfg.Health.Concurrency,
			Timeout:     cfg.Health.Timeout,
			Metrics:     metrics,
		})
	}

	// Background workers.
	workers := []worker.Worker{
		pipe,
		worker.NewStateSyncWorker(state, 0),
		worker.NewDNSCacheWorker(resolver, 0),
	}
	if scanner != nil {
		workers = append(workers, scanner)
	}
	if metrics != nil {
		workers = append(workers, worker.NewQueueStatsWorker(pipe, metrics))
	}
	runner := worker.NewRunner(workers...)

	// Reload re-reads the file and republishes the snapshot; in-flight
	// requests keep the view they started with.
	reload := func(ctx context.Context) error {
		fresh, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := config.Bootstrap(ctx, fresh, store); err != nil {
			return err
		}
		return snapshots.Rebuild(ctx)
	}

	handler := server.New(server.Deps{
		Snapshots:  snapshots,
		Dispatcher: dispatcher,
		State:      state,
		Scanner:    scanner,
		Pipeline:   pipe,
		Store:      store,
		Metrics:    metrics,
		Gatherer:   gatherer,
		AdminKey:   adminKey,
		Reload:     reload,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays at the configured value; zero means unlimited,
		// which long-lived SSE streams require.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("keymux ready", "addr", cfg.Server.Addr,
		"groups", len(snapshots.Current().Groups()),
		"health_scanner", scanner != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	case err := <-workersDone:
		return err
	}

	// Drain order: stop accepting HTTP, then stop workers so the pipeline
	// flushes every log the in-flight requests produced, then close storage
	// (deferred above).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	stopWorkers()
	select {
	case err := <-workersDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker shutdown", "error", err)
		}
	case <-time.After(cfg.Server.ShutdownTimeout):
		slog.Error("worker shutdown timed out")
	}

	slog.Info("keymux stopped")
	return nil
}
