package worker

import (
	"context"
	"time"

	"github.com/keymux/keymux/internal/logpipe"
	"github.com/keymux/keymux/internal/telemetry"
)

const queueStatsInterval = 5 * time.Second

// QueueStatsWorker mirrors log-pipeline queue stats into Prometheus gauges.
// The pipeline itself stays metrics-free; this keeps the hot enqueue path
// from touching a registry.
type QueueStatsWorker struct {
	pipe     *logpipe.Pipeline
	metrics  *telemetry.Metrics
	interval time.Duration
}

// NewQueueStatsWorker creates a QueueStatsWorker.
func NewQueueStatsWorker(pipe *logpipe.Pipeline, metrics *telemetry.Metrics) *QueueStatsWorker {
	return &QueueStatsWorker{pipe: pipe, metrics: metrics, interval: queueStatsInterval}
}

// Name returns the worker identifier.
func (w *QueueStatsWorker) Name() string { return "queue_stats" }

// Run copies pipeline stats into gauges until ctx is cancelled.
func (w *QueueStatsWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.observe()
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *QueueStatsWorker) observe() {
	if w.metrics == nil {
		return
	}
	stats := w.pipe.Stats()
	w.metrics.LogQueueLength.Set(float64(stats.Pending))
	w.metrics.LogQueueDropped.Set(float64(stats.Dropped))
}
