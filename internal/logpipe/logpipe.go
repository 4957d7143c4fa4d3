// Package logpipe buffers request-log events and batch-flushes them to
// storage.
//
// The pipeline never blocks the request path: enqueueing on a full channel
// drops the event and counts the drop. Insert and Update events for the same
// request travel through one FIFO channel, so their storage order matches
// their arrival order.
package logpipe

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	relay "github.com/keymux/keymux/internal"
)

const drainTime = 30 * time.Second

// Store is the persistence interface consumed by the pipeline.
type Store interface {
	InsertRequestLogs(ctx context.Context, recs []relay.RequestLog) error
	UpdateRequestLogs(ctx context.Context, recs []relay.RequestLogUpdate) error
}

// event carries either an insert or an update, never both.
type event struct {
	insert *relay.RequestLog
	update *relay.RequestLogUpdate
}

// Options tunes the pipeline. Zero values fall back to sensible defaults.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Pipeline is the buffered request-log writer.
type Pipeline struct {
	ch    chan event
	store Store
	opts  Options

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	flushes   atomic.Int64
	flushUs   atomic.Int64 // cumulative flush latency, microseconds
	lastAt    atomic.Int64 // unix nanos of last successful flush
	healthy   atomic.Bool
}

// New creates a Pipeline writing to store.
func New(store Store, opts Options) *Pipeline {
	p := &Pipeline{
		ch:    make(chan event, opts.withDefaults().QueueSize),
		store: store,
		opts:  opts.withDefaults(),
	}
	p.healthy.Store(true)
	return p
}

// Insert enqueues the arrival half of a request log. Never blocks.
func (p *Pipeline) Insert(rec relay.RequestLog) {
	p.enqueue(event{insert: &rec})
}

// Update enqueues the completion half of a request log. Never blocks.
// An Update whose Insert was dropped matches no row and writes nothing.
func (p *Pipeline) Update(rec relay.RequestLogUpdate) {
	p.enqueue(event{update: &rec})
}

func (p *Pipeline) enqueue(ev event) {
	select {
	case p.ch <- ev:
	default:
		p.dropped.Add(1)
		slog.Warn("request log dropped, queue full")
	}
}

// Name returns the worker identifier.
func (p *Pipeline) Name() string { return "log_pipeline" }

// Stats reports pipeline health for the admin surface.
func (p *Pipeline) Stats() relay.PipelineStats {
	s := relay.PipelineStats{
		Pending:   len(p.ch),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Healthy:   p.healthy.Load(),
	}
	if n := p.flushes.Load(); n > 0 {
		s.AvgMs = float64(p.flushUs.Load()) / float64(n) / 1000
	}
	if at := p.lastAt.Load(); at > 0 {
		s.LastAt = time.Unix(0, at)
	}
	return s
}

// Run processes events until ctx is cancelled, then drains the queue.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	buf := make([]event, 0, p.opts.BatchSize)

	for {
		select {
		case ev := <-p.ch:
			buf = append(buf, ev)
			if len(buf) >= p.opts.BatchSize {
				p.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				p.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			p.drain(buf)
			return nil
		}
	}
}

func (p *Pipeline) drain(buf []event) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case ev := <-p.ch:
			buf = append(buf, ev)
			if len(buf) >= p.opts.BatchSize {
				p.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				p.flush(ctx, buf)
			}
			return
		}
	}
}

// flush splits the batch into inserts and updates and writes inserts first,
// which preserves insert-before-update order for pairs in the same batch.
func (p *Pipeline) flush(ctx context.Context, buf []event) {
	var (
		inserts []relay.RequestLog
		updates []relay.RequestLogUpdate
	)
	for _, ev := range buf {
		switch {
		case ev.insert != nil:
			rec := *ev.insert
			if rec.ID == "" {
				rec.ID = uuid.Must(uuid.NewV7()).String()
			}
			inserts = append(inserts, rec)
		case ev.update != nil:
			updates = append(updates, *ev.update)
		}
	}

	start := time.Now()
	err := p.writeWithRetry(ctx, inserts, updates)
	elapsed := time.Since(start)

	p.flushes.Add(1)
	p.flushUs.Add(elapsed.Microseconds())

	if err != nil {
		p.failed.Add(int64(len(buf)))
		p.healthy.Store(false)
		slog.LogAttrs(ctx, slog.LevelError, "request log flush surrendered",
			slog.Int("count", len(buf)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.processed.Add(int64(len(buf)))
	p.lastAt.Store(time.Now().UnixNano())
	p.healthy.Store(true)
}

func (p *Pipeline) writeWithRetry(ctx context.Context, inserts []relay.RequestLog, updates []relay.RequestLogUpdate) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var err error
	for attempt := 0; ; attempt++ {
		if err = p.write(ctx, inserts, updates); err == nil {
			return nil
		}
		if attempt >= p.opts.MaxRetries {
			return err
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return err
		}
	}
}

func (p *Pipeline) write(ctx context.Context, inserts []relay.RequestLog, updates []relay.RequestLogUpdate) error {
	if len(inserts) > 0 {
		if err := p.store.InsertRequestLogs(ctx, inserts); err != nil {
			return err
		}
	}
	if len(updates) > 0 {
		if err := p.store.UpdateRequestLogs(ctx, updates); err != nil {
			return err
		}
	}
	return nil
}
