// Package health probes upstream groups in the background: provider
// reachability, per-key validity, and per-model availability. Probe results
// feed the key-state store and an append-only observation table; the latest
// per-group analysis is served from memory.
package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/keystate"
	"github.com/keymux/keymux/internal/snapshot"
	"github.com/keymux/keymux/internal/storage"
	"github.com/keymux/keymux/internal/telemetry"
	"github.com/keymux/keymux/internal/upstream"
)

// maxProbeBody bounds how much of a probe response is read.
const maxProbeBody = 1 << 20

// Options configures the scanner. Zero values fall back to the config-file
// defaults.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Metrics     *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	return o
}

// Scanner is the background prober. It owns its own client pool so probe
// traffic never competes with dispatch connections.
type Scanner struct {
	snapshots *snapshot.Registry
	state     *keystate.Store
	store     storage.HealthStore
	clients   *upstream.ClientPool
	metrics   *telemetry.Metrics

	interval time.Duration
	timeout  time.Duration
	limit    int

	trigger chan string

	mu       sync.RWMutex
	analyses map[string]relay.HealthAnalysis
}

// New creates a Scanner. clients should be a pool separate from the
// dispatcher's.
func New(snapshots *snapshot.Registry, state *keystate.Store, store storage.HealthStore, clients *upstream.ClientPool, opts Options) *Scanner {
	opts = opts.withDefaults()
	return &Scanner{
		snapshots: snapshots,
		state:     state,
		store:     store,
		clients:   clients,
		metrics:   opts.Metrics,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		limit:     opts.Concurrency,
		trigger:   make(chan string, 16),
		analyses:  make(map[string]relay.HealthAnalysis),
	}
}

// Name returns the worker identifier.
func (s *Scanner) Name() string { return "health_scanner" }

// Run scans on a fixed interval and on manual triggers until ctx is
// cancelled. The first scan happens immediately.
func (s *Scanner) Run(ctx context.Context) error {
	s.Scan(ctx, "")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Scan(ctx, "")
		case id := <-s.trigger:
			s.Scan(ctx, id)
		case <-ctx.Done():
			return nil
		}
	}
}

// Trigger enqueues a one-shot scan without blocking. An empty groupID scans
// every group. Returns false when the trigger queue is full.
func (s *Scanner) Trigger(groupID string) bool {
	select {
	case s.trigger <- groupID:
		return true
	default:
		return false
	}
}

// Analyses returns the latest analysis record per group.
func (s *Scanner) Analyses() []relay.HealthAnalysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]relay.HealthAnalysis, 0, len(s.analyses))
	for _, a := range s.analyses {
		out = append(out, a)
	}
	sortAnalyses(out)
	return out
}

// Scan probes the selected groups once, bounded by the concurrency cap, and
// persists results. only narrows the scan to a single group.
func (s *Scanner) Scan(ctx context.Context, only string) {
	snap := s.snapshots.Current()
	groups := snap.Groups()

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.limit)

	scanned := make(map[string]bool, len(groups))
	for _, g := range groups {
		if only != "" && g.ID != only {
			continue
		}
		scanned[g.ID] = true
		eg.Go(func() error {
			s.scanGroup(gctx, snap, g)
			return nil
		})
	}
	eg.Wait()

	if only == "" {
		s.pruneAnalyses(scanned)
	}
}

// pruneAnalyses drops records for groups no longer in the snapshot.
func (s *Scanner) pruneAnalyses(keep map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.analyses {
		if !keep[id] {
			delete(s.analyses, id)
		}
	}
}

func (s *Scanner) scanGroup(ctx context.Context, snap *snapshot.Snapshot, g *relay.Group) {
	keys := snap.Keys(g.ID)
	var results []relay.HealthCheckResult

	providerOK := s.probeProvider(ctx, g, &results)
	keysOK := s.probeKeys(ctx, g, keys, &results)
	modelsOK := s.probeModels(ctx, g, keys, &results)

	a := analyze(g, providerOK, keysOK, modelsOK)
	s.mu.Lock()
	s.analyses[g.ID] = a
	s.mu.Unlock()

	if err := s.store.InsertHealthResults(ctx, results); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "health results insert failed",
			slog.String("group", g.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.rollup(ctx, g.ID, results); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "health stats rollup failed",
			slog.String("group", g.ID),
			slog.String("error", err.Error()),
		)
	}
}

// probeProvider checks base-URL reachability without credentials. Any
// response below 500 proves the provider is up; an auth rejection still
// means the wire works.
func (s *Scanner) probeProvider(ctx context.Context, g *relay.Group, results *[]relay.HealthCheckResult) bool {
	rec := s.newResult(g.ID, relay.CheckProvider, g.ID)

	client, err := s.clients.ClientFor(g)
	if err != nil {
		s.finish(&rec, results, false, 0, err.Error())
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := upstream.BuildModelsList(pctx, g, "")
	if err != nil {
		s.finish(&rec, results, false, 0, err.Error())
		return false
	}

	start := time.Now()
	resp, err := client.Do(req)
	rec.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		s.finish(&rec, results, false, 0, err.Error())
		return false
	}
	drain(resp)

	ok := resp.StatusCode < 500
	s.finish(&rec, results, ok, resp.StatusCode, "")
	return ok
}

// probeKeys sends a minimal generation request per key and feeds the verdict
// back into the key-state store: 2xx proves a key valid (resurrecting one
// marked invalid earlier), 401/403 proves it invalid, anything else leaves
// validity untouched.
func (s *Scanner) probeKeys(ctx context.Context, g *relay.Group, keys []snapshot.KeyRef, results *[]relay.HealthCheckResult) bool {
	if len(keys) == 0 {
		return false
	}
	client, err := s.clients.ClientFor(g)
	if err != nil {
		for _, key := range keys {
			rec := s.newResult(g.ID, relay.CheckKey, key.Hash)
			s.finish(&rec, results, false, 0, err.Error())
		}
		return false
	}

	model := probeModel(g)
	body, endpoint := probeBody(g.Kind, model)

	anyOK := false
	for _, key := range keys {
		rec := s.newResult(g.ID, relay.CheckKey, key.Hash)

		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		req, err := upstream.Build(pctx, upstream.Request{
			Group:    g,
			APIKey:   key.Raw,
			Endpoint: endpoint,
			Model:    model,
			Body:     body,
		})
		if err != nil {
			cancel()
			s.finish(&rec, results, false, 0, err.Error())
			continue
		}

		start := time.Now()
		resp, err := client.Do(req)
		rec.LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			cancel()
			s.finish(&rec, results, false, 0, err.Error())
			continue
		}
		msg := probeError(resp)
		cancel()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			anyOK = true
			s.state.ForceValidity(g.ID, g.Kind, key.Hash, true)
			s.finish(&rec, results, true, resp.StatusCode, "")
		case resp.StatusCode == 401 || resp.StatusCode == 403:
			s.state.ForceValidity(g.ID, g.Kind, key.Hash, false)
			s.finish(&rec, results, false, resp.StatusCode, msg)
		default:
			// Transient. The key may be fine; don't touch validity.
			s.finish(&rec, results, false, resp.StatusCode, msg)
		}
	}
	return anyOK
}

// probeModels lists the provider's models with the first key and checks each
// configured model is present.
func (s *Scanner) probeModels(ctx context.Context, g *relay.Group, keys []snapshot.KeyRef, results *[]relay.HealthCheckResult) bool {
	if len(g.Models) == 0 {
		return false
	}

	listed, status, latency, listErr := s.listModels(ctx, g, keys)

	allOK := true
	for _, m := range g.Models {
		rec := s.newResult(g.ID, relay.CheckModel, m)
		rec.LatencyMs = latency
		switch {
		case listErr != "":
			allOK = false
			s.finish(&rec, results, false, status, listErr)
		case listed[m]:
			s.finish(&rec, results, true, status, "")
		default:
			allOK = false
			s.finish(&rec, results, false, status, "model not in provider listing")
		}
	}
	return allOK
}

func (s *Scanner) listModels(ctx context.Context, g *relay.Group, keys []snapshot.KeyRef) (listed map[string]bool, status int, latencyMs int64, errMsg string) {
	if len(keys) == 0 {
		return nil, 0, 0, "no keys configured"
	}
	client, err := s.clients.ClientFor(g)
	if err != nil {
		return nil, 0, 0, err.Error()
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := upstream.BuildModelsList(pctx, g, keys[0].Raw)
	if err != nil {
		return nil, 0, 0, err.Error()
	}

	start := time.Now()
	resp, err := client.Do(req)
	latencyMs = time.Since(start).Milliseconds()
	if err != nil {
		return nil, 0, latencyMs, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, latencyMs, probeError(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, resp.StatusCode, latencyMs, err.Error()
	}
	return parseModelIDs(raw), resp.StatusCode, latencyMs, ""
}

// parseModelIDs extracts model names from a listing in either the OpenAI
// shape (data[].id) or the Gemini shape (models[].name, prefixed "models/").
func parseModelIDs(body []byte) map[string]bool {
	out := make(map[string]bool)
	gjson.GetBytes(body, "data.#.id").ForEach(func(_, v gjson.Result) bool {
		out[v.String()] = true
		return true
	})
	gjson.GetBytes(body, "models.#.name").ForEach(func(_, v gjson.Result) bool {
		out[strings.TrimPrefix(v.String(), "models/")] = true
		return true
	})
	return out
}

// probeModel picks what model a key probe generates against.
func probeModel(g *relay.Group) string {
	if g.TestModel != "" {
		return g.TestModel
	}
	if len(g.Models) > 0 {
		return g.Models[0]
	}
	return ""
}

// probeBody builds the cheapest possible generation request for a kind.
func probeBody(kind relay.ProviderKind, model string) (body []byte, endpoint string) {
	switch kind {
	case relay.KindAnthropic:
		return []byte(`{"model":"` + model + `","max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`),
			"/v1/messages"
	case relay.KindGemini:
		// Model and key ride the URL.
		return []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"maxOutputTokens":1}}`),
			""
	default:
		return []byte(`{"model":"` + model + `","max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`),
			"/v1/chat/completions"
	}
}

// probeError pulls a short diagnostic out of a failed probe response and
// drains the body so the connection can be reused.
func probeError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ""
	}
	if msg := gjson.GetBytes(raw, "error.message").String(); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func (s *Scanner) newResult(groupID string, ct relay.CheckType, subject string) relay.HealthCheckResult {
	return relay.HealthCheckResult{
		ID:        uuid.Must(uuid.NewV7()).String(),
		GroupID:   groupID,
		CheckType: ct,
		Subject:   subject,
	}
}

func (s *Scanner) finish(rec *relay.HealthCheckResult, results *[]relay.HealthCheckResult, ok bool, status int, errMsg string) {
	rec.Success = ok
	rec.StatusCode = status
	rec.Error = errMsg
	rec.CheckedAt = time.Now().UTC()
	*results = append(*results, *rec)

	if s.metrics != nil {
		outcome := "failure"
		if ok {
			outcome = "success"
		}
		s.metrics.ProbesTotal.WithLabelValues(string(rec.CheckType), outcome).Inc()
	}
}

// rollup folds this cycle's observations into the per-subject counter rows.
func (s *Scanner) rollup(ctx context.Context, groupID string, results []relay.HealthCheckResult) error {
	if len(results) == 0 {
		return nil
	}
	existing, err := s.store.ListHealthStats(ctx, groupID)
	if err != nil {
		return err
	}
	byKey := make(map[string]relay.HealthCheckStats, len(existing))
	for _, st := range existing {
		byKey[string(st.CheckType)+"\x00"+st.Subject] = st
	}

	touched := make(map[string]relay.HealthCheckStats)
	for _, r := range results {
		k := string(r.CheckType) + "\x00" + r.Subject
		st, ok := touched[k]
		if !ok {
			if st, ok = byKey[k]; !ok {
				st = relay.HealthCheckStats{
					ID:        uuid.Must(uuid.NewV7()).String(),
					GroupID:   groupID,
					CheckType: r.CheckType,
					Subject:   r.Subject,
				}
			}
		}

		total := st.SuccessCount + st.FailureCount
		st.AvgLatencyMs = (st.AvgLatencyMs*float64(total) + float64(r.LatencyMs)) / float64(total+1)
		at := r.CheckedAt
		if r.Success {
			st.SuccessCount++
			st.ConsecutiveFailures = 0
			st.LastSuccessAt = &at
		} else {
			st.FailureCount++
			st.ConsecutiveFailures++
			st.LastFailureAt = &at
		}
		st.UpdatedAt = at
		touched[k] = st
	}

	out := make([]relay.HealthCheckStats, 0, len(touched))
	for _, st := range touched {
		out = append(out, st)
	}
	return s.store.UpsertHealthStats(ctx, out)
}
