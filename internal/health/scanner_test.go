package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/keystate"
	"github.com/keymux/keymux/internal/snapshot"
	"github.com/keymux/keymux/internal/storage/sqlite"
	"github.com/keymux/keymux/internal/upstream"
)

func testGroup(id, baseURL string, keys ...string) *relay.Group {
	now := time.Now().UTC()
	return &relay.Group{
		ID:              id,
		Name:            id,
		Kind:            relay.KindOpenAI,
		BaseURL:         baseURL,
		APIKeys:         keys,
		Models:          []string{"gpt-4o"},
		BalancePolicy:   relay.PolicyFailover,
		RetryCount:      1,
		ConnectTimeout:  5 * time.Second,
		ResponseTimeout: 30 * time.Second,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func newTestScanner(t *testing.T, groups ...*relay.Group) (*Scanner, *keystate.Store, *sqlite.Store, *snapshot.Registry) {
	t.Helper()
	store, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, g := range groups {
		if err := store.UpsertGroup(ctx, g); err != nil {
			t.Fatal(err)
		}
	}
	reg := snapshot.New(store)
	if err := reg.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	state := keystate.New(store)
	pool, err := upstream.NewClientPool(nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New(reg, state, store, pool, Options{Timeout: 5 * time.Second})
	return s, state, store, reg
}

// healthyUpstream serves a models listing and accepts generation calls.
func healthyUpstream(t *testing.T, models ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			type entry struct {
				ID string `json:"id"`
			}
			list := struct {
				Data []entry `json:"data"`
			}{}
			for _, m := range models {
				list.Data = append(list.Data, entry{ID: m})
			}
			json.NewEncoder(w).Encode(list)
			return
		}
		fmt.Fprint(w, `{"id":"c1","choices":[{"index":0,"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func analysisFor(t *testing.T, s *Scanner, groupID string) relay.HealthAnalysis {
	t.Helper()
	for _, a := range s.Analyses() {
		if a.GroupID == groupID {
			return a
		}
	}
	t.Fatalf("no analysis for %s", groupID)
	return relay.HealthAnalysis{}
}

func TestScanHealthyGroup(t *testing.T) {
	t.Parallel()

	srv := healthyUpstream(t, "gpt-4o")
	g := testGroup("g1", srv.URL, "sk-a")
	s, state, store, _ := newTestScanner(t, g)

	s.Scan(context.Background(), "")

	a := analysisFor(t, s, "g1")
	if !a.ProviderHealthy || !a.KeysHealthy || !a.ModelsHealthy {
		t.Errorf("analysis = %+v, want all healthy", a)
	}
	if a.Inconsistent || a.Reason != "" {
		t.Errorf("healthy group flagged: %+v", a)
	}

	// The probe proves the key good.
	if v := state.Validity("g1", relay.HashKey("sk-a")); v != relay.ValidityValid {
		t.Errorf("key validity = %v, want valid", v)
	}

	// One stats row per probe subject: provider, key, model.
	stats, err := store.ListHealthStats(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 3 {
		t.Fatalf("stats rows = %d, want 3", len(stats))
	}
	for _, st := range stats {
		if st.SuccessCount != 1 || st.FailureCount != 0 {
			t.Errorf("%s/%s counts = %d/%d", st.CheckType, st.Subject, st.SuccessCount, st.FailureCount)
		}
	}
}

func TestScanInvalidKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"data":[{"id":"gpt-4o"}]}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	t.Cleanup(srv.Close)

	g := testGroup("g1", srv.URL, "sk-bad")
	s, state, _, _ := newTestScanner(t, g)

	s.Scan(context.Background(), "")

	a := analysisFor(t, s, "g1")
	if !a.ProviderHealthy || a.KeysHealthy {
		t.Errorf("analysis = %+v", a)
	}
	if !a.Inconsistent {
		t.Error("reachable provider with no working key should read inconsistent")
	}
	if v := state.Validity("g1", relay.HashKey("sk-bad")); v != relay.ValidityInvalid {
		t.Errorf("key validity = %v, want invalid", v)
	}
}

func TestScanProviderDown(t *testing.T) {
	t.Parallel()

	// A server that is already closed: every probe gets a connect error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	g := testGroup("g1", srv.URL, "sk-a")
	s, state, _, _ := newTestScanner(t, g)

	s.Scan(context.Background(), "")

	a := analysisFor(t, s, "g1")
	if a.ProviderHealthy || a.KeysHealthy || a.ModelsHealthy {
		t.Errorf("analysis = %+v, want all unhealthy", a)
	}
	if a.Inconsistent {
		t.Error("uniform failure is consistent")
	}
	if a.Reason != "provider unreachable" {
		t.Errorf("reason = %q", a.Reason)
	}
	// Connect errors are transient: validity must not flip to invalid.
	if v := state.Validity("g1", relay.HashKey("sk-a")); v != relay.ValidityUnknown {
		t.Errorf("key validity = %v, want unknown", v)
	}
}

func TestScanMissingModel(t *testing.T) {
	t.Parallel()

	srv := healthyUpstream(t, "some-other-model")
	g := testGroup("g1", srv.URL, "sk-a")
	s, _, store, _ := newTestScanner(t, g)

	s.Scan(context.Background(), "")

	a := analysisFor(t, s, "g1")
	if !a.KeysHealthy || a.ModelsHealthy {
		t.Errorf("analysis = %+v", a)
	}
	if a.Reason == "" {
		t.Error("missing model should carry a reason")
	}

	stats, err := store.ListHealthStats(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range stats {
		if st.CheckType == relay.CheckModel && st.Subject == "gpt-4o" {
			if st.FailureCount != 1 || st.ConsecutiveFailures != 1 {
				t.Errorf("model stats = %+v", st)
			}
		}
	}
}

func TestScanResurrectsKey(t *testing.T) {
	t.Parallel()

	srv := healthyUpstream(t, "gpt-4o")
	g := testGroup("g1", srv.URL, "sk-a")
	s, state, _, _ := newTestScanner(t, g)

	// Marked invalid earlier, e.g. by a dispatcher 401 streak.
	state.ForceValidity("g1", relay.KindOpenAI, relay.HashKey("sk-a"), false)

	s.Scan(context.Background(), "")

	if v := state.Validity("g1", relay.HashKey("sk-a")); v != relay.ValidityValid {
		t.Errorf("key validity = %v, want valid after a 2xx probe", v)
	}
}

func TestScanSingleGroup(t *testing.T) {
	t.Parallel()

	srv := healthyUpstream(t, "gpt-4o")
	g1 := testGroup("g1", srv.URL, "sk-a")
	g2 := testGroup("g2", srv.URL, "sk-b")
	s, _, _, _ := newTestScanner(t, g1, g2)

	s.Scan(context.Background(), "g2")

	all := s.Analyses()
	if len(all) != 1 || all[0].GroupID != "g2" {
		t.Errorf("analyses = %+v, want only g2", all)
	}
}

func TestScanPrunesRemovedGroups(t *testing.T) {
	t.Parallel()

	srv := healthyUpstream(t, "gpt-4o")
	g1 := testGroup("g1", srv.URL, "sk-a")
	g2 := testGroup("g2", srv.URL, "sk-b")
	s, _, store, reg := newTestScanner(t, g1, g2)

	ctx := context.Background()
	s.Scan(ctx, "")
	if len(s.Analyses()) != 2 {
		t.Fatalf("analyses = %d, want 2", len(s.Analyses()))
	}

	g2.Enabled = false
	if err := store.UpsertGroup(ctx, g2); err != nil {
		t.Fatal(err)
	}
	if err := reg.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	s.Scan(ctx, "")
	all := s.Analyses()
	if len(all) != 1 || all[0].GroupID != "g1" {
		t.Errorf("analyses = %+v, want only g1", all)
	}
}

func TestRollupAccumulates(t *testing.T) {
	t.Parallel()

	srv := healthyUpstream(t, "gpt-4o")
	g := testGroup("g1", srv.URL, "sk-a")
	s, _, store, _ := newTestScanner(t, g)

	ctx := context.Background()
	s.Scan(ctx, "")
	s.Scan(ctx, "")

	stats, err := store.ListHealthStats(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 3 {
		t.Fatalf("stats rows = %d, want 3 (no duplicates across cycles)", len(stats))
	}
	for _, st := range stats {
		if st.SuccessCount != 2 {
			t.Errorf("%s/%s success count = %d, want 2", st.CheckType, st.Subject, st.SuccessCount)
		}
		if st.LastSuccessAt == nil {
			t.Errorf("%s/%s missing last success timestamp", st.CheckType, st.Subject)
		}
	}
}

func TestTriggerIsNonBlocking(t *testing.T) {
	t.Parallel()

	srv := healthyUpstream(t, "gpt-4o")
	g := testGroup("g1", srv.URL, "sk-a")
	s, _, _, _ := newTestScanner(t, g)

	accepted := 0
	for i := 0; i < 64; i++ {
		if s.Trigger("") {
			accepted++
		}
	}
	if accepted == 0 || accepted == 64 {
		t.Errorf("accepted = %d, want a bounded queue (some accepted, some refused)", accepted)
	}
}

func TestParseModelIDs(t *testing.T) {
	t.Parallel()

	openai := []byte(`{"object":"list","data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	got := parseModelIDs(openai)
	if !got["gpt-4o"] || !got["gpt-4o-mini"] {
		t.Errorf("openai listing parsed to %v", got)
	}

	gemini := []byte(`{"models":[{"name":"models/gemini-2.0-flash"},{"name":"models/gemini-1.5-pro"}]}`)
	got = parseModelIDs(gemini)
	if !got["gemini-2.0-flash"] || !got["gemini-1.5-pro"] {
		t.Errorf("gemini listing parsed to %v", got)
	}
}

func TestProbeBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     relay.ProviderKind
		endpoint string
	}{
		{relay.KindOpenAI, "/v1/chat/completions"},
		{relay.KindAnthropic, "/v1/messages"},
		{relay.KindGemini, ""},
	}
	for _, tt := range tests {
		body, endpoint := probeBody(tt.kind, "m")
		if endpoint != tt.endpoint {
			t.Errorf("%s endpoint = %q, want %q", tt.kind, endpoint, tt.endpoint)
		}
		if !json.Valid(body) {
			t.Errorf("%s probe body is not valid JSON: %s", tt.kind, body)
		}
	}
}
