package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/health"
	"github.com/keymux/keymux/internal/testutil"
)

func adminReq(method, path, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer "+testAdminKey)
	return r
}

func TestAdminAuthGuard(t *testing.T) {
	t.Parallel()
	e := newEnv(t, relayKey())

	req := httptest.NewRequest(http.MethodGet, "/admin/groups", nil)
	if rec := e.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/groups", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if rec := e.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	// The relay proxy key is not an admin credential.
	req = httptest.NewRequest(http.MethodGet, "/admin/groups", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if rec := e.do(req); rec.Code != http.StatusUnauthorized {
		t.Errorf("proxy key: status = %d, want 401", rec.Code)
	}

	if rec := e.do(adminReq(http.MethodGet, "/admin/groups", "")); rec.Code != http.StatusOK {
		t.Errorf("admin token: status = %d, want 200", rec.Code)
	}
}

// TestAdminDisabled: with no admin key configured the surface is not
// mounted at all.
func TestAdminDisabled(t *testing.T) {
	t.Parallel()
	e := newEnvWith(t, relayKey(), func(d *Deps) { d.AdminKey = "" })

	if rec := e.do(adminReq(http.MethodGet, "/admin/groups", "")); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminGroups(t *testing.T) {
	t.Parallel()

	g1 := group("g1", "openai", "http://unused.invalid", "gpt-4o")
	g1.APIKeys = []string{"sk-a", "sk-b"}
	g2 := group("g2", "anthropic", "http://unused.invalid", "claude-sonnet-4")
	e := newEnv(t, relayKey(), g1, g2)

	// One invalid key should drop out of the live count but not the total.
	e.state.ForceValidity("g1", relay.KindOpenAI, relay.HashKey("sk-b"), false)

	rec := e.do(adminReq(http.MethodGet, "/admin/groups", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if n := gjson.Get(body, "data.#").Int(); n != 2 {
		t.Fatalf("groups = %d, want 2", n)
	}
	if v := gjson.Get(body, "snapshot_version").Int(); v < 1 {
		t.Errorf("snapshot_version = %d, want >= 1", v)
	}

	var found bool
	for _, g := range gjson.Get(body, "data").Array() {
		if g.Get("id").String() != "g1" {
			continue
		}
		found = true
		if got := g.Get("total_keys").Int(); got != 2 {
			t.Errorf("g1 total_keys = %d, want 2", got)
		}
		if got := g.Get("live_keys").Int(); got != 1 {
			t.Errorf("g1 live_keys = %d, want 1", got)
		}
		if got := g.Get("provider_kind").String(); got != "openai" {
			t.Errorf("g1 provider_kind = %q, want openai", got)
		}
	}
	if !found {
		t.Error("g1 missing from group summaries")
	}
	if strings.Contains(body, "sk-a") || strings.Contains(body, "sk-b") {
		t.Error("raw API key leaked into admin response")
	}
}

func TestAdminKeys(t *testing.T) {
	t.Parallel()

	g := group("g1", "openai", "http://unused.invalid", "gpt-4o")
	g.APIKeys = []string{"sk-a", "sk-b"}
	e := newEnv(t, relayKey(), g)

	e.state.ForceValidity("g1", relay.KindOpenAI, relay.HashKey("sk-b"), false)

	rec := e.do(adminReq(http.MethodGet, "/admin/keys/g1", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if n := gjson.Get(body, "data.#").Int(); n != 2 {
		t.Fatalf("keys = %d, want 2", n)
	}
	if strings.Contains(body, "sk-a") {
		t.Fatal("raw API key leaked into admin response")
	}

	wantHash := relay.HashKey("sk-b")
	var got gjson.Result
	for _, k := range gjson.Get(body, "data").Array() {
		if k.Get("api_key_hash").String() == wantHash {
			got = k
		}
	}
	if !got.Exists() {
		t.Fatalf("forced key %s missing from listing", wantHash)
	}
	if v := got.Get("validity").String(); v != "invalid" {
		t.Errorf("validity = %q, want invalid", v)
	}
}

func TestAdminKeysUnknownGroup(t *testing.T) {
	t.Parallel()
	e := newEnv(t, relayKey())

	rec := e.do(adminReq(http.MethodGet, "/admin/keys/nope", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminKeyStatusForce(t *testing.T) {
	t.Parallel()

	g := group("g1", "openai", "http://unused.invalid", "gpt-4o")
	e := newEnv(t, relayKey(), g)
	hash := relay.HashKey("sk-upstream")

	rec := e.do(adminReq(http.MethodPut, "/admin/keys/g1/"+hash+"/status", `{"valid":false}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if v := e.state.Validity("g1", hash); v != relay.ValidityInvalid {
		t.Fatalf("validity after force-down = %v, want invalid", v)
	}

	rec = e.do(adminReq(http.MethodPut, "/admin/keys/g1/"+hash+"/status", `{"valid":true}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if v := e.state.Validity("g1", hash); v != relay.ValidityValid {
		t.Fatalf("validity after force-up = %v, want valid", v)
	}

	if rec := e.do(adminReq(http.MethodPut, "/admin/keys/nope/"+hash+"/status", `{"valid":true}`)); rec.Code != http.StatusNotFound {
		t.Errorf("unknown group: status = %d, want 404", rec.Code)
	}
	if rec := e.do(adminReq(http.MethodPut, "/admin/keys/g1/deadbeef/status", `{"valid":true}`)); rec.Code != http.StatusNotFound {
		t.Errorf("unknown hash: status = %d, want 404", rec.Code)
	}
	if rec := e.do(adminReq(http.MethodPut, "/admin/keys/g1/"+hash+"/status", `not json`)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rec.Code)
	}
}

func TestAdminHealthWithoutScanner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, relayKey())

	if rec := e.do(adminReq(http.MethodGet, "/admin/health", "")); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /admin/health: status = %d, want 503", rec.Code)
	}
	if rec := e.do(adminReq(http.MethodPost, "/admin/health/check", "")); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /admin/health/check: status = %d, want 503", rec.Code)
	}
}

func TestAdminHealthCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"data":[{"id":"gpt-4o"}]}`)
			return
		}
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[],"usage":{"total_tokens":1}}`)
	}))
	defer srv.Close()

	e := newEnv(t, relayKey(), group("g1", "openai", srv.URL, "gpt-4o"))
	// The scanner needs the assembled snapshot registry, so wire it after
	// and rebuild the handler with it.
	scanner := health.New(e.snaps, e.state, e.store, mustPool(t), health.Options{Timeout: 5 * time.Second})
	e.handler = New(Deps{
		Snapshots: e.snaps,
		State:     e.state,
		Pipeline:  e.pipe,
		Store:     e.store,
		Scanner:   scanner,
		AdminKey:  testAdminKey,
	})

	// The scanner is not running, so the 16-slot trigger queue fills up and
	// the 17th enqueue reports back pressure.
	for i := 0; i < 16; i++ {
		if rec := e.do(adminReq(http.MethodPost, "/admin/health/check", "")); rec.Code != http.StatusAccepted {
			t.Fatalf("enqueue %d: status = %d, want 202", i, rec.Code)
		}
	}
	if rec := e.do(adminReq(http.MethodPost, "/admin/health/check", "")); rec.Code != http.StatusConflict {
		t.Errorf("full queue: status = %d, want 409", rec.Code)
	}

	if rec := e.do(adminReq(http.MethodPost, "/admin/health/check?group=nope", "")); rec.Code != http.StatusNotFound {
		t.Errorf("unknown group: status = %d, want 404", rec.Code)
	}

	// Run one scan directly, then the analysis endpoint has data.
	scanner.Scan(context.Background(), "")
	rec := e.do(adminReq(http.MethodGet, "/admin/health", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /admin/health: status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if n := gjson.Get(body, "data.#").Int(); n != 1 {
		t.Fatalf("analyses = %d, want 1; body = %s", n, body)
	}
	if !gjson.Get(body, "data.0.provider_healthy").Bool() {
		t.Errorf("provider_healthy = false, want true; body = %s", body)
	}
}

func TestAdminLogs(t *testing.T) {
	t.Parallel()
	e := newEnv(t, relayKey())

	ctx := context.Background()
	base := time.Now().UTC()
	var recs []relay.RequestLog
	for i := 0; i < 3; i++ {
		recs = append(recs, relay.RequestLog{
			ID:         uuid.Must(uuid.NewV7()).String(),
			RequestID:  fmt.Sprintf("req-%d", i),
			ProxyKeyID: "pk-1",
			Kind:       relay.KindOpenAI,
			Model:      "gpt-4o",
			Method:     "POST",
			Endpoint:   "/v1/chat/completions",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := e.store.InsertRequestLogs(ctx, recs); err != nil {
		t.Fatal(err)
	}

	rec := e.do(adminReq(http.MethodGet, "/admin/logs?limit=2", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if n := gjson.Get(body, "data.#").Int(); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	if got := gjson.Get(body, "limit").Int(); got != 2 {
		t.Errorf("limit = %d, want 2", got)
	}

	rec = e.do(adminReq(http.MethodGet, "/admin/logs?limit=2&offset=2", ""))
	if n := gjson.Get(rec.Body.String(), "data.#").Int(); n != 1 {
		t.Errorf("offset rows = %d, want 1", n)
	}
}

func TestAdminLogsStorageError(t *testing.T) {
	t.Parallel()
	e := newEnvWith(t, relayKey(), func(d *Deps) {
		d.Store = &testutil.FlakyStore{Store: d.Store, ListLogsErr: errors.New("table dropped")}
	})

	rec := e.do(adminReq(http.MethodGet, "/admin/logs", ""))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	// Storage details must not leak to the operator response.
	if strings.Contains(rec.Body.String(), "table dropped") {
		t.Errorf("internal error leaked: %s", rec.Body.String())
	}
}

func TestAdminLogStats(t *testing.T) {
	t.Parallel()
	e := newEnv(t, relayKey())

	rec := e.do(adminReq(http.MethodGet, "/admin/logs/stats", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !gjson.Get(rec.Body.String(), "healthy").Bool() {
		t.Errorf("healthy = false, want true; body = %s", rec.Body.String())
	}
}

func TestAdminReload(t *testing.T) {
	t.Parallel()
	e := newEnv(t, relayKey(), group("g1", "openai", "http://unused.invalid", "gpt-4o"))

	before := e.snaps.Current().Version()

	// New group lands in storage; only a reload makes it routable.
	if err := e.store.UpsertGroup(context.Background(), group("g2", "openai", "http://unused.invalid", "gpt-4o-mini")); err != nil {
		t.Fatal(err)
	}

	rec := e.do(adminReq(http.MethodPost, "/admin/reload", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if got := gjson.Get(body, "groups").Int(); got != 2 {
		t.Errorf("groups = %d, want 2", got)
	}
	if got := gjson.Get(body, "snapshot_version").Int(); got <= before {
		t.Errorf("snapshot_version = %d, want > %d", got, before)
	}

	rec = e.do(adminReq(http.MethodGet, "/admin/groups", ""))
	if n := gjson.Get(rec.Body.String(), "data.#").Int(); n != 2 {
		t.Errorf("groups after reload = %d, want 2", n)
	}
}

func TestAdminReloadUnsupported(t *testing.T) {
	t.Parallel()
	e := newEnvWith(t, relayKey(), func(d *Deps) { d.Reload = nil })

	if rec := e.do(adminReq(http.MethodPost, "/admin/reload", "")); rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}
