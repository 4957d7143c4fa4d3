package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/telemetry"
)

func TestKindFromPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want relay.ProviderKind
	}{
		{"/v1/chat/completions", relay.KindOpenAI},
		{"/v1/responses", relay.KindOpenAI},
		{"/v1/embeddings", relay.KindOpenAI},
		{"/v1/models", relay.KindOpenAI},
		{"/v1/messages", relay.KindAnthropic},
		{"/v1beta/models/gemini-2.0-flash:generateContent", relay.KindGemini},
	}
	for _, tt := range tests {
		if got := kindFromPath(tt.path); got != tt.want {
			t.Errorf("kindFromPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestClientTokenPrecedence(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer tok-bearer")
	r.Header.Set("x-api-key", "tok-api")
	r.Header.Set("x-goog-api-key", "tok-goog")
	if got := clientToken(r); got != "tok-bearer" {
		t.Errorf("with all headers: token = %q, want tok-bearer", got)
	}

	r.Header.Del("Authorization")
	if got := clientToken(r); got != "tok-api" {
		t.Errorf("without bearer: token = %q, want tok-api", got)
	}

	r.Header.Del("x-api-key")
	if got := clientToken(r); got != "tok-goog" {
		t.Errorf("goog only: token = %q, want tok-goog", got)
	}

	r.Header.Del("x-goog-api-key")
	if got := clientToken(r); got != "" {
		t.Errorf("no headers: token = %q, want empty", got)
	}
}

func TestStatusWriterFirstHeaderWins(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusOK)

	if sw.status != http.StatusTeapot {
		t.Errorf("captured status = %d, want 418", sw.status)
	}
}

func TestStatusWriterImplicitOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	if _, err := sw.Write([]byte("body")); err != nil {
		t.Fatal(err)
	}
	if sw.status != http.StatusOK {
		t.Errorf("status = %d, want 200 after implicit header", sw.status)
	}
	if !sw.wroteHeader {
		t.Error("wroteHeader = false after Write")
	}
}

// TestRecovery: a panicking handler turns into a 500 with a parseable error
// body instead of a dropped connection.
func TestRecovery(t *testing.T) {
	t.Parallel()

	s := &server{}
	h := s.recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.message").String(); got != "internal server error" {
		t.Errorf("error.message = %q, want internal server error", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	promReg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(promReg)
	e := newEnvWith(t, relayKey(), func(d *Deps) {
		d.Metrics = m
		d.Gatherer = promReg
	})

	// Drive one request through the middleware stack first.
	if rec := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "keymux_requests_total") {
		t.Error("keymux_requests_total missing from /metrics")
	}
	if !strings.Contains(body, `path="/healthz"`) {
		t.Error("route pattern label missing from /metrics")
	}
}

func TestMetricsRoutePattern(t *testing.T) {
	t.Parallel()

	promReg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(promReg)
	e := newEnvWith(t, relayKey(), func(d *Deps) {
		d.Metrics = m
		d.Gatherer = promReg
	}, group("g1", "gemini", "http://unused.invalid", "gemini-2.0-flash"))

	// Parameterized route: the label must be the pattern, not the raw URL,
	// or cardinality grows with every model name.
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.0-flash:badAction", strings.NewReader(`{}`))
	req.Header.Set("x-goog-api-key", testToken)
	e.do(req)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `path="/v1beta/models/{model}:{action}"`) {
		t.Errorf("expected pattern label in metrics output")
	}
	if strings.Contains(body, `path="/v1beta/models/gemini-2.0-flash`) {
		t.Errorf("raw URL leaked into metrics label")
	}
}
