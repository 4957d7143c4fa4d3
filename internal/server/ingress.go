package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/dispatch"
)

// maxRequestBody caps inbound bodies. Vision and long-context payloads run
// large, so the limit is generous; anything bigger is abuse.
const maxRequestBody = 32 << 20

// bodyPool recycles read buffers for inbound bodies.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// readBody drains the request body through MaxBytesReader. The returned
// slice is an owned copy; the pooled buffer goes straight back.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		return nil, err
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)
	return body, nil
}

// handleOpenAIKind serves the OpenAI-schema endpoints. The same handler
// backs /v1/chat/completions and /v1/responses; only the forwarded path
// differs.
func (s *server) handleOpenAIKind(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, relay.KindOpenAI, http.StatusBadRequest, "failed to read request body")
			return
		}
		model := gjson.GetBytes(body, "model").String()
		if model == "" {
			writeError(w, relay.KindOpenAI, http.StatusBadRequest, "model not specified")
			return
		}
		stream := gjson.GetBytes(body, "stream").Bool()
		s.relay(w, r, relay.KindOpenAI, endpoint, model, body, stream)
	}
}

// handleEmbeddings serves /v1/embeddings. Embeddings never stream.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, relay.KindOpenAI, http.StatusBadRequest, "failed to read request body")
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, relay.KindOpenAI, http.StatusBadRequest, "model not specified")
		return
	}
	s.relay(w, r, relay.KindOpenAI, "/v1/embeddings", model, body, false)
}

// handleAnthropic serves /v1/messages.
func (s *server) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, relay.KindAnthropic, http.StatusBadRequest, "failed to read request body")
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, relay.KindAnthropic, http.StatusBadRequest, "model not specified")
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()
	s.relay(w, r, relay.KindAnthropic, "/v1/messages", model, body, stream)
}

// handleGemini serves /v1beta/models/{model}:{action}. The model travels in
// the URL, not the body, and the action decides streaming intent.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	action := chi.URLParam(r, "action")

	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeError(w, relay.KindGemini, http.StatusNotFound, "unsupported action "+strconv.Quote(action))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, relay.KindGemini, http.StatusBadRequest, "failed to read request body")
		return
	}
	s.relay(w, r, relay.KindGemini, "", model, body, stream)
}

// relay hands the request to the dispatcher and writes whatever comes back.
func (s *server) relay(w http.ResponseWriter, r *http.Request, kind relay.ProviderKind, endpoint, model string, body []byte, stream bool) {
	req := dispatch.Request{
		Key:       relay.ProxyKeyFromContext(r.Context()),
		Kind:      kind,
		Model:     model,
		Endpoint:  endpoint,
		Body:      body,
		Stream:    stream,
		Method:    r.Method,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Headers:   sanitizedHeaders(r.Header),
	}

	res, err := s.deps.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		// Client gone; nothing to write.
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			return
		}
		var rl *relay.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			secs := int(rl.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header()["Retry-After"] = []string{strconv.Itoa(secs)}
		}
		writeError(w, kind, relay.HTTPStatus(err), err.Error())
		return
	}

	s.relayResult(w, r, res)
}

// relayResult copies an upstream response to the client verbatim, minus
// hop-by-hop headers.
func (s *server) relayResult(w http.ResponseWriter, r *http.Request, res *dispatch.Result) {
	defer res.Body.Close()

	h := w.Header()
	for key, vals := range res.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		h[key] = vals
	}
	// The relayed body may differ in length from the upstream wire form
	// (fake-stream transcoding, re-buffering), so net/http recomputes.
	delete(h, "Content-Length")

	if res.Streaming {
		streamResult(w, r, res)
		return
	}

	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "response copy aborted",
			slog.String("error", err.Error()),
			slog.String("request_id", relay.RequestIDFromContext(r.Context())),
		)
	}
}

// hopByHopHeaders must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// clientIP extracts the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sanitizedHeaders renders inbound headers as JSON for the request log with
// credentials removed. sjson builds the object incrementally so a single
// oversized header cannot force a full map copy.
func sanitizedHeaders(h http.Header) string {
	out := []byte("{}")
	for key, vals := range h {
		switch key {
		case "Authorization", "X-Api-Key", "X-Goog-Api-Key", "Cookie":
			continue
		}
		if len(vals) == 0 {
			continue
		}
		out, _ = sjson.SetBytes(out, escapeJSONPath(key), vals[0])
	}
	return string(out)
}

// escapeJSONPath guards sjson path metacharacters in header names.
func escapeJSONPath(key string) string {
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			return escapeJSONPathSlow(key)
		}
	}
	return key
}

func escapeJSONPathSlow(key string) string {
	var b bytes.Buffer
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}
