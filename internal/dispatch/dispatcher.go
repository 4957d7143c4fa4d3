// Package dispatch routes inbound requests to upstream (group, key) pairs.
//
// For each request it filters candidate groups, orders them by the proxy
// key's balance policy, admits against RPM windows, and walks keys until an
// attempt succeeds or the retry budget runs out. Outcomes feed the key-state
// store; every request produces one arrival and one completion log event.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/keystate"
	"github.com/keymux/keymux/internal/snapshot"
	"github.com/keymux/keymux/internal/telemetry"
	"github.com/keymux/keymux/internal/tokencount"
	"github.com/keymux/keymux/internal/upstream"
)

const (
	defaultBodyCap = 64 * 1024
	// maxErrorBody bounds how much of an upstream error response is read.
	maxErrorBody = 256 * 1024
)

// Logs is the slice of the log pipeline the dispatcher writes to.
type Logs interface {
	Insert(relay.RequestLog)
	Update(relay.RequestLogUpdate)
}

// Options tune a Dispatcher.
type Options struct {
	// BodyCapBytes bounds stored request and response bodies. 0 uses the
	// default.
	BodyCapBytes int
	// Metrics is optional; nil disables instrumentation.
	Metrics *telemetry.Metrics
}

// Dispatcher selects upstream keys and relays attempt outcomes.
type Dispatcher struct {
	snapshots *snapshot.Registry
	state     *keystate.Store
	clients   *upstream.ClientPool
	logs      Logs
	metrics   *telemetry.Metrics
	cursors   *cursors
	bodyCap   int
	tracer    trace.Tracer
}

// New wires a Dispatcher from its collaborators.
func New(snapshots *snapshot.Registry, state *keystate.Store, clients *upstream.ClientPool, logs Logs, opts Options) *Dispatcher {
	if opts.BodyCapBytes <= 0 {
		opts.BodyCapBytes = defaultBodyCap
	}
	return &Dispatcher{
		snapshots: snapshots,
		state:     state,
		clients:   clients,
		logs:      logs,
		metrics:   opts.Metrics,
		cursors:   newCursors(),
		bodyCap:   opts.BodyCapBytes,
		tracer:    otel.Tracer("keymux/dispatch"),
	}
}

// Request is one client call to relay upstream.
type Request struct {
	Key      *relay.ProxyKey
	Kind     relay.ProviderKind
	Model    string // client-requested model, before alias rewrite
	Endpoint string // schema path for OpenAI- and Anthropic-kind groups
	Body     []byte
	Stream   bool

	// Log enrichment, recorded verbatim in the request log.
	Method    string
	ClientIP  string
	UserAgent string
	Headers   string // inbound headers rendered as JSON, already sanitized
}

// Result is a response ready to relay to the client. Streaming results
// complete their request log when Body is drained or closed; buffered
// results are fully logged before Dispatch returns.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Streaming  bool
	GroupID    string
	Model      string // resolved model, after alias rewrite
}

// failure remembers the most recent classified failure for exhaustion
// reporting: either an upstream HTTP response to relay verbatim or a
// transport-level sentinel error.
type failure struct {
	groupID string
	model   string
	status  int
	header  http.Header
	body    []byte
	msg     string
	err     error
}

// Dispatch runs the selection loop for one request. Exactly one of the
// returns is non-nil: a Result relays an upstream response (success or a
// terminal upstream error, verbatim), an error maps to a relay status via
// relay.HTTPStatus.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	snap := d.snapshots.Current()
	reqID := relay.RequestIDFromContext(ctx)

	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("provider_kind", string(req.Kind)),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()

	reqHead, reqTrunc := capBytes(req.Body, d.bodyCap)
	d.logs.Insert(relay.RequestLog{
		RequestID:      reqID,
		ProxyKeyID:     req.Key.ID,
		Kind:           req.Kind,
		Model:          req.Model,
		Method:         req.Method,
		Endpoint:       req.Endpoint,
		RequestBody:    string(reqHead),
		RequestHeaders: req.Headers,
		Truncated:      reqTrunc,
		ClientIP:       req.ClientIP,
		UserAgent:      req.UserAgent,
		HasTools:       gjson.GetBytes(req.Body, "tools").Exists(),
		IsStreaming:    req.Stream,
		CreatedAt:      start.UTC(),
	})

	// finish enqueues the completion half. Buffered and error paths call it
	// before returning; streaming results enqueue from the body wrapper
	// instead, so Dispatch never double-logs.
	finished := false
	finish := func(u relay.RequestLogUpdate) {
		if finished {
			return
		}
		finished = true
		u.RequestID = reqID
		u.DurationMs = time.Since(start).Milliseconds()
		d.logs.Update(u)
	}
	fail := func(err error) (*Result, error) {
		finish(relay.RequestLogUpdate{StatusCode: relay.HTTPStatus(err), ErrorMessage: err.Error()})
		return nil, err
	}

	candidates := eligible(snap, req.Key, req.Kind, req.Model)
	if len(candidates) == 0 {
		return fail(fmt.Errorf("%w: no group serves model %q", relay.ErrNoEligibleGroup, req.Model))
	}
	ordered := d.orderGroups(req.Key, candidates)

	if ok, retryAfter := d.state.TryAcquire(keystate.ProxyKeySubject(req.Key.ID), req.Key.RPMLimit); !ok {
		if d.metrics != nil {
			d.metrics.RateLimitRejects.WithLabelValues("proxy_key").Inc()
		}
		return fail(&relay.RateLimitError{Scope: "proxy_key", Limit: req.Key.RPMLimit, RetryAfter: retryAfter})
	}
	d.state.RecordProxyKeyUse(req.Key.ID)

	// The retry budget is global across groups, sized by the primary
	// candidate's retry_count.
	budget := ordered[0].RetryCount + 1
	attempts := 0

	var last failure
	var rpm *relay.RateLimitError

groupLoop:
	for _, g := range ordered {
		if attempts >= budget {
			break
		}
		client, err := d.clients.ClientFor(g)
		if err != nil {
			last = failure{err: fmt.Errorf("upstream client for %s: %w", g.ID, err)}
			continue
		}
		body, resolved, upstreamStream, err := prepareBody(g, req)
		if err != nil {
			last = failure{err: err}
			continue
		}

		keys := d.liveKeys(snap, g)
		if len(keys) == 0 {
			continue
		}
		keys = d.orderKeys(g, keys)

	keyLoop:
		for ki := 0; ki < len(keys); ki++ {
			ref := keys[ki]
			retriedSame := false

			for attempts < budget {
				ok, retryAfter := d.state.TryAcquire(keystate.UpstreamKeySubject(g.ID, ref.Hash), g.RPMLimit)
				if !ok {
					if d.metrics != nil {
						d.metrics.RateLimitRejects.WithLabelValues("api_key").Inc()
					}
					if rpm == nil || retryAfter < rpm.RetryAfter {
						rpm = &relay.RateLimitError{Scope: "api_key", Limit: g.RPMLimit, RetryAfter: retryAfter}
					}
					continue keyLoop
				}

				attempts++
				d.state.RecordUse(g.ID, ref.Hash)

				attemptStart := time.Now()
				out := d.attempt(ctx, client, g, ref, req.Endpoint, body, resolved, upstreamStream)
				d.observeAttempt(g.ID, out.verdict, time.Since(attemptStart))

				// Exactly one key-state update per attempt; a client
				// hang-up mid-attempt records nothing.
				switch out.verdict {
				case verdictSuccess:
					d.state.Record(g.ID, g.Kind, ref.Hash, relay.ValidityValid, out.status, "")
				case verdictBadKey:
					d.state.Record(g.ID, g.Kind, ref.Hash, relay.ValidityInvalid, out.status, out.errMsg)
				case verdictCancelled:
					// The outcome is unknowable; leave the key untouched.
				default:
					d.state.Record(g.ID, g.Kind, ref.Hash, relay.ValidityUnknown, out.status, out.errMsg)
				}

				switch out.verdict {
				case verdictSuccess:
					return d.respond(reqID, start, g, resolved, req, out, finish)

				case verdictCancelled:
					return fail(out.err)

				case verdictTerminal:
					if out.err != nil {
						return fail(out.err)
					}
					head, trunc := capBytes(out.body, d.bodyCap)
					finish(relay.RequestLogUpdate{
						GroupID:         g.ID,
						Model:           resolved,
						StatusCode:      out.status,
						ResponseBody:    string(head),
						ResponseHeaders: headersJSON(out.header),
						Truncated:       trunc,
						ErrorMessage:    out.errMsg,
					})
					return &Result{
						StatusCode: out.status,
						Header:     out.header,
						Body:       io.NopCloser(bytes.NewReader(out.body)),
						GroupID:    g.ID,
						Model:      resolved,
					}, nil

				case verdictBadKey:
					last = failureOf(g.ID, resolved, out)
					continue keyLoop

				case verdictThrottled:
					last = failureOf(g.ID, resolved, out)
					if ki+1 < len(keys) {
						// A sibling key may have quota left.
						continue keyLoop
					}
					if !retriedSame {
						retriedSame = true
						continue
					}
					continue groupLoop

				case verdictRetrySame:
					last = failureOf(g.ID, resolved, out)
					if !retriedSame {
						retriedSame = true
						continue
					}
					// The backend itself is failing; sibling keys hit the
					// same backend, so cross to the next group.
					continue groupLoop
				}
			}
		}
	}

	switch {
	case last.status != 0:
		// Relay the last upstream answer verbatim.
		head, trunc := capBytes(last.body, d.bodyCap)
		finish(relay.RequestLogUpdate{
			GroupID:         last.groupID,
			Model:           last.model,
			StatusCode:      last.status,
			ResponseBody:    string(head),
			ResponseHeaders: headersJSON(last.header),
			Truncated:       trunc,
			ErrorMessage:    last.msg,
		})
		return &Result{
			StatusCode: last.status,
			Header:     last.header,
			Body:       io.NopCloser(bytes.NewReader(last.body)),
			GroupID:    last.groupID,
			Model:      last.model,
		}, nil
	case last.err != nil:
		return fail(last.err)
	case rpm != nil:
		return fail(rpm)
	default:
		return fail(fmt.Errorf("%w: no live keys", relay.ErrNoEligibleGroup))
	}
}

// attemptResult carries one upstream attempt's classification and payload.
type attemptResult struct {
	verdict verdict
	status  int
	header  http.Header
	body    []byte             // buffered payload; nil for live streams
	stream  io.ReadCloser      // live upstream body, 2xx streaming only
	cancel  context.CancelFunc // releases the attempt deadline with the stream
	err     error              // transport failure mapped onto a sentinel
	errMsg  string
}

func failureOf(groupID, model string, out attemptResult) failure {
	return failure{
		groupID: groupID,
		model:   model,
		status:  out.status,
		header:  out.header,
		body:    out.body,
		msg:     out.errMsg,
		err:     out.err,
	}
}

// attempt performs one upstream call under the group's response deadline.
func (d *Dispatcher) attempt(ctx context.Context, client *http.Client, g *relay.Group, ref snapshot.KeyRef, endpoint string, body []byte, model string, stream bool) attemptResult {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if g.ResponseTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, g.ResponseTimeout)
	}

	httpReq, err := upstream.Build(attemptCtx, upstream.Request{
		Group:    g,
		APIKey:   ref.Raw,
		Endpoint: endpoint,
		Model:    model,
		Body:     body,
		Stream:   stream,
	})
	if err != nil {
		cancel()
		return attemptResult{verdict: verdictTerminal, err: fmt.Errorf("%w: %v", relay.ErrBadRequest, err), errMsg: err.Error()}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		v, mapped := classifyErr(ctx, err)
		return attemptResult{verdict: v, err: mapped, errMsg: mapped.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if stream {
			// The deadline stays armed until the stream is drained; the
			// caller owns cancel from here.
			return attemptResult{verdict: verdictSuccess, status: resp.StatusCode, header: resp.Header, stream: resp.Body, cancel: cancel}
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if err != nil {
			v, mapped := classifyErr(ctx, err)
			return attemptResult{verdict: v, err: mapped, errMsg: mapped.Error()}
		}
		return attemptResult{verdict: verdictSuccess, status: resp.StatusCode, header: resp.Header, body: b}
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	cancel()
	return attemptResult{
		verdict: classifyStatus(resp.StatusCode),
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    b,
		errMsg:  upstreamErrorMessage(resp.StatusCode, b),
	}
}

// respond turns a successful attempt into a Result and completes the log.
func (d *Dispatcher) respond(reqID string, start time.Time, g *relay.Group, resolved string, req Request, out attemptResult, finish func(relay.RequestLogUpdate)) (*Result, error) {
	if out.stream != nil {
		return d.streamResult(reqID, start, g, resolved, len(req.Body), out), nil
	}

	usage, ok := tokencount.FromResponse(g.Kind, out.body)
	if !ok {
		usage = estimateUsage(len(req.Body), int64(len(out.body)))
	}
	d.observeTokens(g.ID, usage)

	respBody := out.body
	header := out.header
	streaming := false
	if req.Stream {
		// The upstream answered buffered on purpose; transcode to SSE.
		respBody = fakeStream(out.body)
		streaming = true
		header = header.Clone()
		header.Set("Content-Type", "text/event-stream")
		header.Del("Content-Length")
	}

	head, trunc := capBytes(out.body, d.bodyCap)
	finish(relay.RequestLogUpdate{
		GroupID:          g.ID,
		Model:            resolved,
		StatusCode:       out.status,
		PromptTokens:     usage.Prompt,
		CompletionTokens: usage.Completion,
		TotalTokens:      usage.Total,
		ResponseBody:     string(head),
		ResponseHeaders:  headersJSON(out.header),
		Truncated:        trunc,
	})

	return &Result{
		StatusCode: out.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
		Streaming:  streaming,
		GroupID:    g.ID,
		Model:      resolved,
	}, nil
}

// streamResult wraps a live upstream stream so the request log completes
// when the stream does.
func (d *Dispatcher) streamResult(reqID string, start time.Time, g *relay.Group, resolved string, reqLen int, out attemptResult) *Result {
	kind := g.Kind
	groupID := g.ID
	body := &streamBody{
		rc:     out.stream,
		cancel: out.cancel,
		limit:  d.bodyCap,
		finish: func(head []byte, streamed int64, truncated bool, readErr error) {
			usage, ok := tokencount.FromSSE(kind, head)
			if !ok {
				usage = estimateUsage(reqLen, streamed)
			}
			d.observeTokens(groupID, usage)

			u := relay.RequestLogUpdate{
				RequestID:        reqID,
				GroupID:          groupID,
				Model:            resolved,
				StatusCode:       out.status,
				DurationMs:       time.Since(start).Milliseconds(),
				PromptTokens:     usage.Prompt,
				CompletionTokens: usage.Completion,
				TotalTokens:      usage.Total,
				ResponseBody:     string(head),
				ResponseHeaders:  headersJSON(out.header),
				Truncated:        truncated,
			}
			if readErr != nil {
				u.ErrorMessage = readErr.Error()
			}
			d.logs.Update(u)
		},
	}
	return &Result{
		StatusCode: out.status,
		Header:     out.header,
		Body:       body,
		Streaming:  true,
		GroupID:    groupID,
		Model:      resolved,
	}
}

// streamBody relays a live upstream stream while capturing a bounded head
// for the request log. The completion log event fires exactly once, when
// the stream ends, errors, or is closed; the attempt deadline is released
// with it.
type streamBody struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	limit  int

	head     bytes.Buffer
	streamed int64
	once     sync.Once
	finish   func(head []byte, streamed int64, truncated bool, readErr error)
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.streamed += int64(n)
		if room := b.limit - b.head.Len(); room > 0 {
			if n < room {
				room = n
			}
			b.head.Write(p[:room])
		}
	}
	if err != nil {
		if err == io.EOF {
			b.finalize(nil)
		} else {
			b.finalize(err)
		}
	}
	return n, err
}

func (b *streamBody) Close() error {
	b.finalize(nil)
	return b.rc.Close()
}

func (b *streamBody) finalize(readErr error) {
	b.once.Do(func() {
		b.finish(b.head.Bytes(), b.streamed, b.streamed > int64(b.limit), readErr)
		b.cancel()
	})
}

// eligible filters the snapshot's routable groups by the key's permit set,
// the request's provider kind, and the requested model after alias rewrite.
func eligible(snap *snapshot.Snapshot, key *relay.ProxyKey, kind relay.ProviderKind, model string) []*relay.Group {
	var out []*relay.Group
	for _, g := range snap.Groups() {
		if g.Kind != kind || !key.Permits(g.ID) || !g.HasModel(model) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// liveKeys returns the group's selectable keys. Validity is a selection-time
// filter; a key that turns Invalid mid-flight finishes its current attempt.
func (d *Dispatcher) liveKeys(snap *snapshot.Snapshot, g *relay.Group) []snapshot.KeyRef {
	refs := snap.Keys(g.ID)
	out := make([]snapshot.KeyRef, 0, len(refs))
	for _, ref := range refs {
		if d.state.Validity(g.ID, ref.Hash).Live() {
			out = append(out, ref)
		}
	}
	return out
}

func (d *Dispatcher) observeAttempt(groupID string, v verdict, dur time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.AttemptsTotal.WithLabelValues(groupID, v.String()).Inc()
	d.metrics.AttemptDuration.WithLabelValues(groupID).Observe(dur.Seconds())
}

func (d *Dispatcher) observeTokens(groupID string, u tokencount.Usage) {
	if d.metrics == nil {
		return
	}
	d.metrics.TokensProcessed.WithLabelValues(groupID, "prompt").Add(float64(u.Prompt))
	d.metrics.TokensProcessed.WithLabelValues(groupID, "completion").Add(float64(u.Completion))
}

// estimateUsage is the fallback when the upstream reported no usage, e.g. a
// stream whose usage chunk fell outside the captured head.
func estimateUsage(reqLen int, respLen int64) tokencount.Usage {
	u := tokencount.Usage{
		Prompt:     tokencount.EstimateBytes(reqLen),
		Completion: tokencount.EstimateBytes(int(respLen)),
	}
	u.Total = u.Prompt + u.Completion
	return u
}

// upstreamErrorMessage condenses an upstream error response for key-state
// records. Providers disagree on error envelopes; error.message covers the
// common ones.
func upstreamErrorMessage(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return http.StatusText(status)
	}
	return s
}

// capBytes bounds b to limit bytes for log storage.
func capBytes(b []byte, limit int) ([]byte, bool) {
	if len(b) <= limit {
		return b, false
	}
	return b[:limit], true
}

func headersJSON(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	b, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(b)
}
