package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/keymux/keymux/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, relay.KindOpenAI, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// parsePagination reads offset/limit query params with sane bounds.
func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// groupSummary is the operator view of one routable group. Raw API keys
// never appear here; only counts and state.
type groupSummary struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Kind          relay.ProviderKind  `json:"provider_kind"`
	BaseURL       string              `json:"base_url"`
	BalancePolicy relay.BalancePolicy `json:"balance_policy"`
	Models        []string            `json:"models"`
	Priority      int                 `json:"priority"`
	RPMLimit      int64               `json:"rpm_limit"`
	FakeStreaming bool                `json:"fake_streaming"`
	Enabled       bool                `json:"enabled"`
	TotalKeys     int                 `json:"total_keys"`
	LiveKeys      int                 `json:"live_keys"`
}

func (s *server) handleAdminGroups(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Snapshots.Current()
	groups := snap.Groups()

	out := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		sum := groupSummary{
			ID:            g.ID,
			Name:          g.Name,
			Kind:          g.Kind,
			BaseURL:       g.BaseURL,
			BalancePolicy: g.BalancePolicy,
			Models:        g.Models,
			Priority:      g.Priority,
			RPMLimit:      g.RPMLimit,
			FakeStreaming: g.FakeStreaming,
			Enabled:       g.Enabled,
		}
		for _, ref := range snap.Keys(g.ID) {
			sum.TotalKeys++
			if s.deps.State.Validity(g.ID, ref.Hash).Live() {
				sum.LiveKeys++
			}
		}
		out = append(out, sum)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":             out,
		"snapshot_version": snap.Version(),
	})
}

// keyStatus is the operator view of one upstream key, identified by hash.
type keyStatus struct {
	Hash            string     `json:"api_key_hash"`
	Validity        string     `json:"validity"`
	ErrorCount      int        `json:"error_count"`
	LastStatusCode  int        `json:"last_status_code,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	UsageCount      int64      `json:"usage_count"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

func (s *server) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	snap := s.deps.Snapshots.Current()
	if _, ok := snap.Group(groupID); !ok {
		writeError(w, relay.KindOpenAI, http.StatusNotFound, "unknown group")
		return
	}

	refs := snap.Keys(groupID)
	out := make([]keyStatus, 0, len(refs))
	for _, ref := range refs {
		ks := keyStatus{
			Hash:     ref.Hash,
			Validity: s.deps.State.Validity(groupID, ref.Hash).String(),
		}
		if val, usage, ok := s.deps.State.Info(groupID, ref.Hash); ok {
			ks.ErrorCount = val.ErrorCount
			ks.LastStatusCode = val.LastStatusCode
			ks.LastError = val.LastError
			if !val.LastValidatedAt.IsZero() {
				t := val.LastValidatedAt
				ks.LastValidatedAt = &t
			}
			ks.UsageCount = usage.UsageCount
			if !usage.LastUsedAt.IsZero() {
				t := usage.LastUsedAt
				ks.LastUsedAt = &t
			}
		}
		out = append(out, ks)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"group_id": groupID,
		"data":     out,
	})
}

func (s *server) handleAdminKeyStatus(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	hash := chi.URLParam(r, "hash")

	snap := s.deps.Snapshots.Current()
	g, ok := snap.Group(groupID)
	if !ok {
		writeError(w, relay.KindOpenAI, http.StatusNotFound, "unknown group")
		return
	}
	found := false
	for _, ref := range snap.Keys(groupID) {
		if ref.Hash == hash {
			found = true
			break
		}
	}
	if !found {
		writeError(w, relay.KindOpenAI, http.StatusNotFound, "unknown key hash")
		return
	}

	var body struct {
		Valid bool `json:"valid"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	s.deps.State.ForceValidity(groupID, g.Kind, hash, body.Valid)
	slog.LogAttrs(r.Context(), slog.LevelInfo, "key validity forced",
		slog.String("group_id", groupID),
		slog.String("api_key_hash", hash),
		slog.Bool("valid", body.Valid),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":     groupID,
		"api_key_hash": hash,
		"is_valid":     body.Valid,
	})
}

func (s *server) handleAdminHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, relay.KindOpenAI, http.StatusServiceUnavailable, "health scanner disabled")
		return
	}

	groupID := r.URL.Query().Get("group")
	if groupID != "" {
		if _, ok := s.deps.Snapshots.Current().Group(groupID); !ok {
			writeError(w, relay.KindOpenAI, http.StatusNotFound, "unknown group")
			return
		}
	}

	if !s.deps.Scanner.Trigger(groupID) {
		writeError(w, relay.KindOpenAI, http.StatusConflict, "scan queue full, try again later")
		return
	}

	resp := map[string]any{"status": "queued"}
	if groupID != "" {
		resp["group_id"] = groupID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, relay.KindOpenAI, http.StatusServiceUnavailable, "health scanner disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": s.deps.Scanner.Analyses(),
	})
}

func (s *server) handleAdminLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Stats())
}

func (s *server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	logs, err := s.deps.Store.ListRequestLogs(r.Context(), offset, limit)
	if err != nil {
		// Full error server-side only; storage details stay internal.
		slog.LogAttrs(r.Context(), slog.LevelError, "list request logs",
			slog.String("error", err.Error()),
		)
		writeError(w, relay.KindOpenAI, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   logs,
		"offset": offset,
		"limit":  limit,
	})
}

func (s *server) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeError(w, relay.KindOpenAI, http.StatusNotImplemented, "reload not supported")
		return
	}
	if err := s.deps.Reload(r.Context()); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "config reload failed",
			slog.String("error", err.Error()),
		)
		writeError(w, relay.KindOpenAI, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}

	snap := s.deps.Snapshots.Current()
	slog.LogAttrs(r.Context(), slog.LevelInfo, "config reloaded",
		slog.Int64("snapshot_version", snap.Version()),
		slog.Int("groups", len(snap.Groups())),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"snapshot_version": snap.Version(),
		"groups":           len(snap.Groups()),
	})
}
