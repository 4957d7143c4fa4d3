package server

import (
	"net/http"
	"sort"
	"time"

	relay "github.com/keymux/keymux/internal"
)

// handleListModels returns an OpenAI-compatible list of every model the
// caller's proxy key can reach, including alias names. Clients use this for
// autodiscovery, so the set must match what dispatch would actually route.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	key := relay.ProxyKeyFromContext(r.Context())
	snap := s.deps.Snapshots.Current()

	seen := make(map[string]struct{})
	for _, g := range snap.Groups() {
		if key != nil && !key.Permits(g.ID) {
			continue
		}
		for _, m := range g.Models {
			seen[m] = struct{}{}
		}
		for alias := range g.Aliases {
			seen[alias] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now().Unix()
	data := make([]modelEntry, len(ids))
	for i, id := range ids {
		data[i] = modelEntry{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
