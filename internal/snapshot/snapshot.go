// Package snapshot publishes an immutable view of the routing configuration.
//
// A Snapshot is built from storage once and then shared read-only; the
// dispatcher never takes a lock on the request path. Configuration changes
// produce a whole new Snapshot swapped in atomically.
package snapshot

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/storage"
)

// KeyRef pairs an upstream API key with its stable hash. Hashing happens at
// build time so the request path never touches crypto.
type KeyRef struct {
	Raw  string
	Hash string
}

// Snapshot is an immutable routing view. All lookups are plain map reads.
type Snapshot struct {
	version   int64
	builtAt   time.Time
	groups    map[string]*relay.Group
	ordered   []*relay.Group
	byToken   map[string]*relay.ProxyKey
	groupKeys map[string][]KeyRef
}

// Version returns the monotonically increasing build counter.
func (s *Snapshot) Version() int64 { return s.version }

// BuiltAt returns when this snapshot was constructed.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Group returns a routable group by identifier.
func (s *Snapshot) Group(id string) (*relay.Group, bool) {
	g, ok := s.groups[id]
	return g, ok
}

// Groups returns all routable groups ordered by descending priority,
// ties broken by identifier. Callers must not mutate the result.
func (s *Snapshot) Groups() []*relay.Group { return s.ordered }

// ProxyKey returns an enabled proxy key by its bearer token.
func (s *Snapshot) ProxyKey(token string) (*relay.ProxyKey, bool) {
	k, ok := s.byToken[token]
	return k, ok
}

// Keys returns the ordered upstream keys of a group with precomputed hashes.
func (s *Snapshot) Keys(groupID string) []KeyRef { return s.groupKeys[groupID] }

// Registry owns the currently published Snapshot.
type Registry struct {
	store   storage.Store
	cur     atomic.Pointer[Snapshot]
	version atomic.Int64
}

// New returns a Registry with an empty snapshot published, so Current never
// returns nil even before the first Rebuild.
func New(store storage.Store) *Registry {
	r := &Registry{store: store}
	r.cur.Store(&Snapshot{
		builtAt:   time.Now().UTC(),
		groups:    map[string]*relay.Group{},
		byToken:   map[string]*relay.ProxyKey{},
		groupKeys: map[string][]KeyRef{},
	})
	return r
}

// Current returns the published snapshot.
func (r *Registry) Current() *Snapshot { return r.cur.Load() }

// Rebuild constructs a fresh snapshot from storage and publishes it.
// In-flight requests keep the snapshot they started with.
func (r *Registry) Rebuild(ctx context.Context) error {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	proxyKeys, err := r.store.ListProxyKeys(ctx)
	if err != nil {
		return err
	}

	s := &Snapshot{
		version:   r.version.Add(1),
		builtAt:   time.Now().UTC(),
		groups:    make(map[string]*relay.Group, len(groups)),
		byToken:   make(map[string]*relay.ProxyKey, len(proxyKeys)),
		groupKeys: make(map[string][]KeyRef, len(groups)),
	}

	for _, g := range groups {
		if !g.Routable() {
			continue
		}
		s.groups[g.ID] = g
		s.ordered = append(s.ordered, g)

		refs := make([]KeyRef, 0, len(g.APIKeys))
		for _, raw := range g.APIKeys {
			refs = append(refs, KeyRef{Raw: raw, Hash: relay.HashKey(raw)})
		}
		s.groupKeys[g.ID] = refs
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		a, b := s.ordered[i], s.ordered[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	for _, k := range proxyKeys {
		if !k.Enabled {
			continue
		}
		s.byToken[k.Token] = k
	}

	r.cur.Store(s)
	return nil
}
