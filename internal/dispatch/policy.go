package dispatch

import (
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/snapshot"
)

// cursors holds per-subject round-robin positions. Subjects are proxy keys
// (group rotation) and groups (key rotation); both survive snapshot rebuilds
// so rotation does not reset on config reload.
type cursors struct {
	mu sync.RWMutex
	m  map[string]*atomic.Uint64
}

func newCursors() *cursors {
	return &cursors{m: make(map[string]*atomic.Uint64)}
}

// next returns the current position for subject and advances it.
func (c *cursors) next(subject string) uint64 {
	c.mu.RLock()
	n, ok := c.m[subject]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if n, ok = c.m[subject]; !ok {
			n = &atomic.Uint64{}
			c.m[subject] = n
		}
		c.mu.Unlock()
	}
	return n.Add(1) - 1
}

func proxyKeyCursor(id string) string { return "pk\x00" + id }
func groupCursor(id string) string    { return "g\x00" + id }

// orderGroups applies the proxy key's balance policy to the candidate list.
// Candidates arrive in priority order and are not mutated.
func (d *Dispatcher) orderGroups(key *relay.ProxyKey, candidates []*relay.Group) []*relay.Group {
	out := slices.Clone(candidates)
	if len(out) < 2 {
		return out
	}

	switch key.GroupPolicy {
	case relay.PolicyRoundRobin:
		return rotate(out, d.cursors.next(proxyKeyCursor(key.ID)))
	case relay.PolicyWeighted:
		return weightedOrder(out, key)
	case relay.PolicyRandom:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	case relay.PolicyFailover:
		sort.SliceStable(out, func(i, j int) bool {
			wi, wj := key.Weight(out[i].ID), key.Weight(out[j].ID)
			if wi != wj {
				return wi > wj
			}
			return out[i].ID < out[j].ID
		})
		return out
	default:
		return out
	}
}

// weightedOrder draws candidates without replacement with probability
// proportional to their weights. Candidates are scanned in id order so ties
// resolve the same way for a given random stream.
func weightedOrder(groups []*relay.Group, key *relay.ProxyKey) []*relay.Group {
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	out := make([]*relay.Group, 0, len(groups))
	for len(groups) > 0 {
		total := 0
		for _, g := range groups {
			total += key.Weight(g.ID)
		}
		r := rand.IntN(total)
		for i, g := range groups {
			r -= key.Weight(g.ID)
			if r < 0 {
				out = append(out, g)
				groups = append(groups[:i], groups[i+1:]...)
				break
			}
		}
	}
	return out
}

// orderKeys applies the group's balance policy to its live keys. Keys carry
// no per-key weights, so weighted and failover both mean list order.
func (d *Dispatcher) orderKeys(g *relay.Group, keys []snapshot.KeyRef) []snapshot.KeyRef {
	out := slices.Clone(keys)
	if len(out) < 2 {
		return out
	}

	switch g.BalancePolicy {
	case relay.PolicyRoundRobin:
		return rotate(out, d.cursors.next(groupCursor(g.ID)))
	case relay.PolicyRandom:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	default:
		return out
	}
}

// rotate returns s shifted so position cursor%len(s) comes first.
func rotate[T any](s []T, cursor uint64) []T {
	start := int(cursor % uint64(len(s)))
	if start == 0 {
		return s
	}
	rotated := make([]T, 0, len(s))
	rotated = append(rotated, s[start:]...)
	rotated = append(rotated, s[:start]...)
	return rotated
}
