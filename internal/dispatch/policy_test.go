package dispatch

import (
	"slices"
	"sync"
	"testing"

	relay "github.com/keymux/keymux/internal"
	"github.com/keymux/keymux/internal/snapshot"
)

func policyGroups(policy relay.BalancePolicy, ids ...string) []*relay.Group {
	out := make([]*relay.Group, len(ids))
	for i, id := range ids {
		out[i] = &relay.Group{ID: id, BalancePolicy: policy}
	}
	return out
}

func groupIDs(groups []*relay.Group) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.ID
	}
	return out
}

func TestRotate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     []string
		cursor uint64
		want   []string
	}{
		{"zero keeps order", []string{"a", "b", "c"}, 0, []string{"a", "b", "c"}},
		{"one shifts", []string{"a", "b", "c"}, 1, []string{"b", "c", "a"}},
		{"wraps at length", []string{"a", "b", "c"}, 3, []string{"a", "b", "c"}},
		{"past wrap", []string{"a", "b", "c"}, 4, []string{"b", "c", "a"}},
		{"single element", []string{"a"}, 7, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := rotate(tt.in, tt.cursor); !slices.Equal(got, tt.want) {
				t.Errorf("rotate(%v, %d) = %v, want %v", tt.in, tt.cursor, got, tt.want)
			}
		})
	}
}

func TestOrderGroupsRoundRobin(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	key := &relay.ProxyKey{ID: "pk", GroupPolicy: relay.PolicyRoundRobin}
	candidates := policyGroups(relay.PolicyRoundRobin, "a", "b", "c")

	want := [][]string{
		{"a", "b", "c"},
		{"b", "c", "a"},
		{"c", "a", "b"},
		{"a", "b", "c"},
	}
	for i, w := range want {
		got := groupIDs(d.orderGroups(key, candidates))
		if !slices.Equal(got, w) {
			t.Fatalf("call %d = %v, want %v", i+1, got, w)
		}
	}
	// Rotation is per proxy key; a different key starts fresh.
	other := &relay.ProxyKey{ID: "pk2", GroupPolicy: relay.PolicyRoundRobin}
	if got := groupIDs(d.orderGroups(other, candidates)); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("second key = %v, want untouched order", got)
	}
}

func TestOrderGroupsFailover(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	key := &relay.ProxyKey{
		ID:           "pk",
		GroupPolicy:  relay.PolicyFailover,
		GroupWeights: map[string]int{"b": 5, "c": 5},
	}
	// a has implicit weight 1; b and c tie at 5 and sort by id.
	candidates := policyGroups(relay.PolicyFailover, "a", "c", "b")

	got := groupIDs(d.orderGroups(key, candidates))
	if want := []string{"b", "c", "a"}; !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	// Deterministic: same input, same order, every time.
	if again := groupIDs(d.orderGroups(key, candidates)); !slices.Equal(again, got) {
		t.Errorf("second call = %v, want %v", again, got)
	}
}

func TestOrderGroupsWeightedIsPermutation(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	key := &relay.ProxyKey{
		ID:           "pk",
		GroupPolicy:  relay.PolicyWeighted,
		GroupWeights: map[string]int{"a": 3, "b": 2, "c": 1},
	}
	candidates := policyGroups(relay.PolicyWeighted, "a", "b", "c")

	for i := 0; i < 50; i++ {
		got := groupIDs(d.orderGroups(key, candidates))
		sorted := slices.Clone(got)
		slices.Sort(sorted)
		if !slices.Equal(sorted, []string{"a", "b", "c"}) {
			t.Fatalf("draw %d = %v, not a permutation", i, got)
		}
	}
}

func TestOrderGroupsWeightedFavorsHeavy(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	key := &relay.ProxyKey{
		ID:           "pk",
		GroupPolicy:  relay.PolicyWeighted,
		GroupWeights: map[string]int{"heavy": 9, "light": 1},
	}
	candidates := policyGroups(relay.PolicyWeighted, "heavy", "light")

	heavyFirst := 0
	const trials = 200
	for i := 0; i < trials; i++ {
		if d.orderGroups(key, candidates)[0].ID == "heavy" {
			heavyFirst++
		}
	}
	// Expected ~90%; anything under 60% over 200 trials means the weights
	// are not being applied.
	if heavyFirst < trials*6/10 {
		t.Errorf("heavy drawn first %d/%d times", heavyFirst, trials)
	}
}

func TestOrderGroupsRandomIsPermutation(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	key := &relay.ProxyKey{ID: "pk", GroupPolicy: relay.PolicyRandom}
	candidates := policyGroups(relay.PolicyRandom, "a", "b", "c", "d")

	for i := 0; i < 20; i++ {
		got := groupIDs(d.orderGroups(key, candidates))
		sorted := slices.Clone(got)
		slices.Sort(sorted)
		if !slices.Equal(sorted, []string{"a", "b", "c", "d"}) {
			t.Fatalf("draw %d = %v, not a permutation", i, got)
		}
	}
}

func TestOrderGroupsDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	key := &relay.ProxyKey{
		ID:           "pk",
		GroupPolicy:  relay.PolicyFailover,
		GroupWeights: map[string]int{"c": 9},
	}
	candidates := policyGroups(relay.PolicyFailover, "a", "b", "c")

	d.orderGroups(key, candidates)
	if got := groupIDs(candidates); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("input mutated to %v", got)
	}
}

func TestOrderKeysRoundRobin(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	g := &relay.Group{ID: "g1", BalancePolicy: relay.PolicyRoundRobin}
	keys := []snapshot.KeyRef{{Hash: "h1"}, {Hash: "h2"}, {Hash: "h3"}}

	first := d.orderKeys(g, keys)
	second := d.orderKeys(g, keys)
	if first[0].Hash != "h1" || second[0].Hash != "h2" {
		t.Errorf("rotation = %s then %s, want h1 then h2", first[0].Hash, second[0].Hash)
	}

	// Key rotation inside one group does not disturb another group's cursor.
	g2 := &relay.Group{ID: "g2", BalancePolicy: relay.PolicyRoundRobin}
	if got := d.orderKeys(g2, keys); got[0].Hash != "h1" {
		t.Errorf("fresh group starts at %s, want h1", got[0].Hash)
	}
}

func TestOrderKeysListOrderPolicies(t *testing.T) {
	t.Parallel()

	d := &Dispatcher{cursors: newCursors()}
	keys := []snapshot.KeyRef{{Hash: "h1"}, {Hash: "h2"}}
	for _, policy := range []relay.BalancePolicy{relay.PolicyWeighted, relay.PolicyFailover} {
		g := &relay.Group{ID: "g-" + string(policy), BalancePolicy: policy}
		got := d.orderKeys(g, keys)
		if got[0].Hash != "h1" || got[1].Hash != "h2" {
			t.Errorf("%s: order = %s,%s, want list order", policy, got[0].Hash, got[1].Hash)
		}
	}
}

func TestCursorsConcurrent(t *testing.T) {
	t.Parallel()

	c := newCursors()
	const goroutines, perG = 8, 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				c.next("shared")
			}
		}()
	}
	wg.Wait()

	if got := c.next("shared"); got != goroutines*perG {
		t.Errorf("cursor = %d, want %d", got, goroutines*perG)
	}
}
