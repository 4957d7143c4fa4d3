package health

import (
	"sort"
	"time"

	relay "github.com/keymux/keymux/internal"
)

// analyze condenses one scan cycle into a per-group record. Inconsistent
// flags axis disagreement for human diagnosis; it drives no routing
// decision.
func analyze(g *relay.Group, providerOK, keysOK, modelsOK bool) relay.HealthAnalysis {
	a := relay.HealthAnalysis{
		GroupID:         g.ID,
		ProviderHealthy: providerOK,
		KeysHealthy:     keysOK,
		ModelsHealthy:   modelsOK,
		CheckedAt:       time.Now().UTC(),
	}

	switch {
	case len(g.APIKeys) == 0:
		a.Reason = "no keys configured"
	case providerOK && !keysOK:
		a.Inconsistent = true
		a.Reason = "provider reachable but no key authenticates"
	case !providerOK && keysOK:
		a.Inconsistent = true
		a.Reason = "keys authenticate but the provider probe failed"
	case !providerOK:
		a.Reason = "provider unreachable"
	case !modelsOK:
		a.Reason = "one or more configured models missing upstream"
	}
	return a
}

func sortAnalyses(a []relay.HealthAnalysis) {
	sort.Slice(a, func(i, j int) bool { return a[i].GroupID < a[j].GroupID })
}
