package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"
)

// dnsRefreshInterval is how often cached DNS entries are re-resolved.
// Upstream providers move behind load balancers; an unrefreshed cache pins
// dead addresses until process restart.
const dnsRefreshInterval = 5 * time.Minute

// DNSCacheWorker periodically refreshes the shared DNS resolver cache,
// dropping entries that went unused since the last pass.
type DNSCacheWorker struct {
	resolver *dnscache.Resolver
	interval time.Duration
}

func NewDNSCacheWorker(resolver *dnscache.Resolver, interval time.Duration) *DNSCacheWorker {
	if interval <= 0 {
		interval = dnsRefreshInterval
	}
	return &DNSCacheWorker{resolver: resolver, interval: interval}
}

func (w *DNSCacheWorker) Name() string { return "dns_cache" }

func (w *DNSCacheWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
