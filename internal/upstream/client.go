// Package upstream builds and executes provider HTTP requests.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maypok86/otter/v2"
	"github.com/rs/dnscache"

	relay "github.com/keymux/keymux/internal"
)

// connectTimeoutFloor is the minimum effective dial timeout regardless of
// group configuration. Very short connect timeouts amplify transient DNS or
// TCP hiccups into spurious retries.
const connectTimeoutFloor = 30 * time.Second

// ClientPool caches one *http.Client per distinct transport configuration.
// Groups sharing a proxy and connect timeout share a client, which keeps
// connection pools warm across snapshot rebuilds.
type ClientPool struct {
	resolver *dnscache.Resolver
	clients  *otter.Cache[uint64, *http.Client]
}

// NewClientPool creates a ClientPool. resolver may be nil to use the system
// resolver directly.
func NewClientPool(resolver *dnscache.Resolver) (*ClientPool, error) {
	c, err := otter.New[uint64, *http.Client](&otter.Options[uint64, *http.Client]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[uint64, *http.Client](time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	return &ClientPool{resolver: resolver, clients: c}, nil
}

// ClientFor returns the HTTP client for a group's transport settings.
func (p *ClientPool) ClientFor(g *relay.Group) (*http.Client, error) {
	key := transportHash(g)
	if c, ok := p.clients.GetIfPresent(key); ok {
		return c, nil
	}
	c, err := p.build(g)
	if err != nil {
		return nil, err
	}
	p.clients.Set(key, c)
	return c, nil
}

// transportHash keys clients by the fields that affect the transport.
func transportHash(g *relay.Group) uint64 {
	d := xxhash.New()
	if g.ProxyEnabled && g.Proxy != nil {
		d.WriteString(g.Proxy.URL)
	}
	d.WriteString("\x00")
	fmt.Fprintf(d, "%d", effectiveConnectTimeout(g))
	return d.Sum64()
}

func effectiveConnectTimeout(g *relay.Group) time.Duration {
	if g.ConnectTimeout > connectTimeoutFloor {
		return g.ConnectTimeout
	}
	return connectTimeoutFloor
}

func (p *ClientPool) build(g *relay.Group) (*http.Client, error) {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	if g.ProxyEnabled && g.Proxy != nil && g.Proxy.URL != "" {
		u, err := url.Parse(g.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}

	dialer := &net.Dialer{Timeout: effectiveConnectTimeout(g)}
	if p.resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := p.resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	} else {
		t.DialContext = dialer.DialContext
	}

	// No client-level timeout: per-request deadlines come from the caller's
	// context, and streaming responses may legitimately run for minutes.
	return &http.Client{Transport: t}, nil
}
