package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"
	xproxy "golang.org/x/net/proxy"

	gateway "github.com/vantagegw/vantage/internal"
)

// transportKey distinguishes cached transports per provider and protocol
// generation.
type transportKey struct {
	providerID string
	http1      bool // http2_fallback retry path
	direct     bool // proxyFallbackToDirect retry path
}

// Transports builds and caches per-provider HTTP transports: cached DNS,
// optional forward proxy (HTTP, HTTPS or SOCKS5) and an HTTP/1.1 variant
// for protocol-fallback retries.
type Transports struct {
	resolver    *dnscache.Resolver
	enableHTTP2 bool

	mu    sync.Mutex
	cache map[transportKey]*http.Transport
}

// NewTransports returns a transport pool. The resolver refresh loop is the
// caller's to run.
func NewTransports(resolver *dnscache.Resolver, enableHTTP2 bool) *Transports {
	return &Transports{
		resolver:    resolver,
		enableHTTP2: enableHTTP2,
		cache:       make(map[transportKey]*http.Transport),
	}
}

// For returns the transport for a provider. http1 forces HTTP/1.1; direct
// ignores the provider's proxy.
func (t *Transports) For(p *gateway.Provider, http1, direct bool) (*http.Transport, error) {
	key := transportKey{providerID: p.ID, http1: http1, direct: direct}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.cache[key]; ok {
		return tr, nil
	}
	tr, err := t.build(p, http1, direct)
	if err != nil {
		return nil, err
	}
	t.cache[key] = tr
	return tr, nil
}

// Invalidate drops a provider's cached transports after a config change.
func (t *Transports) Invalidate(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.cache {
		if key.providerID == providerID {
			delete(t.cache, key)
		}
	}
}

func (t *Transports) build(p *gateway.Provider, http1, direct bool) (*http.Transport, error) {
	tr := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   t.enableHTTP2 && !http1,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext:         t.dialContext(),
	}
	if http1 {
		// Non-nil empty map disables the bundled HTTP/2 transport.
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if direct || p.ProxyURL == "" {
		return tr, nil
	}

	u, err := url.Parse(p.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: provider %s proxy url: %w", p.ID, err)
	}
	switch u.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
	case "socks5":
		dialer, err := xproxy.FromURL(u, directDialer{t.dialContext()})
		if err != nil {
			return nil, fmt.Errorf("upstream: provider %s socks5: %w", p.ID, err)
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("upstream: provider %s socks5: no context dialer", p.ID)
		}
		tr.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("upstream: provider %s: unsupported proxy scheme %q", p.ID, u.Scheme)
	}
	return tr, nil
}

// dialContext resolves through the shared DNS cache when configured.
func (t *Transports) dialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if t.resolver == nil {
		return nil
	}
	resolver := t.resolver
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		var lastErr error
		for _, ip := range ips {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses for %s", host)
		}
		return nil, lastErr
	}
}

// directDialer adapts our DialContext for the socks5 package, which wants
// a plain Dialer for the hop to the proxy itself.
type directDialer struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (d directDialer) Dial(network, addr string) (net.Conn, error) {
	if d.dial == nil {
		var nd net.Dialer
		return nd.Dial(network, addr)
	}
	return d.dial(context.Background(), network, addr)
}
