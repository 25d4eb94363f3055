// Package resilience holds the shared upstream transport, per-provider
// circuit breakers, model cooldowns and retry helpers.
package resilience

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// Transport tunables for long-lived streaming responses.
const (
	maxIdleConns          = 1000
	maxIdleConnsPerHost   = 100
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 10 * time.Minute
	dialTimeout           = 30 * time.Second
	keepAlive             = 30 * time.Second
	h2ReadIdleTimeout     = 30 * time.Second
	h2PingTimeout         = 15 * time.Second
)

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport is the pooled transport for upstreams without a proxy.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = newBaseTransport()
		sharedTransport.DialContext = newDialer().DialContext
	})
	return sharedTransport
}

func newDialer() *net.Dialer {
	return &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}
}

func newBaseTransport() *http.Transport {
	t := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		// Upstream bodies are decoded explicitly so Accept-Encoding stays ours.
		DisableCompression: true,
		TLSClientConfig:    &tls.Config{MinVersion: tls.VersionTLS12},
		WriteBufferSize:    64 * 1024,
		ReadBufferSize:     64 * 1024,
	}
	if h2, err := http2.ConfigureTransports(t); err == nil {
		h2.ReadIdleTimeout = h2ReadIdleTimeout
		h2.PingTimeout = h2PingTimeout
	}
	return t
}

func httpProxyTransport(proxyURL *url.URL) *http.Transport {
	t := newBaseTransport()
	t.Proxy = http.ProxyURL(proxyURL)
	t.DialContext = newDialer().DialContext
	return t
}

func socks5Transport(proxyURL *url.URL) (*http.Transport, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, newDialer())
	if err != nil {
		return nil, err
	}
	t := newBaseTransport()
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		t.DialContext = cd.DialContext
	} else {
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	return t, nil
}

// TransportCache keeps one transport per proxy URL.
type TransportCache struct {
	mu    sync.RWMutex
	cache map[string]*http.Transport
}

func NewTransportCache() *TransportCache {
	return &TransportCache{cache: make(map[string]*http.Transport)}
}

// Get returns the transport for proxyURL. An empty URL selects the shared
// transport; socks5://, http:// and https:// proxies are supported.
func (c *TransportCache) Get(proxyURL string) (*http.Transport, error) {
	if proxyURL == "" {
		return SharedTransport(), nil
	}

	c.mu.RLock()
	t := c.cache[proxyURL]
	c.mu.RUnlock()
	if t != nil {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		if t, err = socks5Transport(u); err != nil {
			return nil, err
		}
	case "http", "https":
		t = httpProxyTransport(u)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	c.mu.Lock()
	if existing := c.cache[proxyURL]; existing != nil {
		t = existing
	} else {
		c.cache[proxyURL] = t
	}
	c.mu.Unlock()
	return t, nil
}

var defaultCache = sync.OnceValue(NewTransportCache)

// NewHTTPClient returns a client for proxyURL whose connect failures are
// retried per retry.
func NewHTTPClient(proxyURL string, timeout time.Duration, retry RetryConfig) (*http.Client, error) {
	t, err := defaultCache().Get(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: WithRetry(t, retry), Timeout: timeout}, nil
}
