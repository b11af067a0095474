package proxy

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
	"h12.io/socks"
)

// transportCache keys per-route transports by route URL so SOCKS dialers
// and their connection pools are reused across calls instead of being
// rebuilt per request.
type transportCache struct {
	mu    sync.Mutex
	cache map[string]*http.Transport
}

var transports = &transportCache{cache: make(map[string]*http.Transport)}

// Transport returns an *http.Transport for the given route, or nil for a
// direct connection (nil route or a route we cannot dial).
func Transport(route *Route) *http.Transport {
	if route == nil {
		return nil
	}

	transports.mu.Lock()
	defer transports.mu.Unlock()

	if t, ok := transports.cache[route.URL]; ok {
		return t
	}

	t := buildTransport(route)
	if t != nil {
		transports.cache[route.URL] = t
	}
	return t
}

func buildTransport(route *Route) *http.Transport {
	base := &http.Transport{
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	switch route.Scheme {
	case "http", "https":
		u, err := url.Parse(route.URL)
		if err != nil {
			return nil
		}
		base.Proxy = http.ProxyURL(u)
		return base

	case "socks5", "socks5h", "socks":
		u, err := url.Parse(route.URL)
		if err != nil {
			return nil
		}
		dialer, err := xproxy.FromURL(&url.URL{
			Scheme: "socks5",
			User:   u.User,
			Host:   u.Host,
		}, xproxy.Direct)
		if err != nil {
			return nil
		}
		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			type contextDialer interface {
				DialContext(ctx context.Context, network, addr string) (net.Conn, error)
			}
			if cd, ok := dialer.(contextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return base

	case "socks4", "socks4a":
		// x/net has no SOCKS4 support; h12.io/socks covers 4 and 4a.
		dial := socks.Dial(route.URL)
		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(network, addr)
		}
		return base

	default:
		return nil
	}
}
