// Package proxy chooses an egress route for outbound provider calls and
// turns routes into reusable HTTP transports. Selection state (round-robin
// cursor, cached route list) lives on a constructed Selector so independent
// schedulers can carry their own selector in tests.
package proxy

import (
	"bufio"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultReloadInterval is how long a loaded route list stays fresh before
// the backing file is consulted again.
const DefaultReloadInterval = time.Minute

// Route is one parsed egress route.
type Route struct {
	// URL is the full route URL, including scheme and any credentials.
	URL string
	// Scheme is the lower-cased route scheme (http, https, socks...).
	Scheme string
	Host   string
}

// envFallback is the fixed precedence of environment-supplied proxy
// variables consulted when the route list is empty.
var envFallback = []string{
	"WARDEN_PROXY_URL",
	"WARDEN_PROXY",
	"ALL_PROXY",
	"all_proxy",
	"HTTPS_PROXY",
	"https_proxy",
	"HTTP_PROXY",
	"http_proxy",
}

var supportedSchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks":   true,
	"socks4":  true,
	"socks4a": true,
	"socks5":  true,
	"socks5h": true,
}

// Parse validates a raw route URL. Malformed input degrades to nil rather
// than an error: a bad route means "go direct", never "fail the call".
func Parse(raw string) *Route {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] || u.Host == "" || u.Port() == "" {
		return nil
	}

	return &Route{URL: raw, Scheme: scheme, Host: u.Host}
}

// IsSOCKS reports whether the route needs a SOCKS dialer instead of plain
// HTTP CONNECT proxying.
func (r *Route) IsSOCKS() bool {
	return r != nil && strings.HasPrefix(r.Scheme, "socks")
}

// Preference captures the caller's routing wish for one call.
type Preference struct {
	// Direct forces no route at all, overriding everything else.
	Direct bool
	// URL, when set, is used verbatim (after parsing).
	URL string
}

// Auto is the zero preference: let the selector pick.
var Auto = Preference{}

// Explicit returns a preference pinning a specific route URL.
func Explicit(raw string) Preference { return Preference{URL: raw} }

// Direct returns a preference forcing a direct connection.
func Direct() Preference { return Preference{Direct: true} }

// Selector owns the route list and the round-robin cursor.
type Selector struct {
	logger *slog.Logger

	listFile string
	reload   time.Duration

	mu       sync.Mutex
	routes   []*Route
	loadedAt time.Time
	cursor   uint64
}

// NewSelector builds a selector reading routes from listFile (one URL per
// line, '#' comments). An empty listFile means the selector only ever
// falls back to the environment.
func NewSelector(listFile string, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		logger:   logger,
		listFile: listFile,
		reload:   DefaultReloadInterval,
	}
}

// Resolve applies a preference: Direct wins, then an explicit URL, then
// round-robin over the list, then the environment fallback chain. Returns
// nil when the call should go direct.
func (s *Selector) Resolve(pref Preference) *Route {
	if pref.Direct {
		return nil
	}
	if raw := strings.TrimSpace(pref.URL); raw != "" {
		route := Parse(raw)
		if route == nil {
			s.logger.Warn("malformed explicit proxy route, going direct", "route", raw)
		}
		return route
	}
	if route := s.Pick(); route != nil {
		return route
	}
	return s.fromEnv()
}

// Pick round-robins over the cached list, reloading it when stale. Returns
// nil when the list is empty.
func (s *Selector) Pick() *Route {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.loadedAt) >= s.reload {
		s.routes = s.loadList()
		s.loadedAt = time.Now()
	}

	if len(s.routes) == 0 {
		return nil
	}

	route := s.routes[s.cursor%uint64(len(s.routes))]
	s.cursor++
	return route
}

func (s *Selector) loadList() []*Route {
	if s.listFile == "" {
		return nil
	}

	f, err := os.Open(s.listFile)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("proxy list unreadable", "file", s.listFile, "error", err)
		}
		return nil
	}
	defer f.Close()

	var routes []*Route
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if route := Parse(line); route != nil {
			routes = append(routes, route)
		} else {
			s.logger.Warn("skipping malformed proxy route", "route", line)
		}
	}
	return routes
}

func (s *Selector) fromEnv() *Route {
	for _, key := range envFallback {
		if route := Parse(os.Getenv(key)); route != nil {
			return route
		}
	}
	return nil
}
