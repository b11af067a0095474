package upstream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/openseats/warden/internal/warden/proxy"
)

// DefaultTimeout bounds one provider round trip, including the proxy hop.
const DefaultTimeout = 60 * time.Second

// Client executes raw provider requests. It owns the pacing limiter and the
// per-call proxy routing; it never interprets response bodies, so a non-2xx
// response is NOT an error at this layer.
type Client struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	routes  *proxy.Selector
	timeout time.Duration

	userAgent string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit overrides the request pacing limiter.
func WithRateLimit(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithUserAgent overrides the User-Agent sent on every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient builds a provider request executor. A nil selector disables
// proxy routing entirely.
func NewClient(routes *proxy.Selector, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		routes:  routes,
		timeout: DefaultTimeout,
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is one raw provider call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Proxy is the caller's routing wish for this call.
	Proxy proxy.Preference
}

// Response is the raw provider answer. Body is fully read and the
// underlying connection returned to the pool before Do returns.
type Response struct {
	Status int
	Body   []byte
}

// Do executes one request, waiting on the pacing limiter first. Transport
// failures surface as a retriable Unavailable error; any HTTP response,
// whatever its status, is returned as-is.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	var route *proxy.Route
	if c.routes != nil {
		route = c.routes.Resolve(req.Proxy)
	}

	httpClient := &http.Client{Timeout: c.timeout}
	if t := proxy.Transport(route); t != nil {
		httpClient.Transport = t
	}

	start := time.Now()
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("provider request failed",
			"method", req.Method,
			"url", req.URL,
			"proxied", route != nil,
			"error", err,
		)
		return nil, Unavailable(err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Unavailable(err.Error())
	}

	c.logger.Debug("provider request",
		"method", req.Method,
		"url", req.URL,
		"status", resp.StatusCode,
		"proxied", route != nil,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &Response{Status: resp.StatusCode, Body: data}, nil
}
