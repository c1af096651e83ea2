// Package client provides the pooled HTTP client used to reach the upstream.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"vhost-proxy/internal/config"
	"vhost-proxy/internal/metrics"
	"vhost-proxy/internal/model"
)

// Upstream sends proxied requests to a peer, keeping one connection pool per peer pool key.
type Upstream struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewUpstream creates an Upstream client.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	return &Upstream{
		cfg:     cfg,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		clients: make(map[string]*http.Client),
	}
}

// client returns the pooled client for peer, creating it on first use.
func (c *Upstream) client(peer model.Peer) *http.Client {
	key := peer.PoolKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[key]; ok {
		return hc
	}

	addr := peer.Addr.String()
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		MaxIdleConns:        c.cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: c.cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		// The peer address is fixed; whatever the URL says, dial the peer.
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		// Bodies are relayed as-is, so never negotiate or strip encodings.
		DisableCompression: true,
		// Only the wait for response headers is bounded. A body stream may run as
		// long as the client keeps reading; the request context cancels it.
		ResponseHeaderTimeout: time.Duration(c.cfg.Upstream.TimeoutSeconds) * time.Second,
	}
	hc := &http.Client{
		Transport: transport,
		// Redirects are the client's business.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c.clients[key] = hc
	return hc
}

// Do forwards pr to peer and returns the upstream response.
// The Host header in pr.Header becomes the request Host.
// The caller is responsible for closing the response body.
func (c *Upstream) Do(peer model.Peer, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	u := &url.URL{
		Scheme:   peer.Scheme(),
		Host:     peer.Addr.String(),
		Path:     pr.Path,
		RawPath:  pr.RawPath,
		RawQuery: pr.RawQuery,
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, u.String(), pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = pr.Header
	req.Host = pr.Header.Get("Host")
	req.Header.Del("Host")
	req.ContentLength = pr.ContentLength
	if pr.Body == nil || pr.Body == http.NoBody {
		req.Body = nil
		req.ContentLength = 0
	}
	// Keep net/http from adding its own User-Agent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"peer", peer.Addr.String(),
		"host", req.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.client(peer).Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", unwrapURLError(err))
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Close drops idle pooled connections.
func (c *Upstream) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hc := range c.clients {
		hc.CloseIdleConnections()
	}
}

// unwrapURLError keeps the url.Error wrapper, which callers classify on,
// but marks transport timeouts as deadline errors.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
