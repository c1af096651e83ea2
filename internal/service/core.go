// Package service implements the proxy core: upstream selection, outbound header
// rewriting and the per-request completion log.
package service

import (
	"log/slog"
	"net/http"
	"time"

	"vhost-proxy/internal/config"
	"vhost-proxy/internal/metrics"
	"vhost-proxy/internal/model"
	"vhost-proxy/internal/rewrite"
)

// rewrittenHeaders are the URL-bearing request headers pointed at the virtual host.
var rewrittenHeaders = []string{"Referer", "Origin"}

// Core implements model.Interceptor for a single upstream and virtual host.
// It holds no mutable state and is safe for concurrent use.
type Core struct {
	cfg      *config.Config
	peer     model.Peer
	logger   *slog.Logger
	requests *RequestLogger
	metrics  *metrics.Metrics
}

var _ model.Interceptor = (*Core)(nil)

// NewCore creates a Core. cfg must come from config.Load and must not change afterwards.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewCore(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Core {
	return &Core{
		cfg: cfg,
		peer: model.Peer{
			Addr: cfg.Upstream.Address(),
			TLS:  false,
			Name: cfg.VirtualHost.Name,
		},
		logger:   logger.With("component", "proxy_core"),
		requests: NewRequestLogger(logger),
		metrics:  m,
	}
}

// NewContext returns fresh per-request state.
func (c *Core) NewContext() *model.RequestContext {
	return &model.RequestContext{Start: time.Now()}
}

// SelectUpstream always returns the configured upstream over plaintext HTTP.
func (c *Core) SelectUpstream(_ model.Session, _ *model.RequestContext) model.Peer {
	return c.peer
}

// FilterRequestHeaders forces Host and X-Forwarded-For to the configured values and
// points Referer and Origin at the virtual host. It never fails the request.
func (c *Core) FilterRequestHeaders(s model.Session, outbound http.Header, _ *model.RequestContext) error {
	outbound.Set("Host", c.cfg.VirtualHost.Name)
	outbound.Set("X-Forwarded-For", c.cfg.VirtualHost.XForwardedFor)

	for _, name := range rewrittenHeaders {
		c.rewriteHeader(s, outbound, name)
	}
	return nil
}

func (c *Core) rewriteHeader(s model.Session, h http.Header, name string) {
	if _, ok := h[name]; !ok {
		return
	}
	res := rewrite.Header(h.Get(name), c.cfg.VirtualHost.Name)
	if c.metrics != nil {
		c.metrics.HeaderRewrites.WithLabelValues(name, res.Action.String()).Inc()
	}
	switch res.Action {
	case rewrite.Replace:
		h.Set(name, res.Value)
	case rewrite.Remove:
		h.Del(name)
		c.logger.Warn("removed header after failed rewrite",
			"header", name,
			"uri", s.URI(),
			"err", res.Err,
		)
	}
}

// OnComplete records the finished request.
func (c *Core) OnComplete(s model.Session, err error, rc *model.RequestContext) {
	c.requests.Log(s, err, rc)
}
