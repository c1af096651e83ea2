package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"vhost-proxy/internal/client"
	"vhost-proxy/internal/middleware"
	"vhost-proxy/internal/model"
)

// session is the engine-side model.Session for one request.
type session struct {
	req    *http.Request
	status int
}

func (s *session) Method() string             { return s.req.Method }
func (s *session) URI() string                { return s.req.RequestURI }
func (s *session) RequestHeader() http.Header { return s.req.Header }
func (s *session) ResponseStatus() int        { return s.status }

// ProxyHandler drives a model.Interceptor for every inbound request and relays the
// upstream response.
type ProxyHandler struct {
	core     model.Interceptor
	upstream *client.Upstream
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(core model.Interceptor, upstream *client.Upstream, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		core:     core,
		upstream: upstream,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// exchange is one request's interceptor state, shared by Track and Handle.
type exchange struct {
	sess    *session
	rc      *model.RequestContext
	failure error
}

const exchangeKey = "proxy.exchange"

// Track brackets the rest of the chain with the interceptor's NewContext and
// OnComplete. Register it ahead of any middleware that can reject a request, so
// rejected requests get their completion record too.
func (h *ProxyHandler) Track() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			x := &exchange{
				sess: &session{req: c.Request()},
				rc:   h.core.NewContext(),
			}
			c.Set(exchangeKey, x)

			defer func() {
				// A panic below still gets its completion record before Recover handles it.
				if r := recover(); r != nil {
					h.core.OnComplete(x.sess, fmt.Errorf("panic: %v", r), x.rc)
					panic(r)
				}
				h.core.OnComplete(x.sess, x.failure, x.rc)
			}()

			err := next(c)
			if err != nil && x.failure == nil {
				x.failure = err
			}
			return err
		}
	}
}

// Handle proxies the request to the upstream and streams the response back.
// The interceptor's OnComplete runs exactly once per request, from Track when
// it is installed and from Handle itself otherwise.
func (h *ProxyHandler) Handle(c echo.Context) error {
	x, ok := c.Get(exchangeKey).(*exchange)
	if !ok {
		return h.Track()(h.Handle)(c)
	}
	return h.proxy(c, x)
}

func (h *ProxyHandler) proxy(c echo.Context, x *exchange) error {
	req := c.Request()
	sess, rc := x.sess, x.rc

	peer := h.core.SelectUpstream(sess, rc)

	outbound := req.Header.Clone()
	outbound.Set("Host", req.Host)
	if err := h.core.FilterRequestHeaders(sess, outbound, rc); err != nil {
		x.failure = fmt.Errorf("filter request headers: %w", err)
		return h.mapError(c, x.failure)
	}

	resp, err := h.upstream.Do(peer, &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        outbound,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	})
	if err != nil {
		x.failure = fmt.Errorf("forward to upstream: %w", err)
		return h.mapError(c, x.failure)
	}
	defer func() { _ = resp.Body.Close() }()
	sess.status = resp.StatusCode

	middleware.RemoveHopByHop(resp.Header)
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent, a failed copy can only truncate the body; record it
	// for the completion log.
	middleware.SetOutcome(c, middleware.OutcomeRelayed)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		middleware.SetOutcome(c, middleware.OutcomeTruncated)
		x.failure = fmt.Errorf("relay response body: %w", err)
		h.logger.Error("streaming response body",
			"err", err,
			"uri", req.RequestURI,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"uri", c.Request().RequestURI,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		middleware.SetOutcome(c, middleware.OutcomeUpstreamTimeout)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}
	if errors.Is(err, context.Canceled) {
		middleware.SetOutcome(c, middleware.OutcomeClientCanceled)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}
	middleware.SetOutcome(c, middleware.OutcomeUpstreamError)
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
