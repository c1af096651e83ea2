package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"vhost-proxy/internal/metrics"
)

// Request outcomes reported through SetOutcome.
const (
	OutcomeRelayed         = "relayed"
	OutcomeRejected        = "rejected"
	OutcomeUpstreamError   = "upstream_error"
	OutcomeUpstreamTimeout = "upstream_timeout"
	OutcomeClientCanceled  = "client_canceled"
	OutcomeTruncated       = "truncated"
)

const outcomeKey = "proxy.outcome"

// SetOutcome records how the proxy disposed of the request for the Metrics middleware.
func SetOutcome(c echo.Context, outcome string) {
	c.Set(outcomeKey, outcome)
}

// Metrics returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests that never had an outcome set (refused by a
// limiter, or unrouted) count as rejected.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			// When a handler returns an *echo.HTTPError the status has not been
			// written yet; Echo's error handler writes it later.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			m.RequestsTotal.WithLabelValues(method, status).Inc()
			m.RequestDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())

			outcome, _ := c.Get(outcomeKey).(string)
			if outcome == "" {
				outcome = OutcomeRejected
			}
			m.RequestOutcomes.WithLabelValues(outcome).Inc()

			return err
		}
	}
}
