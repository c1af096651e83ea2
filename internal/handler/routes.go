package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vhost-proxy/internal/config"
	"vhost-proxy/internal/metrics"
)

// RegisterRoutes sends every path and method on the proxy listener to the proxy handler.
// Any covers the methods echo knows by name; RouteNotFound catches the rest (PURGE,
// MKCOL, extension methods), which the router would otherwise answer with 405.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
