package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"vhost-proxy/internal/client"
	"vhost-proxy/internal/config"
	"vhost-proxy/internal/handler"
	"vhost-proxy/internal/metrics"
	"vhost-proxy/internal/middleware"
	"vhost-proxy/internal/model"
	"vhost-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("vhost-proxy"),
		kong.Description("Reverse proxy to a single upstream that presents a virtual host."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(options(&cli)).Run()
}

// adminServer is the echo instance for health and metrics, kept apart from the proxy
// listener so that every proxy path reaches the upstream.
type adminServer struct {
	*echo.Echo
}

// options assembles the application. Config is loaded first; a config error stops
// Start before any listener is bound.
func options(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newAdmin,
			client.NewUpstream,
			fx.Annotate(service.NewCore, fx.As(new(model.Interceptor))),
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			registerAdmin,
			warnConfigPermissions,
			logSummary,
			startServer,
			startAdmin,
		),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, proxy *handler.ProxyHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so long streamed responses are not cut off; the
	// upstream client bounds the wait for response headers instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.Metrics(m))
	// Track goes before the limiters so rejected requests are logged as well.
	e.Use(proxy.Track())
	e.Use(middleware.StripHopByHop())
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdmin(logger *slog.Logger) *adminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.AccessLog(logger.With("component", "admin")))
	return &adminServer{Echo: e}
}

func registerAdmin(a *adminServer, cfg *config.Config, health *handler.HealthHandler, m *metrics.Metrics) {
	handler.RegisterAdminRoutes(a.Echo, cfg, health, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logSummary(cfg *config.Config, logger *slog.Logger) {
	logger.Info("proxy configured",
		"listen", "http://"+cfg.Server.Addr(),
		"upstream", "http://"+cfg.Upstream.Address().String(),
		"virtual_host", cfg.VirtualHost.Name,
		"x_forwarded_for", cfg.VirtualHost.XForwardedFor,
	)
}

// listen binds addr, accepting PROXY protocol headers when enabled.
func listen(addr string, proxyProtocol bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if proxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 10 * time.Second}
	}
	return ln, nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, up *client.Upstream, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := listen(addr, cfg.Server.ProxyProtocol)
			if err != nil {
				return err
			}
			logger.Info("starting server", "addr", addr, "proxy_protocol", cfg.Server.ProxyProtocol)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			defer up.Close()
			return e.Shutdown(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, a *adminServer, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Metrics.Addr()
			ln, err := listen(addr, false)
			if err != nil {
				return err
			}
			logger.Info("starting admin server", "addr", addr, "metrics_path", cfg.Metrics.Path)
			go func() {
				if err := a.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return a.Shutdown(ctx)
		},
	})
}
