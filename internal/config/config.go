// Package config handles CLI parsing, TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"golang.org/x/net/http/httpguts"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/vhost-proxy/config.toml",
	"configs/config.toml",
}

// ErrInvalidUpstreamAddress is matched by errors.Is for any unparsable upstream IP.
var ErrInvalidUpstreamAddress = errors.New("invalid upstream address")

// InvalidUpstreamAddressError reports the upstream IP text that failed to parse.
type InvalidUpstreamAddressError struct {
	Value string
	Err   error
}

func (e *InvalidUpstreamAddressError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid upstream IP address %q", e.Value)
	}
	return fmt.Sprintf("invalid upstream IP address %q: %v", e.Value, e.Err)
}

func (e *InvalidUpstreamAddressError) Is(target error) bool {
	return target == ErrInvalidUpstreamAddress
}

func (e *InvalidUpstreamAddressError) Unwrap() error { return e.Err }

// CLI holds command-line arguments parsed by Kong.
// Zero values mean "not given" so the config file and defaults can apply.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	ListenPort    uint16 `kong:"name='lport',short='L',help='Local listen port (default 8000).',env='LISTEN_PORT'"`
	IP            string `kong:"name='ip',short='I',help='Upstream IP address.',env='UPSTREAM_IP'"`
	Port          uint16 `kong:"name='port',short='P',help='Upstream port (default 6677).',env='UPSTREAM_PORT'"`
	Host          string `kong:"name='host',short='H',help='Virtual host sent upstream and used in rewritten Referer/Origin.',env='VIRTUAL_HOST'"`
	XForwardedFor string `kong:"name='x-forwarded-for',short='X',help='X-Forwarded-For value sent upstream (default 127.0.0.1).',env='X_FORWARDED_FOR'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error.',env='LOG_LEVEL'"`
	LogFormat     string `kong:"help='Log format: json|text.',env='LOG_FORMAT'"`
}

// Config is the top-level application configuration. It is not modified after Load returns.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	VirtualHost VirtualHostConfig `toml:"virtual_host"`
	Log         LogConfig         `toml:"log"`
	Metrics     MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host          string          `toml:"host"`
	Port          uint16          `toml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes  int64           `toml:"body_max_bytes"`
	ProxyProtocol bool            `toml:"proxy_protocol"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the single backend and its connection settings.
type UpstreamConfig struct {
	IP              string `toml:"ip"`
	Port            uint16 `toml:"port"` // 0 means "use default" (6677)
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`

	addr netip.AddrPort
}

// VirtualHostConfig holds the identity presented to the upstream.
type VirtualHostConfig struct {
	Name          string `toml:"name"`
	XForwardedFor string `toml:"x_forwarded_for"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds the admin listener settings (health and Prometheus metrics).
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    uint16 `toml:"port"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/vhost-proxy/config.toml then configs/config.toml; finding none is not an error.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.ListenPort != 0 {
		c.Server.Port = cli.ListenPort
	}
	if cli.IP != "" {
		c.Upstream.IP = cli.IP
	}
	if cli.Port != 0 {
		c.Upstream.Port = cli.Port
	}
	if cli.Host != "" {
		c.VirtualHost.Name = cli.Host
	}
	if cli.XForwardedFor != "" {
		c.VirtualHost.XForwardedFor = cli.XForwardedFor
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

// validate checks every field and reports all failures at once.
// It also resolves the upstream address, so it must run after setDefaults.
func (c *Config) validate() error {
	var errs error

	if c.Upstream.IP == "" {
		errs = multierr.Append(errs, fmt.Errorf("upstream.ip is required (--ip)"))
	} else if addr, err := parseUpstream(c.Upstream.IP, c.Upstream.Port); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		c.Upstream.addr = addr
	}

	if c.VirtualHost.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("virtual_host.name is required (--host)"))
	} else if !httpguts.ValidHostHeader(c.VirtualHost.Name) {
		errs = multierr.Append(errs, fmt.Errorf("virtual_host.name %q is not a valid Host header value", c.VirtualHost.Name))
	}
	if !httpguts.ValidHeaderFieldValue(c.VirtualHost.XForwardedFor) {
		errs = multierr.Append(errs, fmt.Errorf("virtual_host.x_forwarded_for %q is not a valid header value", c.VirtualHost.XForwardedFor))
	}

	if c.Server.BodyMaxBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	if c.Upstream.TimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds))
	}
	if c.Upstream.IdleConnections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	// Admin listener checks only matter when it is served.
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", p))
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved))
			}
		}
		if c.Metrics.Host == c.Server.Host && c.Metrics.Port == c.Server.Port {
			errs = multierr.Append(errs, fmt.Errorf("metrics listener %s conflicts with proxy listener", c.Metrics.Addr()))
		}
	}

	return errs
}

// parseUpstream turns the upstream IP text and port into an address.
// Only IP literals are accepted; host names and zoned IPv6 addresses are rejected.
func parseUpstream(ip string, port uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, &InvalidUpstreamAddressError{Value: ip, Err: err}
	}
	if addr.Zone() != "" {
		return netip.AddrPort{}, &InvalidUpstreamAddressError{Value: ip, Err: errors.New("zoned addresses are not supported")}
	}
	return netip.AddrPortFrom(addr.Unmap(), port), nil
}

// setDefaults fills zero-valued fields with defaults.
// Port 0 in the config file therefore results in the default port.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 6677
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.VirtualHost.XForwardedFor == "" {
		c.VirtualHost.XForwardedFor = "127.0.0.1"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Host == "" {
		c.Metrics.Host = "127.0.0.1"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Addr returns the admin listen address as host:port.
func (c *MetricsConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// Address returns the resolved upstream address. It is valid only on a Config
// produced by Load, or one built with NewUpstream.
func (c *UpstreamConfig) Address() netip.AddrPort {
	return c.addr
}

// NewUpstream builds an UpstreamConfig for a fixed address, bypassing IP parsing.
func NewUpstream(addr netip.AddrPort) UpstreamConfig {
	return UpstreamConfig{
		IP:              addr.Addr().String(),
		Port:            addr.Port(),
		TimeoutSeconds:  120,
		IdleConnections: 100,
		addr:            addr,
	}
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
