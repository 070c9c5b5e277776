// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/flodrama-proxy/config.toml",
	"configs/config.toml",
}

// CORS policy modes.
const (
	CORSModeRestricted = "restricted"
	CORSModeWildcard   = "wildcard"
)

// Routes served by the proxy itself; nothing else may claim them.
const (
	HealthPath = "/healthz"
	StatusPath = "/proxy/status"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string   `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host            string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL     string   `kong:"name='upstream-url',help='Upstream API base URL (overrides config).',env='UPSTREAM_URL'"`
	UpstreamStage   string   `kong:"help='Upstream stage prefix such as /production (overrides config).',env='UPSTREAM_STAGE'"`
	StripPrefix     string   `kong:"help='Virtual path prefix removed before forwarding (overrides config).',env='STRIP_PREFIX'"`
	CORSMode        string   `kong:"name='cors-mode',help='CORS policy: restricted|wildcard (overrides config).',env='CORS_MODE'"`
	AllowedOrigins  []string `kong:"name='cors-allowed-origins',help='Allowed browser origins (overrides config).',env='CORS_ALLOWED_ORIGINS',sep=','"`
	CORSCredentials string   `kong:"name='cors-credentials',help='Allow credentials: true|false (overrides config).',env='CORS_CREDENTIALS'"`
	LogLevel        string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	CORS     CORSConfig     `toml:"cors" yaml:"cors"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig describes the fixed target every request is forwarded to.
type UpstreamConfig struct {
	BaseURL         string   `toml:"base_url" yaml:"base_url"`
	Stage           string   `toml:"stage" yaml:"stage"`
	StripPrefix     string   `toml:"strip_prefix" yaml:"strip_prefix"`
	TimeoutSeconds  int      `toml:"timeout_seconds" yaml:"timeout_seconds"` // 0 leaves cancellation to the request context
	IdleConnections int      `toml:"idle_connections" yaml:"idle_connections"`
	StripHeaders    []string `toml:"strip_headers" yaml:"strip_headers"`
}

// CORSConfig holds the cross-origin policy of the deployment.
type CORSConfig struct {
	Mode           string   `toml:"mode" yaml:"mode"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	Credentials    bool     `toml:"credentials" yaml:"credentials"`
	AllowPatch     bool     `toml:"allow_patch" yaml:"allow_patch"`
	AllowedHeaders []string `toml:"allowed_headers" yaml:"allowed_headers"`
	MaxAgeSeconds  int      `toml:"max_age_seconds" yaml:"max_age_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/flodrama-proxy/config.toml then configs/config.toml. If nothing is found
// and an upstream URL was passed on the command line or in the environment,
// the configuration is built from flags alone.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	switch {
	case path != "":
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	case cli.UpstreamURL == "":
		return nil, fmt.Errorf("config: no config file found (searched %v) and no upstream URL given", configSearchPaths)
	}

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = toml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.filePath = path
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.UpstreamStage != "" {
		c.Upstream.Stage = cli.UpstreamStage
	}
	if cli.StripPrefix != "" {
		c.Upstream.StripPrefix = cli.StripPrefix
	}
	if cli.CORSMode != "" {
		c.CORS.Mode = cli.CORSMode
	}
	if len(cli.AllowedOrigins) > 0 {
		c.CORS.AllowedOrigins = cli.AllowedOrigins
	}
	if cli.CORSCredentials != "" {
		v, err := strconv.ParseBool(cli.CORSCredentials)
		if err != nil {
			return fmt.Errorf("cors credentials flag: %w", err)
		}
		c.CORS.Credentials = v
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	return nil
}

func (c *Config) validate() error {
	// Upstream URL: required and must be HTTPS.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
	}
	if p := c.Upstream.Stage; p != "" && p[0] != '/' {
		return fmt.Errorf("upstream.stage must start with '/'; got %q", p)
	}
	if p := c.Upstream.StripPrefix; p != "" && p[0] != '/' {
		return fmt.Errorf("upstream.strip_prefix must start with '/'; got %q", p)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.CORS.MaxAgeSeconds < 0 {
		return fmt.Errorf("cors.max_age_seconds must be non-negative; got %d", c.CORS.MaxAgeSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := c.CORS.validate(); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.reservedRoutes() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validate enforces the per-deployment origin policy. Wildcard origins and
// credentials together are invalid CORS and are refused here rather than emitted.
func (c *CORSConfig) validate() error {
	switch strings.ToLower(c.Mode) {
	case CORSModeRestricted, "":
		exact := 0
		for _, o := range c.AllowedOrigins {
			switch {
			case o == "*":
				return fmt.Errorf("cors.allowed_origins must not contain \"*\" in restricted mode; use mode = %q", CORSModeWildcard)
			case !strings.Contains(o, "*"):
				exact++
			}
		}
		if exact == 0 {
			return fmt.Errorf("cors.allowed_origins needs at least one exact origin in restricted mode")
		}
	case CORSModeWildcard:
		if c.Credentials {
			return fmt.Errorf("cors.credentials cannot be enabled in wildcard mode")
		}
	default:
		return fmt.Errorf("cors.mode must be one of: restricted, wildcard; got %q", c.Mode)
	}
	return nil
}

// reservedRoutes lists paths owned by the proxy routes. An empty strip prefix
// means the proxy owns every path, so the operational routes remain the only
// reservations.
func (c *Config) reservedRoutes() []string {
	routes := []string{HealthPath, StatusPath}
	if p := strings.TrimSuffix(c.Upstream.StripPrefix, "/"); p != "" {
		routes = append(routes, p)
	}
	return routes
}

// setDefaults fills zero-valued fields with sensible defaults.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Upstream.Stage = strings.TrimSuffix(c.Upstream.Stage, "/")
	c.Upstream.StripPrefix = strings.TrimSuffix(c.Upstream.StripPrefix, "/")
	c.CORS.Mode = strings.ToLower(c.CORS.Mode)
	if c.CORS.Mode == "" {
		c.CORS.Mode = CORSModeRestricted
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Requested-With", "X-API-Key"}
	}
	if c.CORS.MaxAgeSeconds == 0 {
		c.CORS.MaxAgeSeconds = 86400
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamURL returns the upstream base joined with the stage, e.g.
// https://api.example.com/production.
func (c *UpstreamConfig) UpstreamURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.Stage
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
