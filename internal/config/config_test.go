package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// minimalConfig is the smallest TOML document that passes validation.
const minimalConfig = `
[upstream]
base_url = "https://api.flodrama.com"

[cors]
allowed_origins = ["https://flodrama.com"]
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config file named name in a temp dir.
func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base_url = "https://api.flodrama.com"
stage = "/production"
strip_prefix = "/api"
timeout_seconds = 60
idle_connections = 50
strip_headers = ["X-Debug"]

[cors]
mode = "restricted"
allowed_origins = ["https://flodrama.com", "https://*.flodrama.com"]
credentials = true
allow_patch = true
max_age_seconds = 600

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Upstream.Stage != "/production" {
		t.Errorf("Upstream.Stage = %q, want %q", cfg.Upstream.Stage, "/production")
	}
	if cfg.Upstream.StripPrefix != "/api" {
		t.Errorf("Upstream.StripPrefix = %q, want %q", cfg.Upstream.StripPrefix, "/api")
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if len(cfg.Upstream.StripHeaders) != 1 || cfg.Upstream.StripHeaders[0] != "X-Debug" {
		t.Errorf("Upstream.StripHeaders = %v, want [X-Debug]", cfg.Upstream.StripHeaders)
	}
	if !cfg.CORS.Credentials {
		t.Error("CORS.Credentials = false, want true")
	}
	if !cfg.CORS.AllowPatch {
		t.Error("CORS.AllowPatch = false, want true")
	}
	if cfg.CORS.MaxAgeSeconds != 600 {
		t.Errorf("CORS.MaxAgeSeconds = %d, want %d", cfg.CORS.MaxAgeSeconds, 600)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 {
		t.Errorf("CORS.AllowedOrigins = %v, want 2 entries", cfg.CORS.AllowedOrigins)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_YAMLConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
upstream:
  base_url: https://api.flodrama.com
  stage: /production
  strip_prefix: /.netlify/functions/cors-proxy
cors:
  mode: wildcard
log:
  format: text
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.StripPrefix != "/.netlify/functions/cors-proxy" {
		t.Errorf("Upstream.StripPrefix = %q, want %q", cfg.Upstream.StripPrefix, "/.netlify/functions/cors-proxy")
	}
	if cfg.CORS.Mode != CORSModeWildcard {
		t.Errorf("CORS.Mode = %q, want %q", cfg.CORS.Mode, CORSModeWildcard)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Upstream.TimeoutSeconds != 0 {
		t.Errorf("default Upstream.TimeoutSeconds = %d, want 0", cfg.Upstream.TimeoutSeconds)
	}
	if cfg.CORS.Mode != CORSModeRestricted {
		t.Errorf("default CORS.Mode = %q, want %q", cfg.CORS.Mode, CORSModeRestricted)
	}
	if cfg.CORS.MaxAgeSeconds != 86400 {
		t.Errorf("default CORS.MaxAgeSeconds = %d, want %d", cfg.CORS.MaxAgeSeconds, 86400)
	}
	want := []string{"Content-Type", "Authorization", "X-Requested-With", "X-API-Key"}
	if strings.Join(cfg.CORS.AllowedHeaders, ",") != strings.Join(want, ",") {
		t.Errorf("default CORS.AllowedHeaders = %v, want %v", cfg.CORS.AllowedHeaders, want)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_TrimsTrailingSlashes(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[upstream]
base_url = "https://api.flodrama.com"
stage = "/production/"
strip_prefix = "/api/"

[cors]
mode = "wildcard"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.Stage != "/production" {
		t.Errorf("Upstream.Stage = %q, want %q", cfg.Upstream.Stage, "/production")
	}
	if cfg.Upstream.StripPrefix != "/api" {
		t.Errorf("Upstream.StripPrefix = %q, want %q", cfg.Upstream.StripPrefix, "/api")
	}
	if got := cfg.Upstream.UpstreamURL(); got != "https://api.flodrama.com/production" {
		t.Errorf("UpstreamURL() = %q, want %q", got, "https://api.flodrama.com/production")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_NoFileNoUpstream(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(&CLI{})
	if err == nil {
		t.Fatal("Load() expected error with neither config file nor upstream URL, got nil")
	}
}

func TestLoad_FlagsOnly(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(&CLI{
		UpstreamURL:     "https://api.flodrama.com",
		UpstreamStage:   "/production",
		StripPrefix:     "/.netlify/functions/cors-proxy",
		CORSMode:        "wildcard",
		CORSCredentials: "false",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.UpstreamURL() != "https://api.flodrama.com/production" {
		t.Errorf("UpstreamURL() = %q", cfg.Upstream.UpstreamURL())
	}
	if cfg.CORS.Mode != CORSModeWildcard {
		t.Errorf("CORS.Mode = %q, want %q", cfg.CORS.Mode, CORSModeWildcard)
	}
	if cfg.filePath != "" {
		t.Errorf("filePath = %q, want empty", cfg.filePath)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "https://api.flodrama.com"
stage = "/staging"

[cors]
allowed_origins = ["https://flodrama.com"]

[log]
level = "info"
`)

	cli := &CLI{
		Config:          path,
		Host:            "127.0.0.1",
		Port:            3000,
		UpstreamURL:     "https://backup.flodrama.com",
		UpstreamStage:   "/production",
		AllowedOrigins:  []string{"https://app.flodrama.com"},
		CORSCredentials: "true",
		LogLevel:        "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "https://backup.flodrama.com" {
		t.Errorf("Upstream.BaseURL = %q, want %q (CLI override)", cfg.Upstream.BaseURL, "https://backup.flodrama.com")
	}
	if cfg.Upstream.Stage != "/production" {
		t.Errorf("Upstream.Stage = %q, want %q (CLI override)", cfg.Upstream.Stage, "/production")
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://app.flodrama.com" {
		t.Errorf("CORS.AllowedOrigins = %v, want [https://app.flodrama.com] (CLI override)", cfg.CORS.AllowedOrigins)
	}
	if !cfg.CORS.Credentials {
		t.Error("CORS.Credentials = false, want true (CLI override)")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_BadCredentialsFlag(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig)

	_, err := Load(&CLI{Config: path, CORSCredentials: "sometimes"})
	if err == nil {
		t.Fatal("Load() expected error for unparsable credentials flag, got nil")
	}
}

func TestLoad_InvalidUpstream(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
	}{
		{"http rejected", `base_url = "http://api.flodrama.com"`},
		{"missing base_url", `stage = "/production"`},
		{"no host", `base_url = "https://"`},
		{"query in base_url", `base_url = "https://api.flodrama.com?x=1"`},
		{"stage without slash", "base_url = \"https://api.flodrama.com\"\nstage = \"production\""},
		{"prefix without slash", "base_url = \"https://api.flodrama.com\"\nstrip_prefix = \"api\""},
		{"negative timeout", "base_url = \"https://api.flodrama.com\"\ntimeout_seconds = -5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.toml", "[upstream]\n"+tt.upstream+`

[cors]
allowed_origins = ["https://flodrama.com"]
`)
			if _, err := Load(cliWithPath(path)); err == nil {
				t.Fatal("Load() expected error, got nil")
			}
		})
	}
}

func TestLoad_NegativePort(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[server]
port = -1
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_NegativeBodyMaxBytes(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[server]
body_max_bytes = -1
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative body_max_bytes, got nil")
	}
}

func TestLoad_CORSPolicy(t *testing.T) {
	tests := []struct {
		name    string
		cors    string
		wantErr string
	}{
		{
			name: "wildcard with credentials rejected",
			cors: `mode = "wildcard"
credentials = true`,
			wantErr: "wildcard",
		},
		{
			name:    "restricted without origins rejected",
			cors:    `mode = "restricted"`,
			wantErr: "exact origin",
		},
		{
			name:    "restricted with only patterns rejected",
			cors:    `allowed_origins = ["https://*.flodrama.com"]`,
			wantErr: "exact origin",
		},
		{
			name:    "restricted with star rejected",
			cors:    `allowed_origins = ["https://flodrama.com", "*"]`,
			wantErr: "restricted mode",
		},
		{
			name:    "unknown mode rejected",
			cors:    `mode = "open"`,
			wantErr: "cors.mode",
		},
		{
			name:    "negative max age rejected",
			cors:    "allowed_origins = [\"https://flodrama.com\"]\nmax_age_seconds = -1",
			wantErr: "max_age_seconds",
		},
		{
			name: "wildcard without credentials accepted",
			cors: `mode = "wildcard"`,
		},
		{
			name: "restricted with credentials accepted",
			cors: `allowed_origins = ["https://flodrama.com"]
credentials = true`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.toml", `
[upstream]
base_url = "https://api.flodrama.com"

[cors]
`+tt.cors+"\n")

			_, err := Load(cliWithPath(path))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_Disabled(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = false by default")
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "config.toml", "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig)

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "config.toml", minimalConfig)
	path2 := writeConfig(t, "config.toml", minimalConfig)

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[metrics]
enabled = true
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[metrics]
enabled = true
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"proxy prefix exact", "/api"},
		{"under proxy prefix", "/api/metrics"},
		{"healthz", "/healthz"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, "config.toml", `
[upstream]
base_url = "https://api.flodrama.com"
strip_prefix = "/api"

[cors]
allowed_origins = ["https://flodrama.com"]

[metrics]
enabled = true
path = "`+tt.path+`"
`)

			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsPathValid(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[metrics]
enabled = true
path = "/custom-metrics"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, "config.toml", minimalConfig+`
[metrics]
enabled = false
path = "bad-no-slash"
`)

	_, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
