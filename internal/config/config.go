// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/diffuse-interceptor/config.toml",
	"configs/config.toml",
}

// AdminPrefix is the path prefix of the interceptor's own endpoints.
const AdminPrefix = "/_interceptor"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Origin   string `kong:"help='Application origin served from the offline cache (overrides config).',env='APP_ORIGIN'"`
	Offline  bool   `kong:"help='Start with connectivity reported as offline.',env='START_OFFLINE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	App      AppConfig      `toml:"app"`
	Cache    CacheConfig    `toml:"cache"`
	Gateway  GatewayConfig  `toml:"gateway"`
	DNS      DNSConfig      `toml:"dns"`
	Node     NodeConfig     `toml:"node"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AppConfig describes the application whose assets are cached for offline use.
type AppConfig struct {
	Name               string   `toml:"name"`
	Version            string   `toml:"version"` // empty means the build version
	Origin             string   `toml:"origin"`
	Manifest           string   `toml:"manifest"`
	Bundles            []string `toml:"bundles"`
	Exclude            []string `toml:"exclude"`
	StartOffline       bool     `toml:"start_offline"`
	SkipInstall        bool     `toml:"skip_install"`
	InstallConcurrency int      `toml:"install_concurrency"`
}

// CacheConfig holds the offline cache store settings.
type CacheConfig struct {
	Path string `toml:"path"`
}

// GatewayConfig describes the well-known local gateway.
type GatewayConfig struct {
	Origin      string `toml:"origin"`
	ProbeMethod string `toml:"probe_method"`
}

// DNSConfig holds the DNS-over-HTTPS provider used for DNSLink lookups.
type DNSConfig struct {
	DoHURL string `toml:"doh_url"`
}

// NodeConfig holds the endpoints backing the temporary node.
type NodeConfig struct {
	DelegateURL string `toml:"delegate_url"`
	GatewayURL  string `toml:"gateway_url"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	Compress   bool   `toml:"compress"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/diffuse-interceptor/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Origin != "" {
		c.App.Origin = cli.Origin
	}
	if cli.Offline {
		c.App.StartOffline = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.App.Origin == "" {
		return fmt.Errorf("app.origin is required")
	}
	if err := validateHTTPURL("app.origin", c.App.Origin); err != nil {
		return err
	}
	for key, raw := range map[string]string{
		"gateway.origin":    c.Gateway.Origin,
		"dns.doh_url":       c.DNS.DoHURL,
		"node.delegate_url": c.Node.DelegateURL,
		"node.gateway_url":  c.Node.GatewayURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateHTTPURL(key, raw); err != nil {
			return err
		}
	}
	if c.DNS.DoHURL != "" && !strings.HasPrefix(c.DNS.DoHURL, "https://") {
		return fmt.Errorf("dns.doh_url must use HTTPS; got %q", c.DNS.DoHURL)
	}
	if strings.Contains(c.App.Name, "/") {
		return fmt.Errorf("app.name must not contain '/'; got %q", c.App.Name)
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
	if c.App.InstallConcurrency < 0 {
		return fmt.Errorf("app.install_concurrency must be non-negative; got %d", c.App.InstallConcurrency)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToUpper(c.Gateway.ProbeMethod) {
	case "GET", "POST", "":
	default:
		return fmt.Errorf("gateway.probe_method must be GET or POST; got %q", c.Gateway.ProbeMethod)
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
		if p == "/" {
			return fmt.Errorf("metrics.path %q would shadow intercepted requests", p)
		}
		if p == AdminPrefix || strings.HasPrefix(p, AdminPrefix+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, AdminPrefix)
		}
	}

	return nil
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", key, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host; got %q", key, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.App.Name == "" {
		c.App.Name = "diffuse"
	}
	c.App.Origin = strings.TrimRight(c.App.Origin, "/")
	if c.App.Manifest == "" {
		c.App.Manifest = "tree.json"
	}
	if c.App.Bundles == nil {
		c.App.Bundles = []string{"brain.elm.js", "ui.elm.js"}
	}
	if c.App.Exclude == nil {
		c.App.Exclude = []string{"_headers", "_redirects", "CORS"}
	}
	if c.App.InstallConcurrency == 0 {
		c.App.InstallConcurrency = 8
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "data/cache"
	}
	if c.Gateway.Origin == "" {
		c.Gateway.Origin = "http://127.0.0.1:8080"
	}
	c.Gateway.Origin = strings.TrimRight(c.Gateway.Origin, "/")
	if c.Gateway.ProbeMethod == "" {
		c.Gateway.ProbeMethod = "POST"
	}
	c.Gateway.ProbeMethod = strings.ToUpper(c.Gateway.ProbeMethod)
	if c.DNS.DoHURL == "" {
		c.DNS.DoHURL = "https://cloudflare-dns.com/dns-query"
	}
	if c.Node.DelegateURL == "" {
		c.Node.DelegateURL = "https://node0.delegate.ipfs.io"
	}
	if c.Node.GatewayURL == "" {
		c.Node.GatewayURL = "https://ipfs.io"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// CacheKey returns the name of the current cache bucket: "<name>-<version>".
// The build version is used when app.version is not set.
func (c *Config) CacheKey(buildVersion string) string {
	v := c.App.Version
	if v == "" {
		v = buildVersion
	}
	return c.App.Name + "-" + v
}

// BaseURL returns the application origin with a trailing slash; relative
// asset paths are resolved against it.
func (c *AppConfig) BaseURL() string {
	return strings.TrimRight(c.Origin, "/") + "/"
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

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
