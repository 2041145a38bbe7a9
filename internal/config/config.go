// Package config handles CLI arguments and TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/banner-cache-proxy/config.toml",
	"configs/config.toml",
}

// maxTTLSeconds is the largest TTL that still fits in a time.Duration.
const maxTTLSeconds = uint64(math.MaxInt64 / int64(time.Second))

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	TTL      uint64 `kong:"arg,name='ttl',help='Cache time-to-live in seconds (non-negative integer).'"`
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).'"`
	CacheDir string `kong:"help='Cache storage directory (overrides config).'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Cache   CacheConfig   `toml:"cache"`
	Origin  OriginConfig  `toml:"origin"`
	Log     LogConfig     `toml:"log"`
	Admin   AdminConfig   `toml:"admin"`
	Metrics MetricsConfig `toml:"metrics"`

	ttlSeconds uint64 // from the positional CLI argument
	filePath   string // resolved config file path (unexported)
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`    // 0 means "use default" (8888)
	Workers        int    `toml:"workers"` // connections processed at once; 0 means 1
	MaxHeaderBytes int    `toml:"max_header_bytes"`
}

// CacheConfig holds cache storage settings.
type CacheConfig struct {
	Dir     string `toml:"dir"`
	Backend string `toml:"backend"`
}

// OriginConfig holds origin server connection settings.
type OriginConfig struct {
	Port               int    `toml:"port"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"` // 0 disables the timeout
	IOTimeoutSeconds   int    `toml:"io_timeout_seconds"`   // 0 disables the timeout
	MaxHTMLBytes       int64  `toml:"max_html_bytes"`
	Charset            string `toml:"charset"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds the optional admin HTTP server settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// MaxHTMLBytesLimit caps origin.max_html_bytes. HTML responses are held in
// memory whole, twice over, before banner injection.
const MaxHTMLBytesLimit = 1 << 30

// Cache backends.
const (
	BackendFiles   = "files"
	BackendLevelDB = "leveldb"
)

// CharsetWindows1252 makes HTML bodies pass through a Windows-1252 decode
// before banner injection, re-encoding them as UTF-8.
const CharsetWindows1252 = "windows-1252"

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/banner-cache-proxy/config.toml then configs/config.toml, and falls
// back to built-in defaults when neither exists.
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	if cfg.Admin.Enabled && cfg.Admin.Addr() == cfg.Server.Addr() {
		return nil, fmt.Errorf("config: validate: admin address %s collides with proxy listen address", cfg.Admin.Addr())
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	c.ttlSeconds = cli.TTL
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.CacheDir != "" {
		c.Cache.Dir = cli.CacheDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.ttlSeconds > maxTTLSeconds {
		return fmt.Errorf("ttl must be at most %d seconds; got %d", maxTTLSeconds, c.ttlSeconds)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.Workers < 0 {
		return fmt.Errorf("server.workers must be non-negative; got %d", c.Server.Workers)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("server.max_header_bytes must be non-negative; got %d", c.Server.MaxHeaderBytes)
	}
	if c.Origin.Port < 0 || c.Origin.Port > 65535 {
		return fmt.Errorf("origin.port must be 0–65535; got %d", c.Origin.Port)
	}
	if c.Origin.DialTimeoutSeconds < 0 {
		return fmt.Errorf("origin.dial_timeout_seconds must be non-negative; got %d", c.Origin.DialTimeoutSeconds)
	}
	if c.Origin.IOTimeoutSeconds < 0 {
		return fmt.Errorf("origin.io_timeout_seconds must be non-negative; got %d", c.Origin.IOTimeoutSeconds)
	}
	if c.Origin.MaxHTMLBytes < 0 || c.Origin.MaxHTMLBytes > MaxHTMLBytesLimit {
		return fmt.Errorf("origin.max_html_bytes must be 0–%d; got %d", MaxHTMLBytesLimit, c.Origin.MaxHTMLBytes)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Cache.Backend) {
	case BackendFiles, BackendLevelDB, "":
		// valid
	default:
		return fmt.Errorf("cache.backend must be one of: files, leveldb; got %q", c.Cache.Backend)
	}
	switch strings.ToLower(c.Origin.Charset) {
	case CharsetWindows1252, "":
		// valid
	default:
		return fmt.Errorf("origin.charset must be empty or %q; got %q", CharsetWindows1252, c.Origin.Charset)
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
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults matching a bare
// invocation: loopback port 8888, storage in the working directory,
// one connection at a time.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 1
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 8192
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "."
	}
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendFiles
	}
	if c.Origin.Port == 0 {
		c.Origin.Port = 80
	}
	if c.Origin.MaxHTMLBytes == 0 {
		c.Origin.MaxHTMLBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Origin.Charset = strings.ToLower(c.Origin.Charset)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8889
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

// TTL returns the cache time-to-live.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.ttlSeconds) * time.Second
}

// SetTTL sets the cache time-to-live in whole seconds.
func (c *Config) SetTTL(seconds uint64) {
	c.ttlSeconds = seconds
}

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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
