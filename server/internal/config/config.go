package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHost              = "0.0.0.0"
	DefaultHTTPPort          = 3000
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultDatabaseURL       = "sqlite://reqbin.db"
	DefaultMaxConnections    = 5
	DefaultRequestsPerSecond = 2
	DefaultBurstSize         = 5
	DefaultCleanupInterval   = 60 * time.Second
	DefaultMaxRequestsPerBin = 100
	DefaultMaxBodySize       = 1 << 20
	DefaultMaxHeadersSize    = 1 << 20
	DefaultBinExpiry         = time.Hour
	DefaultSweepInterval     = 60 * time.Second
	DefaultHubBufferSize     = 100
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

// Environment variables that override values from the file.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvHTTPPort    = "REQBIN_HTTP_PORT"
	EnvLogLevel    = "REQBIN_LOG_LEVEL"
)

// Config is the reqbin server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Limits       LimitsConfig       `yaml:"limits"`
	Cleanup      CleanupConfig      `yaml:"cleanup"`
	Hub          HubConfig          `yaml:"hub"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns the host:port the server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	// URL is sqlite://path, sqlite::memory:, redis://host:port/db or rediss://...
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

// RateLimitingConfig is the per-client token bucket.
type RateLimitingConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`

	// IdleAfter is how long a client's bucket survives without traffic.
	// Defaults to CleanupInterval.
	IdleAfter time.Duration `yaml:"idle_after"`
}

// LimitsConfig bounds bins and captured payloads.
type LimitsConfig struct {
	MaxRequestsPerBin int `yaml:"max_requests_per_bin"`
	MaxBodySize       int `yaml:"max_body_size"`
	MaxHeadersSize    int `yaml:"max_headers_size"`
}

// CleanupConfig drives the eviction scheduler.
type CleanupConfig struct {
	BinExpiry time.Duration `yaml:"bin_expiry"`
	Interval  time.Duration `yaml:"interval"`
}

// HubConfig sizes per-observer queues.
type HubConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before unmarshalling; environment overrides are applied
// afterwards and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// LoadEnv loads variables from the given .env files (default ".env") into the
// process environment. Missing files are not an error; variables already set
// in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// WriteDefault writes the default configuration to path if no file exists
// there yet. It reports whether a file was created.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("config: stat %q: %w", path, err)
	}

	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return false, fmt.Errorf("config: encode defaults: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("config: create %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("config: write %q: %w", path, err)
	}
	return true, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			HTTPPort:     DefaultHTTPPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Database: DatabaseConfig{
			URL:            DefaultDatabaseURL,
			MaxConnections: DefaultMaxConnections,
		},
		RateLimiting: RateLimitingConfig{
			RequestsPerSecond: DefaultRequestsPerSecond,
			BurstSize:         DefaultBurstSize,
			CleanupInterval:   DefaultCleanupInterval,
			IdleAfter:         DefaultCleanupInterval,
		},
		Limits: LimitsConfig{
			MaxRequestsPerBin: DefaultMaxRequestsPerBin,
			MaxBodySize:       DefaultMaxBodySize,
			MaxHeadersSize:    DefaultMaxHeadersSize,
		},
		Cleanup: CleanupConfig{
			BinExpiry: DefaultBinExpiry,
			Interval:  DefaultSweepInterval,
		},
		Hub: HubConfig{
			BufferSize: DefaultHubBufferSize,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q is not a port number", EnvHTTPPort, v)
		}
		cfg.Server.HTTPPort = port
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}
	if cfg.RateLimiting.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limiting.requests_per_second must be positive")
	}
	if cfg.RateLimiting.BurstSize < 1 {
		return fmt.Errorf("rate_limiting.burst_size must be at least 1")
	}
	if cfg.RateLimiting.CleanupInterval <= 0 {
		return fmt.Errorf("rate_limiting.cleanup_interval must be positive")
	}
	if cfg.RateLimiting.IdleAfter <= 0 {
		cfg.RateLimiting.IdleAfter = cfg.RateLimiting.CleanupInterval
	}
	if cfg.Limits.MaxRequestsPerBin < 1 {
		return fmt.Errorf("limits.max_requests_per_bin must be at least 1")
	}
	if cfg.Limits.MaxBodySize < 0 || cfg.Limits.MaxHeadersSize < 0 {
		return fmt.Errorf("limits sizes must not be negative")
	}
	if cfg.Cleanup.BinExpiry <= 0 {
		return fmt.Errorf("cleanup.bin_expiry must be positive")
	}
	if cfg.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be positive")
	}
	if cfg.Hub.BufferSize < 1 {
		return fmt.Errorf("hub.buffer_size must be at least 1")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown: want debug|info|warn|error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q unknown: want json|text", cfg.Logging.Format)
	}
	return nil
}
