package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

// clearEnv blanks the override variables; an empty value counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvDatabaseURL, EnvHTTPPort, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "{}\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Database.URL != DefaultDatabaseURL {
		t.Errorf("database.url: got %q, want %q", cfg.Database.URL, DefaultDatabaseURL)
	}
	if cfg.RateLimiting.BurstSize != DefaultBurstSize {
		t.Errorf("burst_size: got %d, want %d", cfg.RateLimiting.BurstSize, DefaultBurstSize)
	}
	if cfg.Limits.MaxBodySize != 1<<20 {
		t.Errorf("max_body_size: got %d, want 1MiB", cfg.Limits.MaxBodySize)
	}
	if cfg.Cleanup.BinExpiry != time.Hour {
		t.Errorf("bin_expiry: got %v, want 1h", cfg.Cleanup.BinExpiry)
	}
	if cfg.Hub.BufferSize != DefaultHubBufferSize {
		t.Errorf("hub.buffer_size: got %d, want %d", cfg.Hub.BufferSize, DefaultHubBufferSize)
	}
}

func TestLoad_Full(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, `server:
  host: 127.0.0.1
  http_port: 8081
  read_timeout: 5s
database:
  url: redis://localhost:6379/2
  max_connections: 12
rate_limiting:
  requests_per_second: 0.5
  burst_size: 3
  cleanup_interval: 2m
limits:
  max_requests_per_bin: 20
  max_body_size: 4096
  max_headers_size: 2048
cleanup:
  bin_expiry: 30m
  interval: 10s
hub:
  buffer_size: 8
logging:
  level: debug
  format: text
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Server.Addr(); got != "127.0.0.1:8081" {
		t.Errorf("Addr: got %q", got)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("read_timeout: got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("write_timeout kept default: got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Database.URL != "redis://localhost:6379/2" || cfg.Database.MaxConnections != 12 {
		t.Errorf("database: got %+v", cfg.Database)
	}
	if cfg.RateLimiting.RequestsPerSecond != 0.5 {
		t.Errorf("requests_per_second: got %v", cfg.RateLimiting.RequestsPerSecond)
	}
	if cfg.RateLimiting.IdleAfter != DefaultCleanupInterval {
		t.Errorf("idle_after: got %v, want default %v", cfg.RateLimiting.IdleAfter, DefaultCleanupInterval)
	}
	if cfg.Limits.MaxRequestsPerBin != 20 {
		t.Errorf("max_requests_per_bin: got %d", cfg.Limits.MaxRequestsPerBin)
	}
	if cfg.Cleanup.BinExpiry != 30*time.Minute || cfg.Cleanup.Interval != 10*time.Second {
		t.Errorf("cleanup: got %+v", cfg.Cleanup)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging: got %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "sqlite:///tmp/override.db")
	t.Setenv(EnvHTTPPort, "4000")
	t.Setenv(EnvLogLevel, "warn")

	p := writeConfig(t, `server:
  http_port: 9000
database:
  url: sqlite://file.db
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "sqlite:///tmp/override.db" {
		t.Errorf("database.url: got %q", cfg.Database.URL)
	}
	if cfg.Server.HTTPPort != 4000 {
		t.Errorf("http_port: got %d, want 4000", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level: got %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_BadEnvPort(t *testing.T) {
	t.Setenv(EnvHTTPPort, "http")
	if _, err := Load(writeConfig(t, "{}\n")); err == nil {
		t.Fatal("expected error for non-numeric port override")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"port":       "server:\n  http_port: 70000\n",
		"cap":        "limits:\n  max_requests_per_bin: 0\n",
		"burst":      "rate_limiting:\n  burst_size: 0\n",
		"rps":        "rate_limiting:\n  requests_per_second: 0\n",
		"expiry":     "cleanup:\n  bin_expiry: 0s\n",
		"log level":  "logging:\n  level: verbose\n",
		"log format": "logging:\n  format: xml\n",
		"buffer":     "hub:\n  buffer_size: 0\n",
		"yaml":       "server: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWriteDefault(t *testing.T) {
	clearEnv(t)
	p := filepath.Join(t.TempDir(), "conf", "reqbin.yaml")

	created, err := WriteDefault(p)
	if err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if !created {
		t.Fatal("expected file to be created")
	}

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load written default: %v", err)
	}
	if cfg.Cleanup.BinExpiry != DefaultBinExpiry {
		t.Errorf("bin_expiry round trip: got %v", cfg.Cleanup.BinExpiry)
	}

	if err := os.WriteFile(p, []byte("server:\n  http_port: 1234\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	created, err = WriteDefault(p)
	if err != nil {
		t.Fatalf("WriteDefault on existing: %v", err)
	}
	if created {
		t.Error("existing file must not be overwritten")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("REQBIN_TEST_FROM_DOTENV=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("REQBIN_TEST_FROM_DOTENV") })

	if err := LoadEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("REQBIN_TEST_FROM_DOTENV"); got != "yes" {
		t.Errorf("env from .env: got %q, want yes", got)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "limits:\n  max_requests_per_bin: 10\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() { errc <- Watch(ctx, p, logger, func(c *Config) { changes <- c }) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	if err := os.WriteFile(p, []byte("limits:\n  max_requests_per_bin: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("limits:\n  max_requests_per_bin: 42\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Limits.MaxRequestsPerBin == 42 {
				cancel()
				if err := <-errc; err != nil {
					t.Errorf("Watch returned %v", err)
				}
				return
			}
			if c.Limits.MaxRequestsPerBin == 0 {
				t.Fatal("invalid config must not be delivered")
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
