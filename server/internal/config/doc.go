// Package config loads the reqbin server configuration from a YAML file.
//
// Sections and defaults:
//   - server        host 0.0.0.0, http_port 3000, read/write timeouts 30s
//   - database      url sqlite://reqbin.db, max_connections 5
//   - rate_limiting 2 requests/second, burst 5, cleanup_interval 60s,
//     idle_after defaults to cleanup_interval
//   - limits        max_requests_per_bin 100, body and headers 1 MiB each
//   - cleanup       bin_expiry 1h, interval 60s
//   - hub           buffer_size 100
//   - logging       level info, format json
//
// Load(path) applies defaults before unmarshalling, then environment overrides
// (DATABASE_URL, REQBIN_HTTP_PORT, REQBIN_LOG_LEVEL), then validates.
// LoadEnv reads .env files with godotenv. WriteDefault creates a default file
// when none exists. Watch reloads the file on change.
package config
