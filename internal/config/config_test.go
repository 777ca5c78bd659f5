package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"DELTASYNC_CONFIG_PATH",
		"DELTASYNC_DEV_MODE",
		"DELTASYNC_PORT",
		"DELTASYNC_READ_TIMEOUT",
		"DELTASYNC_WRITE_TIMEOUT",
		"DELTASYNC_SHUTDOWN_TIMEOUT",
		"DELTASYNC_DB_DRIVER",
		"DELTASYNC_DB_DSN",
		"BOARD_API_TOKEN",
		"DELTASYNC_API_URL",
		"DELTASYNC_API_VERSION",
		"DELTASYNC_BOARD_ID",
		"DELTASYNC_SUBITEM_BOARD_ID",
		"DELTASYNC_STAGING_MAX_REJECT_RATIO",
		"DELTASYNC_API_TIMEOUT",
		"DELTASYNC_API_MAX_ATTEMPTS",
		"DELTASYNC_API_MAX_IN_FLIGHT",
		"DELTASYNC_API_CHUNK_SIZE",
		"DELTASYNC_WORKERS",
		"DELTASYNC_MAX_RETRIES",
		"DELTASYNC_LIMIT",
		"DELTASYNC_SYNC_INTERVAL",
		"DELTASYNC_RETRY_INTERVAL",
		"DELTASYNC_SOURCE_TABLE",
		"DELTASYNC_SCHEMA_PATH",
		"DELTASYNC_MAPPING_PATH",
		"DELTASYNC_STAGING_CHUNK_SIZE",
		"DELTASYNC_STAGING_STRICT",
		"DELTASYNC_API_KEY",
		"DELTASYNC_LOG_LEVEL",
		"DELTASYNC_LOG_FORMAT",
		"DELTASYNC_ARCHIVE_BUCKET",
		"DELTASYNC_S3_ENDPOINT",
		"DELTASYNC_S3_REGION",
		"DELTASYNC_S3_ACCESS_KEY",
		"DELTASYNC_S3_SECRET_KEY",
		"DELTASYNC_S3_USE_SSL",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// Helper to set dev mode so token validation is skipped
func setDevModeEnv(t *testing.T) {
	t.Helper()
	os.Setenv("DELTASYNC_DEV_MODE", "true")
}

// Helper to set production env vars (token and board required)
func setProdEnv(t *testing.T) {
	t.Helper()
	os.Setenv("BOARD_API_TOKEN", "board-token")
	os.Setenv("DELTASYNC_BOARD_ID", "123456")
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// Test: Default values when no config file and no env vars (dev mode)
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "data/deltasync.db" {
		t.Errorf("Database = %+v, want sqlite data/deltasync.db", cfg.Database)
	}
	if cfg.External.MaxAttempts != 5 {
		t.Errorf("External.MaxAttempts = %d, want 5", cfg.External.MaxAttempts)
	}
	if dur(cfg.External.MaxDelay) != 60*time.Second {
		t.Errorf("External.MaxDelay = %v, want 60s", cfg.External.MaxDelay)
	}
	if cfg.External.MaxInFlight != 4 || cfg.External.ChunkSize != 25 {
		t.Errorf("External in-flight/chunk = %d/%d, want 4/25", cfg.External.MaxInFlight, cfg.External.ChunkSize)
	}
	if cfg.Sync.Workers != 4 || cfg.Sync.MaxRetries != 5 || cfg.Sync.Limit != 0 {
		t.Errorf("Sync = %+v, want workers 4, max retries 5, no limit", cfg.Sync)
	}
	if cfg.Source.Table != "orders" {
		t.Errorf("Source.Table = %q, want %q", cfg.Source.Table, "orders")
	}
	if cfg.Staging.ChunkSize != 500 || cfg.Staging.Strict || cfg.Staging.MaxRejectRatio != 0.5 {
		t.Errorf("Staging = %+v, want chunk 500 lenient, reject ratio 0.5", cfg.Staging)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.Archive.Bucket != "" {
		t.Errorf("Archive.Bucket = %q, want empty", cfg.Archive.Bucket)
	}
	if cfg.Archive.UseSSL == nil || !*cfg.Archive.UseSSL {
		t.Error("Archive.UseSSL should default to true")
	}
}

// Test: Validation fails without the board token (non-dev mode)
func TestLoad_ValidationFailsWithoutToken(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when BOARD_API_TOKEN missing, got nil")
	}
	if !strings.Contains(err.Error(), "BOARD_API_TOKEN") {
		t.Errorf("error %q should name BOARD_API_TOKEN", err)
	}
}

// Test: Validation fails without a board id
func TestLoad_ValidationFailsWithoutBoard(t *testing.T) {
	clearEnv(t)
	os.Setenv("BOARD_API_TOKEN", "board-token")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "board_id") {
		t.Errorf("Load() error = %v, want board_id error", err)
	}
}

// Test: Validation passes with token and board set via env vars
func TestLoad_ValidationPassesWithToken(t *testing.T) {
	clearEnv(t)
	setProdEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.External.APIToken != "board-token" {
		t.Errorf("External.APIToken = %q, want %q", cfg.External.APIToken, "board-token")
	}
	if cfg.External.BoardID != "123456" {
		t.Errorf("External.BoardID = %q, want %q", cfg.External.BoardID, "123456")
	}
}

// Test: Structural limits are validated even in dev mode
func TestLoad_RejectsNonPositiveLimits(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"workers", "sync:\n  workers: 0\n"},
		{"max_in_flight", "external:\n  max_in_flight: 0\n"},
		{"chunk_size", "external:\n  chunk_size: -1\n"},
		{"max_attempts", "external:\n  max_attempts: 0\n"},
		{"max_retries", "sync:\n  max_retries: 0\n"},
		{"max_reject_ratio", "staging:\n  max_reject_ratio: 1.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setDevModeEnv(t)
			_, err := LoadFromFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Errorf("LoadFromFile() expected error for %s", tt.name)
			}
		})
	}
}

// Test: Empty env var does NOT override (only non-empty values override)
func TestLoad_EmptyEnvVarDoesNotOverride(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("DELTASYNC_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
}

// Test: Unparseable numeric env var keeps the previous value
func TestLoad_InvalidEnvNumberIgnored(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("DELTASYNC_WORKERS", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("Sync.Workers = %d, want 4", cfg.Sync.Workers)
	}
}

// Test: YAML file loading
func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
server:
  port: 9999
database:
  driver: postgres
  dsn: postgres://sync@localhost/sync
external:
  board_id: "42"
  chunk_size: 10
  base_delay: 250ms
sync:
  workers: 8
  max_retries: 3
source:
  table: po_lines
staging:
  strict: true
log:
  level: warn
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://sync@localhost/sync" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.External.BoardID != "42" || cfg.External.ChunkSize != 10 {
		t.Errorf("External = %+v", cfg.External)
	}
	if dur(cfg.External.BaseDelay) != 250*time.Millisecond {
		t.Errorf("External.BaseDelay = %v, want 250ms", cfg.External.BaseDelay)
	}
	if cfg.Sync.Workers != 8 || cfg.Sync.MaxRetries != 3 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Source.Table != "po_lines" {
		t.Errorf("Source.Table = %q, want po_lines", cfg.Source.Table)
	}
	if !cfg.Staging.Strict {
		t.Error("Staging.Strict should be true from YAML")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	// Unset sections keep their defaults
	if cfg.External.MaxInFlight != 4 {
		t.Errorf("External.MaxInFlight = %d, want default 4", cfg.External.MaxInFlight)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
server:
  port: 9000
log:
  level: warn
`)
	os.Setenv("DELTASYNC_CONFIG_PATH", path)
	os.Setenv("DELTASYNC_PORT", "8888")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888 (env override)", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

// Test: Invalid YAML returns error
func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
server:
  port: not_a_number
  this is invalid yaml [
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

// Test: Missing config file is NOT an error (uses defaults)
func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("DELTASYNC_CONFIG_PATH", "/nonexistent/path/config.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file, got: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
}

// Test: Explicit zero in YAML overrides a non-zero default
func TestLoadFromFile_ExplicitZeroOverridesDefault(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := LoadFromFile(writeConfig(t, "staging:\n  chunk_attempts: 0\n"))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Staging.ChunkAttempts != 0 {
		t.Errorf("Staging.ChunkAttempts = %d, want 0 (explicit)", cfg.Staging.ChunkAttempts)
	}
}

// Test: Invalid duration string returns error
func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	if _, err := LoadFromFile(writeConfig(t, "sync:\n  interval: soon\n")); err == nil {
		t.Error("LoadFromFile() expected error for invalid duration, got nil")
	}
}

// Test: Secrets are not serializable via YAML tag
func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := &Config{
		External: ExternalConfig{APIToken: "board-secret"},
		Auth:     AuthConfig{APIKey: "api-secret"},
		Archive:  ArchiveConfig{Bucket: "b", AccessKey: "access-secret", SecretKey: "secret-secret"},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}

	yamlStr := string(data)
	for _, secret := range []string{"board-secret", "api-secret", "access-secret", "secret-secret"} {
		if strings.Contains(yamlStr, secret) {
			t.Errorf("YAML contains secret %q: %s", secret, yamlStr)
		}
	}
}

// Test: All env var mappings work correctly
func TestLoad_AllEnvVarMappings(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	env := map[string]string{
		"DELTASYNC_PORT":                     "3000",
		"DELTASYNC_READ_TIMEOUT":             "45s",
		"DELTASYNC_DB_DRIVER":                "postgres",
		"DELTASYNC_DB_DSN":                   "postgres://env",
		"BOARD_API_TOKEN":                    "tok",
		"DELTASYNC_API_URL":                  "http://board.local/v2",
		"DELTASYNC_API_VERSION":              "2025-01",
		"DELTASYNC_BOARD_ID":                 "99",
		"DELTASYNC_SUBITEM_BOARD_ID":         "98",
		"DELTASYNC_API_TIMEOUT":              "5s",
		"DELTASYNC_API_MAX_ATTEMPTS":         "7",
		"DELTASYNC_API_MAX_IN_FLIGHT":        "2",
		"DELTASYNC_API_CHUNK_SIZE":           "50",
		"DELTASYNC_WORKERS":                  "16",
		"DELTASYNC_MAX_RETRIES":              "9",
		"DELTASYNC_LIMIT":                    "100",
		"DELTASYNC_SYNC_INTERVAL":            "1m",
		"DELTASYNC_RETRY_INTERVAL":           "2h",
		"DELTASYNC_SOURCE_TABLE":             "orders_v2",
		"DELTASYNC_SCHEMA_PATH":              "/etc/schema.yaml",
		"DELTASYNC_MAPPING_PATH":             "/etc/mapping.yaml",
		"DELTASYNC_STAGING_CHUNK_SIZE":       "1000",
		"DELTASYNC_STAGING_STRICT":           "true",
		"DELTASYNC_STAGING_MAX_REJECT_RATIO": "0.1",
		"DELTASYNC_API_KEY":                  "ops-key",
		"DELTASYNC_LOG_LEVEL":                "error",
		"DELTASYNC_LOG_FORMAT":               "text",
		"DELTASYNC_ARCHIVE_BUCKET":           "runs-bucket",
		"DELTASYNC_S3_ENDPOINT":              "minio.local:9000",
		"DELTASYNC_S3_REGION":                "eu-west-1",
		"DELTASYNC_S3_ACCESS_KEY":            "ak",
		"DELTASYNC_S3_SECRET_KEY":            "sk",
		"DELTASYNC_S3_USE_SSL":               "false",
	}
	for k, v := range env {
		os.Setenv(k, v)
	}
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"Server.Port", cfg.Server.Port, 3000},
		{"Server.ReadTimeout", dur(cfg.Server.ReadTimeout), 45 * time.Second},
		{"Database.Driver", cfg.Database.Driver, "postgres"},
		{"Database.DSN", cfg.Database.DSN, "postgres://env"},
		{"External.APIToken", cfg.External.APIToken, "tok"},
		{"External.APIURL", cfg.External.APIURL, "http://board.local/v2"},
		{"External.APIVersion", cfg.External.APIVersion, "2025-01"},
		{"External.BoardID", cfg.External.BoardID, "99"},
		{"External.SubitemBoardID", cfg.External.SubitemBoardID, "98"},
		{"External.Timeout", dur(cfg.External.Timeout), 5 * time.Second},
		{"External.MaxAttempts", cfg.External.MaxAttempts, 7},
		{"External.MaxInFlight", cfg.External.MaxInFlight, 2},
		{"External.ChunkSize", cfg.External.ChunkSize, 50},
		{"Sync.Workers", cfg.Sync.Workers, 16},
		{"Sync.MaxRetries", cfg.Sync.MaxRetries, 9},
		{"Sync.Limit", cfg.Sync.Limit, 100},
		{"Sync.Interval", dur(cfg.Sync.Interval), time.Minute},
		{"Sync.RetryInterval", dur(cfg.Sync.RetryInterval), 2 * time.Hour},
		{"Source.Table", cfg.Source.Table, "orders_v2"},
		{"Source.SchemaPath", cfg.Source.SchemaPath, "/etc/schema.yaml"},
		{"Source.MappingPath", cfg.Source.MappingPath, "/etc/mapping.yaml"},
		{"Staging.ChunkSize", cfg.Staging.ChunkSize, 1000},
		{"Staging.Strict", cfg.Staging.Strict, true},
		{"Staging.MaxRejectRatio", cfg.Staging.MaxRejectRatio, 0.1},
		{"Auth.APIKey", cfg.Auth.APIKey, "ops-key"},
		{"Log.Level", cfg.Log.Level, "error"},
		{"Log.Format", cfg.Log.Format, "text"},
		{"Archive.Bucket", cfg.Archive.Bucket, "runs-bucket"},
		{"Archive.Endpoint", cfg.Archive.Endpoint, "minio.local:9000"},
		{"Archive.Region", cfg.Archive.Region, "eu-west-1"},
		{"Archive.AccessKey", cfg.Archive.AccessKey, "ak"},
		{"Archive.SecretKey", cfg.Archive.SecretKey, "sk"},
		{"Archive.UseSSL", *cfg.Archive.UseSSL, false},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

// Test: Archive UseSSL keeps its default when YAML only sets the bucket
func TestConfig_Archive_UseSSLDefault(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := LoadFromFile(writeConfig(t, "archive:\n  bucket: some-bucket\n"))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Archive.Bucket != "some-bucket" {
		t.Errorf("Archive.Bucket = %q, want some-bucket", cfg.Archive.Bucket)
	}
	if cfg.Archive.UseSSL == nil || !*cfg.Archive.UseSSL {
		t.Error("UseSSL should default to true when not set in YAML")
	}
}
