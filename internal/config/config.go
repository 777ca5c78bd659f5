package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	External ExternalConfig `yaml:"external"`
	Sync     SyncConfig     `yaml:"sync"`
	Source   SourceConfig   `yaml:"source"`
	Staging  StagingConfig  `yaml:"staging"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// ExternalConfig contains settings for the board service client.
type ExternalConfig struct {
	APIURL         string   `yaml:"api_url"`
	APIToken       string   `yaml:"-"` // env-only, never in YAML
	APIVersion     string   `yaml:"api_version"`
	BoardID        string   `yaml:"board_id"`
	SubitemBoardID string   `yaml:"subitem_board_id"` // defaults to BoardID
	Timeout        Duration `yaml:"timeout"`
	MaxAttempts    int      `yaml:"max_attempts"`
	BaseDelay      Duration `yaml:"base_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	TransportDelay Duration `yaml:"transport_delay"`
	MaxInFlight    int      `yaml:"max_in_flight"`
	ChunkSize      int      `yaml:"chunk_size"`
}

// SyncConfig contains orchestrator and scheduling settings.
type SyncConfig struct {
	Workers       int      `yaml:"workers"`
	MaxRetries    int      `yaml:"max_retries"`
	Limit         int      `yaml:"limit"`
	Interval      Duration `yaml:"interval"`
	RetryInterval Duration `yaml:"retry_interval"`
}

// SourceConfig locates the source table and its mapping files.
type SourceConfig struct {
	Table       string `yaml:"table"`
	SchemaPath  string `yaml:"schema_path"`
	MappingPath string `yaml:"mapping_path"`
}

// StagingConfig contains bulk-load settings for table rebuilds.
type StagingConfig struct {
	ChunkSize     int  `yaml:"chunk_size"`
	Strict        bool `yaml:"strict"`
	FailFast      bool `yaml:"fail_fast"`
	ChunkAttempts int  `yaml:"chunk_attempts"`

	// MaxRejectRatio is the share of extract rows that may be rejected
	// before a rebuild refuses to swap. An extract with every row rejected
	// never swaps.
	MaxRejectRatio float64 `yaml:"max_reject_ratio"`
}

// AuthConfig contains authentication settings for the ops API.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ArchiveConfig configures S3-compatible storage for run reports.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("DELTASYNC_CONFIG_PATH", "config/deltasync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(5 * time.Minute),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "data/deltasync.db",
		},
		External: ExternalConfig{
			APIURL:         "https://api.monday.com/v2",
			APIVersion:     "2024-01",
			Timeout:        Duration(30 * time.Second),
			MaxAttempts:    5,
			BaseDelay:      Duration(1 * time.Second),
			MaxDelay:       Duration(60 * time.Second),
			TransportDelay: Duration(2 * time.Second),
			MaxInFlight:    4,
			ChunkSize:      25,
		},
		Sync: SyncConfig{
			Workers:       4,
			MaxRetries:    5,
			Interval:      Duration(15 * time.Minute),
			RetryInterval: Duration(1 * time.Hour),
		},
		Source: SourceConfig{
			Table:       "orders",
			SchemaPath:  "config/schema.yaml",
			MappingPath: "config/mapping.yaml",
		},
		Staging: StagingConfig{
			ChunkSize:      500,
			ChunkAttempts:  3,
			MaxRejectRatio: 0.5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			UseSSL: boolPtr(true),
			Prefix: "runs",
		},
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("DELTASYNC_PORT", &cfg.Server.Port)
	envDuration("DELTASYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("DELTASYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("DELTASYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("DELTASYNC_DB_DRIVER", &cfg.Database.Driver)
	envString("DELTASYNC_DB_DSN", &cfg.Database.DSN)

	// External service (BOARD_API_TOKEN mirrors the service's own naming)
	envString("BOARD_API_TOKEN", &cfg.External.APIToken)
	envString("DELTASYNC_API_URL", &cfg.External.APIURL)
	envString("DELTASYNC_API_VERSION", &cfg.External.APIVersion)
	envString("DELTASYNC_BOARD_ID", &cfg.External.BoardID)
	envString("DELTASYNC_SUBITEM_BOARD_ID", &cfg.External.SubitemBoardID)
	envDuration("DELTASYNC_API_TIMEOUT", &cfg.External.Timeout)
	envInt("DELTASYNC_API_MAX_ATTEMPTS", &cfg.External.MaxAttempts)
	envInt("DELTASYNC_API_MAX_IN_FLIGHT", &cfg.External.MaxInFlight)
	envInt("DELTASYNC_API_CHUNK_SIZE", &cfg.External.ChunkSize)

	// Sync
	envInt("DELTASYNC_WORKERS", &cfg.Sync.Workers)
	envInt("DELTASYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envInt("DELTASYNC_LIMIT", &cfg.Sync.Limit)
	envDuration("DELTASYNC_SYNC_INTERVAL", &cfg.Sync.Interval)
	envDuration("DELTASYNC_RETRY_INTERVAL", &cfg.Sync.RetryInterval)

	// Source
	envString("DELTASYNC_SOURCE_TABLE", &cfg.Source.Table)
	envString("DELTASYNC_SCHEMA_PATH", &cfg.Source.SchemaPath)
	envString("DELTASYNC_MAPPING_PATH", &cfg.Source.MappingPath)

	// Staging
	envInt("DELTASYNC_STAGING_CHUNK_SIZE", &cfg.Staging.ChunkSize)
	if v := os.Getenv("DELTASYNC_STAGING_STRICT"); v != "" {
		cfg.Staging.Strict = v == "true" || v == "1"
	}
	envFloat("DELTASYNC_STAGING_MAX_REJECT_RATIO", &cfg.Staging.MaxRejectRatio)

	// Auth
	envString("DELTASYNC_API_KEY", &cfg.Auth.APIKey)

	// Log
	envString("DELTASYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("DELTASYNC_LOG_FORMAT", &cfg.Log.Format)

	// Archive
	envString("DELTASYNC_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	envString("DELTASYNC_S3_ENDPOINT", &cfg.Archive.Endpoint)
	envString("DELTASYNC_S3_REGION", &cfg.Archive.Region)
	envString("DELTASYNC_S3_ACCESS_KEY", &cfg.Archive.AccessKey)
	envString("DELTASYNC_S3_SECRET_KEY", &cfg.Archive.SecretKey)
	if v := os.Getenv("DELTASYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}
}

// validate checks that required configuration values are set.
// In dev mode (DELTASYNC_DEV_MODE=true), token validation is skipped.
func (c *Config) validate() error {
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.External.MaxInFlight < 1 {
		return fmt.Errorf("external.max_in_flight must be at least 1, got %d", c.External.MaxInFlight)
	}
	if c.External.ChunkSize < 1 {
		return fmt.Errorf("external.chunk_size must be at least 1, got %d", c.External.ChunkSize)
	}
	if c.External.MaxAttempts < 1 {
		return fmt.Errorf("external.max_attempts must be at least 1, got %d", c.External.MaxAttempts)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Staging.MaxRejectRatio < 0 || c.Staging.MaxRejectRatio > 1 {
		return fmt.Errorf("staging.max_reject_ratio must be between 0 and 1, got %g", c.Staging.MaxRejectRatio)
	}

	if os.Getenv("DELTASYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.External.APIToken == "" {
		return errors.New("BOARD_API_TOKEN is required")
	}
	if c.External.BoardID == "" {
		return errors.New("external.board_id is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
