package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure shared by the server and the
// offline client. It is read-only after Load() returns and thread-safe for
// concurrent reads.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	ChangeLog   ChangeLogConfig   `yaml:"changelog"`
	Worker      WorkerConfig      `yaml:"worker"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Log         LogConfig         `yaml:"log"`
	Client      ClientConfig      `yaml:"client"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains token signing settings.
type AuthConfig struct {
	JWTSecret string   `yaml:"-"` // env-only, never in YAML
	TokenTTL  Duration `yaml:"token_ttl"`
}

// RateLimitConfig bounds write throughput per owner.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// IdempotencyConfig contains Idempotency-Key replay settings.
type IdempotencyConfig struct {
	TTL Duration `yaml:"ttl"`
}

// ChangeLogConfig contains change log retention settings.
type ChangeLogConfig struct {
	Retention Duration `yaml:"retention"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	IdempotencyCleanupInterval Duration `yaml:"idempotency_cleanup_interval"`
	RetentionInterval          Duration `yaml:"retention_interval"`
	RetentionBatchSize         int      `yaml:"retention_batch_size"`
}

// ArchiveConfig contains S3-compatible storage settings for pruned change
// log entries. An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
	UseSSL    *bool  `yaml:"use_ssl"`
}

// Enabled reports whether archiving to object storage is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ClientConfig contains settings for the offline client.
type ClientConfig struct {
	ServerURL      string   `yaml:"server_url"`
	Token          string   `yaml:"-"` // env-only
	ReplicaPath    string   `yaml:"replica_path"`
	SyncInterval   Duration `yaml:"sync_interval"`
	RequestTimeout Duration `yaml:"request_timeout"`
	Parallelism    int      `yaml:"parallelism"`
	PageSize       int      `yaml:"page_size"`
	MaxAttempts    int      `yaml:"max_attempts"`
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
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("DRIFTLINE_CONFIG_PATH", "config/driftline.yaml")

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
// Used by tests and the --config flag.
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
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/driftline.db",
		},
		Auth: AuthConfig{
			TokenTTL: Duration(30 * 24 * time.Hour),
		},
		RateLimit: RateLimitConfig{
			PerSecond: 20,
			Burst:     40,
		},
		Idempotency: IdempotencyConfig{
			TTL: Duration(24 * time.Hour),
		},
		ChangeLog: ChangeLogConfig{
			Retention: Duration(90 * 24 * time.Hour),
		},
		Worker: WorkerConfig{
			IdempotencyCleanupInterval: Duration(1 * time.Hour),
			RetentionInterval:          Duration(24 * time.Hour),
			RetentionBatchSize:         1000,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "driftline/",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			ReplicaPath:    "data/replica.db",
			SyncInterval:   Duration(1 * time.Minute),
			RequestTimeout: Duration(30 * time.Second),
			Parallelism:    4,
			PageSize:       100,
			MaxAttempts:    8,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
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
	envInt("DRIFTLINE_PORT", &cfg.Server.Port)
	envDuration("DRIFTLINE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("DRIFTLINE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("DRIFTLINE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("DRIFTLINE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("DRIFTLINE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	envDuration("DRIFTLINE_TOKEN_TTL", &cfg.Auth.TokenTTL)

	// Rate limit
	if v := os.Getenv("DRIFTLINE_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.PerSecond = f
		}
	}
	envInt("DRIFTLINE_RATE_BURST", &cfg.RateLimit.Burst)

	// Idempotency and retention
	envDuration("DRIFTLINE_IDEMPOTENCY_TTL", &cfg.Idempotency.TTL)
	envDuration("DRIFTLINE_CHANGELOG_RETENTION", &cfg.ChangeLog.Retention)
	envDuration("DRIFTLINE_RETENTION_INTERVAL", &cfg.Worker.RetentionInterval)
	envDuration("DRIFTLINE_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.Worker.IdempotencyCleanupInterval)

	// Archive
	if v := os.Getenv("DRIFTLINE_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("DRIFTLINE_S3_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("DRIFTLINE_S3_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("DRIFTLINE_S3_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("DRIFTLINE_S3_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("DRIFTLINE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}

	// Log
	if v := os.Getenv("DRIFTLINE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DRIFTLINE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("DRIFTLINE_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	// Client
	if v := os.Getenv("DRIFTLINE_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("DRIFTLINE_TOKEN"); v != "" {
		cfg.Client.Token = v
	}
	if v := os.Getenv("DRIFTLINE_REPLICA_PATH"); v != "" {
		cfg.Client.ReplicaPath = v
	}
	envDuration("DRIFTLINE_SYNC_INTERVAL", &cfg.Client.SyncInterval)
	envInt("DRIFTLINE_SYNC_PARALLELISM", &cfg.Client.Parallelism)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
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

// validate checks value ranges that apply to every command.
func (c *Config) validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Client.Parallelism < 1 {
		problems = append(problems, "client.parallelism must be at least 1")
	}
	if c.Client.PageSize < 1 || c.Client.PageSize > 500 {
		problems = append(problems, "client.page_size must be between 1 and 500")
	}
	if c.Client.MaxAttempts < 1 {
		problems = append(problems, "client.max_attempts must be at least 1")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst < 1 {
		problems = append(problems, "rate_limit.per_second and rate_limit.burst must be positive")
	}
	if time.Duration(c.ChangeLog.Retention) <= 0 {
		problems = append(problems, "changelog.retention must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// ValidateServer checks the settings the sync server needs.
// In dev mode (DRIFTLINE_DEV_MODE=true), secret validation is skipped.
func (c *Config) ValidateServer() error {
	if DevMode() {
		return nil
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("DRIFTLINE_JWT_SECRET is required")
	}
	if c.Archive.Enabled() && (c.Archive.AccessKey == "" || c.Archive.SecretKey == "") {
		return errors.New("DRIFTLINE_S3_ACCESS_KEY and DRIFTLINE_S3_SECRET_KEY are required when archive.bucket is set")
	}
	return nil
}

// ValidateClient checks the settings the offline client needs.
func (c *Config) ValidateClient() error {
	if c.Client.ServerURL == "" {
		return errors.New("client.server_url is required")
	}
	if c.Client.Token == "" {
		return errors.New("DRIFTLINE_TOKEN is required")
	}
	return nil
}

// DevMode reports whether DRIFTLINE_DEV_MODE is enabled.
func DevMode() bool {
	return os.Getenv("DRIFTLINE_DEV_MODE") == "true"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
