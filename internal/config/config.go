// Package config loads configuration from environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fruitsalade/fileserver/internal/snowflake"
)

var validate = validator.New()

// ErrDatabaseRequired is returned by RequireDatabase when DATABASE_URL is unset.
var ErrDatabaseRequired = errors.New("DATABASE_URL is required")

// Config holds all service configuration.
type Config struct {
	// Server
	MetricsAddr string

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// Database
	DatabaseURL string

	// Id allocation
	MachineID        int64 `validate:"gte=0,lte=255"`
	SnowflakeEpochMS int64 `validate:"gte=0"`

	// Storage backend ("local", "smb", "s3" or "memory", default: "local")
	StorageBackend   string `validate:"oneof=local smb s3 memory"`
	LocalStoragePath string `validate:"required_if=StorageBackend local"`
	SMBServer        string
	SMBMountPath     string `validate:"required_if=StorageBackend smb"`

	// S3 storage
	S3Endpoint  string
	S3Bucket    string `validate:"required_if=StorageBackend s3"`
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Webhooks
	WebhookTimeout time.Duration `validate:"gt=0"`
	WebhookFanout  int           `validate:"gte=1,lte=100"`

	// Periodic reconciliation of every root; 0 disables it.
	SyncInterval time.Duration `validate:"gte=0"`

	// Comma separated owner ids whose roots the daemon provisions on start.
	RootOwners string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		MachineID:        envInt64("MACHINE_ID", 0),
		SnowflakeEpochMS: envInt64("SNOWFLAKE_EPOCH_MS", snowflake.DefaultEpoch),
		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		SMBServer:        envOr("SMB_SERVER", ""),
		SMBMountPath:     envOr("SMB_MOUNT_PATH", ""),
		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Bucket:         envOr("S3_BUCKET", ""),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("S3_USE_SSL", true),
		WebhookTimeout:   envDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookFanout:    envInt("WEBHOOK_FANOUT", 10),
		SyncInterval:     envDuration("SYNC_INTERVAL", 0),
		RootOwners:       envOr("ROOT_OWNERS", ""),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and returns the first failure.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("config %s: validation failed on '%s' tag (value: %v)",
				e.Field(), e.Tag(), e.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RequireDatabase fails when no database is configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseRequired
	}
	return nil
}

// RootOwnerIDs parses RootOwners.
func (c *Config) RootOwnerIDs() ([]int64, error) {
	var owners []int64
	for _, part := range strings.Split(c.RootOwners, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		owner, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ROOT_OWNERS: invalid owner id %q", part)
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

// BackendJSON returns the storage backend type and its JSON config, in
// the form the storage factory accepts.
func (c *Config) BackendJSON() (string, json.RawMessage, error) {
	var v any
	switch c.StorageBackend {
	case "local":
		v = map[string]any{"root_path": c.LocalStoragePath, "create_dirs": true}
	case "smb":
		v = map[string]any{"server": c.SMBServer, "mount_path": c.SMBMountPath}
	case "s3":
		v = map[string]any{
			"endpoint":   c.S3Endpoint,
			"bucket":     c.S3Bucket,
			"access_key": c.S3AccessKey,
			"secret_key": c.S3SecretKey,
			"region":     c.S3Region,
			"use_ssl":    c.S3UseSSL,
		}
	case "memory":
		return c.StorageBackend, nil, nil
	default:
		return "", nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return c.StorageBackend, raw, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
