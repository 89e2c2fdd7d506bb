// Package config builds the hub's configuration once at startup: typed
// defaults, overlaid by an optional YAML file, overlaid by environment
// variables, then validated. Nothing else in the tree reads the
// environment at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/fleetward/hub/pkg/canonicalize"
)

// Mode is the hub's operating role.
type Mode string

const (
	ModeWriter  Mode = "writer"
	ModeReplica Mode = "replica"
)

// Config enumerates every recognized option.
type Config struct {
	// Mode selects writer (authoritative) or replica (read-only follower).
	Mode Mode `yaml:"mode"`
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`
	// WriterAddress is the writer base URL a replica syncs from.
	WriterAddress string `yaml:"writer_address"`
	// SyncInterval is the replica's sync tick interval.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// ReplicaWriteGuard rejects mutating requests on a replica. On by
	// default; turning it off is only for test rigs.
	ReplicaWriteGuard bool `yaml:"replica_write_guard"`

	// AuthEnforce requires credentials on all non-public endpoints.
	// With enforcement off and no secret configured, all callers are
	// accepted (dev mode).
	AuthEnforce bool `yaml:"auth_enforce"`
	// AuthSecret is the legacy single secret (no rotation).
	AuthSecret string `yaml:"auth_secret"`
	// AuthActiveSecret/AuthNextSecret/AuthRotationDeadline configure
	// dual-secret rotation. Before the deadline both secrets are valid;
	// at or after it, only the next secret.
	AuthActiveSecret     string     `yaml:"auth_active_secret"`
	AuthNextSecret       string     `yaml:"auth_next_secret"`
	AuthRotationDeadline *time.Time `yaml:"auth_rotation_deadline"`

	// DriftThreshold escalates DRIFT to SPOOF_SUSPECT after this many
	// fingerprint transitions within DriftWindow.
	DriftThreshold int           `yaml:"drift_threshold"`
	DriftWindow    time.Duration `yaml:"drift_window"`
	// MinRuntimeVersion, when set, flags heartbeats from older runtimes.
	MinRuntimeVersion string `yaml:"min_runtime_version"`

	// RateLimitPerMinute caps submissions per source; excess is rejected
	// immediately. RateLimitBurst is the bucket capacity.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`

	// JournalPath is the writer's journal file; CheckpointPath is the
	// replica's persisted sync position.
	JournalPath    string `yaml:"journal_path"`
	CheckpointPath string `yaml:"checkpoint_path"`
	// StorePath enables the SQLite projection store; empty keeps
	// projections in memory. PostgresURL selects Postgres instead.
	StorePath   string `yaml:"store_path"`
	PostgresURL string `yaml:"postgres_url"`
	// RedisAddr enables the shared Redis rate limiter.
	RedisAddr string `yaml:"redis_addr"`

	// GovernanceEnabled turns on the policy gate for hub-initiated state
	// changes; GovernanceDryRun logs intended changes without applying
	// them; GovernancePolicy is the CEL expression.
	GovernanceEnabled bool   `yaml:"governance_enabled"`
	GovernanceDryRun  bool   `yaml:"governance_dry_run"`
	GovernancePolicy  string `yaml:"governance_policy"`

	// DigestMode is the default integrity digest mode.
	DigestMode string `yaml:"digest_mode"`

	// ArchiveS3Bucket/ArchiveGCSBucket enable journal snapshot archiving.
	ArchiveS3Bucket  string `yaml:"archive_s3_bucket"`
	ArchiveS3Region  string `yaml:"archive_s3_region"`
	ArchiveGCSBucket string `yaml:"archive_gcs_bucket"`

	// OTLPEndpoint enables metric export; empty keeps metrics no-op.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Mode:               ModeWriter,
		ListenAddr:         ":8420",
		SyncInterval:       2 * time.Second,
		ReplicaWriteGuard:  true,
		AuthEnforce:        true,
		DriftThreshold:     3,
		DriftWindow:        10 * time.Minute,
		RateLimitPerMinute: 120,
		RateLimitBurst:     20,
		JournalPath:        "data/journal.ndjson",
		CheckpointPath:     "data/replica.checkpoint.json",
		DigestMode:         string(canonicalize.DefaultMode),
		LogLevel:           "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("HUB_MODE", (*string)(&c.Mode))
	envString("HUB_LISTEN_ADDR", &c.ListenAddr)
	envString("HUB_WRITER_ADDRESS", &c.WriterAddress)
	envString("HUB_AUTH_SECRET", &c.AuthSecret)
	envString("HUB_AUTH_ACTIVE_SECRET", &c.AuthActiveSecret)
	envString("HUB_AUTH_NEXT_SECRET", &c.AuthNextSecret)
	envString("HUB_MIN_RUNTIME_VERSION", &c.MinRuntimeVersion)
	envString("HUB_JOURNAL_PATH", &c.JournalPath)
	envString("HUB_CHECKPOINT_PATH", &c.CheckpointPath)
	envString("HUB_STORE_PATH", &c.StorePath)
	envString("HUB_POSTGRES_URL", &c.PostgresURL)
	envString("HUB_REDIS_ADDR", &c.RedisAddr)
	envString("HUB_GOVERNANCE_POLICY", &c.GovernancePolicy)
	envString("HUB_DIGEST_MODE", &c.DigestMode)
	envString("HUB_ARCHIVE_S3_BUCKET", &c.ArchiveS3Bucket)
	envString("HUB_ARCHIVE_S3_REGION", &c.ArchiveS3Region)
	envString("HUB_ARCHIVE_GCS_BUCKET", &c.ArchiveGCSBucket)
	envString("HUB_OTLP_ENDPOINT", &c.OTLPEndpoint)
	envString("HUB_LOG_LEVEL", &c.LogLevel)

	if err := envBool("HUB_REPLICA_WRITE_GUARD", &c.ReplicaWriteGuard); err != nil {
		return err
	}
	if err := envBool("HUB_AUTH_ENFORCE", &c.AuthEnforce); err != nil {
		return err
	}
	if err := envBool("HUB_GOVERNANCE_ENABLED", &c.GovernanceEnabled); err != nil {
		return err
	}
	if err := envBool("HUB_GOVERNANCE_DRY_RUN", &c.GovernanceDryRun); err != nil {
		return err
	}
	if err := envInt("HUB_DRIFT_THRESHOLD", &c.DriftThreshold); err != nil {
		return err
	}
	if err := envInt("HUB_RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute); err != nil {
		return err
	}
	if err := envInt("HUB_RATE_LIMIT_BURST", &c.RateLimitBurst); err != nil {
		return err
	}
	if err := envDuration("HUB_SYNC_INTERVAL", &c.SyncInterval); err != nil {
		return err
	}
	if err := envDuration("HUB_DRIFT_WINDOW", &c.DriftWindow); err != nil {
		return err
	}

	if v := os.Getenv("HUB_AUTH_ROTATION_DEADLINE"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("config: HUB_AUTH_ROTATION_DEADLINE: %w", err)
		}
		c.AuthRotationDeadline = &t
	}
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeWriter, ModeReplica:
	default:
		return fmt.Errorf("config: mode must be %q or %q, got %q", ModeWriter, ModeReplica, c.Mode)
	}

	if c.Mode == ModeReplica && c.WriterAddress == "" {
		return fmt.Errorf("config: replica mode requires writer_address")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("config: sync_interval must be positive")
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: rate limit settings must be positive")
	}
	if c.DriftThreshold <= 0 || c.DriftWindow <= 0 {
		return fmt.Errorf("config: drift settings must be positive")
	}

	if c.AuthSecret != "" && (c.AuthActiveSecret != "" || c.AuthNextSecret != "") {
		return fmt.Errorf("config: auth_secret (legacy) and auth_active_secret are mutually exclusive")
	}
	if c.AuthRotationDeadline != nil && c.AuthNextSecret == "" {
		return fmt.Errorf("config: auth_rotation_deadline requires auth_next_secret")
	}
	if c.AuthNextSecret != "" && c.AuthActiveSecret == "" {
		return fmt.Errorf("config: auth_next_secret requires auth_active_secret")
	}

	if !canonicalize.ValidMode(canonicalize.DigestMode(c.DigestMode)) {
		return fmt.Errorf("config: unknown digest_mode %q", c.DigestMode)
	}

	if c.MinRuntimeVersion != "" {
		if _, err := semver.NewVersion(c.MinRuntimeVersion); err != nil {
			return fmt.Errorf("config: min_runtime_version: %w", err)
		}
	}

	if c.StorePath != "" && c.PostgresURL != "" {
		return fmt.Errorf("config: store_path (sqlite) and postgres_url are mutually exclusive")
	}
	if c.ArchiveS3Bucket != "" && c.ArchiveGCSBucket != "" {
		return fmt.Errorf("config: configure either S3 or GCS archiving, not both")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = parsed
	return nil
}
