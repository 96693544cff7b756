// Package config holds the agent's persisted configuration: which local
// tree and photo library to watch, where the vault lives, how often to
// scan, and the ambient logging/webhook/metrics settings layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/anchorbackup/anchor-agent/pkg/types"
)

// Configuration is the complete persisted agent configuration.
type Configuration struct {
	Drive    DriveConfig    `yaml:"drive"`
	Photos   PhotosConfig   `yaml:"photos"`
	Vault    VaultConfig    `yaml:"vault"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Network  NetworkConfig  `yaml:"network"`
	Logging  LoggingConfig  `yaml:"logging"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DriveConfig controls the file-tree watcher.
type DriveConfig struct {
	Enabled                     bool     `yaml:"enabled"`
	SourceRoot                  string   `yaml:"source_root"`
	BackupMode                  string   `yaml:"backup_mode"` // types.BackupMode
	MirrorReconcile             string   `yaml:"mirror_reconcile"`
	IgnoredExtensions           []string `yaml:"ignored_extensions"`
	IgnoredFolders              []string `yaml:"ignored_folders"`
	IgnoredPaths                []string `yaml:"ignored_paths"`
	ExcludeLargeFilesOverBytes  int64    `yaml:"exclude_large_files_over_bytes"`
}

// PhotosConfig controls the photo watcher.
type PhotosConfig struct {
	Enabled bool `yaml:"enabled"`
}

// VaultConfig describes where backups land.
type VaultConfig struct {
	Kind              string `yaml:"kind"` // types.VaultKind
	LocalRoot         string `yaml:"local_root"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	S3                S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible endpoint credentials.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// ScheduleConfig controls when scans run and pause state.
type ScheduleConfig struct {
	Mode                    string     `yaml:"mode"` // "realtime" | "every-N-minutes"
	EveryMinutes            int        `yaml:"every_minutes"`
	MaxUploadMbps           float64    `yaml:"max_upload_mbps"`
	PauseOnExpensiveNetwork bool       `yaml:"pause_on_expensive_network"`
	PausedUntil             *time.Time `yaml:"paused_until,omitempty"`
}

// NetworkConfig controls the network-verification probe.
type NetworkConfig struct {
	ProbeURL  string        `yaml:"probe_url"`
	ProbeBody string        `yaml:"probe_body"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoggingConfig controls ambient log/slog behavior.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// WebhookConfig describes the optional webhook collaborator (§6).
type WebhookConfig struct {
	URL             string `yaml:"url"`
	OnBackupComplete bool  `yaml:"on_backup_complete"`
	OnVaultIssue    bool   `yaml:"on_vault_issue"`
}

// MetricsConfig describes the (external) metrics collaborator's port.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// NewDefault returns sensible defaults for a fresh installation.
func NewDefault() *Configuration {
	return &Configuration{
		Drive: DriveConfig{
			Enabled:          true,
			BackupMode:       string(types.BackupModeBasic),
			MirrorReconcile:  string(types.MirrorReconcileStrict),
			IgnoredExtensions: []string{"tmp", "temp", "swp", "lock"},
		},
		Photos: PhotosConfig{Enabled: false},
		Vault: VaultConfig{
			Kind: string(types.VaultKindLocal),
		},
		Schedule: ScheduleConfig{
			Mode:                    "realtime",
			PauseOnExpensiveNetwork: true,
		},
		Network: NetworkConfig{
			ProbeURL:  "https://connectivity.anchorbackup.example/check",
			ProbeBody: "OK",
			Timeout:   5 * time.Second,
		},
		Logging: LoggingConfig{Level: "INFO"},
		Metrics: MetricsConfig{Port: 8787},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile writes the configuration back out as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays ANCHOR_-prefixed environment variables.
func (c *Configuration) LoadFromEnv() error {
	if v := os.Getenv("ANCHOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ANCHOR_VAULT_KIND"); v != "" {
		c.Vault.Kind = v
	}
	if v := os.Getenv("ANCHOR_S3_BUCKET"); v != "" {
		c.Vault.S3.Bucket = v
	}
	if v := os.Getenv("ANCHOR_S3_ENDPOINT"); v != "" {
		c.Vault.S3.Endpoint = v
	}
	if v := os.Getenv("ANCHOR_S3_ACCESS_KEY_ID"); v != "" {
		c.Vault.S3.AccessKeyID = v
	}
	if v := os.Getenv("ANCHOR_S3_SECRET_ACCESS_KEY"); v != "" {
		c.Vault.S3.SecretAccessKey = v
	}
	if v := os.Getenv("ANCHOR_MAX_UPLOAD_MBPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Schedule.MaxUploadMbps = f
		}
	}
	if v := os.Getenv("ANCHOR_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = p
		}
	}
	return nil
}

// Validate checks field consistency.
func (c *Configuration) Validate() error {
	switch types.BackupMode(c.Drive.BackupMode) {
	case types.BackupModeBasic, types.BackupModeMirror:
	default:
		return fmt.Errorf("invalid backup_mode: %s", c.Drive.BackupMode)
	}

	switch types.MirrorReconcile(c.Drive.MirrorReconcile) {
	case types.MirrorReconcileStrict, types.MirrorReconcileFutureOnly:
	default:
		return fmt.Errorf("invalid mirror_reconcile: %s", c.Drive.MirrorReconcile)
	}

	switch types.VaultKind(c.Vault.Kind) {
	case types.VaultKindLocal:
		if c.Vault.LocalRoot == "" {
			return fmt.Errorf("vault.local_root is required for a local vault")
		}
	case types.VaultKindS3:
		if c.Vault.S3.Bucket == "" {
			return fmt.Errorf("vault.s3.bucket is required for an s3 vault")
		}
	default:
		return fmt.Errorf("invalid vault.kind: %s", c.Vault.Kind)
	}

	if c.Schedule.MaxUploadMbps < 0 {
		return fmt.Errorf("max_upload_mbps cannot be negative")
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLevels, strings.ToUpper(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.Logging.Level, strings.Join(validLevels, ", "))
	}

	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// IsPaused reports whether PausedUntil is set and still in the future.
func (s ScheduleConfig) IsPaused(now time.Time) bool {
	return s.PausedUntil != nil && s.PausedUntil.After(now)
}
