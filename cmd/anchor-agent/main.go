// Command anchor-agent runs the backup core as a long-lived daemon and
// exposes a handful of operator commands (status, pause, resume,
// retry-failed, reset-credentials) against its persisted state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/anchorbackup/anchor-agent/internal/agentstatus"
	"github.com/anchorbackup/anchor-agent/internal/audit"
	"github.com/anchorbackup/anchor-agent/internal/config"
	"github.com/anchorbackup/anchor-agent/internal/crypto"
	"github.com/anchorbackup/anchor-agent/internal/exclusion"
	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/internal/metrics"
	"github.com/anchorbackup/anchor-agent/internal/network"
	"github.com/anchorbackup/anchor-agent/internal/transfer"
	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/internal/vault/local"
	"github.com/anchorbackup/anchor-agent/internal/vault/s3"
	"github.com/anchorbackup/anchor-agent/internal/vaultmon"
	"github.com/anchorbackup/anchor-agent/internal/watcher"
	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "anchor-agent",
	Short:   "Anchor backup core: change detection, transfer, and integrity verification",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", defaultConfigPath(), "path to config.yaml")
	rootCmd.PersistentFlags().String("ledger", defaultLedgerPath(), "path to the ledger database")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(retryFailedCmd)
	rootCmd.AddCommand(resetCredentialsCmd)
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Library", "Application Support", "AnchorAgent")
}

func defaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

func defaultLedgerPath() string {
	return filepath.Join(defaultConfigDir(), "ledger.db")
}

func loadConfig(cmd *cobra.Command) (*config.Configuration, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.NewDefault()
	if _, err := os.Stat(path); err == nil {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, path, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup core in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logLevel := slog.LevelInfo
		_ = logLevel.UnmarshalText([]byte(cfg.Logging.Level))
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)

		ledgerPath, _ := cmd.Flags().GetString("ledger")
		if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o750); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}

		publisher := agentstatus.New(logger)
		events := publisher.Subscribe()
		go func() {
			for ev := range events {
				logger.Info("agent event", "kind", ev.Kind, "component", ev.Component, "path", ev.Path, "message", ev.Message)
			}
		}()

		led, err := ledger.Open(ledgerPath,
			ledger.WithLogger(logger.With("component", "ledger")),
			ledger.WithResetCallback(func(ev ledger.ResetEvent) {
				publisher.Publish(agentstatus.Event{
					Kind:      agentstatus.KindLedgerReset,
					Component: "ledger",
					Path:      ev.Path,
					Message:   ev.Reason,
					Timestamp: time.Now(),
				})
			}),
		)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer led.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		metrics.AppVersion = Version
		collector := metrics.NewCollector(led)
		go collector.Run(ctx, publisher)
		collector.SetPaused(cfg.Schedule.IsPaused(time.Now()))

		provider, netMon, vaultMon, err := buildVaultProvider(ctx, cfg, led, logger)
		if err != nil {
			return fmt.Errorf("build vault provider: %w", err)
		}

		cryptoEngine := crypto.NewEngine()
		identity, err := crypto.EnsureIdentity(ctx, provider, cfg.Vault.EncryptionEnabled, os.Getenv("ANCHOR_VAULT_PASSWORD"), uuid.NewString)
		if err != nil {
			return fmt.Errorf("vault handshake: %w", err)
		}
		if identity.Encrypted() {
			if pw := os.Getenv("ANCHOR_VAULT_PASSWORD"); pw != "" {
				if err := cryptoEngine.Unlock(identity, pw); err != nil {
					return fmt.Errorf("unlock vault: %w", err)
				}
			} else {
				logger.Warn("vault is encrypted but ANCHOR_VAULT_PASSWORD is unset; encryption stays disabled this run")
			}
		}

		queue := transfer.New(transfer.Config{MaxUploadMbps: cfg.Schedule.MaxUploadMbps})
		queue.Start(ctx)
		defer queue.Stop()

		excl := exclusion.New(exclusion.Config{
			IgnoredExtensions: cfg.Drive.IgnoredExtensions,
			IgnoredFolders:    cfg.Drive.IgnoredFolders,
			IgnoredPaths:      cfg.Drive.IgnoredPaths,
			MaxSizeBytes:      cfg.Drive.ExcludeLargeFilesOverBytes,
		})

		keyPrefix := ""
		if types.VaultKind(cfg.Vault.Kind) == types.VaultKindS3 {
			keyPrefix = "drive/"
		}

		var driveWatcher *watcher.Watcher
		if cfg.Drive.Enabled {
			driveWatcher = watcher.New(watcher.Config{
				SourceRoot:      cfg.Drive.SourceRoot,
				KeyPrefix:       keyPrefix,
				BackupMode:      types.BackupMode(cfg.Drive.BackupMode),
				MirrorReconcile: types.MirrorReconcile(cfg.Drive.MirrorReconcile),
				FS:              watcher.NewLocalFS(cfg.Drive.SourceRoot),
				Exclusion:       excl,
				Ledger:          led,
				Provider:        provider,
				Queue:           queue,
				Crypto:          cryptoEngine,
				Logger:          logger.With("component", "drive-watcher"),
				Notify: func(e *anchorerr.Error) {
					publisher.Publish(agentstatus.Event{
						Kind:      agentstatus.KindQuarantined,
						Component: "drive-watcher",
						Message:   e.Error(),
						Timestamp: time.Now(),
					})
				},
			})
			if err := driveWatcher.Start(ctx); err != nil {
				return fmt.Errorf("start drive watcher: %w", err)
			}
			defer driveWatcher.Stop()
			collector.SetDriveStatus(string(driveWatcher.State()))
		}

		if cfg.Photos.Enabled {
			logger.Warn("photos_enabled is set but no photo-library bridge is wired into this build; photo backup is inactive")
			collector.SetPhotosStatus("unavailable")
		}

		var netState audit.NetworkState
		if netMon != nil {
			netState = netMon
		}
		auditor := audit.New(audit.Config{
			Ledger:    led,
			Provider:  provider,
			VaultKind: types.VaultKind(cfg.Vault.Kind),
			Network:   netState,
			KeyFor: func(path string) string {
				key := watcher.VaultKeyFor(keyPrefix, path)
				if cryptoEngine.Configured() {
					key += watcher.AnchorSuffix
				}
				return key
			},
			Notify: func(path, reason string) {
				publisher.Publish(agentstatus.Event{
					Kind:      agentstatus.KindIntegrityMismatch,
					Component: "audit",
					Path:      path,
					Message:   reason,
					Timestamp: time.Now(),
				})
			},
			Logger: logger.With("component", "audit"),
		})
		go auditor.Run(ctx)
		defer auditor.Stop()

		if vaultMon != nil {
			if driveWatcher != nil {
				vaultMon.OnDisconnect(func() { driveWatcher.Pause() })
				vaultMon.OnReconnect(func() { driveWatcher.Resume() })
			}
			vaultMon.Start(ctx)
			defer vaultMon.Stop()
		}
		if netMon != nil {
			netMon.Start(ctx)
			defer netMon.Stop()
		}

		logger.Info("anchor-agent running", "vault_kind", cfg.Vault.Kind)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		return nil
	},
}

func buildVaultProvider(ctx context.Context, cfg *config.Configuration, led *ledger.Ledger, logger *slog.Logger) (vault.Provider, *network.Monitor, *vaultmon.Monitor, error) {
	switch types.VaultKind(cfg.Vault.Kind) {
	case types.VaultKindLocal:
		p, err := local.New(cfg.Vault.LocalRoot)
		if err != nil {
			return nil, nil, nil, err
		}
		mon := vaultmon.New(cfg.Vault.LocalRoot)
		return p, nil, mon, nil
	case types.VaultKindS3:
		p, err := s3.New(ctx, s3.Config{
			Endpoint:        cfg.Vault.S3.Endpoint,
			Region:          cfg.Vault.S3.Region,
			Bucket:          cfg.Vault.S3.Bucket,
			AccessKeyID:     cfg.Vault.S3.AccessKeyID,
			SecretAccessKey: cfg.Vault.S3.SecretAccessKey,
			ForcePathStyle:  cfg.Vault.S3.ForcePathStyle,
		}, led, logger.With("component", "vault-s3"))
		if err != nil {
			return nil, nil, nil, err
		}
		netMon := network.New(
			network.WithLogger(logger.With("component", "network")),
			network.WithProbeTarget(network.ProbeTarget{
				URL:          cfg.Network.ProbeURL,
				ExpectedBody: cfg.Network.ProbeBody,
			}),
		)
		return p, netMon, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown vault kind: %s", cfg.Vault.Kind)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot summary of ledger and configuration state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ledgerPath, _ := cmd.Flags().GetString("ledger")
		led, err := ledger.Open(ledgerPath)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer led.Close()

		tracked, err := led.GetAllTrackedPaths()
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		uploads, err := led.GetAllActiveUploads()
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}

		fmt.Printf("config:           %s\n", cfgPath)
		fmt.Printf("vault kind:       %s\n", cfg.Vault.Kind)
		fmt.Printf("backup mode:      %s\n", cfg.Drive.BackupMode)
		fmt.Printf("encryption:       %v\n", cfg.Vault.EncryptionEnabled)
		fmt.Printf("paused:           %v\n", cfg.Schedule.IsPaused(time.Now()))
		fmt.Printf("tracked files:    %d\n", len(tracked))
		fmt.Printf("active uploads:   %d\n", len(uploads))
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause backups for a duration (e.g. 1h30m)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		duration := 24 * time.Hour
		if len(args) == 1 {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			duration = d
		}
		until := time.Now().Add(duration)
		cfg.Schedule.PausedUntil = &until

		if err := cfg.SaveToFile(cfgPath); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("paused until %s\n", until.Format(time.RFC3339))
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear any active pause",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.Schedule.PausedUntil = nil
		if err := cfg.SaveToFile(cfgPath); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println("resumed")
		return nil
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Zero every file's failure count so quarantined paths are retried on the next scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		ledgerPath, _ := cmd.Flags().GetString("ledger")
		led, err := ledger.Open(ledgerPath)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer led.Close()

		if err := led.ResetAllFailures(); err != nil {
			return fmt.Errorf("reset failures: %w", err)
		}
		fmt.Println("failure counts reset; quarantined files will be retried on the next scan")
		return nil
	},
}

var resetCredentialsCmd = &cobra.Command{
	Use:   "reset-credentials",
	Short: "Acknowledge a credential change: zero failure counts the same way retry-failed does",
	Long: `After rotating S3 credentials or re-granting a permission-denied
source/vault bookmark, every path quarantined by three consecutive
failures needs its failure count zeroed before it is retried. This is the
same operator-reset event as retry-failed; it is kept as a separate verb
because the operator's mental model of "I just fixed the credentials" is
distinct from "just try again".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ledgerPath, _ := cmd.Flags().GetString("ledger")
		led, err := ledger.Open(ledgerPath)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer led.Close()

		if err := led.ResetAllFailures(); err != nil {
			return fmt.Errorf("reset failures: %w", err)
		}
		fmt.Println("credentials acknowledged; quarantined files will be retried on the next scan")
		return nil
	},
}
