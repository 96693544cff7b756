// Package audit implements the background integrity auditor: a loop
// that re-verifies the recorded content hash of each ledger entry still
// pending verification against what the provider actually holds, self-healing a local vault's
// missing attribute when the underlying bytes still match.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/internal/network"
	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

const (
	batchSize        = 50
	networkWait      = 60 * time.Second
	activeSleep      = 60 * time.Second
	idleSleep        = 1 * time.Hour
	perFileThrottle  = 100 * time.Millisecond
	originalHashMeta = "original-sha256"
)

// SelfHealer is implemented by vault providers (local only) that can
// recompute and re-attach missing metadata without a full re-upload.
type SelfHealer interface {
	SelfHealMetadata(ctx context.Context, key, expectedHash string) (bool, error)
}

// NetworkState reports the current connectivity state so the auditor
// can defer remote-vault checks until the network is verified.
type NetworkState interface {
	State() network.State
}

// KeyFunc computes a ledger path's vault key, mirroring whatever prefix
// and sanitization the watcher that wrote it used.
type KeyFunc func(path string) string

// Config wires an Auditor to its dependencies.
type Config struct {
	Ledger   *ledger.Ledger
	Provider vault.Provider
	VaultKind types.VaultKind
	Network  NetworkState // nil for a local vault, required for a remote one
	KeyFor   KeyFunc
	Notify   func(path string, reason string)
	Logger   *slog.Logger
}

// Auditor runs the verification loop.
type Auditor struct {
	cfg     Config
	stopped bool
}

// New constructs an Auditor.
func New(cfg Config) *Auditor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeyFor == nil {
		cfg.KeyFor = func(path string) string { return path }
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string, string) {}
	}
	return &Auditor{cfg: cfg}
}

// Stop halts the loop after its current sleep or batch completes.
func (a *Auditor) Stop() { a.stopped = true }

// Run executes the auditor's loop until ctx is cancelled or Stop is
// called. It never returns an error; individual verification failures
// are logged and recorded on the ledger entry.
func (a *Auditor) Run(ctx context.Context) {
	for {
		if a.stopped || ctx.Err() != nil {
			return
		}
		if a.cfg.VaultKind == types.VaultKindS3 && a.cfg.Network != nil && a.cfg.Network.State() != network.StateVerified {
			if !a.sleep(ctx, networkWait) {
				return
			}
			continue
		}

		processed, err := a.runBatch(ctx)
		if err != nil {
			a.cfg.Logger.Warn("audit batch failed", "error", err)
		}

		wait := activeSleep
		if processed == 0 {
			wait = idleSleep
		}
		if !a.sleep(ctx, wait) {
			return
		}
	}
}

func (a *Auditor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runBatch verifies up to one batch of pending entries and returns how
// many it processed.
func (a *Auditor) runBatch(ctx context.Context) (int, error) {
	entries, err := a.cfg.Ledger.GetFilesForAuditing(batchSize)
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		if a.stopped || ctx.Err() != nil {
			return i, nil
		}
		a.verifyOne(ctx, entry)
		if i < len(entries)-1 {
			time.Sleep(perFileThrottle)
		}
	}
	return len(entries), nil
}

func (a *Auditor) verifyOne(ctx context.Context, entry types.LedgerEntry) {
	key := a.cfg.KeyFor(entry.Path)
	metadata, err := a.cfg.Provider.GetMetadata(ctx, key)
	if err != nil {
		// A read error is not evidence of corruption; leave verify_state
		// untouched so this entry is retried on the next batch.
		a.cfg.Logger.Warn("audit metadata read failed", "path", entry.Path, "error", err)
		return
	}

	if metadata != nil {
		if hash, ok := metadata[originalHashMeta]; ok {
			if hash == entry.ContentHash {
				a.markVerified(entry.Path)
			} else {
				a.markMismatch(entry.Path)
			}
			return
		}
	}

	if a.cfg.VaultKind == types.VaultKindLocal {
		a.selfHeal(ctx, entry, key)
		return
	}

	a.markState(entry.Path, types.VerifyMissingMetadata)
}

func (a *Auditor) selfHeal(ctx context.Context, entry types.LedgerEntry, key string) {
	healer, ok := a.cfg.Provider.(SelfHealer)
	if !ok {
		a.markState(entry.Path, types.VerifyMissingMetadata)
		return
	}
	healed, err := healer.SelfHealMetadata(ctx, key, entry.ContentHash)
	if err != nil {
		a.cfg.Logger.Warn("self-heal failed", "path", entry.Path, "error", err)
		return
	}
	if healed {
		a.markVerified(entry.Path)
		return
	}
	a.markMismatch(entry.Path)
}

func (a *Auditor) markVerified(path string) {
	if err := a.cfg.Ledger.UpdateVerification(path, types.VerifyVerified, time.Now().UTC()); err != nil {
		a.cfg.Logger.Warn("update verification failed", "path", path, "error", err)
	}
}

func (a *Auditor) markMismatch(path string) {
	if err := a.cfg.Ledger.UpdateVerification(path, types.VerifyMismatch, time.Now().UTC()); err != nil {
		a.cfg.Logger.Warn("update verification failed", "path", path, "error", err)
		return
	}
	a.cfg.Notify(path, "content hash mismatch")
}

func (a *Auditor) markState(path string, state types.VerifyState) {
	if err := a.cfg.Ledger.UpdateVerification(path, state, time.Now().UTC()); err != nil {
		a.cfg.Logger.Warn("update verification failed", "path", path, "error", err)
	}
}
