// Package watcher implements the file-tree watcher: the state machine
// that turns source-tree changes into vault writes, backed by the
// ledger, exclusion filter, vault provider, crypto engine, and transfer
// queue.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anchorbackup/anchor-agent/internal/crypto"
	"github.com/anchorbackup/anchor-agent/internal/exclusion"
	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/internal/transfer"
	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
	"github.com/anchorbackup/anchor-agent/pkg/pathsafe"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

// State is the watcher's current position in its lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateDisabled        State = "disabled"
	StateWaitingForVault State = "waiting-for-vault"
	StateScanning        State = "scanning"
	StateActive          State = "active"
	StateMonitoring      State = "monitoring"
	StateDownloading     State = "downloading"
	StateVaulting        State = "vaulting"
	StateDeleted         State = "deleted"
	StatePaused          State = "paused"
)

const debounceDelay = 2 * time.Second
const quarantineThreshold = 3

// AnchorSuffix is appended to a vault key whenever the crypto engine is
// configured, marking the object as an encrypted envelope rather than a
// plaintext copy of the source file. The integrity auditor must derive
// the same suffix to look up the matching object.
const AnchorSuffix = ".anchor"

// NotifyFunc receives user-visible events (vault-issue, quarantine,
// ledger-reset). It must not block.
type NotifyFunc func(*anchorerr.Error)

// Config wires a Watcher to its dependencies.
type Config struct {
	SourceRoot string
	KeyPrefix  string // "drive/" for a multiplexed vault, "" for a dedicated one
	TempDir    string

	BackupMode      types.BackupMode
	MirrorReconcile types.MirrorReconcile

	FS        SourceFS
	Exclusion *exclusion.Filter
	Ledger    *ledger.Ledger
	Provider  vault.Provider
	Queue     *transfer.Queue
	Crypto    *crypto.Engine // nil or unconfigured disables encryption
	Logger    *slog.Logger
	Notify    NotifyFunc
}

// Watcher drives one source tree into one vault namespace.
type Watcher struct {
	cfg Config

	mu        sync.RWMutex
	state     State
	stopped   bool
	disabled  bool
	paused    bool
	notified3 map[string]bool

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer

	raw *RawSource
}

// New constructs a Watcher in the idle state.
func New(cfg Config) *Watcher {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notify == nil {
		cfg.Notify = func(*anchorerr.Error) {}
	}
	return &Watcher{
		cfg:       cfg,
		state:     StateIdle,
		notified3: make(map[string]bool),
		debounce:  make(map[string]*time.Timer),
	}
}

// State returns the watcher's current lifecycle state.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Pause transitions the watcher to paused, causing cancelCheck to abort
// any in-flight transfer.
func (w *Watcher) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.setState(StatePaused)
}

// Resume clears a prior Pause.
func (w *Watcher) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.setState(StateMonitoring)
}

func (w *Watcher) setDisabled(reason *anchorerr.Error) {
	w.mu.Lock()
	w.disabled = true
	w.mu.Unlock()
	w.setState(StateDisabled)
	w.cfg.Notify(reason)
}

// cancelCheck is passed to every Vault Provider and Crypto Engine call so
// they abort promptly on stop, pause, or disablement.
func (w *Watcher) cancelCheck() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped || w.disabled || w.paused
}

// Start runs the start-up sequence (stale-upload sweep, smart scan) and
// then begins the debounced event loop on fsnotify notifications for the
// source root directory; its subdirectories are not registered, so
// changes inside them produce no events. It returns once the initial smart scan has completed; ongoing
// monitoring continues in the background until Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.RLock()
	disabled := w.disabled
	w.mu.RUnlock()
	if disabled {
		return nil
	}

	w.setState(StateScanning)
	if err := w.sweepStaleUploads(ctx); err != nil {
		w.cfg.Logger.Warn("stale upload sweep failed", "error", err)
	}
	if err := w.SmartScan(ctx); err != nil {
		return err
	}
	w.setState(StateMonitoring)

	raw, err := NewRawSource(w.cfg.SourceRoot, w.cfg.Logger)
	if err != nil {
		w.cfg.Logger.Warn("could not start file-system notifications, falling back to scan-only", "error", err)
		return nil
	}
	w.raw = raw
	if err := raw.AddDir(w.cfg.SourceRoot); err != nil {
		w.cfg.Logger.Warn("could not watch source root", "error", err)
	}
	go w.eventLoop(ctx)
	return nil
}

// Stop halts the watcher; any in-flight transfer observes cancelCheck on
// its next poll.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.debounceMu.Lock()
	for _, t := range w.debounce {
		t.Stop()
	}
	w.debounce = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	if w.raw != nil {
		w.raw.Close()
	}
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for ev := range w.raw.Events() {
		w.scheduleDebounced(ctx, ev.Path)
	}
}

// scheduleDebounced coalesces repeated events for the same path into one
// handler call 2 seconds after the last observed event.
func (w *Watcher) scheduleDebounced(ctx context.Context, relPath string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if existing, ok := w.debounce[relPath]; ok {
		existing.Stop()
	}
	w.debounce[relPath] = time.AfterFunc(debounceDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounce, relPath)
		w.debounceMu.Unlock()

		if err := w.handleFile(ctx, relPath); err != nil {
			w.cfg.Logger.Warn("handle file failed", "path", relPath, "error", err)
		}
	})
}

func (w *Watcher) sweepStaleUploads(ctx context.Context) error {
	uploads, err := w.cfg.Ledger.GetAllActiveUploads()
	if err != nil {
		return err
	}
	for _, u := range uploads {
		absPath := w.absPathForKey(u.Key)
		if _, err := os.Stat(absPath); err == nil {
			continue
		}
		if err := w.cfg.Provider.DeleteFile(ctx, u.Key); err != nil {
			w.cfg.Logger.Warn("abort stale upload failed", "key", u.Key, "error", err)
		}
		if err := w.cfg.Ledger.RemoveUpload(u.Key); err != nil {
			w.cfg.Logger.Warn("remove stale upload row failed", "key", u.Key, "error", err)
		}
	}
	return nil
}

// absPathForKey reverses VaultKeyFor (and the encrypted-envelope suffix
// upload adds) to recover the source-tree path a vault key was written
// for, so the stale-upload sweep can tell whether that source still
// exists. It undoes every transform upload applies: it strips the
// prefix and the .anchor suffix, then reverses the percent-encoding.
func (w *Watcher) absPathForKey(key string) string {
	rel := pathsafe.WithoutPrefix(key, w.cfg.KeyPrefix)
	rel = strings.TrimSuffix(rel, AnchorSuffix)
	if decoded, err := pathsafe.FromS3Key(rel); err == nil {
		rel = decoded
	}
	return filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(rel))
}

// SmartScan recursively enumerates the source tree, processing only
// entries whose generation identifier the ledger does not already have.
func (w *Watcher) SmartScan(ctx context.Context) error {
	return w.scanDir(ctx, "")
}

func (w *Watcher) scanDir(ctx context.Context, relDir string) error {
	absDir := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relDir))
	names, err := w.cfg.FS.ReadDir(ctx, absDir)
	if err != nil {
		return err
	}

	for _, name := range names {
		if w.cancelCheck() {
			return nil
		}
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}
		absPath := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relPath))

		if w.cfg.Exclusion != nil && w.cfg.Exclusion.ShouldIgnore(relPath) {
			continue
		}

		info, err := w.cfg.FS.Stat(ctx, absPath)
		if err != nil {
			continue
		}
		if info.IsDir {
			if err := w.scanDir(ctx, relPath); err != nil {
				w.cfg.Logger.Warn("scan subdirectory failed", "path", relPath, "error", err)
			}
			continue
		}

		if err := w.maybeProcess(ctx, relPath, info); err != nil {
			w.cfg.Logger.Warn("process scanned entry failed", "path", relPath, "error", err)
		}
	}
	return nil
}

func (w *Watcher) maybeProcess(ctx context.Context, relPath string, info EntryInfo) error {
	if w.cfg.Exclusion != nil && w.cfg.Exclusion.ShouldIgnoreSize(info.Size) {
		return nil
	}

	count, err := w.cfg.Ledger.GetFailureCount(relPath)
	if err != nil {
		return err
	}
	if count >= quarantineThreshold {
		return nil
	}

	should, err := w.cfg.Ledger.ShouldProcess(relPath, info.GenID)
	if err != nil {
		return err
	}
	if !should {
		return nil
	}
	return w.dispatch(ctx, relPath, info)
}

// handleFile is the entry point for an event-driven (non-scan) change.
func (w *Watcher) handleFile(ctx context.Context, relPath string) error {
	absPath := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relPath))
	info, err := w.cfg.FS.Stat(ctx, absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return w.handleMissing(ctx, relPath)
		}
		return err
	}
	if info.IsDir {
		return w.scanDir(ctx, relPath)
	}
	return w.maybeProcess(ctx, relPath, info)
}

func (w *Watcher) handleMissing(ctx context.Context, relPath string) error {
	if w.cfg.BackupMode != types.BackupModeMirror {
		return nil
	}
	key := w.vaultKeyFor(relPath)
	if err := w.cfg.Provider.DeleteFile(ctx, key); err != nil {
		return err
	}
	return w.cfg.Ledger.Remove(relPath)
}

func (w *Watcher) dispatch(ctx context.Context, relPath string, info EntryInfo) error {
	if err := w.handleCaseChange(ctx, relPath); err != nil {
		return err
	}

	if info.DownloadStatus == DownloadNotDownloaded {
		absPath := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relPath))
		return w.cfg.FS.RequestMaterialization(ctx, absPath)
	}

	key := w.vaultKeyFor(relPath)
	genID := info.GenID

	w.cfg.Queue.Enqueue(&transfer.Task{
		Path: relPath,
		Run: func(taskCtx context.Context) error {
			return w.upload(taskCtx, relPath, key, genID)
		},
	})
	return nil
}

func (w *Watcher) handleCaseChange(ctx context.Context, relPath string) error {
	stored, found, err := w.cfg.Ledger.GetStoredCasing(relPath)
	if err != nil {
		return err
	}
	if !found || stored == relPath {
		return nil
	}

	oldKey := w.vaultKeyFor(stored)
	if err := w.cfg.Provider.DeleteFile(ctx, oldKey); err != nil {
		return err
	}
	return w.cfg.Ledger.Remove(stored)
}

func (w *Watcher) vaultKeyFor(relPath string) string {
	return VaultKeyFor(w.cfg.KeyPrefix, relPath)
}

// VaultKeyFor derives the vault object key for a source-tree relative
// path under the given key namespace prefix ("drive/", "photos/", or
// "" for a dedicated vault). It percent-encodes unsafe characters
// component-wise via pathsafe.ToS3Key, preserving "/" as hierarchy.
//
// This is the single key-derivation entry point shared by the watcher's
// own upload/delete paths and the integrity auditor's KeyFor callback
// (wired in cmd/anchor-agent): both must agree on the same key for a
// given source path, or the auditor looks up an object that was never
// written under that name.
func VaultKeyFor(prefix, relPath string) string {
	key, err := pathsafe.ToS3Key(relPath)
	if err != nil {
		key = relPath
	}
	return pathsafe.WithPrefix(prefix, key)
}

func (w *Watcher) upload(ctx context.Context, relPath, key, genID string) error {
	absPath := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relPath))

	snapshotPath, err := w.cfg.FS.SnapshotToTemp(ctx, absPath, w.cfg.TempDir)
	if err != nil {
		return w.recordFailure(relPath, err)
	}
	defer os.Remove(snapshotPath)

	hash, err := SHA256File(snapshotPath)
	if err != nil {
		return w.recordFailure(relPath, err)
	}

	finalPath := snapshotPath
	finalKey := key
	if w.cfg.Crypto != nil && w.cfg.Crypto.Configured() {
		encPath, err := w.cfg.Crypto.EncryptToTemp(ctx, w.cfg.TempDir, snapshotPath, w.cancelCheck)
		if err != nil {
			return w.recordFailure(relPath, err)
		}
		defer os.Remove(encPath)
		finalPath = encPath
		finalKey = key + AnchorSuffix
	}

	if info, err := os.Stat(finalPath); err == nil {
		w.cfg.Queue.ReserveBytes(ctx, info.Size())
	}

	metadata := map[string]string{"original-sha256": hash}
	if err := w.cfg.Provider.SaveFile(ctx, finalPath, finalKey, metadata, w.cancelCheck); err != nil {
		return w.recordFailure(relPath, err)
	}

	return w.cfg.Ledger.MarkProcessed(relPath, genID, hash)
}

func (w *Watcher) recordFailure(relPath string, cause error) error {
	var ae *anchorerr.Error
	if errors.As(cause, &ae) && ae.Code == anchorerr.Cancelled {
		return nil
	}

	if err := w.cfg.Ledger.IncrementFailure(relPath, cause); err != nil {
		return err
	}

	if errors.As(cause, &ae) && ae.Code == anchorerr.DiskFull {
		w.setDisabled(ae)
		return cause
	}

	count, err := w.cfg.Ledger.GetFailureCount(relPath)
	if err != nil {
		return err
	}
	if count >= quarantineThreshold {
		w.mu.Lock()
		already := w.notified3[relPath]
		w.notified3[relPath] = true
		w.mu.Unlock()
		if !already {
			quarantineErr := anchorerr.New(anchorerr.ProviderError, "quarantined after repeated failures").
				WithComponent("watcher").WithOperation("upload").WithContext("path", relPath).WithCause(cause)
			w.cfg.Notify(quarantineErr)
		}
	}
	return cause
}

// HandleRename processes a file-coordinator move from oldRel to newRel.
func (w *Watcher) HandleRename(ctx context.Context, oldRel, newRel string) error {
	if err := w.cfg.Ledger.Rename(oldRel, newRel); err != nil {
		return err
	}
	oldKey := w.vaultKeyFor(oldRel)
	newKey := w.vaultKeyFor(newRel)
	if err := w.cfg.Provider.MoveItem(ctx, oldKey, newKey); err != nil {
		return w.handleFile(ctx, newRel)
	}
	return nil
}

// ReconcileMirror deletes vault objects for every tracked path no longer
// present in the source, per strict-mirror mode.
func (w *Watcher) ReconcileMirror(ctx context.Context) error {
	tracked, err := w.cfg.Ledger.GetAllTrackedPaths()
	if err != nil {
		return err
	}
	for _, relPath := range tracked {
		absPath := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relPath))
		if _, err := w.cfg.FS.Stat(ctx, absPath); err == nil {
			continue
		}
		key := w.vaultKeyFor(relPath)
		if err := w.cfg.Provider.DeleteFile(ctx, key); err != nil {
			return err
		}
		if err := w.cfg.Ledger.Remove(relPath); err != nil {
			return err
		}
	}
	return nil
}

// MarkAllSynced walks the source and writes ledger entries at the
// current generation id without uploading, opting out of historical
// backfill.
func (w *Watcher) MarkAllSynced(ctx context.Context) error {
	return w.markSyncedDir(ctx, "")
}

func (w *Watcher) markSyncedDir(ctx context.Context, relDir string) error {
	absDir := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relDir))
	names, err := w.cfg.FS.ReadDir(ctx, absDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}
		if w.cfg.Exclusion != nil && w.cfg.Exclusion.ShouldIgnore(relPath) {
			continue
		}
		absPath := filepath.Join(w.cfg.SourceRoot, filepath.FromSlash(relPath))
		info, err := w.cfg.FS.Stat(ctx, absPath)
		if err != nil {
			continue
		}
		if info.IsDir {
			if err := w.markSyncedDir(ctx, relPath); err != nil {
				return err
			}
			continue
		}
		if err := w.cfg.Ledger.MarkProcessed(relPath, info.GenID, ""); err != nil {
			return err
		}
	}
	return nil
}
