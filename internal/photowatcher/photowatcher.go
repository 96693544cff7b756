// Package photowatcher exports photo-library assets into a vault,
// tracking the library's own persistent change token rather than
// per-file generation ids.
package photowatcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anchorbackup/anchor-agent/internal/crypto"
	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/internal/transfer"
	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/pathsafe"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

// PhotoLibrary is the external collaborator a production build would
// satisfy via a platform photo-library bridge.
type PhotoLibrary interface {
	// CurrentToken returns the library's present change token, used for a
	// from-scratch full export.
	CurrentToken(ctx context.Context) (string, error)

	// ChangedAssetsSince returns every asset inserted since token, plus
	// the token to persist for the next call. An empty input token means
	// "enumerate everything" (first run).
	ChangedAssetsSince(ctx context.Context, token string) ([]types.AssetRef, string, error)

	// Resources returns every exportable file backing an asset — an
	// asset may yield more than one (original plus derivatives).
	Resources(ctx context.Context, asset types.AssetRef) ([]types.AssetResource, error)
}

// TokenStore persists the photo watcher's change token across runs.
type TokenStore interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
}

// Config wires a Watcher to its dependencies.
type Config struct {
	KeyPrefix string // "photos/" when multiplexed, "" on a dedicated vault
	TempDir   string

	Library  PhotoLibrary
	Tokens   TokenStore
	Ledger   *ledger.Ledger
	Provider vault.Provider
	Queue    *transfer.Queue
	Crypto   *crypto.Engine // nil or unconfigured disables encryption
	Logger   *slog.Logger
}

// Watcher exports new and changed photo-library assets.
type Watcher struct {
	cfg Config

	stopped bool
	paused  bool
}

// New constructs a Watcher.
func New(cfg Config) *Watcher {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{cfg: cfg}
}

// Pause stops new transfers from starting; in-flight ones observe
// cancelCheck on their next poll.
func (w *Watcher) Pause() { w.paused = true }

// Resume clears a prior Pause.
func (w *Watcher) Resume() { w.paused = false }

// Stop halts the watcher permanently.
func (w *Watcher) Stop() { w.stopped = true }

func (w *Watcher) cancelCheck() bool {
	return w.stopped || w.paused
}

// Sync performs one export pass: a full-library scan if no token has ever
// been saved, otherwise an incremental export of assets inserted since
// the saved token. The library's new token is saved only after every
// asset has been enqueued, so a crash mid-export re-scans the same
// assets next run rather than skipping them.
func (w *Watcher) Sync(ctx context.Context) error {
	saved, err := w.cfg.Tokens.LoadToken(ctx)
	if err != nil {
		return err
	}

	assets, newToken, err := w.cfg.Library.ChangedAssetsSince(ctx, saved)
	if err != nil {
		return err
	}

	for _, asset := range assets {
		if w.cancelCheck() {
			return nil
		}
		if err := w.exportAsset(ctx, asset); err != nil {
			w.cfg.Logger.Warn("export asset failed", "asset", asset.ID, "error", err)
		}
	}

	return w.cfg.Tokens.SaveToken(ctx, newToken)
}

func (w *Watcher) exportAsset(ctx context.Context, asset types.AssetRef) error {
	resources, err := w.cfg.Library.Resources(ctx, asset)
	if err != nil {
		return err
	}
	for i, res := range resources {
		if w.cancelCheck() {
			return nil
		}
		if err := w.exportResource(ctx, asset, i, res); err != nil {
			w.cfg.Logger.Warn("export resource failed", "asset", asset.ID, "index", i, "error", err)
		}
	}
	return nil
}

func (w *Watcher) exportResource(ctx context.Context, asset types.AssetRef, index int, res types.AssetResource) error {
	trackingPath := fmt.Sprintf("%s#%d", asset.ID, index)
	genID := fmt.Sprintf("%s-%d", res.SourcePath, res.CreatedAt.UnixNano())

	should, err := w.cfg.Ledger.ShouldProcess(trackingPath, genID)
	if err != nil {
		return err
	}
	if !should {
		return nil
	}

	key := w.keyFor(res)
	w.cfg.Queue.Enqueue(&transfer.Task{
		Path: trackingPath,
		Run: func(taskCtx context.Context) error {
			return w.upload(taskCtx, trackingPath, key, genID, res)
		},
	})
	return nil
}

// keyFor computes <YYYY>/<MM>/<original-filename>, percent-encoded and
// namespaced under KeyPrefix ("photos/" when the vault is multiplexed).
func (w *Watcher) keyFor(res types.AssetResource) string {
	rel := fmt.Sprintf("%04d/%02d/%s", res.CreatedAt.Year(), res.CreatedAt.Month(), res.OriginalFilename)
	safe, err := pathsafe.ToS3Key(rel)
	if err != nil {
		safe = rel
	}
	return pathsafe.WithPrefix(w.cfg.KeyPrefix, safe)
}

func (w *Watcher) upload(ctx context.Context, trackingPath, key, genID string, res types.AssetResource) error {
	hash, err := hashFile(res.SourcePath)
	if err != nil {
		return w.recordFailure(trackingPath, err)
	}

	finalPath := res.SourcePath
	finalKey := key
	if w.cfg.Crypto != nil && w.cfg.Crypto.Configured() {
		encPath, err := w.cfg.Crypto.EncryptToTemp(ctx, w.cfg.TempDir, res.SourcePath, w.cancelCheck)
		if err != nil {
			return w.recordFailure(trackingPath, err)
		}
		defer os.Remove(encPath)
		finalPath = encPath
		finalKey = key + ".anchor"
	}

	if info, err := os.Stat(finalPath); err == nil {
		w.cfg.Queue.ReserveBytes(ctx, info.Size())
	}

	metadata := map[string]string{"original-sha256": hash}
	if err := w.cfg.Provider.SaveFile(ctx, finalPath, finalKey, metadata, w.cancelCheck); err != nil {
		return w.recordFailure(trackingPath, err)
	}
	return w.cfg.Ledger.MarkProcessed(trackingPath, genID, hash)
}

func (w *Watcher) recordFailure(trackingPath string, cause error) error {
	if err := w.cfg.Ledger.IncrementFailure(trackingPath, cause); err != nil {
		return err
	}
	return cause
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// FileTokenStore persists the change token as a single line in a file
// under the agent's state directory.
type FileTokenStore struct {
	Path string
}

// NewFileTokenStore constructs a FileTokenStore at path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: path}
}

func (s *FileTokenStore) LoadToken(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FileTokenStore) SaveToken(ctx context.Context, token string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
