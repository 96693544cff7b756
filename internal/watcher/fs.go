package watcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
)

// DownloadStatus reports whether a source entry's bytes are locally
// resident or need to be materialized first (e.g. an iCloud placeholder).
type DownloadStatus string

const (
	DownloadCurrent       DownloadStatus = "current"
	DownloadNotDownloaded DownloadStatus = "not-downloaded"
)

// EntryInfo is what the smart scan and event handlers need to know about
// one source-tree entry.
type EntryInfo struct {
	IsDir          bool
	IsPackage      bool
	DownloadStatus DownloadStatus
	GenID          string
	Size           int64
}

// SourceFS abstracts the host file system so the watcher's logic is
// testable against a fake and so a platform-specific implementation
// (e.g. one backed by iCloud placeholder APIs) can be swapped in without
// touching the state machine.
type SourceFS interface {
	// Stat describes the entry at absPath, or returns an error satisfying
	// os.IsNotExist if it is absent.
	Stat(ctx context.Context, absPath string) (EntryInfo, error)

	// ReadDir lists the immediate children (basenames) of a directory
	// entry that is not a package.
	ReadDir(ctx context.Context, absPath string) ([]string, error)

	// RequestMaterialization asks the host to start downloading a
	// not-yet-downloaded entry. It does not wait for completion; a later
	// change event is expected to retry the entry.
	RequestMaterialization(ctx context.Context, absPath string) error

	// SnapshotToTemp copies absPath into a fresh file under tempDir,
	// returning its path, guarded against concurrent writers by whatever
	// coordination primitive the host file system offers.
	SnapshotToTemp(ctx context.Context, absPath, tempDir string) (string, error)
}

// packageExtensions mirrors the bundle-style directories macOS treats as
// a single opaque file rather than a tree to descend into.
var packageExtensions = map[string]bool{
	".app":        true,
	".bundle":     true,
	".framework":  true,
	".kext":       true,
	".plugin":     true,
	".xcodeproj":  true,
	".photoslibrary": true,
	".pages":      true,
	".numbers":    true,
	".key":        true,
}

// IsPackagePath reports whether path's extension marks it as a bundle
// that should be treated as a single opaque unit rather than descended.
func IsPackagePath(path string) bool {
	return packageExtensions[strings.ToLower(filepath.Ext(path))]
}

// LocalFS is the default SourceFS: a plain local directory tree with no
// placeholder/download concept, so every entry reports DownloadCurrent.
// The generation identifier is derived from modification time and size,
// which changes iff the file's content (or its directory-entry metadata)
// changes, matching the contract expected of a host-provided generation id.
type LocalFS struct {
	Root string
}

// NewLocalFS constructs a LocalFS rooted at root.
func NewLocalFS(root string) *LocalFS {
	return &LocalFS{Root: root}
}

func (fs *LocalFS) Stat(ctx context.Context, absPath string) (EntryInfo, error) {
	info, err := os.Lstat(absPath)
	if err != nil {
		return EntryInfo{}, err
	}
	isPackage := info.IsDir() && IsPackagePath(absPath)
	return EntryInfo{
		IsDir:          info.IsDir() && !isPackage,
		IsPackage:      isPackage,
		DownloadStatus: DownloadCurrent,
		GenID:          genIDFor(info.ModTime().UnixNano(), info.Size()),
		Size:           info.Size(),
	}, nil
}

func genIDFor(modNano int64, size int64) string {
	return fmt.Sprintf("%d-%d", modNano, size)
}

func (fs *LocalFS) ReadDir(ctx context.Context, absPath string) ([]string, error) {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (fs *LocalFS) RequestMaterialization(ctx context.Context, absPath string) error {
	return nil
}

// SnapshotToTemp copies a single regular file to a temp path. It does not
// special-case EntryInfo.IsPackage bundles (e.g. .app directories): a
// bundle still reaches os.Open here as a directory and io.Copy fails,
// so today a package is quarantined rather than archived as one opaque
// unit. Zipping packages before snapshot is unimplemented.
func (fs *LocalFS) SnapshotToTemp(ctx context.Context, absPath, tempDir string) (string, error) {
	in, err := os.Open(absPath)
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "open source for snapshot").WithComponent("watcher").WithCause(err)
	}
	defer in.Close()

	out, err := os.CreateTemp(tempDir, "anchor-snap-*")
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "create snapshot temp file").WithComponent("watcher").WithCause(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", anchorerr.New(anchorerr.ProviderError, "copy snapshot").WithComponent("watcher").WithCause(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", anchorerr.New(anchorerr.ProviderError, "close snapshot").WithComponent("watcher").WithCause(err)
	}
	return out.Name(), nil
}

// SHA256File hashes a snapshot file's plaintext bytes.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "open snapshot for hashing").WithComponent("watcher").WithCause(err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "hash snapshot").WithComponent("watcher").WithCause(err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
