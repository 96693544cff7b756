// Package local implements the vault.Provider interface over a directory
// tree on a mounted volume, storing object metadata as extended attributes
// and ensuring writes are atomic via a temp-file-then-rename sequence.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

const metadataAttrPrefix = "user.anchor."

// Provider is a local-directory vault.Provider.
type Provider struct {
	root string
}

// New creates a Provider rooted at root, creating the directory if absent.
func New(root string) (*Provider, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, anchorerr.New(anchorerr.PermissionDenied, "create vault root").
			WithComponent("vault/local").WithCause(err)
	}
	return &Provider{root: root}, nil
}

var _ vault.Provider = (*Provider)(nil)

func (p *Provider) absPath(key string) string {
	return filepath.Join(p.root, filepath.FromSlash(key))
}

// LoadIdentity reads the identity document, trying the canonical name and
// then the legacy dotfile name.
func (p *Provider) LoadIdentity(ctx context.Context) (*types.Identity, error) {
	for _, name := range []string{vault.IdentityObjectKey, vault.LegacyIdentityObjectKey} {
		data, err := os.ReadFile(filepath.Join(p.root, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, anchorerr.New(anchorerr.ProviderError, "read identity").
				WithComponent("vault/local").WithCause(err)
		}
		var id types.Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, anchorerr.New(anchorerr.ProviderError, "parse identity").
				WithComponent("vault/local").WithCause(err)
		}
		return &id, nil
	}
	return nil, nil
}

// SaveIdentity writes the identity document under the canonical name.
func (p *Provider) SaveIdentity(ctx context.Context, identity *types.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "marshal identity").
			WithComponent("vault/local").WithCause(err)
	}
	dest := filepath.Join(p.root, vault.IdentityObjectKey)
	return atomicWrite(dest, data, 0o640)
}

// SaveFile copies localSource into the vault under key, attaching
// metadata as extended attributes, per the preflight/copy/rename sequence.
func (p *Provider) SaveFile(ctx context.Context, localSource, key string, metadata map[string]string, cancel vault.CancelCheck) error {
	if cancel != nil && cancel() {
		return anchorerr.New(anchorerr.Cancelled, "save_file cancelled").WithComponent("vault/local")
	}

	srcInfo, err := os.Stat(localSource)
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "stat source").
			WithComponent("vault/local").WithOperation("save_file").WithCause(err)
	}

	if err := checkDiskSpace(p.root, srcInfo.Size()); err != nil {
		return err
	}

	dest := p.absPath(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "create parent directories").
			WithComponent("vault/local").WithOperation("save_file").WithCause(err)
	}

	if cancel != nil && cancel() {
		return anchorerr.New(anchorerr.Cancelled, "save_file cancelled").WithComponent("vault/local")
	}

	if err := copyFileAtomic(localSource, dest); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "copy to vault").
			WithComponent("vault/local").WithOperation("save_file").WithCause(err)
	}

	for k, v := range metadata {
		if err := xattr.Set(dest, metadataAttrPrefix+k, []byte(v)); err != nil {
			return anchorerr.New(anchorerr.ProviderError, "set metadata attribute").
				WithComponent("vault/local").WithOperation("save_file").WithContext("attr", k).WithCause(err)
		}
	}

	return nil
}

// DeleteFile removes a single object.
func (p *Provider) DeleteFile(ctx context.Context, key string) error {
	if err := os.Remove(p.absPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return anchorerr.New(anchorerr.ProviderError, "delete object").
			WithComponent("vault/local").WithOperation("delete_file").WithCause(err)
	}
	return nil
}

// MoveItem renames an object within the vault tree.
func (p *Provider) MoveItem(ctx context.Context, oldKey, newKey string) error {
	dest := p.absPath(newKey)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "create parent directories").
			WithComponent("vault/local").WithOperation("move_item").WithCause(err)
	}
	if err := os.Rename(p.absPath(oldKey), dest); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "rename object").
			WithComponent("vault/local").WithOperation("move_item").WithCause(err)
	}
	return nil
}

// FileExists reports whether key is present.
func (p *Provider) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(p.absPath(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, anchorerr.New(anchorerr.ProviderError, "stat object").
			WithComponent("vault/local").WithOperation("file_exists").WithCause(err)
	}
}

// GetMetadata reads every anchor.* extended attribute on key.
func (p *Provider) GetMetadata(ctx context.Context, key string) (map[string]string, error) {
	dest := p.absPath(key)
	names, err := xattr.List(dest)
	if err != nil {
		return nil, anchorerr.New(anchorerr.ProviderError, "list metadata attributes").
			WithComponent("vault/local").WithOperation("get_metadata").WithCause(err)
	}

	metadata := make(map[string]string)
	for _, name := range names {
		if !strings.HasPrefix(name, metadataAttrPrefix) {
			continue
		}
		value, err := xattr.Get(dest, name)
		if err != nil {
			continue
		}
		metadata[strings.TrimPrefix(name, metadataAttrPrefix)] = string(value)
	}
	return metadata, nil
}

// SelfHealMetadata recomputes key's plaintext SHA-256 and, if it equals
// expectedHash, writes the original-sha256 attribute so future reads find
// it. It reports whether the recomputed hash matched.
func (p *Provider) SelfHealMetadata(ctx context.Context, key, expectedHash string) (bool, error) {
	dest := p.absPath(key)
	f, err := os.Open(dest)
	if err != nil {
		return false, anchorerr.New(anchorerr.ProviderError, "open file for self-heal").
			WithComponent("vault/local").WithOperation("self_heal").WithCause(err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, anchorerr.New(anchorerr.ProviderError, "hash file for self-heal").
			WithComponent("vault/local").WithOperation("self_heal").WithCause(err)
	}
	actual := fmt.Sprintf("%x", h.Sum(nil))
	if actual != expectedHash {
		return false, nil
	}

	if err := xattr.Set(dest, metadataAttrPrefix+"original-sha256", []byte(actual)); err != nil {
		return false, anchorerr.New(anchorerr.ProviderError, "write self-healed attribute").
			WithComponent("vault/local").WithOperation("self_heal").WithCause(err)
	}
	return true, nil
}

// ListFiles lists the immediate children of prefix.
func (p *Provider) ListFiles(ctx context.Context, prefix string) ([]types.FileMetadata, error) {
	dir := p.absPath(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, anchorerr.New(anchorerr.ProviderError, "list directory").
			WithComponent("vault/local").WithOperation("list_files").WithCause(err)
	}

	var out []types.FileMetadata
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, types.FileMetadata{
			Name:     entry.Name(),
			Path:     filepath.ToSlash(filepath.Join(prefix, entry.Name())),
			IsFolder: entry.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	return out, nil
}

// ListAllFiles recursively enumerates every key, skipping hidden items but
// always including the identity document.
func (p *Provider) ListAllFiles(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == p.root {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		name := d.Name()
		if name != vault.IdentityObjectKey && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, anchorerr.New(anchorerr.ProviderError, "walk vault tree").
			WithComponent("vault/local").WithOperation("list_all_files").WithCause(err)
	}
	return keys, nil
}

// Wipe deletes everything under prefix, preserving the identity document.
func (p *Provider) Wipe(ctx context.Context, prefix string) error {
	dir := p.absPath(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return anchorerr.New(anchorerr.ProviderError, "list directory for wipe").
			WithComponent("vault/local").WithOperation("wipe").WithCause(err)
	}

	for _, entry := range entries {
		if entry.Name() == vault.IdentityObjectKey || entry.Name() == vault.LegacyIdentityObjectKey {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(full); err != nil {
			return anchorerr.New(anchorerr.ProviderError, "remove entry during wipe").
				WithComponent("vault/local").WithOperation("wipe").WithCause(err)
		}
	}
	return nil
}

func copyFileAtomic(src, dest string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".anchor-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, source); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if _, err := os.Stat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return err
		}
	}

	return os.Rename(tmpPath, dest)
}

func atomicWrite(dest string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".anchor-tmp-*")
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "create temp file").
			WithComponent("vault/local").WithCause(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return anchorerr.New(anchorerr.ProviderError, "write temp file").
			WithComponent("vault/local").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "close temp file").
			WithComponent("vault/local").WithCause(err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "chmod temp file").
			WithComponent("vault/local").WithCause(err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "rename into place").
			WithComponent("vault/local").WithCause(err)
	}
	return nil
}

func checkDiskSpace(root string, required int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "statfs vault volume").
			WithComponent("vault/local").WithCause(err)
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < required {
		return anchorerr.New(anchorerr.DiskFull, fmt.Sprintf("need %d bytes, have %d", required, available)).
			WithComponent("vault/local").WithOperation("save_file").
			WithContext("required_bytes", fmt.Sprintf("%d", required)).
			WithContext("available_bytes", fmt.Sprintf("%d", available))
	}
	return nil
}
