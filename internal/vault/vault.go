// Package vault defines the uniform interface every vault provider
// implements — a mounted local directory tree or an S3-compatible bucket —
// so the watchers, crypto engine, and integrity auditor never need to know
// which backend they are talking to.
package vault

import (
	"context"

	"github.com/anchorbackup/anchor-agent/pkg/types"
)

// IdentityObjectKey is the well-known name under which the vault identity
// document is stored, at the vault root for local vaults or as a bare key
// for S3 vaults.
const IdentityObjectKey = "anchor_identity.json"

// LegacyIdentityObjectKey is the dotfile form accepted for backward
// compatibility when reading an existing vault.
const LegacyIdentityObjectKey = ".anchor_identity.json"

// CancelCheck is polled before each unit of work (an S3 part, an
// encryption chunk) and, when true, aborts the in-flight operation with a
// Cancelled error rather than a real failure.
type CancelCheck func() bool

// Provider is the capability set a vault backend must expose. Every
// method may suspend and every method is fallible.
type Provider interface {
	// LoadIdentity returns the vault's identity document, or (nil, nil) if
	// the vault has never been initialized.
	LoadIdentity(ctx context.Context) (*types.Identity, error)

	// SaveIdentity persists the vault identity document.
	SaveIdentity(ctx context.Context, identity *types.Identity) error

	// SaveFile copies localSource into the vault under key, attaching
	// metadata, consulting cancel before each unit of work it performs.
	SaveFile(ctx context.Context, localSource, key string, metadata map[string]string, cancel CancelCheck) error

	// DeleteFile removes a single object.
	DeleteFile(ctx context.Context, key string) error

	// MoveItem relocates an object from oldKey to newKey.
	MoveItem(ctx context.Context, oldKey, newKey string) error

	// FileExists reports whether key is present.
	FileExists(ctx context.Context, key string) (bool, error)

	// GetMetadata returns the stored metadata for key.
	GetMetadata(ctx context.Context, key string) (map[string]string, error)

	// ListFiles lists the immediate children of prefix.
	ListFiles(ctx context.Context, prefix string) ([]types.FileMetadata, error)

	// ListAllFiles recursively enumerates every key in the vault.
	ListAllFiles(ctx context.Context) ([]string, error)

	// Wipe deletes everything under prefix, preserving the identity
	// object.
	Wipe(ctx context.Context, prefix string) error
}
