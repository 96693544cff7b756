// Package crypto implements the password-derived vault encryption engine:
// PBKDF2 key derivation, the vault-identity handshake, and streaming
// chunked AES-GCM encryption/decryption bounded to a fixed chunk size so
// neither direction ever holds a whole file in memory.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"golang.org/x/crypto/pbkdf2"

	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

const (
	pbkdf2Iterations = 10000
	keyLength        = 32
	saltLength       = 32
	nonceLength      = 12
	tagLength        = 16

	// ChunkSize is the plaintext size sealed into a single AEAD block.
	ChunkSize = 10 * 1024 * 1024

	verificationPlaintext = "ANCHOR_VERIFY"

	// diskSpaceSlack is held back on top of the estimated encrypted size
	// before a temp-volume preflight check is allowed to pass.
	diskSpaceSlack = 500 * 1024 * 1024
)

// magic and formatVersion gate newly written encrypted files so a future
// format change has somewhere to bump a version byte; the legacy
// headerless format (no magic at all) is still accepted on read.
var magic = [4]byte{'A', 'N', 'C', '1'}

const formatVersion = 1

// Engine holds the process-wide derived key, if any. It starts
// unconfigured and becomes configured only after a successful Unlock.
type Engine struct {
	mu  sync.RWMutex
	key []byte
}

// NewEngine returns an unconfigured Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Configured reports whether a data-encryption key is currently loaded.
func (e *Engine) Configured() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key != nil
}

// Disable clears the derived key, returning the engine to uninitialized.
func (e *Engine) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key = nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
}

// EnsureIdentity performs the first half of the vault handshake: if the
// vault has no identity document yet, it creates one (encrypted if
// wantEncryption is true) and saves it. If an identity already exists it
// is returned unchanged.
func EnsureIdentity(ctx context.Context, provider vault.Provider, wantEncryption bool, password string, newVaultID func() string) (*types.Identity, error) {
	existing, err := provider.LoadIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	id := &types.Identity{VaultID: newVaultID()}
	if wantEncryption {
		salt := make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, anchorerr.New(anchorerr.ProviderError, "generate salt").WithComponent("crypto").WithCause(err)
		}
		key := deriveKey(password, salt)
		token, err := sealBytes(key, []byte(verificationPlaintext))
		if err != nil {
			return nil, err
		}
		id.Salt = salt
		id.VerificationToken = token
	}

	if err := provider.SaveIdentity(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Unlock derives a key from password against identity's salt and confirms
// it against the verification token, configuring the engine on success.
// A wrong password returns anchorerr.InvalidPassword and leaves the
// engine unconfigured.
func (e *Engine) Unlock(identity *types.Identity, password string) error {
	if identity == nil || !identity.Encrypted() {
		return anchorerr.New(anchorerr.ProviderError, "vault has no encryption salt to unlock against").WithComponent("crypto")
	}

	key := deriveKey(password, identity.Salt)
	plaintext, err := openBytes(key, identity.VerificationToken)
	if err != nil {
		return anchorerr.New(anchorerr.InvalidPassword, "verification token did not decrypt").WithComponent("crypto").WithOperation("unlock")
	}
	if string(plaintext) != verificationPlaintext {
		return anchorerr.New(anchorerr.InvalidPassword, "verification token mismatch").WithComponent("crypto").WithOperation("unlock")
	}

	e.mu.Lock()
	e.key = key
	e.mu.Unlock()
	return nil
}

func sealBytes(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, anchorerr.New(anchorerr.ProviderError, "generate nonce").WithComponent("crypto").WithCause(err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

func openBytes(key, blob []byte) ([]byte, error) {
	if len(blob) < nonceLength {
		return nil, errors.New("sealed blob too short")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := blob[:nonceLength], blob[nonceLength:]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, anchorerr.New(anchorerr.ProviderError, "construct aes cipher").WithComponent("crypto").WithCause(err)
	}
	return cipher.NewGCM(block)
}

// EstimateEncryptedSize returns the output size of encrypting a plaintext
// of sourceSize bytes: one 28-byte nonce+tag overhead per chunk.
func EstimateEncryptedSize(sourceSize int64) int64 {
	chunks := (sourceSize + ChunkSize - 1) / ChunkSize
	if chunks == 0 {
		chunks = 1
	}
	return sourceSize + chunks*(nonceLength+tagLength)
}

// CheckDiskSpace verifies the volume holding dir has room for an
// encryption output of the given source size plus slack.
func CheckDiskSpace(dir string, sourceSize int64) error {
	estimated := EstimateEncryptedSize(sourceSize)
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "statfs temp volume").WithComponent("crypto").WithCause(err)
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < estimated+diskSpaceSlack {
		return anchorerr.New(anchorerr.DiskFull, fmt.Sprintf("need %d bytes, have %d", estimated+diskSpaceSlack, available)).
			WithComponent("crypto").WithOperation("encrypt").
			WithContext("required_bytes", fmt.Sprintf("%d", estimated+diskSpaceSlack)).
			WithContext("available_bytes", fmt.Sprintf("%d", available))
	}
	return nil
}

// EncryptToTemp streams src through the configured key into a fresh
// per-operation temp file under tempDir, consulting cancel before each
// chunk. The caller owns the returned path and must remove it; on any
// error path the partial temp file is removed here first.
func (e *Engine) EncryptToTemp(ctx context.Context, tempDir, src string, cancel vault.CancelCheck) (string, error) {
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()
	if key == nil {
		return "", anchorerr.New(anchorerr.ProviderError, "encryption engine not configured").WithComponent("crypto")
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "stat source").WithComponent("crypto").WithCause(err)
	}
	if err := CheckDiskSpace(tempDir, info.Size()); err != nil {
		return "", err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "open source").WithComponent("crypto").WithCause(err)
	}
	defer in.Close()

	out, err := os.CreateTemp(tempDir, "anchor-enc-*")
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "create temp file").WithComponent("crypto").WithCause(err)
	}
	outPath := out.Name()

	if err := encryptStream(ctx, in, out, aead, cancel); err != nil {
		out.Close()
		os.Remove(outPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", anchorerr.New(anchorerr.ProviderError, "close temp file").WithComponent("crypto").WithCause(err)
	}
	return outPath, nil
}

func encryptStream(ctx context.Context, in io.Reader, out io.Writer, aead cipher.AEAD, cancel vault.CancelCheck) error {
	if _, err := out.Write(magic[:]); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "write format header").WithComponent("crypto").WithCause(err)
	}
	if _, err := out.Write([]byte{formatVersion}); err != nil {
		return anchorerr.New(anchorerr.ProviderError, "write format header").WithComponent("crypto").WithCause(err)
	}

	buf := make([]byte, ChunkSize)
	first := true
	for {
		if cancel != nil && cancel() {
			return anchorerr.New(anchorerr.Cancelled, "encryption cancelled").WithComponent("crypto")
		}
		select {
		case <-ctx.Done():
			return anchorerr.New(anchorerr.Cancelled, "encryption cancelled").WithComponent("crypto").WithCause(ctx.Err())
		default:
		}

		n, readErr := io.ReadFull(in, buf)
		// A zero-byte source still emits exactly one empty block so a
		// restore can tell "encrypted, empty" from "not encrypted yet".
		if n > 0 || first {
			nonce := make([]byte, nonceLength)
			if _, err := rand.Read(nonce); err != nil {
				return anchorerr.New(anchorerr.ProviderError, "generate nonce").WithComponent("crypto").WithCause(err)
			}
			sealed := aead.Seal(nil, nonce, buf[:n], nil)
			if _, err := out.Write(nonce); err != nil {
				return anchorerr.New(anchorerr.ProviderError, "write block nonce").WithComponent("crypto").WithCause(err)
			}
			if _, err := out.Write(sealed); err != nil {
				return anchorerr.New(anchorerr.ProviderError, "write block ciphertext").WithComponent("crypto").WithCause(err)
			}
		}
		first = false
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return anchorerr.New(anchorerr.ProviderError, "read source chunk").WithComponent("crypto").WithCause(readErr)
		}
	}
	return nil
}

// DecryptToTemp streams src (which may or may not carry the magic+version
// header) into a fresh temp file, failing and removing the partial
// destination on the first block that does not authenticate.
func (e *Engine) DecryptToTemp(ctx context.Context, tempDir, src string, cancel vault.CancelCheck) (string, error) {
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()
	if key == nil {
		return "", anchorerr.New(anchorerr.ProviderError, "encryption engine not configured").WithComponent("crypto")
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "open source").WithComponent("crypto").WithCause(err)
	}
	defer in.Close()

	if err := skipHeaderIfPresent(in); err != nil {
		return "", err
	}

	out, err := os.CreateTemp(tempDir, "anchor-dec-*")
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "create temp file").WithComponent("crypto").WithCause(err)
	}
	outPath := out.Name()

	if err := decryptStream(ctx, in, out, aead, cancel); err != nil {
		out.Close()
		os.Remove(outPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", anchorerr.New(anchorerr.ProviderError, "close temp file").WithComponent("crypto").WithCause(err)
	}
	return outPath, nil
}

func skipHeaderIfPresent(in io.ReadSeeker) error {
	header := make([]byte, len(magic)+1)
	n, err := io.ReadFull(in, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return anchorerr.New(anchorerr.ProviderError, "read format header").WithComponent("crypto").WithCause(err)
	}
	if n == len(header) && string(header[:len(magic)]) == string(magic[:]) {
		return nil
	}
	// Legacy headerless format, or a file too short to carry one: rewind.
	_, err = in.Seek(0, io.SeekStart)
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "rewind source").WithComponent("crypto").WithCause(err)
	}
	return nil
}

func decryptStream(ctx context.Context, in io.Reader, out io.Writer, aead cipher.AEAD, cancel vault.CancelCheck) error {
	blockSize := ChunkSize + nonceLength + tagLength
	buf := make([]byte, blockSize)

	for {
		if cancel != nil && cancel() {
			return anchorerr.New(anchorerr.Cancelled, "decryption cancelled").WithComponent("crypto")
		}
		select {
		case <-ctx.Done():
			return anchorerr.New(anchorerr.Cancelled, "decryption cancelled").WithComponent("crypto").WithCause(ctx.Err())
		default:
		}

		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			if n < nonceLength+tagLength {
				return anchorerr.New(anchorerr.ProviderError, "truncated block").WithComponent("crypto")
			}
			nonce := buf[:nonceLength]
			ciphertext := buf[nonceLength:n]
			plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
			if err != nil {
				return anchorerr.New(anchorerr.ProviderError, "authenticate block").WithComponent("crypto").WithCause(err)
			}
			if _, err := out.Write(plaintext); err != nil {
				return anchorerr.New(anchorerr.ProviderError, "write plaintext chunk").WithComponent("crypto").WithCause(err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return anchorerr.New(anchorerr.ProviderError, "read ciphertext chunk").WithComponent("crypto").WithCause(readErr)
		}
	}
	return nil
}

// SHA256File returns the lowercase hex SHA-256 of path's contents,
// streaming rather than loading the whole file.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "open file for hashing").WithComponent("crypto").WithCause(err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "hash file").WithComponent("crypto").WithCause(err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// FreshTempDir creates a per-operation temporary directory under base
// (os.TempDir() when base is empty).
func FreshTempDir(base string) (string, error) {
	dir, err := os.MkdirTemp(base, "anchor-op-*")
	if err != nil {
		return "", anchorerr.New(anchorerr.ProviderError, "create per-operation temp dir").WithComponent("crypto").WithCause(err)
	}
	return dir, nil
}

// RemoveTempDir cleans up a directory created by FreshTempDir, ignoring
// the case where it is already gone.
func RemoveTempDir(dir string) {
	_ = os.RemoveAll(dir)
}
