package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorbackup/anchor-agent/internal/exclusion"
	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/internal/transfer"
	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

// fakeProvider is an in-memory vault.Provider for exercising the watcher
// without a real local or S3 backend.
type fakeProvider struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	saveErr  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (p *fakeProvider) LoadIdentity(ctx context.Context) (*types.Identity, error) { return nil, nil }
func (p *fakeProvider) SaveIdentity(ctx context.Context, id *types.Identity) error { return nil }

func (p *fakeProvider) SaveFile(ctx context.Context, localSource, key string, metadata map[string]string, cancel vault.CancelCheck) error {
	if cancel != nil && cancel() {
		return anchorerr.New(anchorerr.Cancelled, "cancelled")
	}
	if p.saveErr != nil {
		return p.saveErr
	}
	data, err := os.ReadFile(localSource)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = data
	p.metadata[key] = metadata
	return nil
}

func (p *fakeProvider) DeleteFile(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, key)
	delete(p.metadata, key)
	return nil
}

func (p *fakeProvider) MoveItem(ctx context.Context, oldKey, newKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[oldKey]
	if !ok {
		return anchorerr.New(anchorerr.ProviderError, "source key not found")
	}
	p.objects[newKey] = data
	p.metadata[newKey] = p.metadata[oldKey]
	delete(p.objects, oldKey)
	delete(p.metadata, oldKey)
	return nil
}

func (p *fakeProvider) FileExists(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.objects[key]
	return ok, nil
}

func (p *fakeProvider) GetMetadata(ctx context.Context, key string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata[key], nil
}

func (p *fakeProvider) ListFiles(ctx context.Context, prefix string) ([]types.FileMetadata, error) {
	return nil, nil
}

func (p *fakeProvider) ListAllFiles(ctx context.Context) ([]string, error) { return nil, nil }
func (p *fakeProvider) Wipe(ctx context.Context, prefix string) error      { return nil }

func (p *fakeProvider) get(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[key]
	return data, ok
}

func newTestWatcher(t *testing.T, root string, mode types.BackupMode) (*Watcher, *fakeProvider, *ledger.Ledger, *transfer.Queue) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	p := newFakeProvider()
	q := transfer.New(transfer.Config{})
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	w := New(Config{
		SourceRoot: root,
		TempDir:    t.TempDir(),
		BackupMode: mode,
		FS:         NewLocalFS(root),
		Exclusion:  exclusion.New(exclusion.Config{}),
		Ledger:     l,
		Provider:   p,
		Queue:      q,
	})
	return w, p, l, q
}

func waitForQueueDrain(t *testing.T, q *transfer.Queue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
}

func TestSmartScan_UploadsFreshFileWithHashMetadata(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))

	w, p, _, q := newTestWatcher(t, root, types.BackupModeBasic)
	require.NoError(t, w.SmartScan(context.Background()))
	waitForQueueDrain(t, q)

	data, ok := p.get("hello.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	meta, err := p.GetMetadata(context.Background(), "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", meta["original-sha256"])
}

func TestSmartScan_SkipsUnchangedGenID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))

	w, p, _, q := newTestWatcher(t, root, types.BackupModeBasic)
	require.NoError(t, w.SmartScan(context.Background()))
	waitForQueueDrain(t, q)

	p.mu.Lock()
	p.objects["hello.txt"] = []byte("tampered")
	p.mu.Unlock()

	require.NoError(t, w.SmartScan(context.Background()))
	waitForQueueDrain(t, q)

	data, _ := p.get("hello.txt")
	assert.Equal(t, "tampered", string(data), "unchanged gen id must not re-upload")
}

func TestHandleMissing_MirrorModeDeletesFromVault(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doomed.txt")
	require.NoError(t, os.WriteFile(path, []byte("bye"), 0o644))

	w, p, l, q := newTestWatcher(t, root, types.BackupModeMirror)
	require.NoError(t, w.SmartScan(context.Background()))
	waitForQueueDrain(t, q)
	_, ok := p.get("doomed.txt")
	require.True(t, ok)

	require.NoError(t, os.Remove(path))
	require.NoError(t, w.handleFile(context.Background(), "doomed.txt"))

	_, ok = p.get("doomed.txt")
	assert.False(t, ok)
	_, found, err := l.Get("doomed.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandleMissing_BasicModeKeepsVaultCopy(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "keep.txt")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o644))

	w, p, _, q := newTestWatcher(t, root, types.BackupModeBasic)
	require.NoError(t, w.SmartScan(context.Background()))
	waitForQueueDrain(t, q)

	require.NoError(t, os.Remove(path))
	require.NoError(t, w.handleFile(context.Background(), "keep.txt"))

	_, ok := p.get("keep.txt")
	assert.True(t, ok)
}

func TestRecordFailure_QuarantinesAndNotifiesExactlyOnce(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "flaky.txt"), []byte("x"), 0o644))

	var notifyCount int
	var mu sync.Mutex

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	p := newFakeProvider()
	p.saveErr = anchorerr.New(anchorerr.ProviderError, "simulated failure")
	q := transfer.New(transfer.Config{})
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	w := New(Config{
		SourceRoot: root,
		TempDir:    t.TempDir(),
		BackupMode: types.BackupModeBasic,
		FS:         NewLocalFS(root),
		Exclusion:  exclusion.New(exclusion.Config{}),
		Ledger:     l,
		Provider:   p,
		Queue:      q,
		Notify: func(*anchorerr.Error) {
			mu.Lock()
			notifyCount++
			mu.Unlock()
		},
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, w.handleFile(context.Background(), "flaky.txt"))
		waitForQueueDrain(t, q)
	}

	count, err := l.GetFailureCount("flaky.txt")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notifyCount, "quarantine notification must fire exactly once")
}

func TestMaybeProcess_SkipsQuarantinedPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blocked.txt"), []byte("x"), 0o644))

	w, p, l, _ := newTestWatcher(t, root, types.BackupModeBasic)
	require.NoError(t, l.IncrementFailure("blocked.txt", nil))
	require.NoError(t, l.IncrementFailure("blocked.txt", nil))
	require.NoError(t, l.IncrementFailure("blocked.txt", nil))

	require.NoError(t, w.handleFile(context.Background(), "blocked.txt"))
	_, ok := p.get("blocked.txt")
	assert.False(t, ok, "a quarantined path must not be retried by an event")
}

func TestHandleCaseChange_DeletesOldKeyBeforeUploadingNew(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Report.txt"), []byte("v1"), 0o644))

	w, p, l, q := newTestWatcher(t, root, types.BackupModeBasic)
	require.NoError(t, w.SmartScan(context.Background()))
	waitForQueueDrain(t, q)
	_, ok := p.get("Report.txt")
	require.True(t, ok)

	require.NoError(t, os.Rename(filepath.Join(root, "Report.txt"), filepath.Join(root, "report.txt")))
	require.NoError(t, w.handleFile(context.Background(), "report.txt"))
	waitForQueueDrain(t, q)

	_, oldExists := p.get("Report.txt")
	assert.False(t, oldExists)
	data, newExists := p.get("report.txt")
	require.True(t, newExists)
	assert.Equal(t, "v1", string(data))

	_, found, err := l.Get("Report.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcileMirror_DeletesVaultObjectsForGoneSources(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stay.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "leave.txt"), []byte("b"), 0o644))

	w, p, l, q := newTestWatcher(t, root, types.BackupModeMirror)
	require.NoError(t, w.SmartScan(context.Background()))
	waitForQueueDrain(t, q)

	require.NoError(t, os.Remove(filepath.Join(root, "leave.txt")))
	require.NoError(t, w.ReconcileMirror(context.Background()))

	_, stayOk := p.get("stay.txt")
	assert.True(t, stayOk)
	_, leaveOk := p.get("leave.txt")
	assert.False(t, leaveOk)

	_, found, err := l.Get("leave.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAbsPathForKey_RoundTripsEncodedKey(t *testing.T) {
	root := t.TempDir()
	w, _, _, _ := newTestWatcher(t, root, types.BackupModeBasic)
	w.cfg.KeyPrefix = "drive/"

	relPath := "Résumé/2024 draft#final.txt"
	key := w.vaultKeyFor(relPath)

	got := w.absPathForKey(key)
	want := filepath.Join(root, filepath.FromSlash(relPath))
	assert.Equal(t, want, got)
}

func TestAbsPathForKey_StripsEncryptedSuffix(t *testing.T) {
	root := t.TempDir()
	w, _, _, _ := newTestWatcher(t, root, types.BackupModeBasic)
	w.cfg.KeyPrefix = "drive/"

	relPath := "a/b.txt"
	key := w.vaultKeyFor(relPath) + AnchorSuffix

	got := w.absPathForKey(key)
	want := filepath.Join(root, filepath.FromSlash(relPath))
	assert.Equal(t, want, got)
}

func TestSweepStaleUploads_KeepsUploadWhenEncryptedSourceStillExists(t *testing.T) {
	root := t.TempDir()
	w, p, l, _ := newTestWatcher(t, root, types.BackupModeBasic)
	w.cfg.KeyPrefix = "drive/"

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("data"), 0o644))
	key := w.vaultKeyFor("a.txt") + AnchorSuffix
	require.NoError(t, l.PutUpload(key, "upload-1"))
	p.objects[key] = []byte("partial")

	require.NoError(t, w.sweepStaleUploads(context.Background()))

	uploads, err := l.GetAllActiveUploads()
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, key, uploads[0].Key)
	_, exists := p.get(key)
	assert.True(t, exists)
}

func TestSweepStaleUploads_RemovesUploadWhenSourceGone(t *testing.T) {
	root := t.TempDir()
	w, p, l, _ := newTestWatcher(t, root, types.BackupModeBasic)
	w.cfg.KeyPrefix = "drive/"

	key := w.vaultKeyFor("missing.txt") + AnchorSuffix
	require.NoError(t, l.PutUpload(key, "upload-1"))
	p.objects[key] = []byte("partial")

	require.NoError(t, w.sweepStaleUploads(context.Background()))

	uploads, err := l.GetAllActiveUploads()
	require.NoError(t, err)
	assert.Empty(t, uploads)
	_, exists := p.get(key)
	assert.False(t, exists)
}

func TestUpload_ReservesBytesOnQueue(t *testing.T) {
	root := t.TempDir()
	content := []byte("some file content to upload")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), content, 0o644))

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	p := newFakeProvider()
	q := transfer.New(transfer.Config{MaxUploadMbps: 1})
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	w := New(Config{
		SourceRoot: root,
		TempDir:    t.TempDir(),
		BackupMode: types.BackupModeBasic,
		FS:         NewLocalFS(root),
		Exclusion:  exclusion.New(exclusion.Config{}),
		Ledger:     l,
		Provider:   p,
		Queue:      q,
	})

	require.NoError(t, w.upload(context.Background(), "a.txt", w.vaultKeyFor("a.txt"), "gen-1"))

	entry, ok, err := l.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, entry.ContentHash)
}

func TestMarkAllSynced_WritesLedgerWithoutUploading(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "baseline.txt"), []byte("already backed up elsewhere"), 0o644))

	w, p, l, _ := newTestWatcher(t, root, types.BackupModeBasic)
	require.NoError(t, w.MarkAllSynced(context.Background()))

	_, uploaded := p.get("baseline.txt")
	assert.False(t, uploaded)

	entry, found, err := l.Get("baseline.txt")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, entry.GenID)
	assert.Empty(t, entry.ContentHash)
}
