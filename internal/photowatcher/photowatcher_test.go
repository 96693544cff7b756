package photowatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/internal/transfer"
	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

type fakeLibrary struct {
	assets map[string][]types.AssetResource // asset id -> resources
	order  []string
	token  string
}

func (l *fakeLibrary) CurrentToken(ctx context.Context) (string, error) { return l.token, nil }

func (l *fakeLibrary) ChangedAssetsSince(ctx context.Context, token string) ([]types.AssetRef, string, error) {
	var refs []types.AssetRef
	for _, id := range l.order {
		refs = append(refs, types.AssetRef{ID: id})
	}
	return refs, l.token, nil
}

func (l *fakeLibrary) Resources(ctx context.Context, asset types.AssetRef) ([]types.AssetResource, error) {
	return l.assets[asset.ID], nil
}

type memTokenStore struct {
	mu    sync.Mutex
	token string
}

func (s *memTokenStore) LoadToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *memTokenStore) SaveToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{objects: make(map[string][]byte), metadata: make(map[string]map[string]string)}
}

func (p *fakeProvider) LoadIdentity(ctx context.Context) (*types.Identity, error) { return nil, nil }
func (p *fakeProvider) SaveIdentity(ctx context.Context, id *types.Identity) error { return nil }

func (p *fakeProvider) SaveFile(ctx context.Context, localSource, key string, metadata map[string]string, cancel vault.CancelCheck) error {
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

func (p *fakeProvider) DeleteFile(ctx context.Context, key string) error { return nil }
func (p *fakeProvider) MoveItem(ctx context.Context, oldKey, newKey string) error { return nil }
func (p *fakeProvider) FileExists(ctx context.Context, key string) (bool, error)  { return false, nil }
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

func TestSync_FirstRunExportsEveryAssetAndSavesToken(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "IMG_0001.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("photo bytes"), 0o644))

	createdAt := time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC)
	lib := &fakeLibrary{
		order: []string{"asset-1"},
		token: "token-v2",
		assets: map[string][]types.AssetResource{
			"asset-1": {{OriginalFilename: "IMG_0001.jpg", SourcePath: imgPath, CreatedAt: createdAt}},
		},
	}

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	p := newFakeProvider()
	q := transfer.New(transfer.Config{})
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	tokens := &memTokenStore{}
	w := New(Config{
		KeyPrefix: "photos/",
		TempDir:   t.TempDir(),
		Library:   lib,
		Tokens:    tokens,
		Ledger:    l,
		Provider:  p,
		Queue:     q,
	})

	require.NoError(t, w.Sync(context.Background()))
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	data, ok := p.get("photos/2026/03/IMG_0001.jpg")
	require.True(t, ok)
	assert.Equal(t, "photo bytes", string(data))

	saved, err := tokens.LoadToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-v2", saved)
}

func TestSync_SkipsAssetAlreadyAtSameGeneration(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "IMG_0002.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("v1"), 0o644))
	createdAt := time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC)

	lib := &fakeLibrary{
		order: []string{"asset-2"},
		token: "token-v2",
		assets: map[string][]types.AssetResource{
			"asset-2": {{OriginalFilename: "IMG_0002.jpg", SourcePath: imgPath, CreatedAt: createdAt}},
		},
	}

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	p := newFakeProvider()
	q := transfer.New(transfer.Config{})
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	w := New(Config{TempDir: t.TempDir(), Library: lib, Tokens: &memTokenStore{}, Ledger: l, Provider: p, Queue: q})

	require.NoError(t, w.Sync(context.Background()))
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	p.mu.Lock()
	p.objects["2026/03/IMG_0002.jpg"] = []byte("tampered")
	p.mu.Unlock()

	require.NoError(t, w.Sync(context.Background()))
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	data, _ := p.get("2026/03/IMG_0002.jpg")
	assert.Equal(t, "tampered", string(data), "unchanged resource must not re-export")
}

func TestKeyFor_UsesYearMonthAndOriginalFilename(t *testing.T) {
	w := New(Config{KeyPrefix: "photos/"})
	key := w.keyFor(types.AssetResource{
		OriginalFilename: "sunset.heic",
		CreatedAt:        time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "photos/2025/12/sunset.heic", key)
}
