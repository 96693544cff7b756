package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorbackup/anchor-agent/pkg/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestShouldProcess_NewPathAlwaysProcesses(t *testing.T) {
	l := openTestLedger(t)
	should, err := l.ShouldProcess("a/b.txt", "gen-1")
	require.NoError(t, err)
	assert.True(t, should)
}

func TestMarkProcessed_ThenShouldProcessMatchesGenID(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.MarkProcessed("a/b.txt", "gen-1", "hash-1"))

	should, err := l.ShouldProcess("a/b.txt", "gen-1")
	require.NoError(t, err)
	assert.False(t, should)

	should, err = l.ShouldProcess("a/b.txt", "gen-2")
	require.NoError(t, err)
	assert.True(t, should)
}

func TestIncrementFailure_TracksCount(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.IncrementFailure("a/b.txt", nil))
	require.NoError(t, l.IncrementFailure("a/b.txt", assertErr("boom")))

	count, err := l.GetFailureCount("a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entry, ok, err := l.Get("a/b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "boom", entry.LastError)
}

func TestMarkProcessed_ResetsFailureCount(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.IncrementFailure("a/b.txt", assertErr("boom")))
	require.NoError(t, l.MarkProcessed("a/b.txt", "gen-1", "hash-1"))

	count, err := l.GetFailureCount("a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestResetAllFailures(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.IncrementFailure("a/b.txt", assertErr("boom")))
	require.NoError(t, l.IncrementFailure("c/d.txt", assertErr("boom")))
	require.NoError(t, l.ResetAllFailures())

	count, err := l.GetFailureCount("a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRename_UpdatesExactMatchAndSubtree(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.MarkProcessed("folder", "gen-1", "hash-1"))
	require.NoError(t, l.MarkProcessed("folder/a.txt", "gen-1", "hash-2"))
	require.NoError(t, l.MarkProcessed("folder/sub/b.txt", "gen-1", "hash-3"))
	require.NoError(t, l.MarkProcessed("folder2/a.txt", "gen-1", "hash-4"))

	require.NoError(t, l.Rename("folder", "renamed"))

	paths, err := l.GetAllTrackedPaths()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"renamed", "renamed/a.txt", "renamed/sub/b.txt", "folder2/a.txt"}, paths)

	for _, p := range paths {
		assert.False(t, len(p) >= 7 && p[:7] == "folder/")
	}
}

func TestDeletePrefix_RemovesExactAndSubtree(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.MarkProcessed("folder", "gen-1", "hash-1"))
	require.NoError(t, l.MarkProcessed("folder/a.txt", "gen-1", "hash-2"))
	require.NoError(t, l.MarkProcessed("other.txt", "gen-1", "hash-3"))

	require.NoError(t, l.DeletePrefix("folder"))

	paths, err := l.GetAllTrackedPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"other.txt"}, paths)
}

func TestWipe_ClearsFilesAndUploads(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.MarkProcessed("a.txt", "gen-1", "hash-1"))
	require.NoError(t, l.PutUpload("drive/a.txt", "upload-1"))

	require.NoError(t, l.Wipe())

	paths, err := l.GetAllTrackedPaths()
	require.NoError(t, err)
	assert.Empty(t, paths)

	uploads, err := l.GetAllActiveUploads()
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestGetStoredCasing_MatchesCaseInsensitively(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.MarkProcessed("Documents/Report.PDF", "gen-1", "hash-1"))

	stored, found, err := l.GetStoredCasing("documents/report.pdf")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Documents/Report.PDF", stored)

	_, found, err = l.GetStoredCasing("nope.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUploadLifecycle(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.PutUpload("drive/a.txt", "upload-1"))

	entry, found, err := l.GetUpload("drive/a.txt")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "upload-1", entry.UploadID)

	require.NoError(t, l.RemoveUpload("drive/a.txt"))
	_, found, err = l.GetUpload("drive/a.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetFilesForAuditing_OrdersByLeastRecentlyVerified(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.MarkProcessed("a.txt", "gen-1", "hash-1"))
	require.NoError(t, l.MarkProcessed("b.txt", "gen-1", "hash-2"))
	require.NoError(t, l.MarkProcessed("c.txt", "gen-1", "hash-3"))

	now := time.Now().UTC()
	require.NoError(t, l.UpdateVerification("a.txt", types.VerifyPending, now.Add(-time.Hour)))
	require.NoError(t, l.UpdateVerification("b.txt", types.VerifyPending, now.Add(-2*time.Hour)))
	require.NoError(t, l.UpdateVerification("c.txt", types.VerifyVerified, now))

	entries, err := l.GetFilesForAuditing(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b.txt", entries[0].Path)
	assert.Equal(t, "a.txt", entries[1].Path)
}

func TestOpen_ResetsCorruptLedgerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(path, []byte("not a sqlite file"), 0o600))

	var resetEvents []ResetEvent
	l, err := Open(path, WithResetCallback(func(ev ResetEvent) {
		resetEvents = append(resetEvents, ev)
	}))
	require.NoError(t, err)
	defer l.Close()

	require.Len(t, resetEvents, 1)
	assert.Equal(t, path, resetEvents[0].Path)

	should, err := l.ShouldProcess("a.txt", "gen-1")
	require.NoError(t, err)
	assert.True(t, should)
}

func TestCountByVerifyState_GroupsTrackedFiles(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.MarkProcessed("a.txt", "gen-1", "hash-a"))
	require.NoError(t, l.MarkProcessed("b.txt", "gen-1", "hash-b"))
	require.NoError(t, l.MarkProcessed("c.txt", "gen-1", "hash-c"))

	require.NoError(t, l.UpdateVerification("a.txt", types.VerifyVerified, time.Now()))
	require.NoError(t, l.UpdateVerification("b.txt", types.VerifyVerified, time.Now()))
	require.NoError(t, l.UpdateVerification("c.txt", types.VerifyMismatch, time.Now()))

	counts, err := l.CountByVerifyState()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.VerifyVerified])
	assert.Equal(t, 1, counts[types.VerifyMismatch])
	assert.Equal(t, 0, counts[types.VerifyPending])
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
