// Package ledger implements a durable, crash-safe store mapping relative
// paths to generation ids, content hashes, failure counts, and verify
// state, plus a side table of in-flight multipart uploads.
//
// It is built on database/sql with the pure-Go modernc.org/sqlite driver in
// WAL journaling mode with synchronous=NORMAL. Writer/reader concurrency is
// modeled with an in-process sync.RWMutex: writes take the write lock,
// reads take the read lock, so reads run concurrently with each other but
// wait while a write is in flight.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	path          TEXT PRIMARY KEY,
	gen_id        TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	failure_count INTEGER NOT NULL DEFAULT 0,
	verify_state  TEXT NOT NULL DEFAULT 'pending',
	verify_at     DATETIME,
	last_error    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS uploads (
	key        TEXT PRIMARY KEY,
	upload_id  TEXT NOT NULL,
	started_at DATETIME NOT NULL
);
`

// ResetEvent describes a ledger file that failed its open-time self-check
// and was recreated empty.
type ResetEvent struct {
	Path   string
	Reason string
}

// Ledger is the single-writer durable store. Safe for concurrent use.
type Ledger struct {
	path   string
	db     *sql.DB
	mu     sync.RWMutex
	logger *slog.Logger
	onReset func(ResetEvent)
}

// Option configures Open.
type Option func(*Ledger)

// WithResetCallback registers a callback invoked when the ledger self-heals
// from a corrupt file by deleting and recreating it.
func WithResetCallback(fn func(ResetEvent)) Option {
	return func(l *Ledger) { l.onReset = fn }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Open opens (creating if absent) the ledger at path. If the existing file
// is unreadable/corrupt, it is deleted along with WAL/SHM sidecars and
// recreated empty.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{path: path, logger: slog.Default().With("component", "ledger")}
	for _, opt := range opts {
		opt(l)
	}

	db, err := openSQLite(path)
	var selfCheckErr error
	if err != nil {
		selfCheckErr = err
	} else if selfCheckErr = selfCheck(db); selfCheckErr != nil {
		db.Close()
	}

	if selfCheckErr != nil {
		l.logger.Warn("ledger self-check failed, resetting", "path", path, "error", selfCheckErr)
		removeLedgerFiles(path)

		db, err = openSQLite(path)
		if err != nil {
			return nil, err
		}
		if l.onReset != nil {
			l.onReset(ResetEvent{Path: path, Reason: selfCheckErr.Error()})
		}
	}

	l.db = db
	return l, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, anchorerr.New(anchorerr.CorruptLedger, "open ledger database").WithComponent("ledger").WithCause(err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, anchorerr.New(anchorerr.CorruptLedger, "initialize ledger schema").WithComponent("ledger").WithCause(err)
	}
	return db, nil
}

func selfCheck(db *sql.DB) error {
	var n int
	row := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='files'`)
	if err := row.Scan(&n); err != nil {
		return err
	}
	var integrityResult string
	if err := db.QueryRow(`PRAGMA integrity_check(1)`).Scan(&integrityResult); err != nil {
		return err
	}
	if integrityResult != "ok" {
		return fmt.Errorf("integrity_check reported: %s", integrityResult)
	}
	return nil
}

func removeLedgerFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// ShouldProcess reports whether path has no entry, or its stored gen_id
// differs from currentGenID.
func (l *Ledger) ShouldProcess(path, currentGenID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var genID string
	err := l.db.QueryRow(`SELECT gen_id FROM files WHERE path = ?`, path).Scan(&genID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return true, nil
	case err != nil:
		return false, wrapProviderlessError("should_process", err)
	}
	return genID != currentGenID, nil
}

// MarkProcessed inserts or replaces path's entry, resetting failure_count
// to zero and verify_state to pending.
func (l *Ledger) MarkProcessed(path, genID, contentHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO files (path, gen_id, content_hash, failure_count, verify_state, verify_at, last_error)
		VALUES (?, ?, ?, 0, ?, ?, '')
		ON CONFLICT(path) DO UPDATE SET
			gen_id = excluded.gen_id,
			content_hash = excluded.content_hash,
			failure_count = 0,
			verify_state = excluded.verify_state,
			verify_at = excluded.verify_at,
			last_error = ''
	`, path, genID, contentHash, types.VerifyPending, time.Time{})
	if err != nil {
		return wrapProviderlessError("mark_processed", err)
	}
	return nil
}

// IncrementFailure bumps failure_count for path, creating a placeholder row
// if none exists yet (a file can fail before it has ever succeeded).
func (l *Ledger) IncrementFailure(path string, lastErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}

	_, err := l.db.Exec(`
		INSERT INTO files (path, gen_id, content_hash, failure_count, verify_state, last_error)
		VALUES (?, '', '', 1, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			failure_count = failure_count + 1,
			last_error = excluded.last_error
	`, path, types.VerifyPending, msg)
	if err != nil {
		return wrapProviderlessError("increment_failure", err)
	}
	return nil
}

// GetFailureCount returns path's current consecutive-failure count.
func (l *Ledger) GetFailureCount(path string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var count int
	err := l.db.QueryRow(`SELECT failure_count FROM files WHERE path = ?`, path).Scan(&count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, wrapProviderlessError("get_failure_count", err)
	}
	return count, nil
}

// ResetAllFailures zeroes every row's failure_count, clearing quarantine so
// previously failed files are retried on the next scan.
func (l *Ledger) ResetAllFailures() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`UPDATE files SET failure_count = 0, last_error = ''`)
	if err != nil {
		return wrapProviderlessError("reset_all_failures", err)
	}
	return nil
}

// Rename updates the exact match for oldPath to newPath and, in the same
// transaction, rewrites every row whose path starts with oldPath+"/" so no
// row is left referencing the old prefix.
func (l *Ledger) Rename(oldPath, newPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return wrapProviderlessError("rename", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE files SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		return wrapProviderlessError("rename", err)
	}

	oldPrefix := oldPath + "/"
	rows, err := tx.Query(`SELECT path FROM files WHERE path LIKE ? ESCAPE '\'`, likePrefix(oldPrefix))
	if err != nil {
		return wrapProviderlessError("rename", err)
	}
	var subtreePaths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return wrapProviderlessError("rename", err)
		}
		subtreePaths = append(subtreePaths, p)
	}
	rows.Close()

	for _, p := range subtreePaths {
		if !strings.HasPrefix(p, oldPrefix) {
			continue
		}
		updated := newPath + "/" + strings.TrimPrefix(p, oldPrefix)
		if _, err := tx.Exec(`UPDATE files SET path = ? WHERE path = ?`, updated, p); err != nil {
			return wrapProviderlessError("rename", err)
		}
	}

	return tx.Commit()
}

// likePrefix escapes LIKE metacharacters in a literal prefix match.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// Remove deletes a single path's entry.
func (l *Ledger) Remove(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return wrapProviderlessError("remove", err)
	}
	return nil
}

// DeletePrefix removes every entry whose path starts with prefix+"/" as
// well as the exact-match prefix itself.
func (l *Ledger) DeletePrefix(prefix string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`DELETE FROM files WHERE path = ? OR path LIKE ? ESCAPE '\'`, prefix, likePrefix(prefix+"/"))
	if err != nil {
		return wrapProviderlessError("delete_prefix", err)
	}
	return nil
}

// Wipe removes every tracked file and upload entry.
func (l *Ledger) Wipe() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return wrapProviderlessError("wipe", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files`); err != nil {
		return wrapProviderlessError("wipe", err)
	}
	if _, err := tx.Exec(`DELETE FROM uploads`); err != nil {
		return wrapProviderlessError("wipe", err)
	}
	return tx.Commit()
}

// GetAllTrackedPaths returns every path currently in the files table, used
// by mirror-mode reconciliation.
func (l *Ledger) GetAllTrackedPaths() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT path FROM files`)
	if err != nil {
		return nil, wrapProviderlessError("get_all_tracked_paths", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, wrapProviderlessError("get_all_tracked_paths", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// GetStoredCasing returns the ledger's exact stored path for a
// case-insensitive match of path, used to detect case-only renames. The
// second return is false if no match exists at all.
func (l *Ledger) GetStoredCasing(path string) (string, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT path FROM files WHERE path = ? COLLATE NOCASE`, path)
	if err != nil {
		return "", false, wrapProviderlessError("get_stored_casing", err)
	}
	defer rows.Close()

	if rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			return "", false, wrapProviderlessError("get_stored_casing", err)
		}
		return stored, true, nil
	}
	return "", false, rows.Err()
}

// PutUpload records (or overwrites) the in-flight upload id for key.
func (l *Ledger) PutUpload(key, uploadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO uploads (key, upload_id, started_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET upload_id = excluded.upload_id, started_at = excluded.started_at
	`, key, uploadID, time.Now().UTC())
	if err != nil {
		return wrapProviderlessError("put_upload", err)
	}
	return nil
}

// GetUpload returns the in-flight upload id for key, if any.
func (l *Ledger) GetUpload(key string) (types.UploadEntry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var entry types.UploadEntry
	entry.Key = key
	err := l.db.QueryRow(`SELECT upload_id, started_at FROM uploads WHERE key = ?`, key).Scan(&entry.UploadID, &entry.StartedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return types.UploadEntry{}, false, nil
	case err != nil:
		return types.UploadEntry{}, false, wrapProviderlessError("get_upload", err)
	}
	return entry, true, nil
}

// RemoveUpload deletes the in-flight upload row for key — called on
// completion or explicit abort.
func (l *Ledger) RemoveUpload(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`DELETE FROM uploads WHERE key = ?`, key)
	if err != nil {
		return wrapProviderlessError("remove_upload", err)
	}
	return nil
}

// GetAllActiveUploads lists every tracked in-flight upload, used at
// start-up to sweep orphaned multipart uploads.
func (l *Ledger) GetAllActiveUploads() ([]types.UploadEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT key, upload_id, started_at FROM uploads`)
	if err != nil {
		return nil, wrapProviderlessError("get_all_active_uploads", err)
	}
	defer rows.Close()

	var entries []types.UploadEntry
	for rows.Next() {
		var e types.UploadEntry
		if err := rows.Scan(&e.Key, &e.UploadID, &e.StartedAt); err != nil {
			return nil, wrapProviderlessError("get_all_active_uploads", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetFilesForAuditing returns up to limit pending-verification entries
// ordered by least-recently verified.
func (l *Ledger) GetFilesForAuditing(limit int) ([]types.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT path, gen_id, content_hash, failure_count, verify_state, verify_at, last_error
		FROM files
		WHERE verify_state = ?
		ORDER BY verify_at ASC
		LIMIT ?
	`, types.VerifyPending, limit)
	if err != nil {
		return nil, wrapProviderlessError("get_files_for_auditing", err)
	}
	defer rows.Close()

	var entries []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var verifyAt sql.NullTime
		var state string
		if err := rows.Scan(&e.Path, &e.GenID, &e.ContentHash, &e.FailureCount, &state, &verifyAt, &e.LastError); err != nil {
			return nil, wrapProviderlessError("get_files_for_auditing", err)
		}
		e.VerifyState = types.VerifyState(state)
		if verifyAt.Valid {
			e.VerifyAt = verifyAt.Time
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].VerifyAt.Before(entries[j].VerifyAt) })
	return entries, rows.Err()
}

// UpdateVerification sets verify_state and verify_at for path.
func (l *Ledger) UpdateVerification(path string, state types.VerifyState, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`UPDATE files SET verify_state = ?, verify_at = ? WHERE path = ?`, state, at, path)
	if err != nil {
		return wrapProviderlessError("update_verification", err)
	}
	return nil
}

// Get returns the full entry for path, if any.
func (l *Ledger) Get(path string) (types.LedgerEntry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var e types.LedgerEntry
	e.Path = path
	var verifyAt sql.NullTime
	var state string
	err := l.db.QueryRow(`
		SELECT gen_id, content_hash, failure_count, verify_state, verify_at, last_error
		FROM files WHERE path = ?
	`, path).Scan(&e.GenID, &e.ContentHash, &e.FailureCount, &state, &verifyAt, &e.LastError)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return types.LedgerEntry{}, false, nil
	case err != nil:
		return types.LedgerEntry{}, false, wrapProviderlessError("get", err)
	}
	e.VerifyState = types.VerifyState(state)
	if verifyAt.Valid {
		e.VerifyAt = verifyAt.Time
	}
	return e, true, nil
}

// CountByVerifyState returns the number of tracked files in each
// verify_state, used by the metrics collector to report files_pending,
// integrity_verified, and integrity_errors without a full table scan of
// LedgerEntry values.
func (l *Ledger) CountByVerifyState() (map[types.VerifyState]int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT verify_state, COUNT(*) FROM files GROUP BY verify_state`)
	if err != nil {
		return nil, wrapProviderlessError("count_by_verify_state", err)
	}
	defer rows.Close()

	counts := make(map[types.VerifyState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, wrapProviderlessError("count_by_verify_state", err)
		}
		counts[types.VerifyState(state)] = n
	}
	return counts, rows.Err()
}

// wrapProviderlessError converts a raw database error into an
// anchorerr.Error tagged with the failing operation, so callers can
// distinguish a real failure from a simple absence of a row.
func wrapProviderlessError(op string, err error) error {
	return anchorerr.New(anchorerr.CorruptLedger, "ledger operation failed").
		WithComponent("ledger").WithOperation(op).WithCause(err)
}
