// Package store implements the durable local queue backing the sync engine:
// queued snaps, their quarantined media files and the cached session, all
// persisted in sqlite with payload columns sealed by a locally held key.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrCapacity means the device is out of space; the snap was not queued.
	ErrCapacity = errors.New("store: not enough space on device")
	// ErrStorage means the persistence layer is unusable even after repair.
	ErrStorage = errors.New("store: persistence unavailable")
	// ErrNotFound means no queued snap has the given id.
	ErrNotFound = errors.New("store: no such snap")
	// ErrClaimed means another worker already holds the snap.
	ErrClaimed = errors.New("store: snap already claimed")
)

const (
	dbFileName    = "queue.db"
	keyFileName   = "store.key"
	quarantineDir = "quarantine"
)

const schema = `
CREATE TABLE IF NOT EXISTS snap_queue (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	media_type TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snap_queue_status ON snap_queue(status);
CREATE INDEX IF NOT EXISTS idx_snap_queue_created ON snap_queue(created_at);
CREATE TABLE IF NOT EXISTS auth_cache (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cached_at INTEGER NOT NULL,
	payload BLOB NOT NULL
);`

// Store owns the queue database and the quarantine directory. It is the
// single source of truth for queued snaps: the UI enqueues and reads, the
// sync coordinator updates status, and nobody else touches the files.
type Store struct {
	db     *sql.DB
	root   string
	qdir   string
	box    *sealer
	logger *log.Logger
}

// Open initializes the store under root, creating the directory layout and
// key on first use. Any snap left in "uploading" by a dead process is reset
// to "failed" so it becomes eligible for retry, and quarantine files no
// record points at are removed.
//
// A corrupt database is moved aside and recreated empty rather than
// propagated as a fatal error: losing the queue is preferable to bricking
// the app. The loss is logged.
func Open(root string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	qdir := filepath.Join(root, quarantineDir)
	if err := os.MkdirAll(qdir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	key, err := loadOrCreateKey(filepath.Join(root, keyFileName))
	if err != nil {
		return nil, err
	}
	box, err := newSealer(key)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(root, dbFileName)
	db, err := openDB(dbPath)
	if err != nil {
		logger.Printf("queue database unusable, recreating (queued items may be lost): %v", err)
		if err := repairDB(dbPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		db, err = openDB(dbPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	s := &Store{db: db, root: root, qdir: qdir, box: box, logger: logger}
	if err := s.reconcileOnOpen(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// QuarantineDir returns the directory the store copies enqueued media into.
func (s *Store) QuarantineDir() string {
	return s.qdir
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite opens lazily; force real I/O so corruption shows up here
	// instead of on the first enqueue.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	var ok string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&ok); err != nil || ok != "ok" {
		db.Close()
		if err == nil {
			err = fmt.Errorf("quick_check: %s", ok)
		}
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	return db, nil
}

// repairDB moves the corrupt database (and its sidecar WAL files) aside so a
// fresh one can be created in its place.
func repairDB(path string) error {
	stamp := time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(path, fmt.Sprintf("%s.corrupt-%s", path, stamp)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("set aside corrupt database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	return nil
}

// reconcileOnOpen recovers snaps stranded mid-upload by a crash. RetryCount
// is left untouched: the attempt never finished, so it should not count
// against the snap's budget.
func (s *Store) reconcileOnOpen(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snap_queue SET status=? WHERE status=?`,
		statusFailed, statusUploading)
	if err != nil {
		return fmt.Errorf("reconcile uploading snaps: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Printf("recovered %d snap(s) stranded in uploading state", n)
	}
	s.sweepOrphans(ctx)
	return nil
}

// sweepOrphans removes quarantine files without a matching queue row. They
// appear when the process dies between the row delete and the file delete of
// a completed snap.
func (s *Store) sweepOrphans(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM snap_queue`)
	if err != nil {
		s.logger.Printf("orphan sweep skipped: %v", err)
		return
	}
	defer rows.Close()
	live := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return
		}
		live[id] = struct{}{}
	}
	if rows.Err() != nil {
		return
	}
	entries, err := os.ReadDir(s.qdir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if _, ok := live[id]; ok {
			continue
		}
		s.logger.Printf("removing orphaned quarantine file %s", name)
		_ = os.Remove(filepath.Join(s.qdir, name))
	}
}
