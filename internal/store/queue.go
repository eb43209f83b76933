package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	"github.com/marketsnap/snapsync/internal/model"
)

const (
	statusPending   = string(model.StatusPending)
	statusUploading = string(model.StatusUploading)
	statusFailed    = string(model.StatusFailed)
)

// snapPayload is the sealed portion of a queue row. Queue bookkeeping
// columns (status, retry count, timestamps) stay in the clear so SQL can
// filter and order without decrypting every row.
type snapPayload struct {
	LocalPath string `json:"localPath"`
	OwnerID   string `json:"ownerId"`
	Caption   string `json:"caption,omitempty"`
	Filter    string `json:"filter,omitempty"`
}

// Enqueue copies src into the quarantine directory, assigns the snap its
// permanent id and persists the record. The caller may release or delete src
// afterwards; the quarantined copy is the one that uploads.
//
// When mediaType is empty the file head is sniffed to decide photo vs video.
// A full disk surfaces ErrCapacity and leaves nothing queued.
func (s *Store) Enqueue(ctx context.Context, src string, mediaType model.MediaType, caption string, filter model.FilterType, ownerID string) (string, error) {
	if ownerID == "" {
		return "", errors.New("store: ownerID is required")
	}
	kind, err := sniff(src)
	if err != nil {
		return "", err
	}
	if mediaType == "" {
		mediaType = model.MediaPhoto
		if kind.MIME.Type == "video" {
			mediaType = model.MediaVideo
		}
	}
	ext := filepath.Ext(src)
	if ext == "" && kind.Extension != "unknown" {
		ext = "." + kind.Extension
	}

	id := uuid.NewString()
	dst := filepath.Join(s.qdir, id+ext)
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		if isDiskFull(err) {
			return "", ErrCapacity
		}
		return "", fmt.Errorf("quarantine media: %w", err)
	}

	payload, err := s.sealPayload(snapPayload{
		LocalPath: dst,
		OwnerID:   ownerID,
		Caption:   caption,
		Filter:    string(filter),
	})
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snap_queue (id, status, media_type, retry_count, created_at, last_attempt_at, last_error, payload)
		VALUES (?, ?, ?, 0, ?, 0, '', ?)
	`, id, statusPending, string(mediaType), now.UnixNano(), payload)
	if err != nil {
		_ = os.Remove(dst)
		if isDiskFull(err) {
			return "", ErrCapacity
		}
		return "", fmt.Errorf("insert snap: %w", err)
	}
	return id, nil
}

// ListPending returns snaps that may still want an upload (pending, plus
// failed ones), oldest first so older content never starves. Backoff and
// attempt-budget eligibility are the coordinator's call.
//
// Rows whose sealed payload cannot be opened are logged and skipped; one
// bad record must not wedge the whole queue.
func (s *Store) ListPending(ctx context.Context) ([]model.QueuedSnap, error) {
	return s.list(ctx, `
		SELECT id, status, media_type, retry_count, created_at, last_attempt_at, last_error, payload
		FROM snap_queue WHERE status IN (?, ?) ORDER BY created_at ASC
	`, statusPending, statusFailed)
}

// List returns every queued snap, oldest first.
func (s *Store) List(ctx context.Context) ([]model.QueuedSnap, error) {
	return s.list(ctx, `
		SELECT id, status, media_type, retry_count, created_at, last_attempt_at, last_error, payload
		FROM snap_queue ORDER BY created_at ASC
	`)
}

// Get returns a single queued snap by id.
func (s *Store) Get(ctx context.Context, id string) (*model.QueuedSnap, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, media_type, retry_count, created_at, last_attempt_at, last_error, payload
		FROM snap_queue WHERE id=?
	`, id)
	snap, err := s.scanSnap(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// MarkUploading claims the snap for a worker. Only pending or failed snaps
// are claimable, which keeps two sweeps from ever processing the same snap.
func (s *Store) MarkUploading(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snap_queue SET status=? WHERE id=? AND status IN (?, ?)`,
		statusUploading, id, statusPending, statusFailed)
	if err != nil {
		return fmt.Errorf("claim snap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrClaimed
	}
	return nil
}

// MarkDone deletes the record and its quarantined file. Done snaps are never
// retained.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.remove(ctx, id)
}

// Discard is the manual "give up on this snap" action from the UI.
func (s *Store) Discard(ctx context.Context, id string) error {
	return s.remove(ctx, id)
}

func (s *Store) remove(ctx context.Context, id string) error {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snap_queue WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete snap: %w", err)
	}
	if err := os.Remove(snap.LocalPath); err != nil && !os.IsNotExist(err) {
		// Row is gone, so the orphan sweep picks this up on next open.
		s.logger.Printf("could not remove quarantined file for %s: %v", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt: increments the retry count, stamps
// the attempt time and keeps the snap for a future retry.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE snap_queue
		SET status=?, retry_count=retry_count+1, last_attempt_at=?, last_error=?
		WHERE id=?
	`, statusFailed, time.Now().UTC().UnixNano(), reason, id)
	if err != nil {
		return fmt.Errorf("mark snap failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Release returns a claimed snap to failed without touching its retry count.
// Used when the attempt never really ran, e.g. the process-wide auth pause.
func (s *Store) Release(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snap_queue SET status=? WHERE id=? AND status=?`,
		statusFailed, id, statusUploading)
	if err != nil {
		return fmt.Errorf("release snap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue is the manual retry action: the snap goes back to pending with a
// fresh attempt budget.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE snap_queue SET status=?, retry_count=0, last_attempt_at=0, last_error='' WHERE id=?
	`, statusPending, id)
	if err != nil {
		return fmt.Errorf("requeue snap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Counts reports queue totals for UI badges. Uploading snaps count as
// pending; failed snaps at or past the attempt budget are reported as
// exhausted instead of failed.
func (s *Store) Counts(ctx context.Context, maxAttempts int) (model.QueueStatus, error) {
	var status model.QueueStatus
	rows, err := s.db.QueryContext(ctx, `SELECT status, retry_count FROM snap_queue`)
	if err != nil {
		return status, fmt.Errorf("count snaps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var retries int
		if err := rows.Scan(&st, &retries); err != nil {
			return status, fmt.Errorf("scan counts: %w", err)
		}
		switch st {
		case statusPending, statusUploading:
			status.Pending++
		case statusFailed:
			if maxAttempts > 0 && retries >= maxAttempts {
				status.Exhausted++
			} else {
				status.Failed++
			}
		}
	}
	return status, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]model.QueuedSnap, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snaps: %w", err)
	}
	defer rows.Close()
	var snaps []model.QueuedSnap
	for rows.Next() {
		snap, err := s.scanSnap(rows.Scan)
		if err != nil {
			s.logger.Printf("skipping unreadable queue row: %v", err)
			continue
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *Store) scanSnap(scan func(...any) error) (*model.QueuedSnap, error) {
	var (
		snap      model.QueuedSnap
		status    string
		mediaType string
		createdAt int64
		attemptAt int64
		sealed    []byte
	)
	if err := scan(&snap.ID, &status, &mediaType, &snap.RetryCount, &createdAt, &attemptAt, &snap.LastError, &sealed); err != nil {
		return nil, err
	}
	plain, err := s.box.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("snap %s: %w", snap.ID, err)
	}
	var payload snapPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("snap %s: decode payload: %w", snap.ID, err)
	}
	snap.Status = model.SnapStatus(status)
	snap.MediaType = model.MediaType(mediaType)
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	if attemptAt != 0 {
		snap.LastAttemptAt = time.Unix(0, attemptAt).UTC()
	}
	snap.LocalPath = payload.LocalPath
	snap.OwnerID = payload.OwnerID
	snap.Caption = payload.Caption
	snap.Filter = model.FilterType(payload.Filter)
	return &snap, nil
}

func (s *Store) sealPayload(p snapPayload) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	sealed, err := s.box.seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	return sealed, nil
}

// sniff reads the file head and matches it against known media signatures.
func sniff(path string) (types.Type, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Unknown, fmt.Errorf("open media: %w", err)
	}
	defer f.Close()
	head := make([]byte, 261)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return types.Unknown, fmt.Errorf("read media head: %w", err)
	}
	kind, err := filetype.Match(head[:n])
	if err != nil {
		return types.Unknown, fmt.Errorf("sniff media: %w", err)
	}
	return kind, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isDiskFull(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	// modernc/sqlite reports SQLITE_FULL as a plain error string.
	return err != nil && strings.Contains(err.Error(), "database or disk is full")
}
