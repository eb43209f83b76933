// Package uploader performs the two-phase remote write for one queued snap:
// the media blob goes to object storage, then the snap document is upserted
// into the remote database. Both phases key off the snap id, so a retried
// upload overwrites rather than duplicates.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/marketsnap/snapsync/internal/model"
)

// SnapDoc is the metadata document the feed reads. Filter must arrive
// exactly as captured; the feed re-renders the look from it.
type SnapDoc struct {
	ID        string
	OwnerID   string
	MediaType model.MediaType
	Caption   string
	Filter    model.FilterType
	CreatedAt time.Time
	BlobRef   string
}

// BlobStore is the remote binary side of an upload.
type BlobStore interface {
	// Put stores the file at key and returns the blob reference recorded in
	// the snap document. Repeated puts with the same key overwrite.
	Put(ctx context.Context, key, localPath string, contentType string) (string, error)
	// Stat reports the stored size of key, or exists=false when absent.
	Stat(ctx context.Context, key string) (size int64, exists bool, err error)
}

// SnapDocStore is the remote document side of an upload. Upsert must be
// idempotent on doc.ID.
type SnapDocStore interface {
	Upsert(ctx context.Context, doc SnapDoc) error
}

// Worker uploads one claimed snap at a time. It holds no queue state of its
// own; the coordinator decides what to attempt and records the outcome.
type Worker struct {
	blobs   BlobStore
	docs    SnapDocStore
	timeout time.Duration
	logger  *log.Logger
}

// New constructs a Worker. timeout bounds each full attempt.
func New(blobs BlobStore, docs SnapDocStore, timeout time.Duration, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(os.Stderr, "[uploader] ", log.LstdFlags)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{blobs: blobs, docs: docs, timeout: timeout, logger: logger}
}

// Upload runs both phases and returns nil only once both are confirmed
// persisted remotely. Failures come back classified (see Kind).
//
// Credentials are an explicit parameter: when they are missing, expired or
// do not cover the snap's owner, the worker fails fast with an auth error
// and no network call is made.
func (w *Worker) Upload(ctx context.Context, snap model.QueuedSnap, creds model.Credentials) error {
	info, err := os.Stat(snap.LocalPath)
	if err != nil {
		// The quarantined copy is gone; retrying forever cannot bring it
		// back. Surface the data loss instead.
		w.logger.Printf("snap %s lost its quarantined media %s", snap.ID, snap.LocalPath)
		return permanentErr("stat local media", err)
	}
	if !creds.Valid(time.Now()) {
		return authErr("check credentials", errors.New("credentials missing or expired"))
	}
	if snap.OwnerID != creds.UserID {
		return authErr("check credentials", fmt.Errorf("credentials for %s cannot upload snap owned by %s", creds.UserID, snap.OwnerID))
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	key := BlobKey(snap)
	blobRef, err := w.ensureBlob(ctx, key, snap, info.Size())
	if err != nil {
		return err
	}

	doc := SnapDoc{
		ID:        snap.ID,
		OwnerID:   snap.OwnerID,
		MediaType: snap.MediaType,
		Caption:   snap.Caption,
		Filter:    snap.Filter,
		CreatedAt: snap.CreatedAt,
		BlobRef:   blobRef,
	}
	if err := w.docs.Upsert(ctx, doc); err != nil {
		// The blob may already be up; the next attempt's Stat check skips
		// re-uploading it and goes straight to this phase.
		return classify("upsert snap document", err)
	}
	return nil
}

// ensureBlob uploads the media unless a previous attempt already left the
// exact bytes in place (phase two failed after phase one succeeded).
func (w *Worker) ensureBlob(ctx context.Context, key string, snap model.QueuedSnap, localSize int64) (string, error) {
	size, exists, err := w.blobs.Stat(ctx, key)
	if err != nil {
		// Stat is only an optimization; fall through to the put.
		w.logger.Printf("snap %s: blob stat failed, uploading anyway: %v", snap.ID, err)
	} else if exists && size == localSize {
		w.logger.Printf("snap %s: blob already present, skipping re-upload", snap.ID)
		return key, nil
	}
	ref, err := w.blobs.Put(ctx, key, snap.LocalPath, contentTypeFor(snap))
	if err != nil {
		return "", classify("upload media blob", err)
	}
	return ref, nil
}

// BlobKey derives the deterministic object key for a snap so retries
// overwrite instead of duplicating: ownerID/snapID<ext>.
func BlobKey(snap model.QueuedSnap) string {
	return path.Join(snap.OwnerID, snap.ID+filepath.Ext(snap.LocalPath))
}

func contentTypeFor(snap model.QueuedSnap) string {
	if ct := mime.TypeByExtension(filepath.Ext(snap.LocalPath)); ct != "" {
		return ct
	}
	if snap.MediaType == model.MediaVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}
