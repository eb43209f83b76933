package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapDocs is the production SnapDocStore, backed by the remote Postgres
// that the feed reads from.
type SnapDocs struct {
	pool *pgxpool.Pool
}

// ConnectDocs opens a pgx connection pool using the provided DSN.
func ConnectDocs(ctx context.Context, dsn string) (*SnapDocs, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect snap documents: %w", err)
	}
	return &SnapDocs{pool: pool}, nil
}

// Close releases the connection pool.
func (d *SnapDocs) Close() {
	d.pool.Close()
}

// EnsureSchema creates the snaps table if needed. Keeping the migration in
// code lets a fresh environment bootstrap itself.
func (d *SnapDocs) EnsureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS snaps (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	media_type TEXT NOT NULL,
	caption TEXT NOT NULL DEFAULT '',
	filter TEXT NOT NULL DEFAULT '',
	blob_ref TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	uploaded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snaps_owner ON snaps(owner_id, created_at);`
	if _, err := d.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Upsert writes the snap document keyed by id. Re-running an upload for the
// same snap updates the row in place; the feed never sees a duplicate.
func (d *SnapDocs) Upsert(ctx context.Context, doc SnapDoc) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO snaps (id, owner_id, media_type, caption, filter, blob_ref, created_at, uploaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			caption = EXCLUDED.caption,
			filter = EXCLUDED.filter,
			blob_ref = EXCLUDED.blob_ref,
			uploaded_at = EXCLUDED.uploaded_at
	`, doc.ID, doc.OwnerID, string(doc.MediaType), doc.Caption, string(doc.Filter), doc.BlobRef, doc.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert snap document: %w", err)
	}
	return nil
}
