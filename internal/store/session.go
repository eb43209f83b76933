package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marketsnap/snapsync/internal/model"
)

// SaveSession caches the signed-in user snapshot, replacing any previous one.
func (s *Store) SaveSession(ctx context.Context, session model.CachedSession) error {
	if session.CachedAt.IsZero() {
		session.CachedAt = time.Now().UTC()
	}
	plain, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	sealed, err := s.box.seal(plain)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_cache (id, cached_at, payload) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET cached_at=excluded.cached_at, payload=excluded.payload
	`, session.CachedAt.UnixNano(), sealed)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the cached session, or nil when there is none or it
// has aged past ttl. Expired snapshots are cleared on the way out.
func (s *Store) LoadSession(ctx context.Context, ttl time.Duration) (*model.CachedSession, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM auth_cache WHERE id=1`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	plain, err := s.box.open(sealed)
	if err != nil {
		// Unreadable cache entries behave like a signed-out state.
		s.logger.Printf("clearing unreadable session cache: %v", err)
		return nil, s.ClearSession(ctx)
	}
	var session model.CachedSession
	if err := json.Unmarshal(plain, &session); err != nil {
		s.logger.Printf("clearing undecodable session cache: %v", err)
		return nil, s.ClearSession(ctx)
	}
	if session.Expired(time.Now().UTC(), ttl) {
		return nil, s.ClearSession(ctx)
	}
	return &session, nil
}

// ClearSession drops the cached session, e.g. on explicit sign-out.
func (s *Store) ClearSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_cache WHERE id=1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
