package store

import (
	"context"

	"github.com/sendfleet/sendfleet/internal/tgapi"
)

// UpsertMediaStore records the immutable blob metadata. Conflicts are
// no-ops: rows are keyed by content hash and never change.
func (s *Store) UpsertMediaStore(ctx context.Context, row *MediaStoreRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_store (bot_slug, sha256, kind, r2_key, bytes, mime)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_slug, sha256, kind) DO NOTHING`,
		row.BotSlug, row.SHA256, row.Kind, row.R2Key, row.Bytes, row.Mime)
	return err
}

func (s *Store) GetMediaStore(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind) (*MediaStoreRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT bot_slug, sha256, kind, r2_key, bytes, mime, created_at
		FROM media_store WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3`,
		slug, sha256, kind)

	var m MediaStoreRow
	err := row.Scan(&m.BotSlug, &m.SHA256, &m.Kind, &m.R2Key, &m.Bytes, &m.Mime, &m.CreatedAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertCacheWarming creates a warming row if none exists. Returns true
// when this call created the row (and the caller should enqueue a warm
// job); false when a row was already present in any status.
func (s *Store) InsertCacheWarming(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO media_cache (bot_slug, sha256, kind, status)
		VALUES ($1, $2, $3, 'warming')
		ON CONFLICT (bot_slug, sha256, kind) DO NOTHING`,
		slug, sha256, kind)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetMediaCache(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind) (*MediaCacheRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT bot_slug, sha256, kind, status, COALESCE(file_id, ''), COALESCE(error_reason, ''), attempts, created_at, warmup_at
		FROM media_cache WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3`,
		slug, sha256, kind)

	var m MediaCacheRow
	err := row.Scan(&m.BotSlug, &m.SHA256, &m.Kind, &m.Status, &m.FileID, &m.ErrorReason, &m.Attempts, &m.CreatedAt, &m.WarmupAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetCacheReady transitions warming→ready with the captured file_id.
// Ready rows are terminal until an operator invalidates them.
func (s *Store) SetCacheReady(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind, fileID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE media_cache SET status = 'ready', file_id = $4, error_reason = NULL, warmup_at = now()
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3 AND status = 'warming'`,
		slug, sha256, kind, fileID)
	return err
}

// SetCacheWarmingReason surfaces why a warming row cannot progress
// without leaving the warming state: fixing the tenant config makes the
// row eligible again, unlike an error transition.
func (s *Store) SetCacheWarmingReason(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE media_cache SET error_reason = $4
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3 AND status = 'warming'`,
		slug, sha256, kind, reason)
	return err
}

func (s *Store) SetCacheError(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE media_cache SET status = 'error', error_reason = $4
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3`,
		slug, sha256, kind, reason)
	return err
}

func (s *Store) BumpCacheAttempts(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE media_cache SET attempts = attempts + 1
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3
		RETURNING attempts`, slug, sha256, kind).Scan(&attempts)
	if noRows(err) {
		return 0, ErrNotFound
	}
	return attempts, err
}

// ResetCacheWarming flips a row back to warming for re-upload. Used by
// operator invalidation; there is no TTL-driven path.
func (s *Store) ResetCacheWarming(ctx context.Context, slug, sha256 string, kind tgapi.MediaKind) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_cache SET status = 'warming', file_id = NULL, error_reason = NULL, attempts = 0
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3`,
		slug, sha256, kind)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWarming returns warming rows for startup recovery, oldest first.
func (s *Store) ListWarming(ctx context.Context, limit int) ([]*MediaCacheRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bot_slug, sha256, kind, status, COALESCE(file_id, ''), COALESCE(error_reason, ''), attempts, created_at, warmup_at
		FROM media_cache WHERE status = 'warming' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MediaCacheRow
	for rows.Next() {
		var m MediaCacheRow
		if err := rows.Scan(&m.BotSlug, &m.SHA256, &m.Kind, &m.Status, &m.FileID, &m.ErrorReason, &m.Attempts, &m.CreatedAt, &m.WarmupAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
