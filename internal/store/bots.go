package store

import (
	"context"
	"fmt"
	"time"
)

const botColumns = `slug, name, token_cipher, token_updated_at, warmup_chat_id, rate_overrides, created_at, deleted_at`

func scanBot(row interface{ Scan(...any) error }) (*Bot, error) {
	var b Bot
	if err := row.Scan(&b.Slug, &b.Name, &b.TokenCipher, &b.TokenUpdatedAt,
		&b.WarmupChatID, &b.RateOverrides, &b.CreatedAt, &b.DeletedAt); err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) CreateBot(ctx context.Context, slug, name string) (*Bot, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bots (slug, name) VALUES ($1, $2)
		ON CONFLICT (slug) DO NOTHING
		RETURNING `+botColumns, slug, name)
	b, err := scanBot(row)
	if err == ErrNotFound {
		return nil, fmt.Errorf("bot %q already exists", slug)
	}
	return b, err
}

// GetBot returns the tenant row including soft-deleted ones; callers on
// non-admin paths must check Deleted() and treat those as gone.
func (s *Store) GetBot(ctx context.Context, slug string) (*Bot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE slug = $1`, slug)
	return scanBot(row)
}

func (s *Store) ListBots(ctx context.Context) ([]*Bot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+botColumns+` FROM bots WHERE deleted_at IS NULL ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *Store) SoftDeleteBot(ctx context.Context, slug string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bots SET deleted_at = now() WHERE slug = $1 AND deleted_at IS NULL`, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetBotToken(ctx context.Context, slug, tokenCipher string) (time.Time, error) {
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE bots SET token_cipher = $2, token_updated_at = now()
		WHERE slug = $1 AND deleted_at IS NULL
		RETURNING token_updated_at`, slug, tokenCipher).Scan(&updatedAt)
	if noRows(err) {
		return time.Time{}, ErrNotFound
	}
	return updatedAt, err
}

func (s *Store) SetWarmupChat(ctx context.Context, slug string, chatID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bots SET warmup_chat_id = $2 WHERE slug = $1 AND deleted_at IS NULL`, slug, chatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
