package store

import (
	"context"
)

// GetStartMessage returns the per-tenant start payload. A tenant without
// one yet gets an inactive empty message rather than ErrNotFound, so the
// admin GET and the hot path share one shape.
func (s *Store) GetStartMessage(ctx context.Context, slug string) (*StartMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT bot_slug, active, text, raw, disable_web_page_preview, media_refs, updated_at
		FROM start_messages WHERE bot_slug = $1`, slug)

	var m StartMessage
	err := row.Scan(&m.BotSlug, &m.Active, &m.Text, &m.Raw, &m.DisablePreview, &m.MediaRefs, &m.UpdatedAt)
	if noRows(err) {
		return &StartMessage{BotSlug: slug, MediaRefs: []MediaRef{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if m.MediaRefs == nil {
		m.MediaRefs = []MediaRef{}
	}
	return &m, nil
}

func (s *Store) PutStartMessage(ctx context.Context, m *StartMessage) error {
	refs := m.MediaRefs
	if refs == nil {
		refs = []MediaRef{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO start_messages (bot_slug, active, text, raw, disable_web_page_preview, media_refs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (bot_slug) DO UPDATE SET
			active = EXCLUDED.active,
			text = EXCLUDED.text,
			raw = EXCLUDED.raw,
			disable_web_page_preview = EXCLUDED.disable_web_page_preview,
			media_refs = EXCLUDED.media_refs,
			updated_at = now()`,
		m.BotSlug, m.Active, m.Text, m.Raw, m.DisablePreview, refs)
	return err
}
