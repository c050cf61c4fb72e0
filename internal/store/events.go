package store

import (
	"context"
)

const eventColumns = `id, request_id, bot_slug, chat_id, purpose, dedupe_key, message_id, status, error_code, latency_ms, metadata, occurred_at`

func scanEvent(row interface{ Scan(...any) error }) (*GatewayEvent, error) {
	var e GatewayEvent
	if err := row.Scan(&e.ID, &e.RequestID, &e.BotSlug, &e.ChatID, &e.Purpose, &e.DedupeKey,
		&e.MessageID, &e.Status, &e.ErrorCode, &e.LatencyMs, &e.Metadata, &e.OccurredAt); err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// InsertProvisionalEvent races on dedupe_key. When this call wins it
// returns the new pending event and inserted=true; when another send
// already holds the key it returns that event and inserted=false, and
// the caller short-circuits instead of sending twice.
func (s *Store) InsertProvisionalEvent(ctx context.Context, e *GatewayEvent) (*GatewayEvent, bool, error) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO gateway_events (request_id, bot_slug, chat_id, purpose, dedupe_key, status, metadata)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING `+eventColumns,
		e.RequestID, e.BotSlug, e.ChatID, e.Purpose, e.DedupeKey, meta)

	got, err := scanEvent(row)
	if err == nil {
		return got, true, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	existing, err := s.GetEventByDedupeKey(ctx, e.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// RearmEvent reclaims a finalized failure for a fresh delivery: err
// flips back to pending atomically, so of N concurrent retries on the
// same key exactly one wins the row and calls Telegram. ok rows and
// in-flight rows are left alone.
func (s *Store) RearmEvent(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gateway_events SET status = 'pending', message_id = 0, error_code = '', latency_ms = 0
		WHERE id = $1 AND status = 'err'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetEventByDedupeKey(ctx context.Context, key string) (*GatewayEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM gateway_events WHERE dedupe_key = $1`, key)
	return scanEvent(row)
}

// FinalizeEvent records the send outcome on the provisional row.
func (s *Store) FinalizeEvent(ctx context.Context, id int64, status EventStatus, messageID int64, errorCode string, latencyMs int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE gateway_events SET status = $2, message_id = $3, error_code = $4, latency_ms = $5
		WHERE id = $1`, id, status, messageID, errorCode, latencyMs)
	return err
}

func (s *Store) ListEvents(ctx context.Context, slug string, limit int) ([]*GatewayEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM gateway_events
		WHERE bot_slug = $1 ORDER BY id DESC LIMIT $2`, slug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GatewayEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- funnel --------------------------------------------------------------

// InsertFunnelEvent appends one lifecycle fact (e.g. "started") for a
// chat. Duplicates are fine; readers aggregate with DISTINCT.
func (s *Store) InsertFunnelEvent(ctx context.Context, slug string, chatID int64, event string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO funnel_events (bot_slug, chat_id, event)
		VALUES ($1, $2, $3)`, slug, chatID, event)
	return err
}

// ListStartedChats returns the distinct chat ids that ever sent /start
// to the tenant. This backs the all_started shot audience.
func (s *Store) ListStartedChats(ctx context.Context, slug string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT chat_id FROM funnel_events
		WHERE bot_slug = $1 AND event = 'started' ORDER BY chat_id`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
