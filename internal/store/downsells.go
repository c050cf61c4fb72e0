package store

import (
	"context"
	"time"
)

const downsellColumns = `id, bot_slug, name, text, raw, media_refs, delay_seconds, triggers, active, created_at`

func scanDownsell(row interface{ Scan(...any) error }) (*Downsell, error) {
	var d Downsell
	if err := row.Scan(&d.ID, &d.BotSlug, &d.Name, &d.Text, &d.Raw, &d.MediaRefs,
		&d.DelaySeconds, &d.Triggers, &d.Active, &d.CreatedAt); err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) CreateDownsell(ctx context.Context, d *Downsell) (*Downsell, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bot_downsells (bot_slug, name, text, raw, media_refs, delay_seconds, triggers, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+downsellColumns,
		d.BotSlug, d.Name, d.Text, d.Raw, jsonOrEmpty(d.MediaRefs), d.DelaySeconds, jsonOrEmptyStrings(d.Triggers), d.Active)
	return scanDownsell(row)
}

func (s *Store) UpdateDownsell(ctx context.Context, d *Downsell) (*Downsell, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bot_downsells SET name = $3, text = $4, raw = $5, media_refs = $6,
			delay_seconds = $7, triggers = $8, active = $9
		WHERE id = $1 AND bot_slug = $2
		RETURNING `+downsellColumns,
		d.ID, d.BotSlug, d.Name, d.Text, d.Raw, jsonOrEmpty(d.MediaRefs), d.DelaySeconds, jsonOrEmptyStrings(d.Triggers), d.Active)
	return scanDownsell(row)
}

func (s *Store) GetDownsell(ctx context.Context, slug string, id int64) (*Downsell, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+downsellColumns+` FROM bot_downsells WHERE id = $1 AND bot_slug = $2`, id, slug)
	return scanDownsell(row)
}

func (s *Store) ListDownsells(ctx context.Context, slug string) ([]*Downsell, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+downsellColumns+` FROM bot_downsells WHERE bot_slug = $1 ORDER BY id`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Downsell
	for rows.Next() {
		d, err := scanDownsell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDownsell(ctx context.Context, slug string, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM bot_downsells WHERE id = $1 AND bot_slug = $2`, id, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveDownsellsByTrigger returns active downsells for a tenant
// carrying the given trigger.
func (s *Store) ListActiveDownsellsByTrigger(ctx context.Context, slug, trigger string) ([]*Downsell, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+downsellColumns+` FROM bot_downsells
		WHERE bot_slug = $1 AND active AND triggers @> to_jsonb(ARRAY[$2::text])
		ORDER BY id`, slug, trigger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Downsell
	for rows.Next() {
		d, err := scanDownsell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- queue ---------------------------------------------------------------

// ScheduleDownsell is idempotent on (downsell_id, chat_id, minute of
// schedule_at): re-scheduling the same follow-up in the same minute
// collapses to one row. Returns false when absorbed.
func (s *Store) ScheduleDownsell(ctx context.Context, downsellID int64, slug string, chatID int64, scheduleAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO downsells_queue (downsell_id, bot_slug, chat_id, schedule_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (downsell_id, chat_id, date_trunc('minute', schedule_at)) DO NOTHING`,
		downsellID, slug, chatID, scheduleAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDueDownsells leases up to limit due pending entries for lease.
// SKIP LOCKED lets worker replicas coexist; the lease (claimed_until)
// keeps a crashed worker's batch invisible only until the deadline, after
// which the rows are picked up again.
func (s *Store) ClaimDueDownsells(ctx context.Context, limit int, lease time.Duration) ([]*DownsellQueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE downsells_queue SET claimed_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM downsells_queue
			WHERE status = 'pending' AND schedule_at <= now()
				AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY schedule_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, downsell_id, bot_slug, chat_id, schedule_at, status, attempts`,
		limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DownsellQueueEntry
	for rows.Next() {
		var e DownsellQueueEntry
		if err := rows.Scan(&e.ID, &e.DownsellID, &e.BotSlug, &e.ChatID, &e.ScheduleAt, &e.Status, &e.Attempts); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) FinishDownsellEntry(ctx context.Context, id int64, status QueueStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE downsells_queue SET status = $2, claimed_until = NULL WHERE id = $1`, id, status)
	return err
}

// RetryDownsellEntry leaves the entry pending with a pushed-out
// schedule_at and an incremented attempt counter.
func (s *Store) RetryDownsellEntry(ctx context.Context, id int64, nextAt time.Time) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE downsells_queue SET attempts = attempts + 1, schedule_at = $2, claimed_until = NULL
		WHERE id = $1
		RETURNING attempts`, id, nextAt.UTC()).Scan(&attempts)
	if noRows(err) {
		return 0, ErrNotFound
	}
	return attempts, err
}
