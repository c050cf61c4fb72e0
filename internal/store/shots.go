package store

import (
	"context"
	"fmt"
	"time"
)

const shotColumns = `id, bot_slug, title, text, raw, media_refs, filter, trigger, scheduled_at, status, total_targets, sent_count, failed_count, skipped_count, created_at`

func scanShot(row interface{ Scan(...any) error }) (*Shot, error) {
	var sh Shot
	if err := row.Scan(&sh.ID, &sh.BotSlug, &sh.Title, &sh.Text, &sh.Raw, &sh.MediaRefs,
		&sh.Filter, &sh.Trigger, &sh.ScheduledAt, &sh.Status,
		&sh.Total, &sh.SentCount, &sh.FailedCount, &sh.SkippedCount, &sh.CreatedAt); err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sh, nil
}

func (s *Store) CreateShot(ctx context.Context, sh *Shot) (*Shot, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO shots (bot_slug, title, text, raw, media_refs, filter, trigger, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'draft')
		RETURNING `+shotColumns,
		sh.BotSlug, sh.Title, sh.Text, sh.Raw, jsonOrEmpty(sh.MediaRefs), sh.Filter, sh.Trigger, sh.ScheduledAt)
	return scanShot(row)
}

func (s *Store) GetShot(ctx context.Context, slug string, id int64) (*Shot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+shotColumns+` FROM shots WHERE id = $1 AND bot_slug = $2`, id, slug)
	return scanShot(row)
}

func (s *Store) ListShots(ctx context.Context, slug string) ([]*Shot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+shotColumns+` FROM shots WHERE bot_slug = $1 ORDER BY id DESC`, slug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Shot
	for rows.Next() {
		sh, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// TransitionShot moves a shot between states, enforcing legality in the
// WHERE clause: the update applies only from an allowed source state, so
// concurrent transitions cannot corrupt the machine.
func (s *Store) TransitionShot(ctx context.Context, slug string, id int64, from []ShotStatus, to ShotStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE shots SET status = $4 WHERE id = $1 AND bot_slug = $2 AND status = ANY($3)`,
		id, slug, statusStrings(from), to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shot %d: illegal transition to %s: %w", id, to, ErrNotFound)
	}
	return nil
}

func statusStrings(in []ShotStatus) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}

// PopulateShot bulk-inserts target entries and moves draft→queued with
// the target count, all in one transaction so a crash cannot leave a
// queued shot without its queue.
func (s *Store) PopulateShot(ctx context.Context, slug string, id int64, chatIDs []int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var status ShotStatus
	if err := tx.QueryRow(ctx,
		`SELECT status FROM shots WHERE id = $1 AND bot_slug = $2 FOR UPDATE`, id, slug).Scan(&status); err != nil {
		if noRows(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if status != ShotDraft {
		return 0, fmt.Errorf("shot %d is %s, populate requires draft", id, status)
	}

	var total int64
	for _, chatID := range chatIDs {
		tag, err := tx.Exec(ctx, `
			INSERT INTO shots_queue (shot_id, bot_slug, chat_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (shot_id, chat_id) DO NOTHING`, id, slug, chatID)
		if err != nil {
			return 0, err
		}
		total += tag.RowsAffected()
	}

	if _, err := tx.Exec(ctx,
		`UPDATE shots SET status = 'queued', total_targets = $3 WHERE id = $1 AND bot_slug = $2`,
		id, slug, total); err != nil {
		return 0, err
	}

	return total, tx.Commit(ctx)
}

// ListDueScheduledShots returns queued shots whose scheduled trigger has
// fired.
func (s *Store) ListDueScheduledShots(ctx context.Context) ([]*Shot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+shotColumns+` FROM shots
		WHERE status = 'queued' AND trigger = 'schedule' AND scheduled_at <= now()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Shot
	for rows.Next() {
		sh, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) ListSendingShots(ctx context.Context) ([]*Shot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+shotColumns+` FROM shots WHERE status = 'sending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Shot
	for rows.Next() {
		sh, err := scanShot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// --- queue ---------------------------------------------------------------

func (s *Store) ClaimShotEntries(ctx context.Context, shotID int64, limit int, lease time.Duration) ([]*ShotQueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE shots_queue SET claimed_until = now() + make_interval(secs => $3)
		WHERE id IN (
			SELECT id FROM shots_queue
			WHERE shot_id = $1 AND status = 'pending'
				AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, shot_id, bot_slug, chat_id, status, attempts`,
		shotID, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ShotQueueEntry
	for rows.Next() {
		var e ShotQueueEntry
		if err := rows.Scan(&e.ID, &e.ShotID, &e.BotSlug, &e.ChatID, &e.Status, &e.Attempts); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) FinishShotEntry(ctx context.Context, id int64, status QueueStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE shots_queue SET status = $2, claimed_until = NULL WHERE id = $1`, id, status)
	return err
}

func (s *Store) RetryShotEntry(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE shots_queue SET attempts = attempts + 1, claimed_until = NULL
		WHERE id = $1 RETURNING attempts`, id).Scan(&attempts)
	if noRows(err) {
		return 0, ErrNotFound
	}
	return attempts, err
}

// SkipPendingShotEntries marks all remaining pending entries skipped;
// used by cancel.
func (s *Store) SkipPendingShotEntries(ctx context.Context, shotID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE shots_queue SET status = 'skipped', claimed_until = NULL
		WHERE shot_id = $1 AND status = 'pending'`, shotID)
	if err != nil {
		return 0, err
	}
	skipped := tag.RowsAffected()
	if skipped > 0 {
		_, err = s.pool.Exec(ctx,
			`UPDATE shots SET skipped_count = skipped_count + $2 WHERE id = $1`, shotID, skipped)
	}
	return skipped, err
}

// BumpShotCounters batches counter updates; counters are eventually
// consistent with the queue. Completion is detected here: when every
// target is accounted for, sending→completed.
func (s *Store) BumpShotCounters(ctx context.Context, shotID int64, sent, failed int64) (completed bool, err error) {
	err = s.pool.QueryRow(ctx, `
		UPDATE shots SET
			sent_count = sent_count + $2,
			failed_count = failed_count + $3,
			status = CASE
				WHEN status = 'sending' AND sent_count + $2 + failed_count + $3 + skipped_count >= total_targets
				THEN 'completed' ELSE status END
		WHERE id = $1
		RETURNING status = 'completed'`, shotID, sent, failed).Scan(&completed)
	if noRows(err) {
		return false, ErrNotFound
	}
	return completed, err
}
