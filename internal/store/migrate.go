package store

import (
	"context"
	"fmt"

	"github.com/sendfleet/sendfleet/internal/pkg/logs"
)

// Migrate applies the schema. Every statement is idempotent
// (IF NOT EXISTS / DO $$ guards) so re-running is always safe; timeouts
// keep a stuck migration from wedging a deploy.
func (s *Store) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET lock_timeout = '5s'; SET statement_timeout = '120s'"); err != nil {
		return fmt.Errorf("set migration timeouts: %w", err)
	}

	for i, stmt := range migrations {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	logs.CtxInfo(ctx, "[store] schema migrated (%d statements)", len(migrations))
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS bots (
		slug             TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		token_cipher     TEXT NOT NULL DEFAULT '',
		token_updated_at TIMESTAMPTZ,
		warmup_chat_id   BIGINT NOT NULL DEFAULT 0,
		rate_overrides   JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at       TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS start_messages (
		bot_slug                 TEXT PRIMARY KEY REFERENCES bots(slug),
		active                   BOOLEAN NOT NULL DEFAULT false,
		text                     TEXT NOT NULL DEFAULT '',
		raw                      BOOLEAN NOT NULL DEFAULT false,
		disable_web_page_preview BOOLEAN NOT NULL DEFAULT false,
		media_refs               JSONB NOT NULL DEFAULT '[]',
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS media_store (
		bot_slug   TEXT NOT NULL REFERENCES bots(slug),
		sha256     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		r2_key     TEXT NOT NULL,
		bytes      BIGINT NOT NULL DEFAULT 0,
		mime       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (bot_slug, sha256, kind)
	)`,

	`CREATE TABLE IF NOT EXISTS media_cache (
		bot_slug     TEXT NOT NULL,
		sha256       TEXT NOT NULL,
		kind         TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'warming',
		file_id      TEXT,
		error_reason TEXT,
		attempts     INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		warmup_at    TIMESTAMPTZ,
		PRIMARY KEY (bot_slug, sha256, kind)
	)`,

	`CREATE TABLE IF NOT EXISTS bot_downsells (
		id            BIGSERIAL PRIMARY KEY,
		bot_slug      TEXT NOT NULL REFERENCES bots(slug),
		name          TEXT NOT NULL,
		text          TEXT NOT NULL DEFAULT '',
		raw           BOOLEAN NOT NULL DEFAULT false,
		media_refs    JSONB NOT NULL DEFAULT '[]',
		delay_seconds BIGINT NOT NULL,
		triggers      JSONB NOT NULL DEFAULT '[]',
		active        BOOLEAN NOT NULL DEFAULT true,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_bot_downsells_slug ON bot_downsells (bot_slug)`,

	`CREATE TABLE IF NOT EXISTS downsells_queue (
		id            BIGSERIAL PRIMARY KEY,
		downsell_id   BIGINT NOT NULL REFERENCES bot_downsells(id),
		bot_slug      TEXT NOT NULL,
		chat_id       BIGINT NOT NULL,
		schedule_at   TIMESTAMPTZ NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		attempts      INTEGER NOT NULL DEFAULT 0,
		claimed_until TIMESTAMPTZ
	)`,

	// Accidental double-schedules collapse on the minute bucket.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_downsells_queue_dedupe
		ON downsells_queue (downsell_id, chat_id, date_trunc('minute', schedule_at))`,

	`CREATE INDEX IF NOT EXISTS idx_downsells_queue_due
		ON downsells_queue (schedule_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS shots (
		id           BIGSERIAL PRIMARY KEY,
		bot_slug     TEXT NOT NULL REFERENCES bots(slug),
		title        TEXT NOT NULL,
		text         TEXT NOT NULL DEFAULT '',
		raw          BOOLEAN NOT NULL DEFAULT false,
		media_refs   JSONB NOT NULL DEFAULT '[]',
		filter       TEXT NOT NULL DEFAULT 'all_started',
		trigger      TEXT NOT NULL DEFAULT 'now',
		scheduled_at TIMESTAMPTZ,
		status       TEXT NOT NULL DEFAULT 'draft',
		total_targets BIGINT NOT NULL DEFAULT 0,
		sent_count   BIGINT NOT NULL DEFAULT 0,
		failed_count BIGINT NOT NULL DEFAULT 0,
		skipped_count BIGINT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_shots_slug ON shots (bot_slug)`,

	`CREATE TABLE IF NOT EXISTS shots_queue (
		id            BIGSERIAL PRIMARY KEY,
		shot_id       BIGINT NOT NULL REFERENCES shots(id),
		bot_slug      TEXT NOT NULL,
		chat_id       BIGINT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		attempts      INTEGER NOT NULL DEFAULT 0,
		claimed_until TIMESTAMPTZ,
		UNIQUE (shot_id, chat_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_shots_queue_pending
		ON shots_queue (shot_id) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS gateway_events (
		id          BIGSERIAL PRIMARY KEY,
		request_id  TEXT NOT NULL,
		bot_slug    TEXT NOT NULL,
		chat_id     BIGINT NOT NULL,
		purpose     TEXT NOT NULL,
		dedupe_key  TEXT NOT NULL UNIQUE,
		message_id  BIGINT NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending',
		error_code  TEXT NOT NULL DEFAULT '',
		latency_ms  BIGINT NOT NULL DEFAULT 0,
		metadata    JSONB NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_gateway_events_bot
		ON gateway_events (bot_slug, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS funnel_events (
		id          BIGSERIAL PRIMARY KEY,
		bot_slug    TEXT NOT NULL,
		chat_id     BIGINT NOT NULL,
		event       TEXT NOT NULL,
		metadata    JSONB NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_funnel_events_bot
		ON funnel_events (bot_slug, event, occurred_at)`,

	// Older deployments predate claimed_until; add it where missing.
	`DO $$ BEGIN
		IF NOT EXISTS (SELECT 1 FROM information_schema.columns
			WHERE table_name = 'downsells_queue' AND column_name = 'claimed_until') THEN
			ALTER TABLE downsells_queue ADD COLUMN claimed_until TIMESTAMPTZ;
		END IF;
		IF NOT EXISTS (SELECT 1 FROM information_schema.columns
			WHERE table_name = 'shots_queue' AND column_name = 'claimed_until') THEN
			ALTER TABLE shots_queue ADD COLUMN claimed_until TIMESTAMPTZ;
		END IF;
	END $$`,
}
