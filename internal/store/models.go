package store

import (
	"fmt"
	"time"

	"github.com/bytedance/gg/gslice"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

// Bot is one tenant row. TokenCipher holds the AES-GCM sealed Telegram
// token; the plaintext never touches this package.
type Bot struct {
	Slug           string
	Name           string
	TokenCipher    string
	TokenUpdatedAt *time.Time
	WarmupChatID   int64 // 0 when unset
	RateOverrides  *RateOverrides
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

func (b *Bot) Deleted() bool {
	return b.DeletedAt != nil
}

type RateOverrides struct {
	GlobalRate float64 `json:"global_rate,omitempty"`
	ChatRate   float64 `json:"chat_rate,omitempty"`
}

// MediaRef points at content-addressed media. file_id resolution happens
// per tenant at send time, never here.
type MediaRef struct {
	SHA256 string          `json:"sha256"`
	Kind   tgapi.MediaKind `json:"kind"`
	R2Key  string          `json:"r2_key,omitempty"`
	Bytes  int64           `json:"bytes,omitempty"`
	Name   string          `json:"name,omitempty"`
}

const maxTextLen = 4096

// StartMessage is the per-tenant /start payload.
type StartMessage struct {
	BotSlug        string     `json:"-"`
	Active         bool       `json:"active"`
	Text           string     `json:"text"`
	Raw            bool       `json:"raw"` // skip MarkdownV2 escaping
	DisablePreview bool       `json:"disable_web_page_preview"`
	MediaRefs      []MediaRef `json:"media_refs"`
	UpdatedAt      time.Time  `json:"-"`
}

// Validate enforces the admin-boundary invariants: an active start
// message needs text or media, at most 3 refs, text within Telegram's
// 4096-char cap, and well-formed refs.
func (m *StartMessage) Validate() error {
	if len(m.MediaRefs) > 3 {
		return gwerr.New(gwerr.CodeStartMediaRefsMax3, "at most 3 media refs")
	}
	if len(m.Text) > maxTextLen {
		return gwerr.Newf(gwerr.CodeTextTooLong, "text is %d chars, max %d", len(m.Text), maxTextLen)
	}
	if m.Active && m.Text == "" && len(m.MediaRefs) == 0 {
		return gwerr.New(gwerr.CodeBadRequest, "active start message needs text or media")
	}
	for _, ref := range m.MediaRefs {
		if err := ref.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r *MediaRef) Validate() error {
	if len(r.SHA256) != 64 {
		return gwerr.Newf(gwerr.CodeInvalidMediaSHA256, "sha256 must be 64 hex chars, got %d", len(r.SHA256))
	}
	if _, ok := tgapi.ParseKind(string(r.Kind)); !ok {
		return gwerr.Newf(gwerr.CodeBadRequest, "unknown media kind %q", r.Kind)
	}
	return nil
}

// CacheStatus is the per-tenant media warmth state machine.
type CacheStatus string

const (
	CacheWarming CacheStatus = "warming"
	CacheReady   CacheStatus = "ready"
	CacheError   CacheStatus = "error"
)

type MediaStoreRow struct {
	BotSlug   string
	SHA256    string
	Kind      tgapi.MediaKind
	R2Key     string
	Bytes     int64
	Mime      string
	CreatedAt time.Time
}

type MediaCacheRow struct {
	BotSlug     string
	SHA256      string
	Kind        tgapi.MediaKind
	Status      CacheStatus
	FileID      string
	ErrorReason string
	Attempts    int
	CreatedAt   time.Time
	WarmupAt    *time.Time
}

// Downsell trigger names. after_pix is schema-complete but predicate
// evaluation is an extension point; see sched.FilterPredicate.
const (
	TriggerAfterStart = "after_start"
	TriggerAfterPix   = "after_pix"
)

type Downsell struct {
	ID           int64      `json:"id"`
	BotSlug      string     `json:"-"`
	Name         string     `json:"name"`
	Text         string     `json:"text"`
	Raw          bool       `json:"raw"`
	MediaRefs    []MediaRef `json:"media_refs"`
	DelaySeconds int64      `json:"delay_seconds"`
	Triggers     []string   `json:"triggers"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (d *Downsell) Validate() error {
	if d.Name == "" {
		return gwerr.New(gwerr.CodeBadRequest, "downsell name is required")
	}
	if d.DelaySeconds <= 0 {
		return gwerr.New(gwerr.CodeBadRequest, "delay_seconds must be positive")
	}
	if d.Active && len(d.Triggers) == 0 {
		return gwerr.New(gwerr.CodeBadRequest, "active downsell needs at least one trigger")
	}
	for _, t := range d.Triggers {
		if t != TriggerAfterStart && t != TriggerAfterPix {
			return gwerr.Newf(gwerr.CodeBadRequest, "unknown trigger %q", t)
		}
	}
	if len(d.MediaRefs) > 3 {
		return gwerr.New(gwerr.CodeStartMediaRefsMax3, "at most 3 media refs")
	}
	if len(d.Text) > maxTextLen {
		return gwerr.Newf(gwerr.CodeTextTooLong, "text is %d chars, max %d", len(d.Text), maxTextLen)
	}
	for _, ref := range d.MediaRefs {
		if err := ref.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downsell) HasTrigger(name string) bool {
	return gslice.Contains(d.Triggers, name)
}

type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueSent     QueueStatus = "sent"
	QueueFailed   QueueStatus = "failed"
	QueueCanceled QueueStatus = "canceled"
	QueueSkipped  QueueStatus = "skipped"
)

type DownsellQueueEntry struct {
	ID         int64
	DownsellID int64
	BotSlug    string
	ChatID     int64
	ScheduleAt time.Time
	Status     QueueStatus
	Attempts   int
}

type ShotStatus string

const (
	ShotDraft     ShotStatus = "draft"
	ShotQueued    ShotStatus = "queued"
	ShotSending   ShotStatus = "sending"
	ShotPaused    ShotStatus = "paused"
	ShotCompleted ShotStatus = "completed"
	ShotCanceled  ShotStatus = "canceled"
)

// Terminal reports whether no further transition is legal.
func (s ShotStatus) Terminal() bool {
	return s == ShotCompleted || s == ShotCanceled
}

// ShotTrigger is how a shot begins sending: immediately on start, or
// picked up by the worker once scheduled_at passes.
const (
	ShotTriggerNow      = "now"
	ShotTriggerSchedule = "schedule"
)

type Shot struct {
	ID           int64      `json:"id"`
	BotSlug      string     `json:"-"`
	Title        string     `json:"title"`
	Text         string     `json:"text"`
	Raw          bool       `json:"raw"`
	MediaRefs    []MediaRef `json:"media_refs"`
	Filter       string     `json:"filter"`
	Trigger      string     `json:"trigger"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Status       ShotStatus `json:"status"`
	Total        int64      `json:"total_targets"`
	SentCount    int64      `json:"sent_count"`
	FailedCount  int64      `json:"failed_count"`
	SkippedCount int64      `json:"skipped_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (s *Shot) Validate() error {
	if s.Title == "" {
		return gwerr.New(gwerr.CodeBadRequest, "shot title is required")
	}
	if s.Text == "" && len(s.MediaRefs) == 0 {
		return gwerr.New(gwerr.CodeBadRequest, "shot needs text or media")
	}
	if len(s.MediaRefs) > 3 {
		return gwerr.New(gwerr.CodeStartMediaRefsMax3, "at most 3 media refs")
	}
	if len(s.Text) > maxTextLen {
		return gwerr.Newf(gwerr.CodeTextTooLong, "text is %d chars, max %d", len(s.Text), maxTextLen)
	}
	switch s.Trigger {
	case ShotTriggerNow:
	case ShotTriggerSchedule:
		if s.ScheduledAt == nil {
			return gwerr.New(gwerr.CodeBadRequest, "scheduled shot needs scheduled_at")
		}
	default:
		return gwerr.Newf(gwerr.CodeBadRequest, "unknown trigger %q", s.Trigger)
	}
	for _, ref := range s.MediaRefs {
		if err := ref.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type ShotQueueEntry struct {
	ID       int64
	ShotID   int64
	BotSlug  string
	ChatID   int64
	Status   QueueStatus
	Attempts int
}

// Purpose labels why a send happened; it selects the dedupe key shape
// and the limiter priority class.
type Purpose string

const (
	PurposeSendTest Purpose = "send-test"
	PurposeStart    Purpose = "start"
	PurposeDownsell Purpose = "downsell"
	PurposeShot     Purpose = "shot"
)

type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventOK      EventStatus = "ok"
	EventErr     EventStatus = "err"
)

// GatewayEvent is the send dedupe log. dedupe_key is globally unique;
// a conflicting insert reads back the winner and that is the whole
// idempotency mechanism.
type GatewayEvent struct {
	ID         int64
	RequestID  string
	BotSlug    string
	ChatID     int64
	Purpose    Purpose
	DedupeKey  string
	MessageID  int64 // 0 until a send succeeds
	Status     EventStatus
	ErrorCode  string
	LatencyMs  int64
	Metadata   map[string]string
	OccurredAt time.Time
}

// Dedupe key constructors; shapes are part of the external contract.

func DedupeKeyTest(slug string, chatID int64, textHash string, minute time.Time) string {
	return fmt.Sprintf("test:%s:%d:%s:%d", slug, chatID, textHash, minute.UTC().Truncate(time.Minute).Unix())
}

func DedupeKeyStart(slug string, chatID int64, sessionID string) string {
	return fmt.Sprintf("start:%s:%d:%s", slug, chatID, sessionID)
}

func DedupeKeyDownsell(queueID int64) string {
	return fmt.Sprintf("downsell:%d", queueID)
}

func DedupeKeyShot(shotID, chatID int64) string {
	return fmt.Sprintf("shot:%d:%d", shotID, chatID)
}
