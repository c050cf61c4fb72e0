package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/send"
	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

// startSessionNS namespaces the deterministic start session ids.
var startSessionNS = uuid.MustParse("3f2e9b1c-7a44-4a6e-9e0a-5d8c1b2f6a90")

// handleWebhook is the public ingress for Telegram updates. It answers
// within milliseconds: tenant and secret checks, update parse, /start
// detection, then a 200 while the real work continues in the
// background. Telegram retries non-2xx responses, so malformed updates
// are swallowed with a 200 rather than bounced.
func (s *Server) handleWebhook(ctx context.Context, c *app.RequestContext) {
	// Arrival time anchors first-send latency and downsell delays, so it
	// is taken before any lookup or parsing.
	t0 := time.Now()
	slug := pathSlug(c)
	ctx = logs.SetLogID(ctx, logs.NewLogID())

	bot, err := s.botCache.Get(ctx, slug)
	if err == store.ErrNotFound {
		c.Status(consts.StatusNotFound)
		return
	}
	if err != nil {
		logs.CtxError(ctx, "webhook: load bot %s: %v", slug, err)
		c.Status(consts.StatusServiceUnavailable)
		return
	}
	if bot.Deleted() {
		c.Status(consts.StatusGone)
		return
	}

	secret := string(c.GetHeader("X-Telegram-Bot-Api-Secret-Token"))
	if !hmac.Equal([]byte(secret), []byte(s.webhookSecret(slug))) {
		c.Status(consts.StatusForbidden)
		return
	}

	var update tgapi.Update
	if err := sonic.Unmarshal(c.Request.Body(), &update); err != nil {
		logs.CtxWarn(ctx, "webhook: malformed update for %s: %v", slug, err)
		c.Status(consts.StatusOK)
		return
	}

	msg := update.Message
	if msg == nil || msg.Chat.ID == 0 || !isStartCommand(msg.Text) {
		// Only /start matters to the gateway; everything else is acked
		// and dropped.
		c.Status(consts.StatusOK)
		return
	}

	chatID := msg.Chat.ID
	logID := logs.GetLogID(ctx)
	go s.processStart(logID, slug, chatID, t0)

	c.Status(consts.StatusOK)
}

// isStartCommand matches the bare command and the deep-link form
// ("/start payload"); "/startx" is not a start.
func isStartCommand(text string) bool {
	return text == "/start" || strings.HasPrefix(text, "/start ")
}

// processStart runs the /start continuation off the request goroutine:
// funnel record, the configured start message, and the after_start
// downsell fan-out anchored at t0.
func (s *Server) processStart(logID, slug string, chatID int64, t0 time.Time) {
	ctx := logs.SetLogID(context.Background(), logID)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.store.InsertFunnelEvent(ctx, slug, chatID, "started"); err != nil {
		logs.CtxError(ctx, "start: funnel event, bot: %s, chat: %d: %v", slug, chatID, err)
	}

	startMsg, err := s.startCache.Get(ctx, slug)
	if err != nil {
		logs.CtxError(ctx, "start: load start message for %s: %v", slug, err)
		return
	}

	if startMsg.Active {
		sessionID := StartSessionID(slug, chatID, t0)
		res, err := s.sender.Send(ctx, &send.Request{
			BotSlug:        slug,
			ChatID:         chatID,
			Purpose:        store.PurposeStart,
			Class:          limiter.ClassStart,
			DedupeKey:      store.DedupeKeyStart(slug, chatID, sessionID),
			RequestID:      logID,
			Text:           startMsg.Text,
			Raw:            startMsg.Raw,
			DisablePreview: startMsg.DisablePreview,
			MediaRefs:      startMsg.MediaRefs,
			WaitForCache:   true,
		})
		if err != nil {
			logs.CtxError(ctx, "start: send, bot: %s, chat: %d: %v", slug, chatID, err)
		} else if res.Deduped {
			// Reentrant /start inside the same minute; downsells were
			// already scheduled by the first one.
			return
		}
	}

	if err := s.workers.ScheduleTrigger(ctx, slug, chatID, store.TriggerAfterStart, t0); err != nil {
		logs.CtxError(ctx, "start: schedule downsells, bot: %s, chat: %d: %v", slug, chatID, err)
	}
}

// StartSessionID derives the dedupe session id for a /start. It is
// deterministic per (tenant, chat, minute), so a user hammering /start
// collapses to one session per minute.
func StartSessionID(slug string, chatID int64, at time.Time) string {
	seed := fmt.Sprintf("%s:%d:%d", slug, chatID, at.UTC().Truncate(time.Minute).Unix())
	return uuid.NewSHA1(startSessionNS, []byte(seed)).String()
}

// webhookSecret derives the per-tenant secret Telegram echoes back in
// the X-Telegram-Bot-Api-Secret-Token header. Derived, not stored: the
// admin token is the only secret input.
func (s *Server) webhookSecret(slug string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.Admin.APIToken))
	mac.Write([]byte("webhook:" + slug))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}
