package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/bytedance/gg/gslice"
	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"github.com/sendfleet/sendfleet/internal/crypto"
	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/send"
	"github.com/sendfleet/sendfleet/internal/store"
)

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,62}$`)

type botView struct {
	Slug           string     `json:"slug"`
	Name           string     `json:"name"`
	TokenSet       bool       `json:"token_set"`
	TokenUpdatedAt *time.Time `json:"token_updated_at,omitempty"`
	WarmupChatID   int64      `json:"warmup_chat_id,omitempty"`
	WebhookURL     string     `json:"webhook_url"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (s *Server) botView(b *store.Bot) botView {
	return botView{
		Slug:           b.Slug,
		Name:           b.Name,
		TokenSet:       b.TokenCipher != "",
		TokenUpdatedAt: b.TokenUpdatedAt,
		WarmupChatID:   b.WarmupChatID,
		WebhookURL:     s.webhookURL(b.Slug),
		CreatedAt:      b.CreatedAt,
	}
}

func (s *Server) webhookURL(slug string) string {
	return fmt.Sprintf("%s/tg/%s/webhook", s.cfg.Server.PublicBaseURL, slug)
}

func bindJSON(c *app.RequestContext, dst any) error {
	if err := sonic.Unmarshal(c.Request.Body(), dst); err != nil {
		return gwerr.Newf(gwerr.CodeBadRequest, "invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleCreateBot(ctx context.Context, c *app.RequestContext) {
	var req struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if !slugRe.MatchString(req.Slug) {
		respondErr(c, gwerr.New(gwerr.CodeBadRequest, "slug must be lowercase alphanumeric with - or _"))
		return
	}

	bot, err := s.store.CreateBot(ctx, req.Slug, req.Name)
	if err != nil {
		respondErr(c, gwerr.Newf(gwerr.CodeBadRequest, "%v", err))
		return
	}
	logs.CtxInfo(ctx, "bot created: %s", bot.Slug)
	respondOK(c, s.botView(bot))
}

func (s *Server) handleListBots(ctx context.Context, c *app.RequestContext) {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, utils.H{"bots": gslice.Map(bots, s.botView)})
}

func (s *Server) handleGetBot(ctx context.Context, c *app.RequestContext) {
	bot, err := s.store.GetBot(ctx, pathSlug(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	if bot.Deleted() {
		respondErr(c, gwerr.New(gwerr.CodeBotDeleted, "bot is deleted"))
		return
	}
	respondOK(c, s.botView(bot))
}

// handleDeleteBot soft-deletes: the row stays for audit, the webhook at
// Telegram is removed on a best-effort basis, and ingress starts
// answering 410.
func (s *Server) handleDeleteBot(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	bot, err := s.store.GetBot(ctx, slug)
	if err != nil {
		respondErr(c, err)
		return
	}

	if !bot.Deleted() && bot.TokenCipher != "" {
		if token, err := s.box.Open(bot.TokenCipher); err == nil {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout())
			if _, err := s.tg.DeleteWebhook(callCtx, token); err != nil {
				logs.CtxWarn(ctx, "delete webhook for %s: %v", slug, err)
			}
			cancel()
		}
	}

	if err := s.store.SoftDeleteBot(ctx, slug); err != nil {
		respondErr(c, err)
		return
	}
	s.botCache.Invalidate(slug)
	logs.CtxInfo(ctx, "bot deleted: %s", slug)
	respondOK(c, utils.H{"deleted": true})
}

// handleSetToken seals and stores the bot token after verifying it
// against getMe. The plaintext is never persisted or logged.
func (s *Server) handleSetToken(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	var req struct {
		Token string `json:"token"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.Token == "" {
		respondErr(c, gwerr.New(gwerr.CodeMissingToken, "token is required"))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout())
	me, out, err := s.tg.GetMe(callCtx, req.Token)
	cancel()
	if err != nil {
		respondErr(c, gwerr.Newf(gwerr.CodeTelegramError, "verify token: %v", err))
		return
	}
	if me == nil {
		respondErr(c, gwerr.New(gwerr.CodeBadRequest, "token rejected by Telegram: "+out.Description))
		return
	}

	sealed, err := s.box.Seal(req.Token)
	if err != nil {
		respondErr(c, gwerr.Newf(gwerr.CodeEncryptionKeyMissing, "seal token: %v", err))
		return
	}
	updatedAt, err := s.store.SetBotToken(ctx, slug, sealed)
	if err != nil {
		respondErr(c, err)
		return
	}
	s.botCache.Invalidate(slug)

	logs.CtxInfo(ctx, "token set for bot %s (%s), bot username: %s",
		slug, crypto.MaskToken(req.Token), me.Username)
	respondOK(c, utils.H{
		"ok":               true,
		"token_masked":     crypto.MaskToken(req.Token),
		"token_updated_at": updatedAt,
	})
}

// handleTokenStatus probes the stored token against getMe. A token
// Telegram rejects reports ok:false rather than an HTTP error, so the
// admin UI can show the state without special-casing.
func (s *Server) handleTokenStatus(ctx context.Context, c *app.RequestContext) {
	token, err := s.tenantToken(ctx, pathSlug(c))
	if err != nil {
		respondErr(c, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout())
	me, out, err := s.tg.GetMe(callCtx, token)
	cancel()
	if err != nil {
		respondErr(c, gwerr.Newf(gwerr.CodeTelegramError, "getMe: %v", err))
		return
	}
	if me == nil {
		respondOK(c, utils.H{"ok": false, "error": string(out.Code), "description": out.Description})
		return
	}
	respondOK(c, utils.H{"ok": true, "bot_id": me.ID, "username": me.Username})
}

// warmupChatRequest is the PUT warmup-chat body.
type warmupChatRequest struct {
	WarmupChatID int64 `json:"warmup_chat_id"`
}

func (s *Server) handleSetWarmupChat(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	var req warmupChatRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.WarmupChatID == 0 {
		respondErr(c, gwerr.New(gwerr.CodeInvalidChatID, "warmup_chat_id is required"))
		return
	}
	if err := s.store.SetWarmupChat(ctx, slug, req.WarmupChatID); err != nil {
		respondErr(c, err)
		return
	}
	s.botCache.Invalidate(slug)
	respondOK(c, utils.H{"warmup_chat_id": req.WarmupChatID})
}

// --- webhook management --------------------------------------------------

func (s *Server) tenantToken(ctx context.Context, slug string) (string, error) {
	bot, err := s.store.GetBot(ctx, slug)
	if err != nil {
		return "", err
	}
	if bot.Deleted() {
		return "", gwerr.New(gwerr.CodeBotDeleted, "bot is deleted")
	}
	if bot.TokenCipher == "" {
		return "", gwerr.New(gwerr.CodeBotTokenNotSet, "set the bot token first")
	}
	token, err := s.box.Open(bot.TokenCipher)
	if err != nil {
		return "", gwerr.Newf(gwerr.CodeEncryptionKeyMissing, "open token: %v", err)
	}
	return token, nil
}

func (s *Server) handleSetWebhook(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	token, err := s.tenantToken(ctx, slug)
	if err != nil {
		respondErr(c, err)
		return
	}

	url := s.webhookURL(slug)
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout())
	out, err := s.tg.SetWebhook(callCtx, token, url, s.webhookSecret(slug))
	cancel()
	if err != nil {
		respondErr(c, gwerr.Newf(gwerr.CodeTelegramError, "set webhook: %v", err))
		return
	}
	if !out.OK {
		respondErr(c, gwerr.New(out.Code, out.Description))
		return
	}
	logs.CtxInfo(ctx, "webhook set for bot %s: %s", slug, url)
	respondOK(c, utils.H{"url": url})
}

func (s *Server) handleDeleteWebhook(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	token, err := s.tenantToken(ctx, slug)
	if err != nil {
		respondErr(c, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout())
	out, err := s.tg.DeleteWebhook(callCtx, token)
	cancel()
	if err != nil {
		respondErr(c, gwerr.Newf(gwerr.CodeTelegramError, "delete webhook: %v", err))
		return
	}
	if !out.OK {
		respondErr(c, gwerr.New(out.Code, out.Description))
		return
	}
	respondOK(c, utils.H{"deleted": true})
}

func (s *Server) handleWebhookStatus(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	token, err := s.tenantToken(ctx, slug)
	if err != nil {
		respondErr(c, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout())
	info, out, err := s.tg.GetWebhookInfo(callCtx, token)
	cancel()
	if err != nil {
		respondErr(c, gwerr.Newf(gwerr.CodeTelegramError, "get webhook info: %v", err))
		return
	}
	if info == nil {
		respondErr(c, gwerr.New(out.Code, out.Description))
		return
	}
	respondOK(c, utils.H{
		"url":                  info.URL,
		"expected_url":         s.webhookURL(slug),
		"in_sync":              info.URL == s.webhookURL(slug),
		"pending_update_count": info.PendingUpdateCount,
		"last_error_date":      info.LastErrorDate,
		"last_error_message":   info.LastErrorMessage,
	})
}

// --- send-test -----------------------------------------------------------

// handleSendTest pushes one message through the full pipeline to a
// given chat. The dedupe window is one minute per identical text.
func (s *Server) handleSendTest(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	var req struct {
		ChatID         int64            `json:"chat_id"`
		Text           string           `json:"text"`
		Raw            bool             `json:"raw"`
		DisablePreview bool             `json:"disable_web_page_preview"`
		MediaRefs      []store.MediaRef `json:"media_refs"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.ChatID == 0 {
		respondErr(c, gwerr.New(gwerr.CodeInvalidChatID, "chat_id is required"))
		return
	}
	if req.Text == "" && len(req.MediaRefs) == 0 {
		respondErr(c, gwerr.New(gwerr.CodeBadRequest, "text or media_refs required"))
		return
	}
	if len(req.Text) > 4096 {
		respondErr(c, gwerr.New(gwerr.CodeTextTooLong, "text exceeds 4096 chars"))
		return
	}
	for _, ref := range req.MediaRefs {
		if err := ref.Validate(); err != nil {
			respondErr(c, err)
			return
		}
	}

	sum := sha256.Sum256([]byte(req.Text))
	textHash := hex.EncodeToString(sum[:8])

	res, err := s.sender.Send(ctx, &send.Request{
		BotSlug:        slug,
		ChatID:         req.ChatID,
		Purpose:        store.PurposeSendTest,
		Class:          limiter.ClassStart,
		DedupeKey:      store.DedupeKeyTest(slug, req.ChatID, textHash, time.Now()),
		RequestID:      logs.GetLogID(ctx),
		Text:           req.Text,
		Raw:            req.Raw,
		DisablePreview: req.DisablePreview,
		MediaRefs:      req.MediaRefs,
		WaitForCache:   true,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	if !res.OK() {
		c.JSON(statusFor(res.Code), utils.H{
			"ok":          false,
			"error":       string(res.Code),
			"description": res.Description,
			"lat_ms":      res.LatencyMs,
		})
		return
	}
	respondOK(c, utils.H{
		"ok":              true,
		"message_id":      res.MessageID,
		"lat_ms":          res.LatencyMs,
		"telegram_lat_ms": res.TelegramMs,
		"dedupe_applied":  res.Deduped,
	})
}
