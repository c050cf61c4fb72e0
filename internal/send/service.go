// Package send is the single outbound pipeline. Every Telegram message
// the gateway emits, whatever its origin, funnels through Service.Send:
// dedupe, token decrypt, escaping, media resolution, rate admission,
// the API call with bounded retry, and the finalized event record.
package send

import (
	"context"
	"sort"
	"time"

	"github.com/sendfleet/sendfleet/internal/config"
	"github.com/sendfleet/sendfleet/internal/crypto"
	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/media"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/pkg/metrics"
	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

const (
	maxSendAttempts = 4 // first attempt plus the 1.5s/3s/6s retries
	cacheWaitBudget = 300 * time.Millisecond
	retryDelayCap   = 15 * time.Second
	inflightWait    = 200 * time.Millisecond

	parseModeMarkdownV2 = "MarkdownV2"
)

// Request is one send through the pipeline.
type Request struct {
	BotSlug        string
	ChatID         int64
	Purpose        store.Purpose
	Class          limiter.Class
	DedupeKey      string
	RequestID      string
	Text           string
	Raw            bool
	DisablePreview bool
	MediaRefs      []store.MediaRef

	// WaitForCache lets interactive paths briefly wait for a warming
	// file_id before falling back to an in-band upload.
	WaitForCache bool
}

// Result is the finalized outcome. TelegramMs counts only the HTTP
// round trips; LatencyMs is the whole pipeline.
type Result struct {
	Deduped     bool       `json:"dedupe_applied"`
	MessageID   int64      `json:"message_id,omitempty"`
	Code        gwerr.Code `json:"error_code,omitempty"`
	Description string     `json:"description,omitempty"`
	LatencyMs   int64      `json:"lat_ms"`
	TelegramMs  int64      `json:"telegram_lat_ms"`
}

func (r *Result) OK() bool {
	return r.Code == ""
}

type Service struct {
	cfg     *config.Config
	store   *store.Store
	media   *media.Service
	limiter *limiter.Limiter
	tg      *tgapi.Client
	box     *crypto.TokenBox
	coll    *metrics.SendCollector
}

func NewService(cfg *config.Config, st *store.Store, md *media.Service, lim *limiter.Limiter, tg *tgapi.Client, box *crypto.TokenBox, coll *metrics.SendCollector) *Service {
	return &Service{cfg: cfg, store: st, media: md, limiter: lim, tg: tg, box: box, coll: coll}
}

// Send runs the full pipeline. Dedupe happens first so concurrent
// duplicates short-circuit before any Telegram traffic.
func (s *Service) Send(ctx context.Context, req *Request) (*Result, error) {
	started := time.Now()
	purpose := string(req.Purpose)

	event, inserted, err := s.store.InsertProvisionalEvent(ctx, &store.GatewayEvent{
		RequestID: req.RequestID,
		BotSlug:   req.BotSlug,
		ChatID:    req.ChatID,
		Purpose:   req.Purpose,
		DedupeKey: req.DedupeKey,
	})
	if err != nil {
		return nil, gwerr.Newf(gwerr.CodeDatabaseNotAvailable, "dedupe insert: %v", err)
	}
	if !inserted && rearmable(event) {
		// A finalized failure does not pin the key: reclaim the row so
		// this attempt reaches Telegram. Scheduler dedupe keys are
		// permanent, so cross-tick retries depend on this.
		inserted, err = s.store.RearmEvent(ctx, event.ID)
		if err != nil {
			return nil, gwerr.Newf(gwerr.CodeDatabaseNotAvailable, "dedupe rearm: %v", err)
		}
		if !inserted {
			// Lost the reclaim race; report whatever the winner did.
			if cur, err := s.store.GetEventByDedupeKey(ctx, req.DedupeKey); err == nil {
				event = cur
			}
		}
	}
	if !inserted {
		return s.dedupeResult(ctx, req, event, started)
	}

	res := s.deliver(ctx, req, started)

	status := store.EventOK
	if !res.OK() {
		status = store.EventErr
	}
	res.LatencyMs = time.Since(started).Milliseconds()
	if err := s.store.FinalizeEvent(ctx, event.ID, status, res.MessageID, string(res.Code), res.LatencyMs); err != nil {
		logs.CtxError(ctx, "finalize event %d: %v", event.ID, err)
	}
	s.coll.Outcome(req.BotSlug, purpose, res.OK(), false, time.Since(started))

	if res.OK() {
		logs.CtxInfo(ctx, "send ok, bot: %s, chat: %d, purpose: %s, message_id: %d, latency: %dms",
			req.BotSlug, req.ChatID, purpose, res.MessageID, res.LatencyMs)
	} else {
		logs.CtxWarn(ctx, "send failed, bot: %s, chat: %d, purpose: %s, code: %s",
			req.BotSlug, req.ChatID, purpose, res.Code)
	}
	return res, nil
}

// rearmable reports whether a conflicting prior event may be reclaimed
// for a fresh delivery rather than replayed: only finalized failures.
func rearmable(event *store.GatewayEvent) bool {
	return event.Status == store.EventErr
}

// dedupeResult folds a prior event into a Result. A pending prior event
// means another send holds the key right now; it gets a short grace to
// finalize before the duplicate is reported.
func (s *Service) dedupeResult(ctx context.Context, req *Request, event *store.GatewayEvent, started time.Time) (*Result, error) {
	if event.Status == store.EventPending {
		event = s.awaitInflight(ctx, req.DedupeKey, event)
	}

	res := &Result{Deduped: true}
	switch event.Status {
	case store.EventOK:
		res.MessageID = event.MessageID
	case store.EventErr:
		res.Code = gwerr.Code(event.ErrorCode)
		if res.Code == "" {
			res.Code = gwerr.CodeTelegramError
		}
	default:
		res.Code = gwerr.CodeDuplicateInflight
	}
	res.LatencyMs = time.Since(started).Milliseconds()
	s.coll.Outcome(req.BotSlug, string(req.Purpose), res.OK(), true, time.Since(started))
	logs.CtxInfo(ctx, "send deduped, bot: %s, chat: %d, key: %s, prior: %s",
		req.BotSlug, req.ChatID, req.DedupeKey, event.Status)
	return res, nil
}

// awaitInflight blocks briefly while another send holds the key, then
// reports whatever the row says now.
func (s *Service) awaitInflight(ctx context.Context, key string, event *store.GatewayEvent) *store.GatewayEvent {
	select {
	case <-ctx.Done():
		return event
	case <-time.After(inflightWait):
	}
	cur, err := s.store.GetEventByDedupeKey(ctx, key)
	if err != nil {
		return event
	}
	return cur
}

func (s *Service) deliver(ctx context.Context, req *Request, started time.Time) *Result {
	bot, err := s.store.GetBot(ctx, req.BotSlug)
	if err == store.ErrNotFound {
		return &Result{Code: gwerr.CodeBotNotFound}
	}
	if err != nil {
		return &Result{Code: gwerr.CodeDatabaseNotAvailable}
	}
	if bot.Deleted() {
		return &Result{Code: gwerr.CodeBotDeleted}
	}
	if bot.TokenCipher == "" {
		return &Result{Code: gwerr.CodeBotTokenNotSet}
	}
	token, err := s.box.Open(bot.TokenCipher)
	if err != nil {
		logs.CtxError(ctx, "token decrypt for bot %s: %v", req.BotSlug, err)
		return &Result{Code: gwerr.CodeEncryptionKeyMissing}
	}

	if o := bot.RateOverrides; o != nil {
		s.limiter.SetTenantRates(req.BotSlug, o.GlobalRate, o.ChatRate)
	}

	text, parseMode := prepareText(req.Text, req.Raw)

	parts, code := s.resolveMedia(ctx, req)
	if code != "" {
		return &Result{Code: code}
	}

	if err := s.limiter.Acquire(ctx, req.BotSlug, req.ChatID, req.Class); err != nil {
		return &Result{Code: gwerr.CodeOf(err)}
	}

	return s.transmit(ctx, req, token, text, parseMode, parts)
}

// prepareText applies MarkdownV2 escaping unless raw. Parse mode stays
// MarkdownV2 either way: raw means the caller authored the entities
// themselves, and Telegram rejecting them surfaces as BAD_REQUEST.
func prepareText(text string, raw bool) (escaped, parseMode string) {
	if text == "" {
		return "", ""
	}
	if raw {
		return text, parseModeMarkdownV2
	}
	return EscapeMarkdownV2(text), parseModeMarkdownV2
}

// mediaPart is one resolved outbound attachment: a ready file_id, or
// raw bytes for an in-band upload.
type mediaPart struct {
	kind   tgapi.MediaKind
	fileID string
	blob   []byte
	name   string
}

// resolveMedia turns refs into sendable parts, highest-priority kind
// first. On a cache miss, interactive paths wait briefly and then fall
// back to uploading the blob in-band; the message is never dropped for
// cold cache.
func (s *Service) resolveMedia(ctx context.Context, req *Request) ([]mediaPart, gwerr.Code) {
	if len(req.MediaRefs) == 0 {
		return nil, ""
	}

	refs := make([]store.MediaRef, len(req.MediaRefs))
	copy(refs, req.MediaRefs)
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Kind.Priority() < refs[j].Kind.Priority()
	})

	parts := make([]mediaPart, 0, len(refs))
	for _, ref := range refs {
		fileID, err := s.media.CachedFileID(ctx, req.BotSlug, ref.SHA256, ref.Kind)
		if err == nil {
			s.coll.CacheLookup(req.BotSlug, true)
			parts = append(parts, mediaPart{kind: ref.Kind, fileID: fileID})
			continue
		}
		if gwerr.CodeOf(err) != gwerr.CodeCacheMiss {
			return nil, gwerr.CodeOf(err)
		}

		if req.WaitForCache {
			if fileID, ok := s.waitForCache(ctx, req.BotSlug, ref); ok {
				s.coll.CacheLookup(req.BotSlug, true)
				parts = append(parts, mediaPart{kind: ref.Kind, fileID: fileID})
				continue
			}
		}

		s.coll.CacheLookup(req.BotSlug, false)
		blobData, row, err := s.media.Blob(ctx, req.BotSlug, ref.SHA256, ref.Kind)
		if err != nil {
			return nil, gwerr.CodeOf(err)
		}
		name := ref.Name
		if name == "" {
			name = row.SHA256
		}
		parts = append(parts, mediaPart{kind: ref.Kind, blob: blobData, name: name})
	}
	return parts, ""
}

// waitForCache polls briefly for a warming row to flip ready. Bounded
// by cacheWaitBudget so the /start path stays responsive.
func (s *Service) waitForCache(ctx context.Context, slug string, ref store.MediaRef) (string, bool) {
	deadline := time.Now().Add(cacheWaitBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(50 * time.Millisecond):
		}
		if fileID, err := s.media.CachedFileID(ctx, slug, ref.SHA256, ref.Kind); err == nil {
			return fileID, true
		}
	}
	return "", false
}

// transmit performs the Telegram calls with bounded retry on transient
// failures. With media, each part goes as its own message; the first
// message carries the caption and decides the recorded outcome.
func (s *Service) transmit(ctx context.Context, req *Request, token, text, parseMode string, parts []mediaPart) *Result {
	var tgTotal time.Duration

	if len(parts) == 0 {
		out, d := s.callWithRetry(ctx, req, func(callCtx context.Context) (*tgapi.Outcome, error) {
			return s.tg.SendText(callCtx, token, req.ChatID, text, parseMode, req.DisablePreview)
		})
		res := outcomeResult(out)
		res.TelegramMs = d.Milliseconds()
		return res
	}

	var first *Result
	for i, part := range parts {
		caption, mode := "", ""
		if i == 0 {
			caption, mode = text, parseMode
		}
		p := part
		out, d := s.callWithRetry(ctx, req, func(callCtx context.Context) (*tgapi.Outcome, error) {
			if p.fileID != "" {
				return s.tg.SendMediaByID(callCtx, token, p.kind, req.ChatID, p.fileID, caption, mode)
			}
			return s.tg.SendMediaUpload(callCtx, token, p.kind, req.ChatID, p.name, p.blob, caption, mode)
		})
		tgTotal += d
		res := outcomeResult(out)
		if i == 0 {
			first = res
			if !res.OK() {
				// First message failed; do not emit trailing media.
				first.TelegramMs = tgTotal.Milliseconds()
				return first
			}
		} else if !res.OK() {
			logs.CtxWarn(ctx, "trailing media send failed, bot: %s, chat: %d, kind: %s, code: %s",
				req.BotSlug, req.ChatID, p.kind, res.Code)
		}
	}
	first.TelegramMs = tgTotal.Milliseconds()
	return first
}

func outcomeResult(out *tgapi.Outcome) *Result {
	if out == nil {
		return &Result{Code: gwerr.CodeTelegramError}
	}
	if out.OK {
		res := &Result{}
		if out.Message != nil {
			res.MessageID = out.Message.ID
		}
		return res
	}
	return &Result{Code: out.Code, Description: out.Description}
}

// callWithRetry runs one Telegram call up to maxSendAttempts times and
// reports the accumulated HTTP time. Delays grow 1.5s, 3s, 6s and
// respect a larger RetryAfter, capped.
func (s *Service) callWithRetry(ctx context.Context, req *Request, call func(context.Context) (*tgapi.Outcome, error)) (*tgapi.Outcome, time.Duration) {
	purpose := string(req.Purpose)
	delay := 1500 * time.Millisecond
	var last *tgapi.Outcome
	var tgTime time.Duration

	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		s.coll.Attempt(req.BotSlug, purpose)

		callStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout(req.Purpose))
		out, err := call(callCtx)
		cancel()
		rtt := time.Since(callStart)
		tgTime += rtt
		s.coll.TelegramRTT(req.BotSlug, purpose, rtt)

		if err != nil {
			logs.CtxError(ctx, "telegram call, bot: %s, chat: %d: %v", req.BotSlug, req.ChatID, err)
			out = &tgapi.Outcome{Transient: true, Code: gwerr.CodeTelegramError}
		}
		last = out

		if out.OK || out.Permanent() {
			if out.OK {
				s.limiter.ReportOK(req.BotSlug, req.ChatID)
			}
			return out, tgTime
		}

		if out.RetryAfter > 0 {
			s.coll.RateLimited(req.BotSlug, purpose)
			s.limiter.Report429(req.BotSlug, req.ChatID, out.RetryAfter)
		}
		if attempt == maxSendAttempts {
			break
		}

		wait := delay
		if out.RetryAfter > wait {
			wait = out.RetryAfter
		}
		if wait > retryDelayCap {
			wait = retryDelayCap
		}
		select {
		case <-ctx.Done():
			return &tgapi.Outcome{Code: gwerr.CodeCanceled, Description: "canceled during retry wait"}, tgTime
		case <-time.After(wait):
		}
		delay *= 2
	}
	return last, tgTime
}

// callTimeout bounds one Telegram attempt. Exceeding it cancels the
// call, which classifies as transient. Admin and send-test traffic get
// the looser budget; everything else runs on the hot-path one.
func (s *Service) callTimeout(p store.Purpose) time.Duration {
	if p == store.PurposeSendTest {
		return s.cfg.CallTimeout()
	}
	return s.cfg.HotTimeout()
}
