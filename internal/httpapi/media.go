package httpapi

import (
	"context"
	"encoding/base64"
	"regexp"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

// 50 MB, Telegram's bot upload ceiling for video; photos and audio are
// far below it.
const maxMediaBytes = 50 << 20

// ext lands in the object-store key, so it is held to a plain suffix.
var extRe = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// handleUploadMedia ingests one blob: body carries base64 content plus
// kind, mime, and an optional extension. The response includes the
// cache status so the caller can poll for warmth.
func (s *Server) handleUploadMedia(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	var req struct {
		Kind       string `json:"kind"`
		DataBase64 string `json:"data_base64"`
		Mime       string `json:"mime"`
		Ext        string `json:"ext"`
	}
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	kind, ok := tgapi.ParseKind(req.Kind)
	if !ok {
		respondErr(c, gwerr.Newf(gwerr.CodeBadRequest, "unknown media kind %q", req.Kind))
		return
	}
	if req.Ext != "" && !extRe.MatchString(req.Ext) {
		respondErr(c, gwerr.New(gwerr.CodeBadRequest, "ext must be a short lowercase suffix"))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.DataBase64)
	if err != nil {
		respondErr(c, gwerr.New(gwerr.CodeBadRequest, "data_base64 must be base64"))
		return
	}
	if len(data) == 0 || len(data) > maxMediaBytes {
		respondErr(c, gwerr.Newf(gwerr.CodeMediaInvalid, "media must be 1 byte to %d bytes", maxMediaBytes))
		return
	}

	res, err := s.media.Save(ctx, slug, kind, req.Mime, req.Ext, data)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, res)
}

func (s *Server) mediaPathArgs(c *app.RequestContext) (kind tgapi.MediaKind, sha string, err error) {
	kind, ok := tgapi.ParseKind(c.Param("kind"))
	if !ok {
		return "", "", gwerr.Newf(gwerr.CodeBadRequest, "unknown media kind %q", c.Param("kind"))
	}
	sha = c.Param("sha256")
	if len(sha) != 64 {
		return "", "", gwerr.New(gwerr.CodeInvalidMediaSHA256, "sha256 must be 64 hex chars")
	}
	return kind, sha, nil
}

func (s *Server) handleMediaStatus(ctx context.Context, c *app.RequestContext) {
	kind, sha, err := s.mediaPathArgs(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	row, err := s.media.CacheStatus(ctx, pathSlug(c), sha, kind)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, utils.H{
		"sha256":       row.SHA256,
		"kind":         row.Kind,
		"status":       row.Status,
		"file_id_set":  row.FileID != "",
		"error_reason": row.ErrorReason,
		"attempts":     row.Attempts,
		"warmup_at":    row.WarmupAt,
	})
}

func (s *Server) handleInvalidateMedia(ctx context.Context, c *app.RequestContext) {
	kind, sha, err := s.mediaPathArgs(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	if err := s.media.Invalidate(ctx, pathSlug(c), sha, kind); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, utils.H{"status": "warming"})
}

func (s *Server) handleListEvents(ctx context.Context, c *app.RequestContext) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.store.ListEvents(ctx, pathSlug(c), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	type eventView struct {
		ID        int64  `json:"id"`
		RequestID string `json:"request_id"`
		ChatID    int64  `json:"chat_id"`
		Purpose   string `json:"purpose"`
		DedupeKey string `json:"dedupe_key"`
		MessageID int64  `json:"message_id,omitempty"`
		Status    string `json:"status"`
		ErrorCode string `json:"error_code,omitempty"`
		LatencyMs int64  `json:"latency_ms"`
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			ID:        e.ID,
			RequestID: e.RequestID,
			ChatID:    e.ChatID,
			Purpose:   string(e.Purpose),
			DedupeKey: e.DedupeKey,
			MessageID: e.MessageID,
			Status:    string(e.Status),
			ErrorCode: e.ErrorCode,
			LatencyMs: e.LatencyMs,
		})
	}
	respondOK(c, utils.H{"events": views})
}

func (s *Server) handleSendMetrics(ctx context.Context, c *app.RequestContext) {
	respondOK(c, utils.H{"series": s.coll.Snapshot(c.Query("filter"))})
}

func (s *Server) handleAllMetrics(ctx context.Context, c *app.RequestContext) {
	respondOK(c, utils.H{
		"series":          s.coll.Snapshot(""),
		"limiter_waiting": s.limiter.Waiting(),
	})
}
