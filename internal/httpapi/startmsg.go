package httpapi

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/store"
)

func (s *Server) handleGetStartMessage(ctx context.Context, c *app.RequestContext) {
	msg, err := s.store.GetStartMessage(ctx, pathSlug(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, msg)
}

// handlePutStartMessage upserts the tenant's /start payload. Refs must
// point at media already ingested for this tenant; dangling refs fail
// here rather than at the first /start.
func (s *Server) handlePutStartMessage(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	var msg store.StartMessage
	if err := bindJSON(c, &msg); err != nil {
		respondErr(c, err)
		return
	}
	msg.BotSlug = slug
	if err := msg.Validate(); err != nil {
		respondErr(c, err)
		return
	}
	for _, ref := range msg.MediaRefs {
		if _, err := s.store.GetMediaStore(ctx, slug, ref.SHA256, ref.Kind); err == store.ErrNotFound {
			respondErr(c, gwerr.Newf(gwerr.CodeInvalidMediaSHA256, "media %s/%s not ingested", ref.Kind, ref.SHA256))
			return
		} else if err != nil {
			respondErr(c, err)
			return
		}
	}

	if err := s.store.PutStartMessage(ctx, &msg); err != nil {
		respondErr(c, err)
		return
	}
	s.startCache.Invalidate(slug)
	logs.CtxInfo(ctx, "start message updated, bot: %s, active: %v, media: %d", slug, msg.Active, len(msg.MediaRefs))

	saved, err := s.store.GetStartMessage(ctx, slug)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, saved)
}
