package httpapi

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/store"
)

func (s *Server) handleCreateDownsell(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	var ds store.Downsell
	if err := bindJSON(c, &ds); err != nil {
		respondErr(c, err)
		return
	}
	ds.BotSlug = slug
	if err := ds.Validate(); err != nil {
		respondErr(c, err)
		return
	}

	created, err := s.store.CreateDownsell(ctx, &ds)
	if err != nil {
		respondErr(c, err)
		return
	}
	logs.CtxInfo(ctx, "downsell %d created, bot: %s, delay: %ds, triggers: %v",
		created.ID, slug, created.DelaySeconds, created.Triggers)
	respondOK(c, created)
}

func (s *Server) handleListDownsells(ctx context.Context, c *app.RequestContext) {
	list, err := s.store.ListDownsells(ctx, pathSlug(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, utils.H{"downsells": list})
}

func (s *Server) handleGetDownsell(ctx context.Context, c *app.RequestContext) {
	id, err := pathID(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	ds, err := s.store.GetDownsell(ctx, pathSlug(c), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, ds)
}

// handleUpdateDownsell replaces the downsell definition. Entries already
// queued keep their original schedule; deactivation cancels them at
// delivery time instead.
func (s *Server) handleUpdateDownsell(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	id, err := pathID(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var ds store.Downsell
	if err := bindJSON(c, &ds); err != nil {
		respondErr(c, err)
		return
	}
	ds.ID = id
	ds.BotSlug = slug
	if err := ds.Validate(); err != nil {
		respondErr(c, err)
		return
	}

	updated, err := s.store.UpdateDownsell(ctx, &ds)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, updated)
}

func (s *Server) handleDeleteDownsell(ctx context.Context, c *app.RequestContext) {
	id, err := pathID(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	if err := s.store.DeleteDownsell(ctx, pathSlug(c), id); err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, utils.H{"deleted": true})
}
