package httpapi

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"github.com/sendfleet/sendfleet/internal/gwerr"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/sched"
	"github.com/sendfleet/sendfleet/internal/store"
)

func (s *Server) handleCreateShot(ctx context.Context, c *app.RequestContext) {
	slug := pathSlug(c)
	var sh store.Shot
	if err := bindJSON(c, &sh); err != nil {
		respondErr(c, err)
		return
	}
	sh.BotSlug = slug
	if sh.Filter == "" {
		sh.Filter = sched.FilterAllStarted
	}
	if err := sh.Validate(); err != nil {
		respondErr(c, err)
		return
	}
	if !sched.KnownFilter(sh.Filter) {
		respondErr(c, gwerr.Newf(gwerr.CodeBadRequest, "unknown audience filter %q", sh.Filter))
		return
	}

	created, err := s.store.CreateShot(ctx, &sh)
	if err != nil {
		respondErr(c, err)
		return
	}
	logs.CtxInfo(ctx, "shot %d created, bot: %s, trigger: %s, filter: %s",
		created.ID, slug, created.Trigger, created.Filter)
	respondOK(c, created)
}

func (s *Server) handleListShots(ctx context.Context, c *app.RequestContext) {
	shots, err := s.store.ListShots(ctx, pathSlug(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, utils.H{"shots": shots})
}

func (s *Server) handleGetShot(ctx context.Context, c *app.RequestContext) {
	id, err := pathID(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	sh, err := s.store.GetShot(ctx, pathSlug(c), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, sh)
}

func (s *Server) handlePopulateShot(ctx context.Context, c *app.RequestContext) {
	s.shotLifecycle(ctx, c, s.workers.PopulateShot)
}

func (s *Server) handleStartShot(ctx context.Context, c *app.RequestContext) {
	s.shotLifecycle(ctx, c, s.workers.StartShot)
}

func (s *Server) handlePauseShot(ctx context.Context, c *app.RequestContext) {
	s.shotLifecycle(ctx, c, s.workers.PauseShot)
}

func (s *Server) handleResumeShot(ctx context.Context, c *app.RequestContext) {
	s.shotLifecycle(ctx, c, s.workers.ResumeShot)
}

func (s *Server) handleCancelShot(ctx context.Context, c *app.RequestContext) {
	s.shotLifecycle(ctx, c, s.workers.CancelShot)
}

func (s *Server) shotLifecycle(ctx context.Context, c *app.RequestContext,
	op func(context.Context, string, int64) (*store.Shot, error)) {
	id, err := pathID(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	sh, err := op(ctx, pathSlug(c), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, sh)
}
