// Package httpapi hosts both HTTP surfaces: the public Telegram webhook
// ingress and the token-protected admin API.
package httpapi

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sendfleet/sendfleet/internal/config"
	"github.com/sendfleet/sendfleet/internal/crypto"
	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/media"
	"github.com/sendfleet/sendfleet/internal/pkg/cache"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/pkg/metrics"
	"github.com/sendfleet/sendfleet/internal/send"
	"github.com/sendfleet/sendfleet/internal/sched"
	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

type Server struct {
	cfg     *config.Config
	store   *store.Store
	media   *media.Service
	sender  *send.Service
	workers *sched.Workers
	limiter *limiter.Limiter
	tg      *tgapi.Client
	box     *crypto.TokenBox
	coll    *metrics.SendCollector

	botCache   *cache.TTL[*store.Bot]
	startCache *cache.TTL[*store.StartMessage]
	sweepStop  chan struct{}

	hz *hzServer.Hertz
}

func New(cfg *config.Config, st *store.Store, md *media.Service, sender *send.Service,
	workers *sched.Workers, lim *limiter.Limiter, tg *tgapi.Client, box *crypto.TokenBox,
	coll *metrics.SendCollector) *Server {

	s := &Server{
		cfg:     cfg,
		store:   st,
		media:   md,
		sender:  sender,
		workers: workers,
		limiter: lim,
		tg:      tg,
		box:     box,
		coll:    coll,
	}
	s.botCache = cache.NewTTL(5*time.Second, func(ctx context.Context, slug string) (*store.Bot, error) {
		return st.GetBot(ctx, slug)
	})
	s.startCache = cache.NewTTL(5*time.Second, func(ctx context.Context, slug string) (*store.StartMessage, error) {
		return st.GetStartMessage(ctx, slug)
	})

	hlog.SetLogger(logs.NewHlogLogger(logs.DefaultLogger()))
	s.hz = hzServer.Default(
		hzServer.WithHostPorts(cfg.Server.Bind),
		hzServer.WithReadTimeout(time.Duration(cfg.Server.ReadTimeout)*time.Second),
		hzServer.WithWriteTimeout(time.Duration(cfg.Server.WriteTimeout)*time.Second),
		hzServer.WithExitWaitTime(5*time.Second),
	)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.hz.GET("/health", s.handleHealth)
	s.hz.GET("/metrics", s.handlePrometheus)

	s.hz.POST("/tg/:slug/webhook", s.handleWebhook)

	api := s.hz.Group("/api/admin", s.authMiddleware())

	api.POST("/bots", s.handleCreateBot)
	api.GET("/bots", s.handleListBots)
	api.GET("/bots/:slug", s.handleGetBot)
	api.DELETE("/bots/:slug", s.handleDeleteBot)
	api.PUT("/bots/:slug/token", s.handleSetToken)
	api.GET("/bots/:slug/token/status", s.handleTokenStatus)
	api.PUT("/bots/:slug/warmup-chat", s.handleSetWarmupChat)

	api.POST("/bots/:slug/webhook/set", s.handleSetWebhook)
	api.POST("/bots/:slug/webhook/delete", s.handleDeleteWebhook)
	api.POST("/bots/:slug/webhook/status", s.handleWebhookStatus)

	api.POST("/bots/:slug/send-test", s.handleSendTest)

	api.GET("/bots/:slug/start-message", s.handleGetStartMessage)
	api.PUT("/bots/:slug/start-message", s.handlePutStartMessage)

	api.POST("/bots/:slug/downsells", s.handleCreateDownsell)
	api.GET("/bots/:slug/downsells", s.handleListDownsells)
	api.GET("/bots/:slug/downsells/:id", s.handleGetDownsell)
	api.PUT("/bots/:slug/downsells/:id", s.handleUpdateDownsell)
	api.DELETE("/bots/:slug/downsells/:id", s.handleDeleteDownsell)

	api.POST("/bots/:slug/shots", s.handleCreateShot)
	api.GET("/bots/:slug/shots", s.handleListShots)
	api.GET("/bots/:slug/shots/:id", s.handleGetShot)
	api.POST("/bots/:slug/shots/:id/populate", s.handlePopulateShot)
	api.POST("/bots/:slug/shots/:id/start", s.handleStartShot)
	api.POST("/bots/:slug/shots/:id/pause", s.handlePauseShot)
	api.POST("/bots/:slug/shots/:id/resume", s.handleResumeShot)
	api.POST("/bots/:slug/shots/:id/cancel", s.handleCancelShot)

	api.POST("/bots/:slug/media", s.handleUploadMedia)
	api.GET("/bots/:slug/media/:kind/:sha256", s.handleMediaStatus)
	api.POST("/bots/:slug/media/:kind/:sha256/invalidate", s.handleInvalidateMedia)

	api.GET("/bots/:slug/events", s.handleListEvents)
	api.GET("/metrics/send", s.handleSendMetrics)
	api.GET("/metrics/all", s.handleAllMetrics)
}

// Start spins the server in the background; Spin blocks, so callers own
// process lifetime via Stop.
func (s *Server) Start() {
	go s.hz.Spin()
	s.sweepStop = make(chan struct{})
	go s.sweepLoop()
	logs.Info("http server listening on %s", s.cfg.Server.Bind)
}

func (s *Server) Stop(ctx context.Context) error {
	if s.sweepStop != nil {
		close(s.sweepStop)
	}
	return s.hz.Shutdown(ctx)
}

// sweepLoop evicts expired config cache entries so long-idle tenants do
// not pin memory between requests.
func (s *Server) sweepLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.botCache.Sweep()
			s.startCache.Sweep()
		case <-s.sweepStop:
			return
		}
	}
}

func (s *Server) authMiddleware() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		auth := string(c.GetHeader("Authorization"))
		if auth != "Bearer "+s.cfg.Admin.APIToken {
			c.JSON(consts.StatusUnauthorized, errBody("UNAUTHORIZED", "missing or invalid bearer token"))
			c.Abort()
			return
		}
		c.Next(logs.SetLogID(ctx, logs.NewLogID()))
	}
}

func (s *Server) handleHealth(ctx context.Context, c *app.RequestContext) {
	dbOK := s.store.Ping(ctx) == nil
	status := "ok"
	code := consts.StatusOK
	if !dbOK {
		status = "degraded"
		code = consts.StatusServiceUnavailable
	}
	c.JSON(code, utils.H{
		"status":          status,
		"database":        dbOK,
		"limiter_waiting": s.limiter.Waiting(),
	})
}

func (s *Server) handlePrometheus(ctx context.Context, c *app.RequestContext) {
	h := promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
	req, err := adaptor.GetCompatRequest(&c.Request)
	if err != nil {
		c.Status(consts.StatusInternalServerError)
		return
	}
	h.ServeHTTP(adaptor.GetCompatResponseWriter(&c.Response), req)
}
