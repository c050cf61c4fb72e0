package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sendfleet/sendfleet/internal/blob"
	"github.com/sendfleet/sendfleet/internal/config"
	"github.com/sendfleet/sendfleet/internal/crypto"
	"github.com/sendfleet/sendfleet/internal/httpapi"
	"github.com/sendfleet/sendfleet/internal/limiter"
	"github.com/sendfleet/sendfleet/internal/media"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/pkg/metrics"
	"github.com/sendfleet/sendfleet/internal/sched"
	"github.com/sendfleet/sendfleet/internal/send"
	"github.com/sendfleet/sendfleet/internal/store"
	"github.com/sendfleet/sendfleet/internal/tgapi"
)

var serveHwd = &ServeRunner{}

type ServeRunner struct{}

func (r *ServeRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the gateway: webhook ingress, admin API, and delivery workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
			},
		},
		Action: r.run,
	}
}

func (r *ServeRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}
	if err := r.initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}
	if err := config.ValidateEncryptionKey(cfg.Admin.EncryptionKey); err != nil {
		return err
	}

	logs.CtxInfo(ctx, "booting sendfleet gateway on %s...", cfg.Server.Bind)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	box, err := crypto.NewTokenBox(cfg.Admin.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init token box: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	bl, err := blob.New(cfg.Blob)
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}

	tg := tgapi.New(cfg.Telegram.BaseURL)
	coll := metrics.NewSendCollector()

	lim := limiter.New(limiter.Options{
		GlobalRate:  cfg.Limiter.GlobalRate,
		GlobalBurst: cfg.Limiter.GlobalBurst,
		ChatRate:    cfg.Limiter.ChatRate,
		ChatBurst:   cfg.Limiter.ChatBurst,
		BufferSize:  cfg.Limiter.BufferSize,
		Tick:        time.Duration(cfg.Limiter.TickMillis) * time.Millisecond,
		CooldownCap: time.Duration(cfg.Limiter.CooldownCap) * time.Second,
	})
	defer lim.Stop()

	prewarm := media.NewPrewarmer(st, bl, tg, box, cfg.Workers.PrewarmConcurrency, cfg.CallTimeout())
	md := media.NewService(st, bl, prewarm)
	sender := send.NewService(cfg, st, md, lim, tg, box, coll)
	workers := sched.NewWorkers(st, sender, cfg.Workers.DownsellBatch, cfg.Workers.ShotBatch)

	if err := prewarm.Start(ctx); err != nil {
		return fmt.Errorf("start prewarmer: %w", err)
	}
	defer prewarm.Stop()

	if err := workers.Start(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer workers.Stop()

	srv := httpapi.New(cfg, st, md, sender, workers, lim, tg, box, coll)
	srv.Start()

	logs.CtxInfo(ctx, "ALL IS WELL!!! Press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "Received shutdown signal (%s). Stopping gateway...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "Context canceled. Stopping gateway...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logs.CtxError(ctx, "stop http server error: %v", err)
	}

	logs.CtxInfo(ctx, "all stopped, good bye!")
	return nil
}

func (r *ServeRunner) initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}
