package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/sendfleet/sendfleet/internal/config"
	"github.com/sendfleet/sendfleet/internal/pkg/logs"
	"github.com/sendfleet/sendfleet/internal/store"
)

var migrateHwd = &MigrateRunner{}

type MigrateRunner struct{}

func (r *MigrateRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database schema migrations and exit",
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

func (r *MigrateRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.URL, 2)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	logs.CtxInfo(ctx, "migrations applied")
	return nil
}
