package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/sendfleet/sendfleet/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "sendfleet",
		Usage: "Multi-tenant Telegram messaging gateway",
		Commands: []*cli.Command{
			serveHwd.cmd(),
			migrateHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
