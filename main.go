package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/cmd/check"
	"github.com/chirino/dbhealth-service/internal/cmd/migrate"
	"github.com/chirino/dbhealth-service/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "dbhealth-service",
		Usage: "Connection-pool health monitor for Postgres",
		Commands: []*cli.Command{
			serve.Command(),
			check.Command(),
			migrate.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
