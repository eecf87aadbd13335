package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rehearsekit/backend/internal/config"
	"github.com/rehearsekit/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(nil, "info").Fatal("failed to load config", "err", err)
	}
	logger := logging.New(nil, cfg.Server.LogLevel)

	runner := NewRunner(RunnerOpts{Config: cfg, Logger: logger})

	app := &cli.Command{
		Name:     "rehearsekit",
		Usage:    "Turn a song into separated stems and a DAW project",
		Version:  "1.0.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}
