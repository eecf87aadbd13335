package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/rehearsekit/backend/internal/audio"
	"github.com/rehearsekit/backend/internal/pipeline"
	"github.com/rehearsekit/backend/internal/publisher"
	"github.com/rehearsekit/backend/internal/repository/postgres"
	"github.com/rehearsekit/backend/internal/worker"
)

func workerCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Process queued jobs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Jobs processed at once (overrides worker.concurrency)",
			},
		},
		Action: r.Worker,
	}
}

// Worker consumes pipeline:process tasks until SIGINT or SIGTERM. In-flight
// jobs get the server's shutdown timeout and are redelivered if they do not
// finish.
func (r *Runner) Worker(ctx context.Context, cmd *cli.Command) error {
	cfg := r.config
	ctx, stop := signalContext(ctx)
	defer stop()

	wcfg := cfg.Worker
	if n := cmd.Int("concurrency"); n > 0 {
		wcfg.Concurrency = int(n)
	}

	pool, err := r.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := r.openStorage(ctx)
	if err != nil {
		return err
	}

	rdb := r.redisClient(ctx)
	defer rdb.Close()

	orch := pipeline.New(pipeline.Deps{
		Store:    postgres.NewJobRepository(pool),
		Storage:  store,
		Notifier: publisher.NewRedisNotifier(rdb),
		Stages:   audio.NewToolkit(cfg.Tools, wcfg.TranscodeMax),
		Logger:   r.logger.With("component", "pipeline"),
		TempDir:  wcfg.TempDir,
	})

	srv := worker.NewServer(cfg.Redis, wcfg, r.logger.With("component", "asynq"))
	mux := worker.NewServeMux(worker.NewPipelineWorker(orch, r.logger.With("component", "worker")))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	r.logger.Info("worker started", "queue", wcfg.Queue, "concurrency", wcfg.Concurrency)

	<-ctx.Done()
	r.logger.Info("shutting down worker")
	srv.Shutdown()
	return nil
}
