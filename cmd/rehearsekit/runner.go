package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/rehearsekit/backend/internal/config"
	"github.com/rehearsekit/backend/internal/logging"
	"github.com/rehearsekit/backend/internal/repository/postgres"
	"github.com/rehearsekit/backend/internal/storage"
)

// Runner holds the loaded configuration and provides one method per command.
type Runner struct {
	config *config.Config
	logger *log.Logger
}

type RunnerOpts struct {
	Config *config.Config
	Logger *log.Logger
}

func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = logging.New(nil, "info")
	}
	return &Runner{config: opts.Config, logger: opts.Logger}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		serveCommand, workerCommand, migrateCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (r *Runner) openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, r.config.Database)
	if err != nil {
		return nil, err
	}
	r.logger.Info("database connected")
	return pool, nil
}

func (r *Runner) openStorage(ctx context.Context) (storage.Storage, error) {
	st, err := storage.New(ctx, r.config.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	r.logger.Info("storage ready", "mode", r.config.Storage.Mode)
	return st, nil
}

func (r *Runner) redisClient(ctx context.Context) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     r.config.Redis.Addr,
		Password: r.config.Redis.Password,
		DB:       r.config.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		r.logger.Warn("redis not available", "addr", r.config.Redis.Addr, "err", err)
	}
	return rdb
}

func (r *Runner) asynqClient() *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     r.config.Redis.Addr,
		Password: r.config.Redis.Password,
		DB:       r.config.Redis.DB,
	})
}
