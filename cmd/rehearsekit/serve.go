package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/rehearsekit/backend/internal/handler"
	"github.com/rehearsekit/backend/internal/middleware"
	"github.com/rehearsekit/backend/internal/repository/postgres"
	"github.com/rehearsekit/backend/internal/service"
	"github.com/rehearsekit/backend/internal/storage"
	ws "github.com/rehearsekit/backend/internal/websocket"
	"github.com/rehearsekit/backend/pkg/response"
)

func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the progress relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Listen port (overrides server.port)",
			},
		},
		Action: r.Serve,
	}
}

// Serve runs the API until SIGINT or SIGTERM.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	cfg := r.config
	ctx, stop := signalContext(ctx)
	defer stop()

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

	queue := r.asynqClient()
	defer queue.Close()

	hub := ws.NewHub(r.logger.With("component", "relay"))
	go hub.Run(ctx)
	go r.relay(ctx, hub, rdb)

	jobs := service.NewJobService(
		postgres.NewJobRepository(pool),
		postgres.NewUserRepository(pool),
		store,
		queue,
		cfg.Worker,
		r.logger.With("component", "jobs"),
	)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		// multipart overhead on top of the largest accepted upload
		BodyLimit: (cfg.Upload.MaxSizeMB + 1) * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	deps := handler.RouteDeps{
		Jobs:        handler.NewJobHandler(jobs, validator.New(), hub, cfg.Upload.MaxSizeMB),
		Auth:        middleware.NewAuthMiddleware(cfg.JWT.Secret),
		RateLimiter: middleware.NewRateLimiter(rdb, r.logger.With("component", "ratelimit")),
		JobsPerHour: cfg.RateLimit.JobsPerHour,
		Checks: map[string]handler.HealthCheck{
			"database": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}
	if local, ok := store.(*storage.Local); ok {
		deps.DownloadsRoot = local.Root()
	}
	handler.Register(app, deps)

	go func() {
		<-ctx.Done()
		r.logger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			r.logger.Error("server shutdown error", "err", err)
		}
	}()

	port := cfg.Server.Port
	if p := cmd.String("port"); p != "" {
		port = p
	}
	r.logger.Info("server starting", "addr", ":"+port, "env", cfg.Server.Env)
	return app.Listen(":" + port)
}

// relay keeps the pub/sub subscription alive until ctx is done
func (r *Runner) relay(ctx context.Context, hub *ws.Hub, rdb *redis.Client) {
	for {
		err := hub.Subscribe(ctx, rdb)
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("progress relay stopped, resubscribing", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
