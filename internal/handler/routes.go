package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rehearsekit/backend/internal/middleware"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

type RouteDeps struct {
	Jobs        *JobHandler
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	JobsPerHour int
	// DownloadsRoot is served under /downloads when set (local storage)
	DownloadsRoot string
	Checks        map[string]HealthCheck
}

// Register mounts the public API on app.
func Register(app *fiber.App, d RouteDeps) {
	app.Get("/health", health(d.Checks))

	if d.DownloadsRoot != "" {
		app.Static("/downloads", d.DownloadsRoot, fiber.Static{Download: true})
	}

	api := app.Group("/api", d.Auth.Optional())
	jobs := api.Group("/jobs")
	if d.RateLimiter != nil {
		jobs.Post("/", d.RateLimiter.JobsLimit(d.JobsPerHour), d.Jobs.Create)
	} else {
		jobs.Post("/", d.Jobs.Create)
	}
	jobs.Get("/", d.Jobs.List)
	jobs.Get("/:id", d.Jobs.Get)
	jobs.Delete("/:id", d.Jobs.Delete)
	jobs.Post("/:id/cancel", d.Jobs.Cancel)
	jobs.Post("/:id/reprocess", d.Jobs.Reprocess)
	jobs.Get("/:id/download", d.Jobs.Download)
	jobs.Get("/:id/source", d.Jobs.Source)

	app.Get("/ws/jobs/:id", d.Jobs.Progress())
}

func health(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		services := fiber.Map{}
		status := "ok"
		for name, check := range checks {
			ok := check(ctx) == nil
			services[name] = ok
			if !ok {
				status = "degraded"
			}
		}
		code := fiber.StatusOK
		if status != "ok" {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{"status": status, "services": services})
	}
}
