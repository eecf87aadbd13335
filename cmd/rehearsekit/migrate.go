package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/rehearsekit/backend/internal/repository/postgres"
)

func migrateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "down",
				Usage: "Roll back the most recent migration",
			},
		},
		Action: r.Migrate,
	}
}

func (r *Runner) Migrate(ctx context.Context, cmd *cli.Command) error {
	pool, err := r.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cmd.Bool("down") {
		version, err := postgres.Rollback(ctx, pool)
		if errors.Is(err, postgres.ErrNoMigrations) {
			r.logger.Info("nothing to roll back")
			return nil
		}
		if err != nil {
			return err
		}
		r.logger.Info("rolled back migration", "version", version)
		return nil
	}

	applied, err := postgres.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		r.logger.Info("database is up to date")
		return nil
	}
	r.logger.Info("applied migrations", "versions", applied)
	return nil
}
