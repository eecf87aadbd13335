package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Ensure inserts the owner row on first sight so jobs can reference it.
// Email and name are refreshed when the token carries them.
func (r *UserRepository) Ensure(ctx context.Context, id uuid.UUID, email, name string) error {
	const q = `
INSERT INTO users (id, email, name)
VALUES ($1, NULLIF($2, ''), $3)
ON CONFLICT (id) DO UPDATE
SET email = COALESCE(EXCLUDED.email, users.email),
    name = CASE WHEN EXCLUDED.name = '' THEN users.name ELSE EXCLUDED.name END;`
	_, err := r.pool.Exec(ctx, q, id, email, name)
	return err
}
