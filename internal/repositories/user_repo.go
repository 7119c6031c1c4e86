package repositories

import (
	"context"
	"time"

	"github.com/RedDuck-Software/Undas.Contracts/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) UpsertByAddress(ctx context.Context, address string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (address)
		VALUES ($1)
		ON CONFLICT (address) DO UPDATE SET last_active_at = now()
		RETURNING id, address, created_at, last_active_at
	`, address).Scan(&u.ID, &u.Address, &u.CreatedAt, &u.LastActiveAt)
	return &u, err
}

func (r *UserRepo) GetByAddress(ctx context.Context, address string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, address, created_at, last_active_at
		FROM users WHERE address = $1
	`, address).Scan(&u.ID, &u.Address, &u.CreatedAt, &u.LastActiveAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) UpdateLastActive(ctx context.Context, address string) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_active_at = $1 WHERE address = $2`, time.Now(), address)
	return err
}
