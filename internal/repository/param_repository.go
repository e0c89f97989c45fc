package repository

import (
	"context"
	"database/sql"
	"errors"
)

// ParamRepositoryInterface reads runtime-tunable parameters.
type ParamRepositoryInterface interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

type ParamRepository struct {
	DB *sql.DB
}

func (r *ParamRepository) Lookup(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM notification_params WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
