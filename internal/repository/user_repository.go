package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/unclebandit/notification-campaigns/internal/model"
)

// UserRepositoryInterface is the read side of the user directory.
type UserRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetUsersByID(ctx context.Context, ids []string) (map[string]*model.User, error)
}

type UserRepository struct {
	DB *sql.DB
}

// GetByID returns nil, nil when the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT id, COALESCE(name, ''), COALESCE(phone_number, ''), COALESCE(email, '') FROM users WHERE id = $1`
	var u model.User
	if err := r.DB.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.PhoneNumber, &u.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetUsersByID resolves ids in one query. Unknown ids are absent from the map.
func (r *UserRepository) GetUsersByID(ctx context.Context, ids []string) (map[string]*model.User, error) {
	users := make(map[string]*model.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	query := `SELECT id, COALESCE(name, ''), COALESCE(phone_number, ''), COALESCE(email, '') FROM users WHERE id = ANY($1)`
	rows, err := r.DB.QueryContext(ctx, query, pq.StringArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.PhoneNumber, &u.Email); err != nil {
			return nil, err
		}
		users[u.ID] = &u
	}
	return users, rows.Err()
}
