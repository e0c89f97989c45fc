package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

type UploadRepositoryInterface interface {
	Save(ctx context.Context, u *model.Upload) error
	Get(ctx context.Context, module, accessKey string) (*model.Upload, error)
	// MarkCommitted flips a STAGED upload to COMMITTED and reports whether
	// this call did it.
	MarkCommitted(ctx context.Context, module, accessKey string) (bool, error)
}

type UploadRepository struct {
	DB *sql.DB
}

func (r *UploadRepository) Save(ctx context.Context, u *model.Upload) error {
	query := `
		INSERT INTO bulk_uploads (access_key, module, channel, status, rows, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.DB.ExecContext(ctx, query, u.AccessKey, u.Module, u.Channel, u.Status, u.Rows, nullString(u.CreatedBy), u.CreatedAt)
	return err
}

func (r *UploadRepository) Get(ctx context.Context, module, accessKey string) (*model.Upload, error) {
	query := `SELECT access_key, module, channel, status, rows, COALESCE(created_by, ''), created_at
		FROM bulk_uploads WHERE access_key = $1 AND module = $2`
	var u model.Upload
	err := r.DB.QueryRowContext(ctx, query, accessKey, module).Scan(&u.AccessKey, &u.Module, &u.Channel, &u.Status, &u.Rows, &u.CreatedBy, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("upload", accessKey)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UploadRepository) MarkCommitted(ctx context.Context, module, accessKey string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE bulk_uploads SET status = $1, committed_at = NOW()
		WHERE access_key = $2 AND module = $3 AND status = $4`,
		model.UploadCommitted, accessKey, module, model.UploadStaged)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
