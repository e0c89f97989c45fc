package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/notification-campaigns/internal/model"
)

type DeliveryLogRepositoryInterface interface {
	Insert(ctx context.Context, logs []*model.DeliveryLog) error
	// ExpireByCampaign sets expiry=at on every unexpired log of the campaign,
	// batchSize rows per statement, and returns the number of rows changed.
	ExpireByCampaign(ctx context.Context, campaignID int, at time.Time, batchSize int) (int64, error)
}

type DeliveryLogRepository struct {
	DB *sql.DB
}

func (r *DeliveryLogRepository) Insert(ctx context.Context, logs []*model.DeliveryLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO delivery_logs (user_id, campaign_id, template_id, template_name, channel, title, body, expiry, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if err := stmt.QueryRowContext(ctx, l.UserID, l.CampaignID, l.TemplateID, l.TemplateName, l.Channel,
			l.Title, l.Body, l.Expiry).Scan(&l.ID, &l.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *DeliveryLogRepository) ExpireByCampaign(ctx context.Context, campaignID int, at time.Time, batchSize int) (int64, error) {
	query := `
		UPDATE delivery_logs SET expiry = $2
		WHERE id IN (
			SELECT id FROM delivery_logs
			WHERE campaign_id = $1 AND (expiry IS NULL OR expiry > $2)
			ORDER BY id
			LIMIT $3
		)`
	if batchSize <= 0 {
		batchSize = 500
	}
	var total int64
	for {
		res, err := r.DB.ExecContext(ctx, query, campaignID, at, batchSize)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}
