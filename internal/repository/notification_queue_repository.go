package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/notification-campaigns/internal/model"
)

// NotificationQueueRepositoryInterface is the durable work-item store. Every
// operation that touches entries is scoped by campaign id.
type NotificationQueueRepositoryInterface interface {
	// Append inserts entries, skipping any (campaign_id, user_id) pair that
	// already exists, and returns how many rows were inserted.
	Append(ctx context.Context, entries []*model.NotificationQueueEntry) (int, error)
	// FetchUnprocessedBatch returns up to limit active, unprocessed entries in
	// ascending id order. An empty result means the queue is drained.
	FetchUnprocessedBatch(ctx context.Context, campaignID, limit int) ([]*model.NotificationQueueEntry, error)
	MarkProcessed(ctx context.Context, campaignID int, ids []int64) error
	MarkInactive(ctx context.Context, campaignID int, userIDs []string) error
	PurgeProcessedOlderThan(ctx context.Context, before time.Time) (int64, error)
	DeleteUnprocessed(ctx context.Context, campaignID int) (int64, error)
	Stats(ctx context.Context, campaignID int) (*model.QueueStats, error)
}

type NotificationQueueRepository struct {
	DB *sql.DB
}

func (r *NotificationQueueRepository) Append(ctx context.Context, entries []*model.NotificationQueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	campaignIDs := make([]int64, len(entries))
	userIDs := make([]string, len(entries))
	docs := make([]string, len(entries))
	for i, e := range entries {
		doc, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata for user %s: %w", e.UserID, err)
		}
		campaignIDs[i] = int64(e.CampaignID)
		userIDs[i] = e.UserID
		docs[i] = string(doc)
	}

	query := `
		INSERT INTO notification_queue (campaign_id, user_id, metadata, is_processed, is_active, created_at, updated_at)
		SELECT c, u, m::jsonb, FALSE, TRUE, NOW(), NOW()
		FROM unnest($1::bigint[], $2::text[], $3::text[]) AS t(c, u, m)
		ON CONFLICT (campaign_id, user_id) DO NOTHING
	`
	res, err := r.DB.ExecContext(ctx, query, pq.Int64Array(campaignIDs), pq.StringArray(userIDs), pq.StringArray(docs))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *NotificationQueueRepository) FetchUnprocessedBatch(ctx context.Context, campaignID, limit int) ([]*model.NotificationQueueEntry, error) {
	query := `
		SELECT id, campaign_id, user_id, is_processed, is_active, metadata, created_at, updated_at
		FROM notification_queue
		WHERE campaign_id = $1 AND is_processed = FALSE AND is_active = TRUE
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := r.DB.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.NotificationQueueEntry
	for rows.Next() {
		var e model.NotificationQueueEntry
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.UserID, &e.IsProcessed, &e.IsActive, &e.Metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *NotificationQueueRepository) MarkProcessed(ctx context.Context, campaignID int, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE notification_queue SET is_processed = TRUE, updated_at = NOW()
		WHERE campaign_id = $1 AND id = ANY($2) AND is_processed = FALSE`,
		campaignID, pq.Int64Array(ids))
	return err
}

func (r *NotificationQueueRepository) MarkInactive(ctx context.Context, campaignID int, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE notification_queue SET is_active = FALSE, updated_at = NOW()
		WHERE campaign_id = $1 AND user_id = ANY($2) AND is_processed = FALSE`,
		campaignID, pq.StringArray(userIDs))
	return err
}

func (r *NotificationQueueRepository) PurgeProcessedOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notification_queue WHERE is_processed = TRUE AND created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteUnprocessed drops pending entries so a replaced sheet can be
// materialized again. Processed and inactive rows stay for audit.
func (r *NotificationQueueRepository) DeleteUnprocessed(ctx context.Context, campaignID int) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM notification_queue
		WHERE campaign_id = $1 AND is_processed = FALSE AND is_active = TRUE`, campaignID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *NotificationQueueRepository) Stats(ctx context.Context, campaignID int) (*model.QueueStats, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_processed),
			COUNT(*) FILTER (WHERE NOT is_processed AND is_active),
			COUNT(*) FILTER (WHERE NOT is_active)
		FROM notification_queue WHERE campaign_id = $1
	`
	var s model.QueueStats
	if err := r.DB.QueryRowContext(ctx, query, campaignID).Scan(&s.Total, &s.Processed, &s.Pending, &s.Inactive); err != nil {
		return nil, err
	}
	return &s, nil
}
