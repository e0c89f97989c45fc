package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, filter model.CampaignFilter) ([]*model.Campaign, int, error)
	FindActiveDuplicate(ctx context.Context, key model.CampaignKey, excludeID int) (*model.Campaign, error)

	// TransitionStatus moves the campaign to status only if it is currently
	// in one of from. It reports whether a row changed.
	TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus, updatedBy string) (bool, error)
	UpdateStatus(ctx context.Context, id int, status model.CampaignStatus, updatedBy string) error
	SetActive(ctx context.Context, id int, active bool, updatedBy string) error
	SetDataProcessed(ctx context.Context, id int, processed bool) error

	// Scheduler queries.
	FindDueForPublish(ctx context.Context, until time.Time) ([]*model.Campaign, error)
	FindDueForProcessing(ctx context.Context, from, until time.Time) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, template_id, channel, status, schedule_time, is_active,
	is_data_processed, metadata, created_by, updated_by, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	var scheduleTime, updatedAt sql.NullTime
	var createdBy, updatedBy sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.TemplateID, &c.Channel, &c.Status, &scheduleTime, &c.IsActive,
		&c.IsDataProcessed, &c.Metadata, &createdBy, &updatedBy, &c.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if scheduleTime.Valid {
		t := scheduleTime.Time
		c.ScheduleTime = &t
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		c.UpdatedAt = &t
	}
	c.CreatedBy = createdBy.String
	c.UpdatedBy = updatedBy.String
	return &c, nil
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	query := `
		INSERT INTO campaigns (name, template_id, channel, status, schedule_time, is_active,
			is_data_processed, metadata, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := r.DB.QueryRowContext(ctx, query, c.Name, c.TemplateID, c.Channel, c.Status, c.ScheduleTime,
		c.IsActive, c.IsDataProcessed, c.Metadata, nullString(c.CreatedBy), c.CreatedAt).Scan(&c.ID)
	if isUniqueViolation(err) {
		return appErrors.NewConflict("an active campaign named %q already exists for channel %s", c.Name, c.Channel)
	}
	return err
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	query := `
		UPDATE campaigns
		SET name=$1, template_id=$2, channel=$3, status=$4, schedule_time=$5, is_active=$6,
			is_data_processed=$7, metadata=$8, updated_by=$9, updated_at=NOW()
		WHERE id=$10
	`
	res, err := r.DB.ExecContext(ctx, query, c.Name, c.TemplateID, c.Channel, c.Status, c.ScheduleTime,
		c.IsActive, c.IsDataProcessed, c.Metadata, nullString(c.UpdatedBy), c.ID)
	if isUniqueViolation(err) {
		return appErrors.NewConflict("an active campaign named %q already exists for channel %s", c.Name, c.Channel)
	}
	if err != nil {
		return err
	}
	return requireRow(res, c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, err
}

func (r *CampaignRepository) FindActiveDuplicate(ctx context.Context, key model.CampaignKey, excludeID int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE is_active = TRUE AND name = $1 AND channel = $2 AND status = ANY($3) AND id <> $4`
	args := []any{key.Name, key.Channel, pq.Array(statusStrings(model.ActiveStatuses)), excludeID}
	if key.ScheduleTime != nil {
		query += ` AND schedule_time = $5`
		args = append(args, *key.ScheduleTime)
	}
	query += ` LIMIT 1`

	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, filter model.CampaignFilter) ([]*model.Campaign, int, error) {
	where := ` WHERE is_active = TRUE`
	args := []any{}
	argPos := 1

	if filter.Channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, filter.Channel)
		argPos++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.Search != "" {
		where += fmt.Sprintf(" AND name ILIKE $%d", argPos)
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus, updatedBy string) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_by=COALESCE($2, updated_by), updated_at=NOW()
		WHERE id=$3 AND status = ANY($4)`
	res, err := r.DB.ExecContext(ctx, query, to, nullString(updatedBy), id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int, status model.CampaignStatus, updatedBy string) error {
	query := `UPDATE campaigns SET status=$1, updated_by=COALESCE($2, updated_by), updated_at=NOW() WHERE id=$3`
	res, err := r.DB.ExecContext(ctx, query, status, nullString(updatedBy), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *CampaignRepository) SetActive(ctx context.Context, id int, active bool, updatedBy string) error {
	query := `UPDATE campaigns SET is_active=$1, updated_by=COALESCE($2, updated_by), updated_at=NOW() WHERE id=$3`
	res, err := r.DB.ExecContext(ctx, query, active, nullString(updatedBy), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *CampaignRepository) SetDataProcessed(ctx context.Context, id int, processed bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET is_data_processed=$1, updated_at=NOW() WHERE id=$2`, processed, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// FindDueForPublish returns SCHEDULED, data-processed, active campaigns whose
// schedule_time is at or before until, earliest first.
func (r *CampaignRepository) FindDueForPublish(ctx context.Context, until time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = $1 AND is_active = TRUE AND is_data_processed = TRUE
		AND schedule_time IS NOT NULL AND schedule_time <= $2
		ORDER BY schedule_time, id`
	return r.queryCampaigns(ctx, query, model.StatusScheduled, until)
}

// FindDueForProcessing returns SCHEDULED, active campaigns without a
// materialized queue whose schedule_time is in (from, until].
func (r *CampaignRepository) FindDueForProcessing(ctx context.Context, from, until time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = $1 AND is_active = TRUE AND is_data_processed = FALSE
		AND schedule_time > $2 AND schedule_time <= $3
		ORDER BY schedule_time, id`
	return r.queryCampaigns(ctx, query, model.StatusScheduled, from, until)
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...any) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func statusStrings(statuses []model.CampaignStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func requireRow(res sql.Result, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
