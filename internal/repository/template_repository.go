package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

type TemplateRepositoryInterface interface {
	GetTemplateByID(ctx context.Context, id string) (*model.Template, error)
	GetTemplateByName(ctx context.Context, name string) (*model.Template, error)
	GetTemplatesByNameList(ctx context.Context, names []string, channel model.Channel) (map[string]*model.Template, error)
}

type TemplateRepository struct {
	DB *sql.DB
}

const templateColumns = `id, name, channel, COALESCE(title, ''), COALESCE(body, ''), is_active, metadata`

func scanTemplate(row interface{ Scan(...any) error }) (*model.Template, error) {
	var t model.Template
	if err := row.Scan(&t.ID, &t.Name, &t.Channel, &t.Title, &t.Body, &t.IsActive, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) GetTemplateByID(ctx context.Context, id string) (*model.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("template", id)
	}
	return t, err
}

func (r *TemplateRepository) GetTemplateByName(ctx context.Context, name string) (*model.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = $1 AND is_active = TRUE`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("template", name)
	}
	return t, err
}

// GetTemplatesByNameList returns active templates keyed by name. An empty
// channel matches every channel.
func (r *TemplateRepository) GetTemplatesByNameList(ctx context.Context, names []string, channel model.Channel) (map[string]*model.Template, error) {
	out := make(map[string]*model.Template, len(names))
	if len(names) == 0 {
		return out, nil
	}
	query := `SELECT ` + templateColumns + ` FROM templates
		WHERE name = ANY($1) AND is_active = TRUE AND ($2::text = '' OR channel = $2::text)`
	rows, err := r.DB.QueryContext(ctx, query, pq.StringArray(names), string(channel))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out[t.Name] = t
	}
	return out, rows.Err()
}
