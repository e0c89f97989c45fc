// internal/model/recipient.go
package model

import "time"

const RowErrorField = "FIELD_ERROR"

type RowError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

// RecipientRow is one parsed sheet row. It is never persisted as-is.
type RecipientRow struct {
	Line         int               `json:"line"`
	UserID       string            `json:"user_id"`
	TemplateName string            `json:"template_name"`
	RawFillers   string            `json:"-"`
	Fillers      map[string]string `json:"fillers,omitempty"`
	ValidDays    int               `json:"valid_days,omitempty"`
	Errors       []RowError        `json:"errors,omitempty"`
}

func (r *RecipientRow) AddError(field, message string) {
	r.Errors = append(r.Errors, RowError{Kind: RowErrorField, Message: message, Field: field})
}

// UploadResult is the synchronous outcome of validation mode.
type UploadResult struct {
	SuccessRows []*RecipientRow `json:"success_rows"`
	FailedRows  []*RecipientRow `json:"failed_rows"`
}

func (r *UploadResult) HasFailures() bool { return len(r.FailedRows) > 0 }

// MaterializeReport counts what happened to a sheet bound to a campaign.
type MaterializeReport struct {
	Rows               int `json:"rows"`
	Queued             int `json:"queued"`
	DroppedUnknownUser int `json:"dropped_unknown_user"`
	DroppedMissingKeys int `json:"dropped_missing_keys"`
	DroppedDuplicate   int `json:"dropped_duplicate"`
}

type UploadStatus string

const (
	UploadStaged    UploadStatus = "STAGED"
	UploadCommitted UploadStatus = "COMMITTED"
)

// Upload is a staged validation result addressed by an access key.
type Upload struct {
	AccessKey string       `json:"access_key"`
	Module    string       `json:"module"`
	Channel   Channel      `json:"channel"`
	Status    UploadStatus `json:"status"`
	Rows      UploadRows   `json:"rows"`
	CreatedBy string       `json:"created_by,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// DeliveryLog is an in-app notification as seen by the recipient.
type DeliveryLog struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"user_id"`
	CampaignID   int        `json:"campaign_id"`
	TemplateID   string     `json:"template_id"`
	TemplateName string     `json:"template_name"`
	Channel      Channel    `json:"channel"`
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
