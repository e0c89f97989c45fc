// internal/model/notification_queue.go
package model

import "time"

type QueueMetadata struct {
	UserID       string            `json:"user_id"`
	TemplateName string            `json:"template_name,omitempty"`
	Fillers      map[string]string `json:"fillers,omitempty"`
	ValidDays    int               `json:"valid_days,omitempty"`
	PhoneNumber  string            `json:"phone_number,omitempty"`
	Email        string            `json:"email,omitempty"`
}

// NotificationQueueEntry is one materialized unit of recipient work for a campaign.
type NotificationQueueEntry struct {
	ID          int64         `db:"id" json:"id"`
	CampaignID  int           `db:"campaign_id" json:"campaign_id"`
	UserID      string        `db:"user_id" json:"user_id"`
	IsProcessed bool          `db:"is_processed" json:"is_processed"`
	IsActive    bool          `db:"is_active" json:"is_active"`
	Metadata    QueueMetadata `db:"metadata" json:"metadata"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// QueueStats summarizes a campaign's queue.
type QueueStats struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Pending   int `json:"pending"`
	Inactive  int `json:"inactive"`
}

// NotificationRequest is the outbound request built per recipient at dispatch time.
type NotificationRequest struct {
	QueueID      int64             `json:"queue_id"`
	UserID       string            `json:"user_id"`
	CampaignID   int               `json:"campaign_id"`
	TemplateID   string            `json:"template_id"`
	TemplateName string            `json:"template_name,omitempty"`
	Fillers      map[string]string `json:"fillers,omitempty"`
	PhoneNumber  string            `json:"phone_number,omitempty"`
	Email        string            `json:"email,omitempty"`
	ValidDays    int               `json:"valid_days,omitempty"`
}
