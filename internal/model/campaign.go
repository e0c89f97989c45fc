// internal/model/campaign.go
package model

import "time"

type Channel string

const (
	ChannelPush     Channel = "PN"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelEmail    Channel = "EMAIL"
	ChannelCall     Channel = "CALL"
	ChannelInApp    Channel = "IN_APP"
)

// Valid reports whether c is one of the supported delivery channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelCall, ChannelInApp:
		return true
	}
	return false
}

type CampaignStatus string

const (
	StatusDraft      CampaignStatus = "DRAFT"
	StatusScheduled  CampaignStatus = "SCHEDULED"
	StatusInProgress CampaignStatus = "IN_PROGRESS"
	StatusPublished  CampaignStatus = "PUBLISHED"
	StatusStopped    CampaignStatus = "STOPPED"
	StatusFailed     CampaignStatus = "FAILED"

	// StatusSendNow is only accepted on create; it is stored as IN_PROGRESS.
	StatusSendNow CampaignStatus = "SEND_NOW"
)

// ActiveStatuses are the non-terminal statuses used by the duplicate check.
var ActiveStatuses = []CampaignStatus{StatusDraft, StatusScheduled, StatusInProgress}

// Terminal reports whether no further transition except an operator re-trigger is possible.
func (s CampaignStatus) Terminal() bool {
	return s == StatusPublished || s == StatusStopped || s == StatusFailed
}

// UpdateAction is the operator action carried by a campaign update.
type UpdateAction string

const (
	ActionDraft    UpdateAction = "DRAFT"
	ActionPostpone UpdateAction = "POSTPONE"
	ActionSendNow  UpdateAction = "SEND_NOW"
	ActionStop     UpdateAction = "STOP"
)

// Push providers selectable through CampaignMetadata.SubChannel.
const (
	SubChannelClevertap = "CLEVERTAP"
	SubChannelOnesignal = "ONESIGNAL"
)

type CampaignMetadata struct {
	SheetURL   string            `json:"sheet_url,omitempty"`
	Fillers    map[string]string `json:"fillers,omitempty"`
	SubChannel string            `json:"sub_channel,omitempty"`
	Silent     bool              `json:"silent,omitempty"`
}

type Campaign struct {
	ID              int              `db:"id" json:"id"`
	Name            string           `db:"name" json:"name"`
	TemplateID      string           `db:"template_id" json:"template_id"`
	Channel         Channel          `db:"channel" json:"channel"`
	Status          CampaignStatus   `db:"status" json:"status"`
	ScheduleTime    *time.Time       `db:"schedule_time" json:"schedule_time,omitempty"`
	IsActive        bool             `db:"is_active" json:"is_active"`
	IsDataProcessed bool             `db:"is_data_processed" json:"is_data_processed"`
	Metadata        CampaignMetadata `db:"metadata" json:"metadata"`
	CreatedBy       string           `db:"created_by" json:"created_by,omitempty"`
	UpdatedBy       string           `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time       `db:"updated_at" json:"updated_at,omitempty"`
}

// CampaignFilter narrows ListCampaigns.
type CampaignFilter struct {
	Search  string
	Channel Channel
	Status  CampaignStatus
}

// CampaignKey identifies the duplicate-check tuple (name, channel[, schedule_time]).
type CampaignKey struct {
	Name         string
	Channel      Channel
	ScheduleTime *time.Time
}
