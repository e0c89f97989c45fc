// internal/model/template.go
package model

type TemplateMetadata struct {
	ValidDays   int     `json:"valid_days,omitempty"`
	ValidHours  float64 `json:"valid_hours,omitempty"`
	MessageType string  `json:"message_type,omitempty"`
	URL         string  `json:"url,omitempty"`
	Image       string  `json:"image,omitempty"`
}

// Template is read-only here; CRUD lives outside the campaign engine.
type Template struct {
	ID       string           `db:"id" json:"id"`
	Name     string           `db:"name" json:"name"`
	Channel  Channel          `db:"channel" json:"channel"`
	Title    string           `db:"title" json:"title"`
	Body     string           `db:"body" json:"body"`
	IsActive bool             `db:"is_active" json:"is_active"`
	Metadata TemplateMetadata `db:"metadata" json:"metadata"`
}
