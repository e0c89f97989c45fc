package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TriggerKind string

const (
	// KindPublish runs a dispatch pass for an IN_PROGRESS campaign.
	KindPublish TriggerKind = "campaign.publish.v1"
	// KindProcess materializes a campaign's sheet, optionally publishing right after.
	KindProcess TriggerKind = "campaign.process.v1"
)

// Trigger is the callback descriptor carried by the delayed trigger queue.
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	CampaignID int         `json:"campaign_id"`
	PublishNow bool        `json:"publish_now,omitempty"`
}

func (t Trigger) String() string {
	return fmt.Sprintf("%s(campaign=%d)", t.Kind, t.CampaignID)
}

// Handler processes one trigger. A returned error asks the queue to retry.
type Handler func(ctx context.Context, t Trigger) error

// TriggerQueue delivers triggers after a delay. Delivery is best effort.
type TriggerQueue interface {
	Enqueue(ctx context.Context, t Trigger, delay time.Duration) error
}

type Meta struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	TraceID    string    `json:"trace_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	NotBefore  time.Time `json:"not_before"`
	ProducedBy string    `json:"produced_by,omitempty"`
}

// Envelope is the wire form of a trigger.
type Envelope struct {
	Meta Meta    `json:"meta"`
	Data Trigger `json:"data"`
}

func newEnvelope(t Trigger, traceID string, delay time.Duration, now time.Time) Envelope {
	return Envelope{
		Meta: Meta{
			ID:         uuid.NewString(),
			Type:       string(t.Kind),
			Time:       now,
			TraceID:    traceID,
			NotBefore:  now.Add(delay),
			ProducedBy: "notification-campaigns",
		},
		Data: t,
	}
}

func decodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("decode trigger envelope: %w", err)
	}
	if env.Data.CampaignID <= 0 {
		return env, fmt.Errorf("trigger envelope %s has no campaign id", env.Meta.ID)
	}
	switch env.Data.Kind {
	case KindPublish, KindProcess:
	default:
		return env, fmt.Errorf("trigger envelope %s has unknown kind %q", env.Meta.ID, env.Data.Kind)
	}
	return env, nil
}
