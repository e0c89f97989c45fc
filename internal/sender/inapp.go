package sender

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/filler"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

type TemplateByID interface {
	GetTemplateByID(ctx context.Context, id string) (*model.Template, error)
}

type LogWriter interface {
	Insert(ctx context.Context, logs []*model.DeliveryLog) error
}

// InAppSender delivers by writing rendered delivery logs that clients poll.
type InAppSender struct {
	templates TemplateByID
	logs      LogWriter
	logger    *zap.Logger
	now       func() time.Time
}

func NewInAppSender(templates TemplateByID, logs LogWriter, logger *zap.Logger) *InAppSender {
	return &InAppSender{templates: templates, logs: logs, logger: logger, now: time.Now}
}

func (s *InAppSender) Send(ctx context.Context, reqs []*model.NotificationRequest) (*Result, error) {
	result := &Result{}
	templates := make(map[string]*model.Template)
	var (
		logs    []*model.DeliveryLog
		pending []string
	)
	for _, req := range reqs {
		tmpl, ok := templates[req.TemplateID]
		if !ok {
			t, err := s.templates.GetTemplateByID(ctx, req.TemplateID)
			if err != nil {
				return result, fmt.Errorf("load template %s: %w: %w", req.TemplateID, ErrTransport, err)
			}
			templates[req.TemplateID] = t
			tmpl = t
		}
		if tmpl == nil || !tmpl.IsActive {
			result.Failed = append(result.Failed, Failure{
				UserID: req.UserID,
				Reason: fmt.Sprintf("template %s is not active", req.TemplateID),
				Kind:   "template_inactive",
			})
			continue
		}

		validDays := req.ValidDays
		if validDays == 0 {
			validDays = tmpl.Metadata.ValidDays
		}
		logs = append(logs, &model.DeliveryLog{
			UserID:       req.UserID,
			CampaignID:   req.CampaignID,
			TemplateID:   tmpl.ID,
			TemplateName: tmpl.Name,
			Channel:      model.ChannelInApp,
			Title:        filler.Resolve(tmpl.Title, req.Fillers),
			Body:         filler.Resolve(tmpl.Body, req.Fillers),
			Expiry:       ExpiryFor(s.now(), validDays, tmpl.Metadata.ValidHours),
		})
		pending = append(pending, req.UserID)
	}

	if len(logs) > 0 {
		if err := s.logs.Insert(ctx, logs); err != nil {
			return result, fmt.Errorf("write delivery logs: %w: %w", ErrTransport, err)
		}
		result.Succeeded = append(result.Succeeded, pending...)
	}
	return result, nil
}

// ExpiryFor returns when an in-app message stops being shown: the end of the
// day validDays-1 days from now (today counts), then pushed out by
// validHours. Nil means no expiry.
func ExpiryFor(now time.Time, validDays int, validHours float64) *time.Time {
	if validDays <= 0 && validHours <= 0 {
		return nil
	}
	t := now
	if validDays > 0 {
		y, m, d := now.AddDate(0, 0, validDays-1).Date()
		t = time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), now.Location())
	}
	if validHours > 0 {
		whole := math.Floor(validHours)
		t = t.Add(time.Duration(whole) * time.Hour)
		t = t.Add(time.Duration((validHours - whole) * float64(time.Hour)))
	}
	return &t
}
