package service

import (
	"context"
	"strings"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/filler"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

// Preview is a campaign template rendered for one user.
type Preview struct {
	CampaignID int    `json:"campaign_id"`
	UserID     string `json:"user_id"`
	TemplateID string `json:"template_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// RenderPreview renders the campaign template for userID. overrideBody, when
// non-empty, replaces the template body. Placeholders resolve from the
// extra fillers, then campaign fillers, then user fields, then the
// template's embedded defaults.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID int, userID string, extra map[string]string, overrideBody *string) (*Preview, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	user, err := s.UserRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, appErrors.NewNotFound("user", userID)
	}
	tmpl, err := s.TemplateRepo.GetTemplateByID(ctx, campaign.TemplateID)
	if err != nil {
		return nil, err
	}

	body := tmpl.Body
	if overrideBody != nil && strings.TrimSpace(*overrideBody) != "" {
		body = *overrideBody
	}
	fillers := personalize(tmpl.Title, body, campaign.Metadata.Fillers, extra, user)

	return &Preview{
		CampaignID: campaign.ID,
		UserID:     user.ID,
		TemplateID: tmpl.ID,
		Title:      filler.Resolve(tmpl.Title, fillers),
		Body:       filler.Resolve(body, fillers),
	}, nil
}

// personalize builds the filler map for one user. Keys the fillers do not
// cover fall back to the matching user field; an empty field reads "User".
func personalize(title, body string, common, extra map[string]string, user *model.User) map[string]string {
	out := filler.Lower(common)
	for k, v := range filler.Lower(extra) {
		out[k] = v
	}
	for _, key := range filler.ExtractKeys(title, body) {
		if _, ok := out[key]; ok {
			continue
		}
		if v, ok := user.Field(strings.TrimPrefix(key, "user.")); ok {
			if v == "" {
				v = "User"
			}
			out[key] = v
		}
	}
	return out
}
