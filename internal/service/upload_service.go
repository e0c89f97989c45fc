package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/filler"
	"github.com/unclebandit/notification-campaigns/internal/metrics"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/sender"
	"github.com/unclebandit/notification-campaigns/internal/sheet"
)

// UploadModuleNotification is the bulk upload module for ad-hoc sends.
const UploadModuleNotification = "SEND_NOTIFICATION"

// UploadHandle is the result of validating an ad-hoc sheet. AccessKey is
// empty when no row passed validation.
type UploadHandle struct {
	AccessKey string              `json:"access_key,omitempty"`
	Result    *model.UploadResult `json:"result"`
}

// ValidateUpload validates an ad-hoc recipient sheet for channel and stages
// its success rows under a new access key.
func (s *CampaignService) ValidateUpload(ctx context.Context, channel model.Channel, data []byte, by string) (*UploadHandle, error) {
	if !channel.Valid() {
		return nil, appErrors.NewValidation("channel", "unsupported channel %q", channel)
	}
	rows, err := sheet.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, appErrors.NewValidation("file", "%v", err)
	}
	if len(rows) == 0 {
		return nil, appErrors.NewValidation("file", "recipient sheet has no rows")
	}
	result, err := s.Sheets.Validate(ctx, rows, sheet.ValidateOptions{Channel: channel})
	if err != nil {
		return nil, err
	}

	handle := &UploadHandle{Result: result}
	if len(result.SuccessRows) == 0 {
		return handle, nil
	}
	u := &model.Upload{
		AccessKey: uuid.NewString(),
		Module:    UploadModuleNotification,
		Channel:   channel,
		Status:    model.UploadStaged,
		Rows:      result.SuccessRows,
		CreatedBy: by,
		CreatedAt: s.Now(),
	}
	if err := s.UploadRepo.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	handle.AccessKey = u.AccessKey
	s.log(ctx).Info("upload staged",
		zap.String("access_key", u.AccessKey),
		zap.Int("success_rows", len(result.SuccessRows)),
		zap.Int("failed_rows", len(result.FailedRows)),
	)
	return handle, nil
}

// CommitUpload sends the staged rows of an upload. An upload commits at
// most once; a second call is a Conflict.
func (s *CampaignService) CommitUpload(ctx context.Context, accessKey string) (*sender.Result, error) {
	u, err := s.UploadRepo.Get(ctx, UploadModuleNotification, accessKey)
	if err != nil {
		return nil, err
	}
	reqs, err := s.uploadRequests(ctx, u)
	if err != nil {
		return nil, err
	}
	target := &model.Campaign{Channel: u.Channel}
	if u.Channel == model.ChannelPush {
		target.Metadata.SubChannel = s.Params.PushProvider(ctx)
	}
	snd, err := s.Senders.For(target)
	if err != nil {
		return nil, err
	}

	// Commit only once the send can start, so a missing template or sender
	// leaves the upload staged for another attempt.
	ok, err := s.UploadRepo.MarkCommitted(ctx, UploadModuleNotification, accessKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewConflict("upload %s is already committed", accessKey)
	}
	res, err := snd.Send(ctx, reqs)
	if res != nil {
		metrics.RecordSend(string(u.Channel), "succeeded", len(res.Succeeded))
		metrics.RecordSend(string(u.Channel), "failed", len(res.Failed))
	}
	if err != nil {
		return res, fmt.Errorf("send upload %s: %w", accessKey, err)
	}
	s.log(ctx).Info("upload committed",
		zap.String("access_key", accessKey),
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

func (s *CampaignService) uploadRequests(ctx context.Context, u *model.Upload) ([]*model.NotificationRequest, error) {
	names := make([]string, 0, len(u.Rows))
	ids := make([]string, 0, len(u.Rows))
	for _, row := range u.Rows {
		names = append(names, row.TemplateName)
		ids = append(ids, row.UserID)
	}
	templates, err := s.TemplateRepo.GetTemplatesByNameList(ctx, names, u.Channel)
	if err != nil {
		return nil, err
	}
	users, err := s.UserRepo.GetUsersByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	reqs := make([]*model.NotificationRequest, 0, len(u.Rows))
	for _, row := range u.Rows {
		tmpl, ok := templates[row.TemplateName]
		if !ok {
			return nil, appErrors.NewNotFound("template", row.TemplateName)
		}
		req := &model.NotificationRequest{
			UserID:       row.UserID,
			TemplateID:   tmpl.ID,
			TemplateName: tmpl.Name,
			Fillers:      filler.Lower(row.Fillers),
			ValidDays:    row.ValidDays,
		}
		if user, ok := users[row.UserID]; ok {
			req.PhoneNumber = user.PhoneNumber
			req.Email = user.Email
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
