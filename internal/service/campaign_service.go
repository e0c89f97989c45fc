package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/lock"
	"github.com/unclebandit/notification-campaigns/internal/logger"
	"github.com/unclebandit/notification-campaigns/internal/metrics"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/queue"
	"github.com/unclebandit/notification-campaigns/internal/repository"
	"github.com/unclebandit/notification-campaigns/internal/sender"
	"github.com/unclebandit/notification-campaigns/internal/sheet"
	"github.com/unclebandit/notification-campaigns/internal/storage"
)

const expireLogBatchSize = 500

// Deps are the collaborators of CampaignService.
type Deps struct {
	CampaignRepo repository.CampaignRepositoryInterface
	QueueRepo    repository.NotificationQueueRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	UserRepo     repository.UserRepositoryInterface
	LogRepo      repository.DeliveryLogRepositoryInterface
	UploadRepo   repository.UploadRepositoryInterface
	Sheets       *sheet.Processor
	Storage      storage.ObjectStore
	Triggers     queue.TriggerQueue
	Senders      *sender.Registry
	Params       *Params
	Locks        lock.PassLock
	Logger       *zap.Logger
	Now          func() time.Time
}

// CampaignService owns the campaign lifecycle: admission, operator actions,
// sheet materialization, sweeps and dispatch passes.
type CampaignService struct {
	Deps
	runner *PassRunner
}

func NewCampaignService(d Deps) *CampaignService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locks == nil {
		d.Locks = lock.NewLocalPassLock()
	}
	return &CampaignService{Deps: d, runner: NewPassRunner(d.Logger)}
}

// Wait blocks until all detached passes started by the service finish.
func (s *CampaignService) Wait() { s.runner.Wait() }

func (s *CampaignService) log(ctx context.Context) *zap.Logger {
	return logger.WithTrace(ctx, s.Logger)
}

// CreateCampaignInput is a new campaign plus its recipient sheet.
type CreateCampaignInput struct {
	Name         string
	TemplateID   string
	Channel      model.Channel
	Status       model.CampaignStatus
	ScheduleTime *time.Time
	Fillers      map[string]string
	SubChannel   string
	Silent       bool
	CreatedBy    string
	SheetName    string
	Sheet        []byte
}

// CampaignResult carries either the saved campaign or, when the sheet has
// invalid rows, the validation payload and no campaign.
type CampaignResult struct {
	Campaign *model.Campaign    `json:"campaign"`
	Upload   *model.UploadResult `json:"upload,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats *model.QueueStats `json:"stats"`
}

type CampaignPage struct {
	Data     []*model.Campaign `json:"data"`
	PageNo   int               `json:"page_no"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
	Pages    int               `json:"pages"`
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*CampaignResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	if !in.Channel.Valid() {
		return nil, appErrors.NewValidation("channel", "unsupported channel %q", in.Channel)
	}
	if err := validateSubChannel(in.Channel, in.SubChannel); err != nil {
		return nil, err
	}

	now := s.Now()
	c := &model.Campaign{
		Name:         in.Name,
		TemplateID:   in.TemplateID,
		Channel:      in.Channel,
		ScheduleTime: in.ScheduleTime,
		IsActive:     true,
		CreatedBy:    in.CreatedBy,
		Metadata: model.CampaignMetadata{
			Fillers:    in.Fillers,
			SubChannel: in.SubChannel,
			Silent:     in.Silent,
		},
	}
	switch in.Status {
	case model.StatusSendNow:
		c.Status = model.StatusInProgress
		c.ScheduleTime = &now
	case model.StatusScheduled:
		if in.ScheduleTime == nil {
			return nil, appErrors.NewValidation("schedule_time", "is required for a scheduled campaign")
		}
		c.Status = model.StatusScheduled
	case model.StatusDraft, "":
		c.Status = model.StatusDraft
	default:
		return nil, appErrors.NewValidation("status", "must be one of DRAFT, SCHEDULED, SEND_NOW")
	}
	if c.Status != model.StatusInProgress && c.ScheduleTime != nil {
		if err := s.validateScheduleTime(ctx, *c.ScheduleTime); err != nil {
			return nil, err
		}
	}

	if err := s.ensureUnique(ctx, c, 0); err != nil {
		return nil, err
	}

	tmpl, err := s.campaignTemplate(ctx, c)
	if err != nil {
		return nil, err
	}
	upload, err := s.validateSheet(ctx, c, tmpl, in.Sheet)
	if err != nil {
		return nil, err
	}
	if upload.HasFailures() {
		return &CampaignResult{Upload: upload}, nil
	}

	url, err := s.Storage.Upload(ctx, in.SheetName, bytes.NewReader(in.Sheet))
	if err != nil {
		return nil, fmt.Errorf("failed to store sheet: %w", err)
	}
	c.Metadata.SheetURL = url

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(c.Status))
	s.log(ctx).Info("campaign created",
		zap.Int("campaign_id", c.ID),
		zap.String("status", string(c.Status)),
		zap.Int("rows", len(upload.SuccessRows)),
	)

	s.scheduleProcessing(ctx, c)
	return &CampaignResult{Campaign: c, Upload: upload}, nil
}

// UpdateCampaignInput changes a DRAFT or SCHEDULED campaign. Nil fields are
// left unchanged.
type UpdateCampaignInput struct {
	Action       model.UpdateAction
	Name         *string
	Channel      *model.Channel
	SubChannel   *string
	ScheduleTime *time.Time
	Fillers      map[string]string
	Silent       *bool
	UpdatedBy    string
	SheetName    string
	Sheet        []byte
}

func (s *CampaignService) UpdateCampaign(ctx context.Context, id int, in UpdateCampaignInput) (*CampaignResult, error) {
	c, err := s.activeCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
		return nil, appErrors.NewInvalidTransition(string(c.Status), "update")
	}
	switch in.Action {
	case model.ActionDraft, model.ActionPostpone, model.ActionSendNow, model.ActionStop:
	default:
		return nil, appErrors.NewValidation("status", "must be one of DRAFT, POSTPONE, SEND_NOW, STOP")
	}

	if in.Name != nil && strings.TrimSpace(*in.Name) != "" {
		c.Name = strings.TrimSpace(*in.Name)
	}
	if in.Channel != nil && *in.Channel != c.Channel {
		if !in.Channel.Valid() {
			return nil, appErrors.NewValidation("channel", "unsupported channel %q", *in.Channel)
		}
		c.Channel = *in.Channel
	}
	if in.SubChannel != nil {
		c.Metadata.SubChannel = *in.SubChannel
	}
	if err := validateSubChannel(c.Channel, c.Metadata.SubChannel); err != nil {
		return nil, err
	}
	if in.ScheduleTime != nil && (c.ScheduleTime == nil || !in.ScheduleTime.Equal(*c.ScheduleTime)) {
		if err := s.validateScheduleTime(ctx, *in.ScheduleTime); err != nil {
			return nil, err
		}
		t := *in.ScheduleTime
		c.ScheduleTime = &t
	}
	if in.Action == model.ActionPostpone {
		// A postpone re-checks the final time even when it equals the stored one.
		if c.ScheduleTime == nil {
			return nil, appErrors.NewValidation("schedule_time", "is required to postpone")
		}
		if err := s.validateScheduleTime(ctx, *c.ScheduleTime); err != nil {
			return nil, err
		}
	}
	if in.Fillers != nil {
		c.Metadata.Fillers = in.Fillers
	}
	if in.Silent != nil {
		c.Metadata.Silent = *in.Silent
	}
	c.UpdatedBy = in.UpdatedBy

	if err := s.ensureUnique(ctx, c, c.ID); err != nil {
		return nil, err
	}
	tmpl, err := s.campaignTemplate(ctx, c)
	if err != nil {
		return nil, err
	}

	var upload *model.UploadResult
	if len(in.Sheet) > 0 {
		upload, err = s.validateSheet(ctx, c, tmpl, in.Sheet)
		if err != nil {
			return nil, err
		}
		if upload.HasFailures() {
			return &CampaignResult{Upload: upload}, nil
		}
		url, err := s.Storage.Upload(ctx, in.SheetName, bytes.NewReader(in.Sheet))
		if err != nil {
			return nil, fmt.Errorf("failed to store sheet: %w", err)
		}
		if _, err := s.QueueRepo.DeleteUnprocessed(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("failed to clear queue for new sheet: %w", err)
		}
		c.Metadata.SheetURL = url
		c.IsDataProcessed = false
	}

	switch in.Action {
	case model.ActionDraft:
		c.Status = model.StatusDraft
	case model.ActionPostpone:
		c.Status = model.StatusScheduled
	}

	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}

	switch in.Action {
	case model.ActionSendNow:
		c, err = s.SendNow(ctx, c.ID, in.UpdatedBy)
	case model.ActionStop:
		c, err = s.StopCampaign(ctx, c.ID, in.UpdatedBy)
	case model.ActionPostpone:
		metrics.RecordTransition(string(c.Status))
		s.scheduleProcessing(ctx, c)
	}
	if err != nil {
		return nil, err
	}
	return &CampaignResult{Campaign: c, Upload: upload}, nil
}

// PostponeCampaign moves a DRAFT or SCHEDULED campaign to SCHEDULED at t.
func (s *CampaignService) PostponeCampaign(ctx context.Context, id int, t time.Time, by string) (*model.Campaign, error) {
	res, err := s.UpdateCampaign(ctx, id, UpdateCampaignInput{Action: model.ActionPostpone, ScheduleTime: &t, UpdatedBy: by})
	if err != nil {
		return nil, err
	}
	return res.Campaign, nil
}

// SendNow requests immediate dispatch from any status. A campaign whose
// queue is not materialized yet is processed first.
func (s *CampaignService) SendNow(ctx context.Context, id int, by string) (*model.Campaign, error) {
	c, err := s.activeCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	c.Status = model.StatusInProgress
	c.ScheduleTime = &now
	c.UpdatedBy = by
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(c.Status))

	t := queue.Trigger{Kind: queue.KindPublish, CampaignID: c.ID}
	if !c.IsDataProcessed {
		t = queue.Trigger{Kind: queue.KindProcess, CampaignID: c.ID, PublishNow: true}
	}
	if err := s.Triggers.Enqueue(ctx, t, 0); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", t, err)
	}
	s.log(ctx).Info("campaign sent now", zap.Int("campaign_id", c.ID), zap.String("trigger", string(t.Kind)))
	return c, nil
}

// StopCampaign soft-deletes a DRAFT and stops a SCHEDULED or IN_PROGRESS
// campaign. In-app deliveries already made are expired. A pass already
// running is not interrupted.
func (s *CampaignService) StopCampaign(ctx context.Context, id int, by string) (*model.Campaign, error) {
	c, err := s.activeCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	log := s.log(ctx).With(zap.Int("campaign_id", c.ID))

	switch c.Status {
	case model.StatusDraft:
		if err := s.CampaignRepo.SetActive(ctx, c.ID, false, by); err != nil {
			return nil, err
		}
		c.IsActive = false
		log.Info("draft campaign deactivated")
		return c, nil
	case model.StatusScheduled, model.StatusInProgress:
	default:
		return nil, appErrors.NewInvalidTransition(string(c.Status), "stop")
	}

	if c.Channel == model.ChannelInApp {
		n, err := s.LogRepo.ExpireByCampaign(ctx, c.ID, s.Now(), expireLogBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to expire in-app logs: %w", err)
		}
		log.Info("in-app logs expired", zap.Int64("count", n))
	}
	if err := s.CampaignRepo.UpdateStatus(ctx, c.ID, model.StatusStopped, by); err != nil {
		return nil, err
	}
	c.Status = model.StatusStopped
	metrics.RecordTransition(string(c.Status))
	log.Info("campaign stopped")
	return c, nil
}

func (s *CampaignService) ListCampaigns(ctx context.Context, page, limit int, filter model.CampaignFilter) (*CampaignPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	campaigns, total, err := s.CampaignRepo.ListCampaigns(ctx, (page-1)*limit, limit, filter)
	if err != nil {
		return nil, err
	}
	return &CampaignPage{
		Data:     campaigns,
		PageNo:   page,
		PageSize: limit,
		Total:    total,
		Pages:    (total + limit - 1) / limit,
	}, nil
}

func (s *CampaignService) GetCampaignDetails(ctx context.Context, id int) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.QueueRepo.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// validateScheduleTime rejects schedule times that are not strictly more
// than the publish buffer ahead of now.
func (s *CampaignService) validateScheduleTime(ctx context.Context, t time.Time) error {
	buffer := s.Params.PublishBuffer(ctx)
	if !t.After(s.Now().Add(buffer)) {
		return appErrors.NewValidation("schedule_time", "should be at least %d minutes from now", int(buffer/time.Minute))
	}
	return nil
}

func (s *CampaignService) ensureUnique(ctx context.Context, c *model.Campaign, excludeID int) error {
	key := model.CampaignKey{Name: c.Name, Channel: c.Channel}
	if c.Status != model.StatusInProgress {
		key.ScheduleTime = c.ScheduleTime
	}
	dup, err := s.CampaignRepo.FindActiveDuplicate(ctx, key, excludeID)
	if err != nil {
		return err
	}
	if dup != nil {
		return appErrors.NewConflict("campaign already exists (id %d, status %s)", dup.ID, dup.Status)
	}
	return nil
}

func (s *CampaignService) campaignTemplate(ctx context.Context, c *model.Campaign) (*model.Template, error) {
	if c.TemplateID == "" {
		return nil, appErrors.NewValidation("template_id", "is required")
	}
	tmpl, err := s.TemplateRepo.GetTemplateByID(ctx, c.TemplateID)
	var notFound *appErrors.NotFoundError
	if errors.As(err, &notFound) {
		return nil, appErrors.NewValidation("template_id", "template %s not found", c.TemplateID)
	}
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return nil, appErrors.NewValidation("template_id", "template %s is not active", c.TemplateID)
	}
	if tmpl.Channel != c.Channel {
		return nil, appErrors.NewValidation("template_id", "template %s is for channel %s, not %s", tmpl.ID, tmpl.Channel, c.Channel)
	}
	return tmpl, nil
}

func (s *CampaignService) validateSheet(ctx context.Context, c *model.Campaign, tmpl *model.Template, data []byte) (*model.UploadResult, error) {
	if len(data) == 0 {
		return nil, appErrors.NewValidation("file", "recipient sheet is required")
	}
	rows, err := sheet.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, appErrors.NewValidation("file", "%v", err)
	}
	if len(rows) == 0 {
		return nil, appErrors.NewValidation("file", "recipient sheet has no rows")
	}
	return s.Sheets.Validate(ctx, rows, sheet.ValidateOptions{
		Channel:           c.Channel,
		DefaultTemplate:   tmpl.Name,
		OnlyTemplate:      tmpl.Name,
		CommonFillers:     c.Metadata.Fillers,
		DirectoryFallback: true,
	})
}

// scheduleProcessing asks for early materialization of campaigns that are
// due soon or sent now. Anything else is left to the processing sweep.
func (s *CampaignService) scheduleProcessing(ctx context.Context, c *model.Campaign) {
	var t queue.Trigger
	switch {
	case c.Status == model.StatusInProgress:
		t = queue.Trigger{Kind: queue.KindProcess, CampaignID: c.ID, PublishNow: true}
	case c.Status == model.StatusScheduled && c.ScheduleTime != nil &&
		c.ScheduleTime.Before(s.Now().Add(s.Params.ProcessThreshold(ctx))):
		t = queue.Trigger{Kind: queue.KindProcess, CampaignID: c.ID}
	default:
		return
	}
	if err := s.Triggers.Enqueue(ctx, t, 0); err != nil {
		s.log(ctx).Error("failed to enqueue process trigger",
			zap.Int("campaign_id", c.ID),
			zap.Error(err),
		)
	}
}

func (s *CampaignService) activeCampaign(ctx context.Context, id int) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func validateSubChannel(ch model.Channel, sub string) error {
	if sub == "" {
		return nil
	}
	if ch != model.ChannelPush {
		return appErrors.NewValidation("sub_channel", "only push campaigns take a sub-channel")
	}
	switch sub {
	case model.SubChannelClevertap, model.SubChannelOnesignal:
		return nil
	}
	return appErrors.NewValidation("sub_channel", "unsupported push provider %q", sub)
}
