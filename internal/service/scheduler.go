package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/metrics"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/queue"
	"github.com/unclebandit/notification-campaigns/internal/sheet"
)

// SweepResult lists the campaigns a sweep acted on.
type SweepResult struct {
	Campaigns []int `json:"campaigns"`
	Skipped   []int `json:"skipped,omitempty"`
}

// SweepPublish promotes SCHEDULED, data-processed campaigns due within the
// publish buffer to IN_PROGRESS and enqueues a publish trigger delayed until
// their schedule time.
func (s *CampaignService) SweepPublish(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() { metrics.RecordSweep("publish", time.Since(start)) }()

	now := s.Now()
	due, err := s.CampaignRepo.FindDueForPublish(ctx, now.Add(s.Params.PublishBuffer(ctx)))
	if err != nil {
		return nil, fmt.Errorf("find campaigns due for publish: %w", err)
	}

	result := &SweepResult{Campaigns: []int{}}
	for _, c := range due {
		log := s.log(ctx).With(zap.Int("campaign_id", c.ID))
		changed, err := s.CampaignRepo.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.StatusScheduled}, model.StatusInProgress, systemActor)
		if err != nil {
			log.Error("failed to promote campaign", zap.Error(err))
			result.Skipped = append(result.Skipped, c.ID)
			continue
		}
		if !changed {
			result.Skipped = append(result.Skipped, c.ID)
			continue
		}
		metrics.RecordTransition(string(model.StatusInProgress))

		delay := time.Duration(0)
		if c.ScheduleTime != nil && c.ScheduleTime.After(now) {
			delay = c.ScheduleTime.Sub(now)
		}
		t := queue.Trigger{Kind: queue.KindPublish, CampaignID: c.ID}
		if err := s.Triggers.Enqueue(ctx, t, delay); err != nil {
			log.Error("failed to enqueue publish trigger", zap.Error(err))
		}
		log.Info("campaign promoted", zap.Duration("publish_in", delay))
		result.Campaigns = append(result.Campaigns, c.ID)
	}
	return result, nil
}

// SweepProcessing enqueues materialization for SCHEDULED campaigns without
// a queue whose schedule time falls inside the look-ahead window.
func (s *CampaignService) SweepProcessing(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() { metrics.RecordSweep("processing", time.Since(start)) }()

	now := s.Now()
	until := now.Add(s.Params.ProcessThreshold(ctx) + s.Params.ProcessingInterval(ctx))
	due, err := s.CampaignRepo.FindDueForProcessing(ctx, now, until)
	if err != nil {
		return nil, fmt.Errorf("find campaigns due for processing: %w", err)
	}

	result := &SweepResult{Campaigns: []int{}}
	for _, c := range due {
		t := queue.Trigger{Kind: queue.KindProcess, CampaignID: c.ID}
		if err := s.Triggers.Enqueue(ctx, t, 0); err != nil {
			s.log(ctx).Error("failed to enqueue process trigger", zap.Int("campaign_id", c.ID), zap.Error(err))
			result.Skipped = append(result.Skipped, c.ID)
			continue
		}
		result.Campaigns = append(result.Campaigns, c.ID)
	}
	return result, nil
}

// ProcessCampaignData materializes the campaign sheet into the notification
// queue. A campaign already processed is left alone. Failure marks the
// campaign FAILED. With publishNow an IN_PROGRESS campaign is published
// right after.
func (s *CampaignService) ProcessCampaignData(ctx context.Context, id int, publishNow bool) (*model.MaterializeReport, error) {
	c, err := s.activeCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusScheduled && c.Status != model.StatusInProgress {
		return nil, appErrors.NewInvalidTransition(string(c.Status), "process")
	}
	log := s.log(ctx).With(zap.Int("campaign_id", c.ID))

	var report *model.MaterializeReport
	if !c.IsDataProcessed {
		release, ok, err := s.Locks.TryAcquire(ctx, passKey("process", c.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, appErrors.NewConflict("campaign %d is already being processed", c.ID)
		}
		report, err = s.materialize(ctx, c)
		release()
		if err != nil {
			log.Error("materialization failed", zap.Error(err))
			s.failCampaign(ctx, c)
			return nil, err
		}
		c.IsDataProcessed = true
	}

	if publishNow && c.Status == model.StatusInProgress {
		if _, err := s.Publish(ctx, c.ID); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *CampaignService) materialize(ctx context.Context, c *model.Campaign) (*model.MaterializeReport, error) {
	start := time.Now()
	tmpl, err := s.TemplateRepo.GetTemplateByID(ctx, c.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", c.TemplateID, err)
	}
	data, err := s.Storage.Download(ctx, c.Metadata.SheetURL)
	if err != nil {
		return nil, fmt.Errorf("download sheet: %w", err)
	}
	rows, err := sheet.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse sheet: %w", err)
	}
	report, err := s.Sheets.Materialize(ctx, c, tmpl, rows, s.QueueRepo)
	if err != nil {
		metrics.RecordPass("process", "failed", time.Since(start))
		return nil, err
	}
	if err := s.CampaignRepo.SetDataProcessed(ctx, c.ID, true); err != nil {
		return nil, err
	}
	metrics.RecordPass("process", "success", time.Since(start))
	return report, nil
}

func (s *CampaignService) failCampaign(ctx context.Context, c *model.Campaign) {
	changed, err := s.CampaignRepo.TransitionStatus(ctx, c.ID,
		[]model.CampaignStatus{model.StatusScheduled, model.StatusInProgress}, model.StatusFailed, systemActor)
	if err != nil {
		s.log(ctx).Error("failed to mark campaign FAILED", zap.Int("campaign_id", c.ID), zap.Error(err))
		return
	}
	if changed {
		metrics.RecordTransition(string(model.StatusFailed))
	}
}

// Purge deletes processed queue entries older than the retention period and
// returns how many were removed.
func (s *CampaignService) Purge(ctx context.Context) (int64, error) {
	days := s.Params.PurgeDays(ctx)
	before := s.Now().AddDate(0, 0, -days)
	n, err := s.QueueRepo.PurgeProcessedOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	s.log(ctx).Info("queue purged", zap.Int64("deleted", n), zap.Int("retention_days", days))
	return n, nil
}

// HandleTrigger runs one trigger from the delayed trigger queue. Triggers
// that no longer apply are dropped rather than retried; a publish trigger
// returns once its pass has finished.
func (s *CampaignService) HandleTrigger(ctx context.Context, t queue.Trigger) error {
	log := s.log(ctx).With(zap.Int("campaign_id", t.CampaignID), zap.String("kind", string(t.Kind)))

	var err error
	switch t.Kind {
	case queue.KindPublish:
		var h *PassHandle
		h, err = s.Publish(ctx, t.CampaignID)
		if err == nil {
			if perr := h.Wait(ctx); perr != nil {
				log.Warn("publish pass ended with error", zap.Error(perr))
			}
		}
	case queue.KindProcess:
		_, err = s.ProcessCampaignData(ctx, t.CampaignID, t.PublishNow)
	default:
		log.Warn("unknown trigger dropped")
		return nil
	}
	if err == nil || !retryable(err) {
		if err != nil {
			log.Info("trigger dropped", zap.Error(err))
		}
		return nil
	}
	return err
}

// retryable reports whether a trigger failure may succeed on redelivery.
// Materialization failures have already marked the campaign FAILED.
func retryable(err error) bool {
	var (
		notFound   *appErrors.ErrCampaignNotFound
		missing    *appErrors.NotFoundError
		conflict   *appErrors.ConflictError
		validation *appErrors.ValidationError
		contract   *appErrors.ContractError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &missing),
		errors.As(err, &conflict), errors.As(err, &validation),
		errors.As(err, &contract):
		return false
	}
	return true
}
