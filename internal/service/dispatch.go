package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/metrics"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/sender"
)

const systemActor = "system"

// DispatchReport summarizes one dispatch pass.
type DispatchReport struct {
	Batches   int `json:"batches"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
	NoOutcome int `json:"no_outcome"`
}

func passKey(kind string, campaignID int) string {
	return fmt.Sprintf("%s:%d", kind, campaignID)
}

// Publish starts a dispatch pass for an IN_PROGRESS campaign with a
// materialized queue and returns without waiting for it. The terminal
// status is written when the pass ends; a campaign stopped meanwhile stays
// STOPPED.
func (s *CampaignService) Publish(ctx context.Context, id int) (*PassHandle, error) {
	c, err := s.activeCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusInProgress {
		return nil, appErrors.NewConflict("campaign %d is %s, not %s", c.ID, c.Status, model.StatusInProgress)
	}
	if !c.IsDataProcessed {
		return nil, appErrors.NewConflict("campaign %d data is not processed yet", c.ID)
	}

	release, ok, err := s.Locks.TryAcquire(ctx, passKey("publish", c.ID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewConflict("a dispatch pass is already running for campaign %d", c.ID)
	}

	s.log(ctx).Info("publish accepted", zap.Int("campaign_id", c.ID))
	return s.runner.Go(ctx, c.ID, func(ctx context.Context) error {
		defer release()
		return s.publishPass(ctx, c)
	}), nil
}

func (s *CampaignService) publishPass(ctx context.Context, c *model.Campaign) error {
	start := time.Now()
	log := s.log(ctx).With(zap.Int("campaign_id", c.ID))

	report, err := s.dispatchSafely(ctx, c)
	to, result := model.StatusPublished, "success"
	if err != nil {
		to, result = model.StatusFailed, "failed"
		log.Error("dispatch pass failed", zap.Error(err), zap.Any("report", report))
	}
	metrics.RecordPass("publish", result, time.Since(start))

	changed, terr := s.CampaignRepo.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.StatusInProgress}, to, systemActor)
	if terr != nil {
		log.Error("failed to write terminal status", zap.String("status", string(to)), zap.Error(terr))
		if err == nil {
			err = terr
		}
		return err
	}
	if !changed {
		log.Warn("campaign left IN_PROGRESS during the pass, status kept", zap.String("wanted", string(to)))
		return err
	}
	metrics.RecordTransition(string(to))
	log.Info("dispatch pass finished",
		zap.String("status", string(to)),
		zap.Int("batches", report.Batches),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(start)),
	)
	return err
}

func (s *CampaignService) dispatchSafely(ctx context.Context, c *model.Campaign) (report *DispatchReport, err error) {
	report = &DispatchReport{}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch panicked: %v", p)
		}
	}()
	err = s.dispatch(ctx, c, report)
	return report, err
}

// dispatch drains the campaign queue batch by batch. Batches run strictly
// in sequence; a whole-batch transport error aborts the pass after the
// outcomes it did report are recorded.
func (s *CampaignService) dispatch(ctx context.Context, c *model.Campaign, report *DispatchReport) error {
	target := *c
	if target.Channel == model.ChannelPush && target.Metadata.SubChannel == "" {
		target.Metadata.SubChannel = s.Params.PushProvider(ctx)
	}
	snd, err := s.Senders.For(&target)
	if err != nil {
		return err
	}
	batchSize := s.Params.BatchSize(ctx)
	handled := make(map[int64]struct{})

	for {
		entries, err := s.QueueRepo.FetchUnprocessedBatch(ctx, c.ID, batchSize)
		if err != nil {
			return fmt.Errorf("fetch batch %d: %w", report.Batches+1, err)
		}
		if len(entries) == 0 {
			return nil
		}
		report.Batches++

		batch := make([]*model.NotificationQueueEntry, 0, len(entries))
		for _, e := range entries {
			if _, ok := handled[e.ID]; ok {
				continue
			}
			handled[e.ID] = struct{}{}
			batch = append(batch, e)
		}
		if len(batch) == 0 {
			return fmt.Errorf("batch %d held only entries already handled in this pass", report.Batches)
		}

		reqs := make([]*model.NotificationRequest, len(batch))
		for i, e := range batch {
			reqs[i] = buildRequest(c, e)
		}
		res, sendErr := snd.Send(ctx, reqs)
		if err := s.reconcile(ctx, c, batch, res, sendErr == nil, report); err != nil {
			return err
		}
		if sendErr != nil {
			return fmt.Errorf("batch %d: %w", report.Batches, sendErr)
		}
	}
}

func buildRequest(c *model.Campaign, e *model.NotificationQueueEntry) *model.NotificationRequest {
	return &model.NotificationRequest{
		QueueID:      e.ID,
		UserID:       e.UserID,
		CampaignID:   c.ID,
		TemplateID:   c.TemplateID,
		TemplateName: e.Metadata.TemplateName,
		Fillers:      e.Metadata.Fillers,
		PhoneNumber:  e.Metadata.PhoneNumber,
		Email:        e.Metadata.Email,
		ValidDays:    e.Metadata.ValidDays,
	}
}

// reconcile marks succeeded entries processed and failed ones inactive.
// When the sender completed the batch, recipients it reported nothing for
// are treated as failed.
func (s *CampaignService) reconcile(ctx context.Context, c *model.Campaign, batch []*model.NotificationQueueEntry, res *sender.Result, complete bool, report *DispatchReport) error {
	if res == nil {
		res = &sender.Result{}
	}
	byUser := make(map[string]*model.NotificationQueueEntry, len(batch))
	for _, e := range batch {
		byUser[e.UserID] = e
	}
	log := s.log(ctx).With(zap.Int("campaign_id", c.ID))

	seen := make(map[string]struct{}, len(batch))
	var (
		processed []int64
		inactive  []string
	)
	for _, uid := range res.Succeeded {
		e, ok := byUser[uid]
		if !ok {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		processed = append(processed, e.ID)
	}
	for _, f := range res.Failed {
		if _, ok := byUser[f.UserID]; !ok {
			continue
		}
		if _, dup := seen[f.UserID]; dup {
			continue
		}
		seen[f.UserID] = struct{}{}
		inactive = append(inactive, f.UserID)
		if f.Retryable {
			report.Retryable++
		}
		log.Debug("recipient failed",
			zap.String("user_id", f.UserID),
			zap.String("kind", f.Kind),
			zap.Bool("retryable", f.Retryable),
			zap.String("reason", f.Reason),
		)
	}
	if complete {
		for _, e := range batch {
			if _, ok := seen[e.UserID]; ok {
				continue
			}
			inactive = append(inactive, e.UserID)
			report.NoOutcome++
		}
	}

	if err := s.QueueRepo.MarkProcessed(ctx, c.ID, processed); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if err := s.QueueRepo.MarkInactive(ctx, c.ID, inactive); err != nil {
		return fmt.Errorf("mark inactive: %w", err)
	}
	report.Succeeded += len(processed)
	report.Failed += len(inactive)
	metrics.RecordSend(string(c.Channel), "succeeded", len(processed))
	metrics.RecordSend(string(c.Channel), "failed", len(inactive))
	log.Info("batch reconciled",
		zap.Int("batch", report.Batches),
		zap.Int("succeeded", len(processed)),
		zap.Int("failed", len(inactive)),
	)
	return nil
}
