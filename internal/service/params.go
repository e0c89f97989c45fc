package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/config"
	"github.com/unclebandit/notification-campaigns/internal/repository"
)

// Parameter keys in the notification_params table.
const (
	ParamPublishBufferMinutes    = "CAMPAIGN_PUBLISH_BUFFER_MINUTES"
	ParamNotificationBatchSize   = "NOTIFICATION_BATCH_SIZE"
	ParamSheetProcessingInterval = "SHEET_PROCESSING_INTERVAL_MINUTES"
	ParamProcessSheetThreshold   = "PROCESS_SHEET_THRESHOLD_MINUTES"
	ParamPurgeQueueDays          = "PURGE_QUEUE_DAYS"
	ParamSendNotificationChannel = "SEND_NOTIFICATION_CHANNEL"
)

// Params reads runtime-tunable parameters, falling back to the configured
// defaults when a key is missing, unreadable or malformed.
type Params struct {
	Repo     repository.ParamRepositoryInterface
	Defaults config.Params
	Logger   *zap.Logger
}

func (p *Params) lookup(ctx context.Context, key string) (string, bool) {
	if p == nil || p.Repo == nil {
		return "", false
	}
	v, ok, err := p.Repo.Lookup(ctx, key)
	if err != nil {
		p.log().Warn("param lookup failed, using default", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return strings.TrimSpace(v), ok
}

func (p *Params) number(ctx context.Context, key string, def int) int {
	v, ok := p.lookup(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.log().Warn("invalid numeric param, using default", zap.String("key", key), zap.String("value", v))
		return def
	}
	return n
}

func (p *Params) PublishBuffer(ctx context.Context) time.Duration {
	return time.Duration(p.number(ctx, ParamPublishBufferMinutes, p.Defaults.PublishBufferMinutes)) * time.Minute
}

func (p *Params) BatchSize(ctx context.Context) int {
	n := p.number(ctx, ParamNotificationBatchSize, p.Defaults.NotificationBatchSize)
	if n <= 0 {
		return p.Defaults.NotificationBatchSize
	}
	return n
}

func (p *Params) ProcessingInterval(ctx context.Context) time.Duration {
	return time.Duration(p.number(ctx, ParamSheetProcessingInterval, p.Defaults.SheetProcessingIntervalMinutes)) * time.Minute
}

func (p *Params) ProcessThreshold(ctx context.Context) time.Duration {
	return time.Duration(p.number(ctx, ParamProcessSheetThreshold, p.Defaults.ProcessSheetThresholdMinutes)) * time.Minute
}

func (p *Params) PurgeDays(ctx context.Context) int {
	n := p.number(ctx, ParamPurgeQueueDays, p.Defaults.PurgeQueueDays)
	if n <= 0 {
		return p.Defaults.PurgeQueueDays
	}
	return n
}

// PushProvider is the push sub-channel used when a campaign names none.
func (p *Params) PushProvider(ctx context.Context) string {
	if v, ok := p.lookup(ctx, ParamSendNotificationChannel); ok && v != "" {
		return strings.ToUpper(v)
	}
	return p.Defaults.SendNotificationChannel
}

func (p *Params) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
