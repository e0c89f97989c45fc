package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/app"
	"github.com/unclebandit/notification-campaigns/internal/config"
	"github.com/unclebandit/notification-campaigns/internal/logger"
	"github.com/unclebandit/notification-campaigns/internal/service"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AMQP.URL == "" {
		log.Fatal("AMQP_URL is required for the worker")
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if config.GetEnv("WORKER_SWEEPS", "true") == "true" {
		interval := time.Duration(cfg.Params.SheetProcessingIntervalMinutes) * time.Minute
		go runSweeps(ctx, a.Service, interval, log)
	}

	log.Info("waiting for campaign triggers", zap.String("queue", cfg.AMQP.TriggerQueue))
	if err := a.AMQP.Consume(ctx, a.Service.HandleTrigger); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped", zap.Error(err))
	}
}

type sweeper interface {
	SweepPublish(ctx context.Context) (*service.SweepResult, error)
	SweepProcessing(ctx context.Context) (*service.SweepResult, error)
	Purge(ctx context.Context) (int64, error)
}

// runSweeps runs both sweeps every interval and the queue purge once a day
// until ctx is cancelled.
func runSweeps(ctx context.Context, s sweeper, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPurge time.Time
	for {
		if _, err := s.SweepPublish(ctx); err != nil {
			log.Error("publish sweep failed", zap.Error(err))
		}
		if _, err := s.SweepProcessing(ctx); err != nil {
			log.Error("processing sweep failed", zap.Error(err))
		}
		if time.Since(lastPurge) >= 24*time.Hour {
			if n, err := s.Purge(ctx); err != nil {
				log.Error("queue purge failed", zap.Error(err))
			} else {
				lastPurge = time.Now()
				log.Info("queue purged", zap.Int64("rows", n))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
