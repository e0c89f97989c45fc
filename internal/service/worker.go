package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/trace"
)

// PassHandle tracks one detached publish or processing pass.
type PassHandle struct {
	CampaignID int
	done       chan struct{}
	err        error
}

// Done is closed when the pass has finished and its terminal status is written.
func (h *PassHandle) Done() <-chan struct{} { return h.done }

// Err is the pass outcome; only meaningful after Done is closed.
func (h *PassHandle) Err() error {
	<-h.done
	return h.err
}

// Wait blocks until the pass finishes or ctx ends.
func (h *PassHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PassRunner runs passes detached from the request that started them.
type PassRunner struct {
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewPassRunner(logger *zap.Logger) *PassRunner {
	return &PassRunner{logger: logger}
}

// Go starts fn on a context that keeps the trace id of ctx but not its
// cancellation, and returns immediately.
func (r *PassRunner) Go(ctx context.Context, campaignID int, fn func(ctx context.Context) error) *PassHandle {
	h := &PassHandle{CampaignID: campaignID, done: make(chan struct{})}
	detached := trace.Detach(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(h.done)
		defer func() {
			if p := recover(); p != nil {
				h.err = fmt.Errorf("pass for campaign %d panicked: %v", campaignID, p)
				r.logger.Error("pass panicked", zap.Int("campaign_id", campaignID), zap.Any("panic", p))
			}
		}()
		h.err = fn(detached)
	}()
	return h
}

// Wait blocks until every started pass has finished.
func (r *PassRunner) Wait() {
	r.wg.Wait()
}
