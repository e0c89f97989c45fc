package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/trace"
)

var ErrClosed = errors.New("queue closed")

// InMemoryQueue is a process-local TriggerQueue with delayed delivery and
// retry with linear backoff. Pending timers are lost on restart; the periodic
// sweeps recover anything that was due.
type InMemoryQueue struct {
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration

	mu      sync.Mutex
	handler Handler
	timers  map[*time.Timer]struct{}
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		logger:     logger,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		timers:     make(map[*time.Timer]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe sets the handler that receives every trigger.
func (q *InMemoryQueue) Subscribe(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Trigger, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.handler == nil {
		return errors.New("no subscriber for campaign triggers")
	}
	if delay < 0 {
		delay = 0
	}

	traceID := trace.FromContext(ctx)
	q.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.mu.Lock()
		delete(q.timers, timer)
		h := q.handler
		q.mu.Unlock()
		q.process(trace.WithContext(q.ctx, traceID), h, t)
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *InMemoryQueue) process(ctx context.Context, h Handler, t Trigger) {
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * q.backoff):
			}
		}
		err := h(ctx, t)
		if err == nil {
			return
		}
		q.logger.Warn("trigger failed",
			zap.String("trigger", t.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	q.logger.Error("trigger dropped after retries", zap.String("trigger", t.String()))
}

// Close stops pending timers and waits for running handlers.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for timer := range q.timers {
		if timer.Stop() {
			q.wg.Done()
		}
		delete(q.timers, timer)
	}
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
