// Package sender delivers notification batches to channel transports and
// reports per-recipient outcomes.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

// Failure describes one recipient the sender could not deliver to.
type Failure struct {
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// Result is the per-recipient outcome of one batch.
type Result struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Sender delivers one batch. A non-nil error means the batch as a whole
// could not be delivered; the result may still carry outcomes for recipients
// handled before the failure.
type Sender interface {
	Send(ctx context.Context, reqs []*model.NotificationRequest) (*Result, error)
}

// ErrTransport marks a whole-batch delivery failure.
var ErrTransport = errors.New("transport unavailable")

type Key struct {
	Channel    model.Channel
	SubChannel string
	Silent     bool
}

// Registry selects the sender for a campaign.
type Registry struct {
	senders           map[Key]Sender
	defaultSubChannel string
}

func NewRegistry(defaultPushProvider string) *Registry {
	return &Registry{senders: make(map[Key]Sender), defaultSubChannel: defaultPushProvider}
}

func (r *Registry) Register(key Key, s Sender) {
	r.senders[key] = s
}

// For picks the sender by channel; push campaigns additionally select the
// provider (sub-channel) and the silent variant.
func (r *Registry) For(c *model.Campaign) (Sender, error) {
	key := Key{Channel: c.Channel}
	if c.Channel == model.ChannelPush {
		key.SubChannel = c.Metadata.SubChannel
		if key.SubChannel == "" {
			key.SubChannel = r.defaultSubChannel
		}
		key.Silent = c.Metadata.Silent
	}
	s, ok := r.senders[key]
	if !ok {
		return nil, appErrors.NewContract("no sender for channel %s (sub-channel %q, silent %t)", key.Channel, key.SubChannel, key.Silent)
	}
	return s, nil
}

// SendAll calls send for every request with at most limit in flight and
// waits for all of them. Per-request errors become classified failures;
// any error wrapping ErrTransport is also returned so the caller can abort.
func SendAll(ctx context.Context, reqs []*model.NotificationRequest, limit int, send func(context.Context, *model.NotificationRequest) error) (*Result, error) {
	var (
		mu       sync.Mutex
		result   = &Result{}
		batchErr error
	)
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			err := send(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				result.Succeeded = append(result.Succeeded, req.UserID)
				return nil
			}
			if errors.Is(err, ErrTransport) {
				if batchErr == nil {
					batchErr = err
				}
				return nil
			}
			retryable, kind := Classify(err)
			result.Failed = append(result.Failed, Failure{
				UserID:    req.UserID,
				Reason:    err.Error(),
				Kind:      kind,
				Retryable: retryable,
			})
			return nil
		})
	}
	_ = g.Wait()
	if batchErr != nil {
		return result, fmt.Errorf("batch aborted: %w", batchErr)
	}
	return result, nil
}
