package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/breaker"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

// GatewaySender posts one request per recipient to an HTTP delivery gateway.
type GatewaySender struct {
	name        string
	url         string
	client      *http.Client
	timeout     time.Duration
	concurrency int
	silent      bool
	breaker     *breaker.Breaker
	logger      *zap.Logger
}

type GatewayOptions struct {
	Name        string
	URL         string
	Timeout     time.Duration
	Concurrency int
	// Silent asks the gateway for a data-only push without a visible alert.
	Silent  bool
	Client  *http.Client
	Breaker *breaker.Breaker
}

func NewGatewaySender(opts GatewayOptions, logger *zap.Logger) *GatewaySender {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Breaker == nil {
		cfg := breaker.DefaultConfig()
		cfg.IsFailure = GatewayFailure
		opts.Breaker = breaker.New(cfg)
	}
	return &GatewaySender{
		name:        opts.Name,
		url:         opts.URL,
		client:      opts.Client,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		silent:      opts.Silent,
		breaker:     opts.Breaker,
		logger:      logger,
	}
}

type gatewayPayload struct {
	*model.NotificationRequest
	Silent bool `json:"silent,omitempty"`
}

func (s *GatewaySender) Send(ctx context.Context, reqs []*model.NotificationRequest) (*Result, error) {
	if s.breaker.State() == breaker.StateOpen {
		return nil, fmt.Errorf("%s gateway: %w: %w", s.name, ErrTransport, breaker.ErrOpen)
	}
	result, err := SendAll(ctx, reqs, s.concurrency, s.sendOne)
	if err != nil {
		s.logger.Warn("gateway batch aborted",
			zap.String("gateway", s.name),
			zap.Int("succeeded", len(result.Succeeded)),
			zap.Error(err),
		)
	}
	return result, err
}

func (s *GatewaySender) sendOne(ctx context.Context, req *model.NotificationRequest) error {
	body, err := json.Marshal(gatewayPayload{NotificationRequest: req, Silent: s.silent})
	if err != nil {
		return &RecipientError{Kind: "encode_error", Reason: err.Error()}
	}

	err = s.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	})

	if errors.Is(err, breaker.ErrOpen) {
		return fmt.Errorf("%s gateway: %w: %w", s.name, ErrTransport, err)
	}
	return err
}

// GatewayFailure reports whether err says something about gateway health.
// A recipient rejected with a 4xx does not.
func GatewayFailure(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return true
}
