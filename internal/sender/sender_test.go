package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/breaker"
	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

type stubSender struct{ name string }

func (s *stubSender) Send(context.Context, []*model.NotificationRequest) (*Result, error) {
	return &Result{}, nil
}

func requests(ids ...string) []*model.NotificationRequest {
	out := make([]*model.NotificationRequest, len(ids))
	for i, id := range ids {
		out[i] = &model.NotificationRequest{UserID: id, CampaignID: 1, TemplateID: "t1", Fillers: map[string]string{"name": id}}
	}
	return out
}

func TestRegistryFor(t *testing.T) {
	r := NewRegistry(model.SubChannelClevertap)
	sms := &stubSender{name: "sms"}
	clevertap := &stubSender{name: "clevertap"}
	onesignalSilent := &stubSender{name: "onesignal-silent"}
	r.Register(Key{Channel: model.ChannelSMS}, sms)
	r.Register(Key{Channel: model.ChannelPush, SubChannel: model.SubChannelClevertap}, clevertap)
	r.Register(Key{Channel: model.ChannelPush, SubChannel: model.SubChannelOnesignal, Silent: true}, onesignalSilent)

	got, err := r.For(&model.Campaign{Channel: model.ChannelSMS, Metadata: model.CampaignMetadata{SubChannel: "ignored"}})
	require.NoError(t, err)
	require.Same(t, sms, got)

	got, err = r.For(&model.Campaign{Channel: model.ChannelPush})
	require.NoError(t, err)
	require.Same(t, clevertap, got)

	got, err = r.For(&model.Campaign{Channel: model.ChannelPush, Metadata: model.CampaignMetadata{SubChannel: model.SubChannelOnesignal, Silent: true}})
	require.NoError(t, err)
	require.Same(t, onesignalSilent, got)

	_, err = r.For(&model.Campaign{Channel: model.ChannelCall})
	var contract *appErrors.ContractError
	require.ErrorAs(t, err, &contract)
}

func TestSendAllCollectsOutcomes(t *testing.T) {
	res, err := SendAll(context.Background(), requests("a", "b", "c"), 2, func(_ context.Context, req *model.NotificationRequest) error {
		if req.UserID == "b" {
			return &StatusError{Code: http.StatusBadRequest, Body: "invalid number"}
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(res.Succeeded)
	assert.Equal(t, []string{"a", "c"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, Failure{UserID: "b", Reason: "gateway returned 400: invalid number", Kind: "rejected"}, res.Failed[0])
}

func TestSendAllTransportErrorAbortsBatch(t *testing.T) {
	res, err := SendAll(context.Background(), requests("a", "b"), 1, func(_ context.Context, req *model.NotificationRequest) error {
		if req.UserID == "b" {
			return ErrTransport
		}
		return nil
	})
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, []string{"a"}, res.Succeeded)
	assert.Empty(t, res.Failed)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		kind      string
	}{
		{&StatusError{Code: 503}, true, "gateway_error"},
		{&StatusError{Code: 429}, true, "rate_limited"},
		{&StatusError{Code: 404}, false, "rejected"},
		{context.DeadlineExceeded, true, "timeout"},
		{&RecipientError{Kind: "no_phone", Reason: "x"}, false, "no_phone"},
		{errors.New("???"), false, "unknown_error"},
	}
	for _, tc := range cases {
		retryable, kind := Classify(tc.err)
		assert.Equal(t, tc.retryable, retryable, tc.err.Error())
		assert.Equal(t, tc.kind, kind, tc.err.Error())
	}
}

func TestGatewaySender(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["silent"])
		if body["user_id"] == "bad" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte("unknown device"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewGatewaySender(GatewayOptions{Name: "pn", URL: srv.URL, Concurrency: 4, Silent: true, Timeout: time.Second}, zap.NewNop())
	res, err := s.Send(context.Background(), requests("a", "bad", "c"))
	require.NoError(t, err)
	sort.Strings(res.Succeeded)
	assert.Equal(t, []string{"a", "c"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.False(t, res.Failed[0].Retryable)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, breaker.StateClosed, s.breaker.State())
}

func TestGatewaySenderOpenCircuitFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := breaker.New(breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Hour, HalfOpenMaxRequests: 1, IsFailure: GatewayFailure})
	s := NewGatewaySender(GatewayOptions{Name: "sms", URL: srv.URL, Concurrency: 1, Breaker: cb}, zap.NewNop())

	res, err := s.Send(context.Background(), requests("a", "b", "c"))
	require.ErrorIs(t, err, ErrTransport)
	require.Len(t, res.Failed, 2)
	assert.True(t, res.Failed[0].Retryable)

	_, err = s.Send(context.Background(), requests("d"))
	require.ErrorIs(t, err, ErrTransport)
}

type fakeTemplates map[string]*model.Template

func (f fakeTemplates) GetTemplateByID(_ context.Context, id string) (*model.Template, error) {
	return f[id], nil
}

type fakeLogs struct {
	logs []*model.DeliveryLog
	err  error
}

func (f *fakeLogs) Insert(_ context.Context, logs []*model.DeliveryLog) error {
	if f.err != nil {
		return f.err
	}
	f.logs = append(f.logs, logs...)
	return nil
}

func TestInAppSender(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)
	templates := fakeTemplates{
		"t1": {ID: "t1", Name: "welcome", Title: "Hi ${name}", Body: "Offer ends ${when default('soon')}", IsActive: true, Metadata: model.TemplateMetadata{ValidDays: 2}},
	}
	logs := &fakeLogs{}
	s := NewInAppSender(templates, logs, zap.NewNop())
	s.now = func() time.Time { return now }

	res, err := s.Send(context.Background(), requests("u1", "u2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, res.Succeeded)
	require.Len(t, logs.logs, 2)
	assert.Equal(t, "Hi u1", logs.logs[0].Title)
	assert.Equal(t, "Offer ends soon", logs.logs[0].Body)
	require.NotNil(t, logs.logs[0].Expiry)
	assert.Equal(t, time.Date(2026, 5, 11, 23, 59, 59, int(999*time.Millisecond), time.UTC), *logs.logs[0].Expiry)

	logs.err = errors.New("db down")
	_, err = s.Send(context.Background(), requests("u3"))
	require.ErrorIs(t, err, ErrTransport)
}

func TestExpiryFor(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	require.Nil(t, ExpiryFor(now, 0, 0))
	require.Equal(t, now.Add(90*time.Minute), *ExpiryFor(now, 0, 1.5))
}
