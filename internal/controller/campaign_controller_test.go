package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/notification-campaigns/internal/controller"
	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/sender"
	"github.com/unclebandit/notification-campaigns/internal/service"
)

// MockCampaignService records inputs and returns canned results.
type MockCampaignService struct {
	created    service.CreateCampaignInput
	updated    service.UpdateCampaignInput
	createRes  *service.CampaignResult
	filter     model.CampaignFilter
	page       int
	limit      int
	publishErr error
	commitErr  error
	detailsErr error
	publishNow bool
}

func (m *MockCampaignService) CreateCampaign(_ context.Context, in service.CreateCampaignInput) (*service.CampaignResult, error) {
	m.created = in
	return m.createRes, nil
}

func (m *MockCampaignService) UpdateCampaign(_ context.Context, id int, in service.UpdateCampaignInput) (*service.CampaignResult, error) {
	m.updated = in
	return &service.CampaignResult{Campaign: &model.Campaign{ID: id, Status: model.StatusScheduled}}, nil
}

func (m *MockCampaignService) StopCampaign(_ context.Context, id int, _ string) (*model.Campaign, error) {
	return &model.Campaign{ID: id, Status: model.StatusStopped}, nil
}

func (m *MockCampaignService) ListCampaigns(_ context.Context, page, limit int, filter model.CampaignFilter) (*service.CampaignPage, error) {
	m.page, m.limit, m.filter = page, limit, filter
	return &service.CampaignPage{Data: []*model.Campaign{{ID: 7}}, PageNo: 1, PageSize: 20, Total: 1, Pages: 1}, nil
}

func (m *MockCampaignService) GetCampaignDetails(_ context.Context, id int) (*service.CampaignDetails, error) {
	if m.detailsErr != nil {
		return nil, m.detailsErr
	}
	return &service.CampaignDetails{Campaign: &model.Campaign{ID: id}, Stats: &model.QueueStats{Total: 2, Pending: 2}}, nil
}

func (m *MockCampaignService) RenderPreview(_ context.Context, id int, userID string, _ map[string]string, _ *string) (*service.Preview, error) {
	return &service.Preview{CampaignID: id, UserID: userID, Body: "Hi Asha"}, nil
}

func (m *MockCampaignService) Publish(_ context.Context, id int) (*service.PassHandle, error) {
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	return &service.PassHandle{CampaignID: id}, nil
}

func (m *MockCampaignService) SweepPublish(context.Context) (*service.SweepResult, error) {
	return &service.SweepResult{Campaigns: []int{1, 2}}, nil
}

func (m *MockCampaignService) SweepProcessing(context.Context) (*service.SweepResult, error) {
	return &service.SweepResult{Campaigns: []int{}}, nil
}

func (m *MockCampaignService) ProcessCampaignData(_ context.Context, _ int, publishNow bool) (*model.MaterializeReport, error) {
	m.publishNow = publishNow
	return &model.MaterializeReport{Rows: 1, Queued: 1}, nil
}

func (m *MockCampaignService) Purge(context.Context) (int64, error) { return 4, nil }

func (m *MockCampaignService) ValidateUpload(_ context.Context, _ model.Channel, _ []byte, _ string) (*service.UploadHandle, error) {
	return &service.UploadHandle{AccessKey: "k1", Result: &model.UploadResult{}}, nil
}

func (m *MockCampaignService) CommitUpload(context.Context, string) (*sender.Result, error) {
	if m.commitErr != nil {
		return nil, m.commitErr
	}
	return &sender.Result{Succeeded: []string{"u1"}}, nil
}

func newRouter(svc *MockCampaignService) http.Handler {
	r := chi.NewRouter()
	ctrl := &controller.CampaignController{CampaignService: svc}
	ctrl.Routes(r)
	return r
}

func multipartBody(t *testing.T, fields map[string]string, sheet string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if sheet != "" {
		fw, err := mw.CreateFormFile("file", "recipients.csv")
		require.NoError(t, err)
		_, err = fw.Write([]byte(sheet))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateCampaign(t *testing.T) {
	svc := &MockCampaignService{createRes: &service.CampaignResult{Campaign: &model.Campaign{ID: 3, Status: model.StatusScheduled}}}
	body, ct := multipartBody(t, map[string]string{
		"name":          "Spring",
		"template_id":   "tpl-1",
		"channel":       "sms",
		"status":        "scheduled",
		"schedule_time": "2026-03-02T12:00:00Z",
		"fillers":       `{"code":"X1"}`,
	}, "User Id\nu1\n")
	req := httptest.NewRequest(http.MethodPost, "/campaigns", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-User-Email", "ops@example.com")

	w := do(t, newRouter(svc), req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, model.ChannelSMS, svc.created.Channel)
	assert.Equal(t, model.StatusScheduled, svc.created.Status)
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), *svc.created.ScheduleTime)
	assert.Equal(t, map[string]string{"code": "X1"}, svc.created.Fillers)
	assert.Equal(t, "ops@example.com", svc.created.CreatedBy)
	assert.Equal(t, "recipients.csv", svc.created.SheetName)
	assert.Equal(t, "User Id\nu1\n", string(svc.created.Sheet))
}

func TestCreateCampaign_FailedRows(t *testing.T) {
	svc := &MockCampaignService{createRes: &service.CampaignResult{Upload: &model.UploadResult{
		FailedRows: []*model.RecipientRow{{Line: 2, UserID: "u9"}},
	}}}
	body, ct := multipartBody(t, map[string]string{"name": "Spring", "channel": "SMS"}, "User Id\nu9\n")
	req := httptest.NewRequest(http.MethodPost, "/campaigns", body)
	req.Header.Set("Content-Type", ct)

	w := do(t, newRouter(svc), req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp["campaign"])
	assert.NotNil(t, resp["upload"])
}

func TestCreateCampaign_BadInput(t *testing.T) {
	svc := &MockCampaignService{}

	body, ct := multipartBody(t, map[string]string{"name": "Spring"}, "")
	req := httptest.NewRequest(http.MethodPost, "/campaigns", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, newRouter(svc), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"file"`)

	body, ct = multipartBody(t, map[string]string{"schedule_time": "tomorrow"}, "User Id\nu1\n")
	req = httptest.NewRequest(http.MethodPost, "/campaigns", body)
	req.Header.Set("Content-Type", ct)
	w = do(t, newRouter(svc), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateCampaign_WithoutSheet(t *testing.T) {
	svc := &MockCampaignService{}
	body, ct := multipartBody(t, map[string]string{"status": "postpone", "schedule_time": "2026-03-02T12:00:00Z"}, "")
	req := httptest.NewRequest(http.MethodPut, "/campaigns/5", body)
	req.Header.Set("Content-Type", ct)

	w := do(t, newRouter(svc), req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.ActionPostpone, svc.updated.Action)
	assert.Nil(t, svc.updated.Sheet)
	assert.Nil(t, svc.updated.SubChannel)
	assert.Nil(t, svc.updated.Name)
}

func TestPublish(t *testing.T) {
	svc := &MockCampaignService{}
	w := do(t, newRouter(svc), httptest.NewRequest(http.MethodPost, "/campaigns/publish/9", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"campaign_id":9,"status":"accepted"}`, w.Body.String())

	svc.publishErr = appErrors.NewConflict("campaign 9 is SCHEDULED, not IN_PROGRESS")
	w = do(t, newRouter(svc), httptest.NewRequest(http.MethodPost, "/campaigns/publish/9", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSweepsAndPurge(t *testing.T) {
	svc := &MockCampaignService{}
	h := newRouter(svc)

	w := do(t, h, httptest.NewRequest(http.MethodPost, "/campaigns/publish/sweep", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"campaigns":[1,2]}`, w.Body.String())

	w = do(t, h, httptest.NewRequest(http.MethodPost, "/campaigns/data/process", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, httptest.NewRequest(http.MethodPost, "/campaigns/data/process/4?publishNow=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.publishNow)

	w = do(t, h, httptest.NewRequest(http.MethodPost, "/campaigns/queue/purge", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":4}`, w.Body.String())
}

func TestGetCampaignDetails(t *testing.T) {
	svc := &MockCampaignService{}
	w := do(t, newRouter(svc), httptest.NewRequest(http.MethodGet, "/campaigns/3", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stats":{"total":2,"processed":0,"pending":2,"inactive":0}`)

	svc.detailsErr = appErrors.NewCampaignNotFound(3)
	w = do(t, newRouter(svc), httptest.NewRequest(http.MethodGet, "/campaigns/3", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, newRouter(svc), httptest.NewRequest(http.MethodGet, "/campaigns/abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListCampaigns(t *testing.T) {
	svc := &MockCampaignService{}
	w := do(t, newRouter(svc), httptest.NewRequest(http.MethodGet, "/campaigns?page=2&limit=50&search=spr&channel=in_app&status=draft", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, svc.page)
	assert.Equal(t, 50, svc.limit)
	assert.Equal(t, model.CampaignFilter{Search: "spr", Channel: model.ChannelInApp, Status: model.StatusDraft}, svc.filter)
}

func TestPersonalizedPreview(t *testing.T) {
	svc := &MockCampaignService{}
	req := httptest.NewRequest(http.MethodPost, "/campaigns/1/preview", strings.NewReader(`{"user_id":"u1"}`))
	w := do(t, newRouter(svc), req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"body":"Hi Asha"`)

	req = httptest.NewRequest(http.MethodPost, "/campaigns/1/preview", strings.NewReader(`{}`))
	w = do(t, newRouter(svc), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploads(t *testing.T) {
	svc := &MockCampaignService{}
	h := newRouter(svc)

	body, ct := multipartBody(t, map[string]string{"channel": "SMS"}, "User Id\nu1\n")
	req := httptest.NewRequest(http.MethodPost, "/uploads/validate", body)
	req.Header.Set("Content-Type", ct)
	w := do(t, h, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"access_key":"k1"`)

	w = do(t, h, httptest.NewRequest(http.MethodPost, "/uploads/k1/commit", nil))
	require.Equal(t, http.StatusOK, w.Code)

	svc.commitErr = appErrors.NewConflict("upload k1 is already committed")
	w = do(t, h, httptest.NewRequest(http.MethodPost, "/uploads/k1/commit", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopCampaign(t *testing.T) {
	w := do(t, newRouter(&MockCampaignService{}), httptest.NewRequest(http.MethodPost, "/campaigns/2/stop", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"STOPPED"`)
}
