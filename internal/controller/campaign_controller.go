package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/logger"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/sender"
	"github.com/unclebandit/notification-campaigns/internal/service"
)

const (
	maxSheetBytes = 32 << 20
	actorHeader   = "X-User-Email"
)

// CampaignAPI is the part of the campaign service the HTTP layer calls.
type CampaignAPI interface {
	CreateCampaign(ctx context.Context, in service.CreateCampaignInput) (*service.CampaignResult, error)
	UpdateCampaign(ctx context.Context, id int, in service.UpdateCampaignInput) (*service.CampaignResult, error)
	StopCampaign(ctx context.Context, id int, by string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, page, limit int, filter model.CampaignFilter) (*service.CampaignPage, error)
	GetCampaignDetails(ctx context.Context, id int) (*service.CampaignDetails, error)
	RenderPreview(ctx context.Context, campaignID int, userID string, extra map[string]string, overrideBody *string) (*service.Preview, error)
	Publish(ctx context.Context, id int) (*service.PassHandle, error)
	SweepPublish(ctx context.Context) (*service.SweepResult, error)
	SweepProcessing(ctx context.Context) (*service.SweepResult, error)
	ProcessCampaignData(ctx context.Context, id int, publishNow bool) (*model.MaterializeReport, error)
	Purge(ctx context.Context) (int64, error)
	ValidateUpload(ctx context.Context, channel model.Channel, data []byte, by string) (*service.UploadHandle, error)
	CommitUpload(ctx context.Context, accessKey string) (*sender.Result, error)
}

type CampaignController struct {
	CampaignService CampaignAPI
	Logger          *zap.Logger
}

// Routes mounts the campaign and upload endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Post("/publish/sweep", c.SweepPublish)
		r.Post("/publish/{id}", c.Publish)
		r.Post("/data/process", c.SweepProcessing)
		r.Post("/data/process/{id}", c.ProcessCampaignData)
		r.Post("/queue/purge", c.Purge)
		r.Get("/{id}", c.GetCampaignDetails)
		r.Put("/{id}", c.UpdateCampaign)
		r.Post("/{id}/stop", c.StopCampaign)
		r.Post("/{id}/preview", c.PersonalizedPreview)
	})
	r.Post("/uploads/validate", c.ValidateUpload)
	r.Post("/uploads/{key}/commit", c.CommitUpload)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		UserID           string            `json:"user_id"`
		Fillers          map[string]string `json:"fillers"`
		OverrideTemplate *string           `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.writeError(w, r, appErrors.NewValidation("body", "invalid body"))
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		c.writeError(w, r, appErrors.NewValidation("user_id", "is required"))
		return
	}

	preview, err := c.CampaignService.RenderPreview(r.Context(), id, body.UserID, body.Fillers, body.OverrideTemplate)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxSheetBytes); err != nil {
		c.writeError(w, r, appErrors.NewValidation("body", "expected multipart form: %v", err))
		return
	}
	schedule, err := formTime(r, "schedule_time")
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	fillers, err := formFillers(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	name, data, err := formSheet(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	res, err := c.CampaignService.CreateCampaign(r.Context(), service.CreateCampaignInput{
		Name:         r.FormValue("name"),
		TemplateID:   r.FormValue("template_id"),
		Channel:      model.Channel(strings.ToUpper(r.FormValue("channel"))),
		Status:       model.CampaignStatus(strings.ToUpper(r.FormValue("status"))),
		ScheduleTime: schedule,
		Fillers:      fillers,
		SubChannel:   strings.ToUpper(r.FormValue("sub_channel")),
		Silent:       r.FormValue("silent") == "true",
		CreatedBy:    r.Header.Get(actorHeader),
		SheetName:    name,
		Sheet:        data,
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if res.Campaign == nil {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxSheetBytes); err != nil {
		c.writeError(w, r, appErrors.NewValidation("body", "expected multipart form: %v", err))
		return
	}
	in := service.UpdateCampaignInput{
		Action:    model.UpdateAction(strings.ToUpper(r.FormValue("status"))),
		UpdatedBy: r.Header.Get(actorHeader),
	}
	if v := r.FormValue("name"); v != "" {
		in.Name = &v
	}
	if v := r.FormValue("channel"); v != "" {
		ch := model.Channel(strings.ToUpper(v))
		in.Channel = &ch
	}
	if _, ok := r.MultipartForm.Value["sub_channel"]; ok {
		v := strings.ToUpper(r.FormValue("sub_channel"))
		in.SubChannel = &v
	}
	if v := r.FormValue("silent"); v != "" {
		silent := v == "true"
		in.Silent = &silent
	}
	var err error
	if in.ScheduleTime, err = formTime(r, "schedule_time"); err != nil {
		c.writeError(w, r, err)
		return
	}
	if in.Fillers, err = formFillers(r); err != nil {
		c.writeError(w, r, err)
		return
	}
	if len(r.MultipartForm.File["file"]) > 0 {
		if in.SheetName, in.Sheet, err = formSheet(r); err != nil {
			c.writeError(w, r, err)
			return
		}
	}

	res, err := c.CampaignService.UpdateCampaign(r.Context(), id, in)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if res.Campaign == nil {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) StopCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.StopCampaign(r.Context(), id, r.Header.Get(actorHeader))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	result, err := c.CampaignService.ListCampaigns(r.Context(), page, limit, model.CampaignFilter{
		Search:  q.Get("search"),
		Channel: model.Channel(strings.ToUpper(q.Get("channel"))),
		Status:  model.CampaignStatus(strings.ToUpper(q.Get("status"))),
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	details, err := c.CampaignService.GetCampaignDetails(r.Context(), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// Publish accepts the request and leaves the pass running; the outcome is
// visible through later status queries.
func (c *CampaignController) Publish(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	if _, err := c.CampaignService.Publish(r.Context(), id); err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "status": "accepted"})
}

func (c *CampaignController) SweepPublish(w http.ResponseWriter, r *http.Request) {
	res, err := c.CampaignService.SweepPublish(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) SweepProcessing(w http.ResponseWriter, r *http.Request) {
	res, err := c.CampaignService.SweepProcessing(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) ProcessCampaignData(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	publishNow, _ := strconv.ParseBool(r.URL.Query().Get("publishNow"))
	report, err := c.CampaignService.ProcessCampaignData(r.Context(), id, publishNow)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "report": report})
}

func (c *CampaignController) Purge(w http.ResponseWriter, r *http.Request) {
	n, err := c.CampaignService.Purge(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (c *CampaignController) ValidateUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxSheetBytes); err != nil {
		c.writeError(w, r, appErrors.NewValidation("body", "expected multipart form: %v", err))
		return
	}
	_, data, err := formSheet(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	channel := model.Channel(strings.ToUpper(r.FormValue("channel")))
	handle, err := c.CampaignService.ValidateUpload(r.Context(), channel, data, r.Header.Get(actorHeader))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (c *CampaignController) CommitUpload(w http.ResponseWriter, r *http.Request) {
	res, err := c.CampaignService.CommitUpload(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		c.writeError(w, r, appErrors.NewValidation("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (c *CampaignController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && c.Logger != nil {
		logger.WithTrace(r.Context(), c.Logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	body := map[string]any{"error": err.Error()}
	var validation *appErrors.ValidationError
	if errors.As(err, &validation) && validation.Field != "" {
		body["field"] = validation.Field
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func formTime(r *http.Request, field string) (*time.Time, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, appErrors.NewValidation(field, "must be RFC3339")
	}
	return &t, nil
}

func formFillers(r *http.Request) (map[string]string, error) {
	v := strings.TrimSpace(r.FormValue("fillers"))
	if v == "" {
		return nil, nil
	}
	var fillers map[string]string
	if err := json.Unmarshal([]byte(v), &fillers); err != nil {
		return nil, appErrors.NewValidation("fillers", "must be a JSON object of strings")
	}
	return fillers, nil
}

func formSheet(r *http.Request) (string, []byte, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, appErrors.NewValidation("file", "recipient sheet is required")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxSheetBytes))
	if err != nil {
		return "", nil, fmt.Errorf("read sheet: %w", err)
	}
	return header.Filename, data, nil
}
