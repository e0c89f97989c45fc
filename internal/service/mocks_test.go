package service_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/config"
	appErrors "github.com/unclebandit/notification-campaigns/internal/errors"
	"github.com/unclebandit/notification-campaigns/internal/model"
	"github.com/unclebandit/notification-campaigns/internal/queue"
	"github.com/unclebandit/notification-campaigns/internal/sender"
	"github.com/unclebandit/notification-campaigns/internal/service"
	"github.com/unclebandit/notification-campaigns/internal/sheet"
	"github.com/unclebandit/notification-campaigns/internal/storage"
)

// Mock campaign repository
type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[int]*model.Campaign
	nextID    int
}

func NewMockCampaignRepo() *MockCampaignRepo {
	return &MockCampaignRepo{campaigns: map[int]*model.Campaign{}, nextID: 1}
}

func (m *MockCampaignRepo) put(c *model.Campaign) {
	cp := *c
	m.campaigns[c.ID] = &cp
}

// Seed stores c as-is, assigning an id when it has none.
func (m *MockCampaignRepo) Seed(c *model.Campaign) *model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.nextID
	}
	if c.ID >= m.nextID {
		m.nextID = c.ID + 1
	}
	m.put(c)
	return c
}

func (m *MockCampaignRepo) Get(id int) *model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (m *MockCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextID
	m.nextID++
	c.CreatedAt = time.Now()
	m.put(c)
	return nil
}

func (m *MockCampaignRepo) Update(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	m.put(c)
	return nil
}

func (m *MockCampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	if c := m.Get(id); c != nil {
		return c, nil
	}
	return nil, appErrors.NewCampaignNotFound(id)
}

func (m *MockCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, _ model.CampaignFilter) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.campaigns {
		if c.IsActive {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

func (m *MockCampaignRepo) FindActiveDuplicate(_ context.Context, key model.CampaignKey, excludeID int) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.ID == excludeID || !c.IsActive || c.Status.Terminal() {
			continue
		}
		if c.Name != key.Name || c.Channel != key.Channel {
			continue
		}
		if key.ScheduleTime != nil && (c.ScheduleTime == nil || !c.ScheduleTime.Equal(*key.ScheduleTime)) {
			continue
		}
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *MockCampaignRepo) TransitionStatus(_ context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *MockCampaignRepo) UpdateStatus(_ context.Context, id int, status model.CampaignStatus, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	return nil
}

func (m *MockCampaignRepo) SetActive(_ context.Context, id int, active bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.IsActive = active
	return nil
}

func (m *MockCampaignRepo) SetDataProcessed(_ context.Context, id int, processed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.IsDataProcessed = processed
	return nil
}

func (m *MockCampaignRepo) FindDueForPublish(_ context.Context, until time.Time) ([]*model.Campaign, error) {
	return m.filter(func(c *model.Campaign) bool {
		return c.Status == model.StatusScheduled && c.IsActive && c.IsDataProcessed &&
			c.ScheduleTime != nil && !c.ScheduleTime.After(until)
	}), nil
}

func (m *MockCampaignRepo) FindDueForProcessing(_ context.Context, from, until time.Time) ([]*model.Campaign, error) {
	return m.filter(func(c *model.Campaign) bool {
		return c.Status == model.StatusScheduled && c.IsActive && !c.IsDataProcessed &&
			c.ScheduleTime != nil && c.ScheduleTime.After(from) && !c.ScheduleTime.After(until)
	}), nil
}

func (m *MockCampaignRepo) filter(keep func(*model.Campaign) bool) []*model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.campaigns {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mock notification queue
type MockQueueRepo struct {
	mu      sync.Mutex
	entries []*model.NotificationQueueEntry
	nextID  int64

	// ignoreMarks makes MarkProcessed and MarkInactive no-ops.
	ignoreMarks bool
	fetched     [][]int64
}

func (m *MockQueueRepo) Seed(campaignID int, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range userIDs {
		m.nextID++
		m.entries = append(m.entries, &model.NotificationQueueEntry{
			ID:         m.nextID,
			CampaignID: campaignID,
			UserID:     uid,
			IsActive:   true,
			Metadata:   model.QueueMetadata{UserID: uid, Fillers: map[string]string{"name": uid}},
			CreatedAt:  time.Now(),
		})
	}
}

func (m *MockQueueRepo) Append(_ context.Context, entries []*model.NotificationQueueEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, e := range entries {
		if m.find(e.CampaignID, e.UserID) != nil {
			continue
		}
		m.nextID++
		cp := *e
		cp.ID = m.nextID
		cp.CreatedAt = time.Now()
		m.entries = append(m.entries, &cp)
		inserted++
	}
	return inserted, nil
}

func (m *MockQueueRepo) find(campaignID int, userID string) *model.NotificationQueueEntry {
	for _, e := range m.entries {
		if e.CampaignID == campaignID && e.UserID == userID {
			return e
		}
	}
	return nil
}

func (m *MockQueueRepo) FetchUnprocessedBatch(_ context.Context, campaignID, limit int) ([]*model.NotificationQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		out []*model.NotificationQueueEntry
		ids []int64
	)
	for _, e := range m.entries {
		if e.CampaignID != campaignID || e.IsProcessed || !e.IsActive {
			continue
		}
		cp := *e
		out = append(out, &cp)
		ids = append(ids, e.ID)
		if len(out) == limit {
			break
		}
	}
	m.fetched = append(m.fetched, ids)
	return out, nil
}

func (m *MockQueueRepo) MarkProcessed(_ context.Context, campaignID int, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ignoreMarks {
		return nil
	}
	set := map[int64]bool{}
	for _, id := range ids {
		set[id] = true
	}
	for _, e := range m.entries {
		if e.CampaignID == campaignID && set[e.ID] {
			e.IsProcessed = true
		}
	}
	return nil
}

func (m *MockQueueRepo) MarkInactive(_ context.Context, campaignID int, userIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ignoreMarks {
		return nil
	}
	for _, uid := range userIDs {
		if e := m.find(campaignID, uid); e != nil && !e.IsProcessed {
			e.IsActive = false
		}
	}
	return nil
}

func (m *MockQueueRepo) PurgeProcessedOlderThan(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.NotificationQueueEntry
	var n int64
	for _, e := range m.entries {
		if e.IsProcessed && e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *MockQueueRepo) DeleteUnprocessed(_ context.Context, campaignID int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*model.NotificationQueueEntry
	var n int64
	for _, e := range m.entries {
		if e.CampaignID == campaignID && !e.IsProcessed && e.IsActive {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *MockQueueRepo) Stats(_ context.Context, campaignID int) (*model.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &model.QueueStats{}
	for _, e := range m.entries {
		if e.CampaignID != campaignID {
			continue
		}
		s.Total++
		switch {
		case e.IsProcessed:
			s.Processed++
		case !e.IsActive:
			s.Inactive++
		default:
			s.Pending++
		}
	}
	return s, nil
}

// Snapshot returns processed and inactive user ids of a campaign.
func (m *MockQueueRepo) Snapshot(campaignID int) (processed, inactive []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.CampaignID != campaignID {
			continue
		}
		if e.IsProcessed {
			processed = append(processed, e.UserID)
		}
		if !e.IsActive {
			inactive = append(inactive, e.UserID)
		}
	}
	return processed, inactive
}

func (m *MockQueueRepo) Fetched() [][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]int64(nil), m.fetched...)
}

// Mock templates
type MockTemplateRepo struct {
	templates map[string]*model.Template
}

func (m *MockTemplateRepo) GetTemplateByID(_ context.Context, id string) (*model.Template, error) {
	if t, ok := m.templates[id]; ok {
		return t, nil
	}
	return nil, appErrors.NewNotFound("template", id)
}

func (m *MockTemplateRepo) GetTemplateByName(_ context.Context, name string) (*model.Template, error) {
	for _, t := range m.templates {
		if t.Name == name && t.IsActive {
			return t, nil
		}
	}
	return nil, appErrors.NewNotFound("template", name)
}

func (m *MockTemplateRepo) GetTemplatesByNameList(_ context.Context, names []string, channel model.Channel) (map[string]*model.Template, error) {
	out := map[string]*model.Template{}
	for _, n := range names {
		for _, t := range m.templates {
			if t.Name == n && (channel == "" || t.Channel == channel) {
				out[n] = t
			}
		}
	}
	return out, nil
}

// Mock user directory
type MockUserRepo struct {
	users map[string]*model.User
	err   error
}

func (m *MockUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	return m.users[id], nil
}

func (m *MockUserRepo) GetUsersByID(_ context.Context, ids []string) (map[string]*model.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]*model.User{}
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// Mock delivery logs
type MockLogRepo struct {
	mu   sync.Mutex
	logs []*model.DeliveryLog
}

func (m *MockLogRepo) Insert(_ context.Context, logs []*model.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
	return nil
}

func (m *MockLogRepo) ExpireByCampaign(_ context.Context, campaignID int, at time.Time, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.logs {
		if l.CampaignID == campaignID && (l.Expiry == nil || l.Expiry.After(at)) {
			t := at
			l.Expiry = &t
			n++
		}
	}
	return n, nil
}

// Mock bulk uploads
type MockUploadRepo struct {
	mu      sync.Mutex
	uploads map[string]*model.Upload
}

func (m *MockUploadRepo) Save(_ context.Context, u *model.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploads == nil {
		m.uploads = map[string]*model.Upload{}
	}
	m.uploads[u.AccessKey] = u
	return nil
}

func (m *MockUploadRepo) Get(_ context.Context, module, key string) (*model.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[key]
	if !ok || u.Module != module {
		return nil, appErrors.NewNotFound("upload", key)
	}
	return u, nil
}

func (m *MockUploadRepo) MarkCommitted(_ context.Context, module, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[key]
	if !ok || u.Module != module || u.Status != model.UploadStaged {
		return false, nil
	}
	u.Status = model.UploadCommitted
	return true, nil
}

// Mock runtime params
type MockParamRepo struct {
	values map[string]string
}

func (m *MockParamRepo) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

// Mock trigger queue: records instead of delivering.
type enqueued struct {
	Trigger queue.Trigger
	Delay   time.Duration
}

type MockTriggerQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (m *MockTriggerQueue) Enqueue(_ context.Context, t queue.Trigger, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, enqueued{Trigger: t, Delay: delay})
	return nil
}

func (m *MockTriggerQueue) Items() []enqueued {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]enqueued(nil), m.items...)
}

// MockSender answers each batch with fn; the default succeeds everyone.
type MockSender struct {
	mu      sync.Mutex
	batches [][]string
	fn      func(batch int, reqs []*model.NotificationRequest) (*sender.Result, error)
}

func (m *MockSender) Send(_ context.Context, reqs []*model.NotificationRequest) (*sender.Result, error) {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.UserID
	}
	m.mu.Lock()
	m.batches = append(m.batches, ids)
	n := len(m.batches)
	m.mu.Unlock()

	if m.fn != nil {
		return m.fn(n, reqs)
	}
	return &sender.Result{Succeeded: ids}, nil
}

func (m *MockSender) Batches() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.batches...)
}

type fixture struct {
	svc       *service.CampaignService
	campaigns *MockCampaignRepo
	queue     *MockQueueRepo
	templates *MockTemplateRepo
	users     *MockUserRepo
	logs      *MockLogRepo
	uploads   *MockUploadRepo
	params    *MockParamRepo
	triggers  *MockTriggerQueue
	sms       *MockSender
	inApp     *MockSender
	push      *MockSender
	store     *storage.FileStore
	now       time.Time
}

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

const smsSheet = "User Id,Template Name,Fillers,Valid days\n" +
	"u1,welcome,code:111,\n" +
	"u2,,code:222,\n" +
	"u3,welcome,code:333,\n"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		campaigns: NewMockCampaignRepo(),
		queue:     &MockQueueRepo{},
		templates: &MockTemplateRepo{templates: map[string]*model.Template{
			"tpl-sms": {ID: "tpl-sms", Name: "welcome", Channel: model.ChannelSMS, Body: "Hi ${name}, your code is ${code}", IsActive: true},
			"tpl-app": {ID: "tpl-app", Name: "inbox", Channel: model.ChannelInApp, Title: "Hello ${name}", Body: "Offer ${offer? default('inside')}", IsActive: true},
			"tpl-pn":  {ID: "tpl-pn", Name: "promo", Channel: model.ChannelPush, Body: "Sale for ${name}", IsActive: true},
		}},
		users: &MockUserRepo{users: map[string]*model.User{
			"u1": {ID: "u1", Name: "Asha", PhoneNumber: "+254700000001"},
			"u2": {ID: "u2", Name: "Ben", PhoneNumber: "+254700000002"},
			"u3": {ID: "u3", Name: "", PhoneNumber: "+254700000003"},
		}},
		logs:     &MockLogRepo{},
		uploads:  &MockUploadRepo{},
		params:   &MockParamRepo{values: map[string]string{}},
		triggers: &MockTriggerQueue{},
		sms:      &MockSender{},
		inApp:    &MockSender{},
		push:     &MockSender{},
		store:    store,
		now:      baseTime,
	}

	registry := sender.NewRegistry(model.SubChannelClevertap)
	registry.Register(sender.Key{Channel: model.ChannelSMS}, f.sms)
	registry.Register(sender.Key{Channel: model.ChannelInApp}, f.inApp)
	registry.Register(sender.Key{Channel: model.ChannelPush, SubChannel: model.SubChannelClevertap}, f.push)

	f.svc = service.NewCampaignService(service.Deps{
		CampaignRepo: f.campaigns,
		QueueRepo:    f.queue,
		TemplateRepo: f.templates,
		UserRepo:     f.users,
		LogRepo:      f.logs,
		UploadRepo:   f.uploads,
		Sheets:       sheet.NewProcessor(f.templates, f.users, 2, zap.NewNop()),
		Storage:      store,
		Triggers:     f.triggers,
		Senders:      registry,
		Params:       &service.Params{Repo: f.params, Defaults: config.Default().Params},
		Logger:       zap.NewNop(),
		Now:          func() time.Time { return f.now },
	})
	t.Cleanup(f.svc.Wait)
	return f
}

func at(d time.Duration) *time.Time {
	t := baseTime.Add(d)
	return &t
}
