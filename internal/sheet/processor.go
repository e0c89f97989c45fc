package sheet

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/unclebandit/notification-campaigns/internal/filler"
	"github.com/unclebandit/notification-campaigns/internal/logger"
	"github.com/unclebandit/notification-campaigns/internal/metrics"
	"github.com/unclebandit/notification-campaigns/internal/model"
)

const DefaultChunkSize = 500

// TemplateLookup is the read-only template view the processor needs.
// GetTemplatesByNameList returns active templates keyed by name; an empty
// channel matches every channel.
type TemplateLookup interface {
	GetTemplatesByNameList(ctx context.Context, names []string, channel model.Channel) (map[string]*model.Template, error)
}

// UserDirectory resolves many users in one call. Unknown ids are absent
// from the result.
type UserDirectory interface {
	GetUsersByID(ctx context.Context, ids []string) (map[string]*model.User, error)
}

// QueueAppender stores materialized entries and reports how many were new.
type QueueAppender interface {
	Append(ctx context.Context, entries []*model.NotificationQueueEntry) (int, error)
}

type Processor struct {
	templates TemplateLookup
	users     UserDirectory
	chunkSize int
	logger    *zap.Logger
}

func NewProcessor(templates TemplateLookup, users UserDirectory, chunkSize int, log *zap.Logger) *Processor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{templates: templates, users: users, chunkSize: chunkSize, logger: log}
}

// ValidateOptions tunes validation mode.
type ValidateOptions struct {
	// Channel restricts template lookup; empty matches any channel.
	Channel model.Channel
	// DefaultTemplate is used for rows that name no template.
	DefaultTemplate string
	// OnlyTemplate rejects rows naming any other template.
	OnlyTemplate string
	// CommonFillers apply to every row; row fillers override them.
	CommonFillers map[string]string
	// DirectoryFallback lets user fields and template defaults satisfy
	// required keys, mirroring what materialization will do later.
	DirectoryFallback bool
}

// Validate checks rows against the user directory and template store.
// Row problems are reported in the result; the error is only set when a
// collaborator fails.
func (p *Processor) Validate(ctx context.Context, rows []*model.RecipientRow, opts ValidateOptions) (*model.UploadResult, error) {
	result := &model.UploadResult{
		SuccessRows: []*model.RecipientRow{},
		FailedRows:  []*model.RecipientRow{},
	}
	common := filler.Lower(opts.CommonFillers)

	for start := 0; start < len(rows); start += p.chunkSize {
		chunk := rows[start:min(start+p.chunkSize, len(rows))]

		var ids, names []string
		for _, row := range chunk {
			if row.TemplateName == "" {
				row.TemplateName = opts.DefaultTemplate
			}
			if row.UserID != "" {
				ids = append(ids, row.UserID)
			}
			if row.TemplateName != "" {
				names = append(names, row.TemplateName)
			}
		}

		users, err := p.users.GetUsersByID(ctx, dedupe(ids))
		if err != nil {
			return nil, fmt.Errorf("lookup users: %w", err)
		}
		templates, err := p.templates.GetTemplatesByNameList(ctx, dedupe(names), opts.Channel)
		if err != nil {
			return nil, fmt.Errorf("lookup templates: %w", err)
		}

		for _, row := range chunk {
			if opts.OnlyTemplate != "" && row.TemplateName != "" && row.TemplateName != opts.OnlyTemplate {
				row.AddError(ColumnTemplateName.String(), "Template Name must be "+opts.OnlyTemplate)
				result.FailedRows = append(result.FailedRows, row)
				continue
			}
			p.validateRow(row, users, templates, common, opts.DirectoryFallback)
			if len(row.Errors) == 0 {
				result.SuccessRows = append(result.SuccessRows, row)
			} else {
				result.FailedRows = append(result.FailedRows, row)
			}
		}
	}
	return result, nil
}

func (p *Processor) validateRow(row *model.RecipientRow, users map[string]*model.User, templates map[string]*model.Template, common map[string]string, fallback bool) {
	user, userOK := users[row.UserID]
	tmpl, tmplOK := templates[row.TemplateName]
	switch {
	case row.UserID == "":
		row.AddError(ColumnUserID.String(), "User Id is mandatory")
	case row.TemplateName == "":
		row.AddError(ColumnTemplateName.String(), "Template Name is mandatory")
	case !userOK:
		row.AddError(ColumnUserID.String(), "User Not Found")
	case !tmplOK || !tmpl.IsActive:
		row.AddError(ColumnTemplateName.String(), "Template not found")
	default:
		var fb *fallbacks
		if fallback {
			fb = &fallbacks{user: user, template: templateDefaults(tmpl)}
		}
		fillers, missing := reconcile(filler.ExtractKeys(tmpl.Title, tmpl.Body), merge(common, row.Fillers), fb)
		if len(missing) > 0 {
			row.AddError(ColumnFillers.String(), "Filler keys missing: "+strings.Join(missing, ","))
			return
		}
		row.Fillers = fillers
	}
}

// Materialize turns the rows of a campaign's sheet into queue entries, one
// chunk at a time with a single directory lookup per chunk. Rows whose user
// is unknown, whose required keys stay unresolved after the explicit, user
// field and template default tiers, or whose user id repeats an earlier row
// are dropped and only counted in the report.
func (p *Processor) Materialize(ctx context.Context, campaign *model.Campaign, tmpl *model.Template, rows []*model.RecipientRow, sink QueueAppender) (*model.MaterializeReport, error) {
	log := logger.WithTrace(ctx, p.logger).With(zap.Int("campaign_id", campaign.ID))
	report := &model.MaterializeReport{Rows: len(rows)}

	keys := filler.ExtractKeys(tmpl.Title, tmpl.Body)
	defaults := templateDefaults(tmpl)
	common := filler.Lower(campaign.Metadata.Fillers)
	seen := make(map[string]struct{}, len(rows))

	for start := 0; start < len(rows); start += p.chunkSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		chunk := rows[start:min(start+p.chunkSize, len(rows))]

		ids := make([]string, 0, len(chunk))
		for _, row := range chunk {
			if row.UserID != "" {
				ids = append(ids, row.UserID)
			}
		}
		users, err := p.users.GetUsersByID(ctx, dedupe(ids))
		if err != nil {
			return report, fmt.Errorf("lookup users for chunk at row %d: %w", start, err)
		}

		entries := make([]*model.NotificationQueueEntry, 0, len(chunk))
		for _, row := range chunk {
			user, ok := users[row.UserID]
			if !ok {
				report.DroppedUnknownUser++
				continue
			}
			if _, dup := seen[row.UserID]; dup {
				report.DroppedDuplicate++
				continue
			}
			fillers, missing := reconcile(keys, merge(common, row.Fillers), &fallbacks{user: user, template: defaults})
			if len(missing) > 0 {
				report.DroppedMissingKeys++
				log.Debug("dropping row with unresolved keys",
					zap.String("user_id", row.UserID),
					zap.Strings("missing", missing),
				)
				continue
			}
			seen[row.UserID] = struct{}{}

			validDays := row.ValidDays
			if validDays == 0 {
				validDays = tmpl.Metadata.ValidDays
			}
			entries = append(entries, &model.NotificationQueueEntry{
				CampaignID: campaign.ID,
				UserID:     row.UserID,
				IsActive:   true,
				Metadata: model.QueueMetadata{
					UserID:       row.UserID,
					TemplateName: tmpl.Name,
					Fillers:      fillers,
					ValidDays:    validDays,
					PhoneNumber:  user.PhoneNumber,
					Email:        user.Email,
				},
			})
		}

		if len(entries) == 0 {
			continue
		}
		inserted, err := sink.Append(ctx, entries)
		if err != nil {
			return report, fmt.Errorf("append chunk at row %d: %w", start, err)
		}
		report.Queued += inserted
		report.DroppedDuplicate += len(entries) - inserted
	}

	metrics.RecordMaterialized("queued", report.Queued)
	metrics.RecordMaterialized("unknown_user", report.DroppedUnknownUser)
	metrics.RecordMaterialized("missing_keys", report.DroppedMissingKeys)
	metrics.RecordMaterialized("duplicate", report.DroppedDuplicate)
	log.Info("sheet materialized",
		zap.Int("rows", report.Rows),
		zap.Int("queued", report.Queued),
		zap.Int("dropped_unknown_user", report.DroppedUnknownUser),
		zap.Int("dropped_missing_keys", report.DroppedMissingKeys),
		zap.Int("dropped_duplicate", report.DroppedDuplicate),
	)
	return report, nil
}

type fallbacks struct {
	user     *model.User
	template map[string]string
}

// reconcile resolves every required key from explicit fillers, then user
// fields ("user." prefix optional), then template defaults. It returns the
// resolved fillers (explicit extras included) and the keys left unresolved,
// sorted.
func reconcile(keys []string, explicit map[string]string, fb *fallbacks) (map[string]string, []string) {
	out := make(map[string]string, len(explicit)+len(keys))
	for k, v := range explicit {
		out[k] = v
	}
	var missing []string
	for _, key := range keys {
		if _, ok := out[key]; ok {
			continue
		}
		if fb != nil {
			if fb.user != nil {
				if v, ok := fb.user.Field(strings.TrimPrefix(key, "user.")); ok {
					if v == "" {
						v = "User"
					}
					out[key] = v
					continue
				}
			}
			if v, ok := fb.template[key]; ok {
				out[key] = v
				continue
			}
		}
		missing = append(missing, key)
	}
	sort.Strings(missing)
	return out, missing
}

// templateDefaults collects the fallback value of every placeholder that has
// one. Optional placeholders without a default fall back to "".
func templateDefaults(t *model.Template) map[string]string {
	out := filler.Defaults(t.Title, t.Body)
	for _, text := range []string{t.Title, t.Body} {
		for _, ph := range filler.Find(text) {
			if _, ok := out[ph.Key]; !ok && ph.Optional {
				out[ph.Key] = ""
			}
		}
	}
	return out
}

// merge overlays row fillers on the common ones; both end up lower-cased.
func merge(common, row map[string]string) map[string]string {
	out := make(map[string]string, len(common)+len(row))
	for k, v := range common {
		out[k] = v
	}
	for k, v := range filler.Lower(row) {
		out[k] = v
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
