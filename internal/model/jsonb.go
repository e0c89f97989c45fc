package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata documents are stored in jsonb columns.

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m CampaignMetadata) Value() (driver.Value, error) { return jsonValue(m) }
func (m *CampaignMetadata) Scan(src any) error        { return scanJSON(src, m) }

func (m QueueMetadata) Value() (driver.Value, error) { return jsonValue(m) }
func (m *QueueMetadata) Scan(src any) error        { return scanJSON(src, m) }

func (m TemplateMetadata) Value() (driver.Value, error) { return jsonValue(m) }
func (m *TemplateMetadata) Scan(src any) error        { return scanJSON(src, m) }

// UploadRows is the jsonb payload of a staged upload.
type UploadRows []*RecipientRow

func (r UploadRows) Value() (driver.Value, error) { return jsonValue(r) }
func (r *UploadRows) Scan(src any) error        { return scanJSON(src, r) }
