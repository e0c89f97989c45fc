package sheet

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/unclebandit/notification-campaigns/internal/model"
)

var ErrMissingUserIDColumn = errors.New("sheet: missing User Id column")

// Parse reads a CSV recipient sheet. The first record is the header row;
// unknown headers are ignored and blank lines are skipped. Cell-level
// problems are recorded on the row, never returned as errors.
func Parse(r io.Reader) ([]*model.RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrMissingUserIDColumn
	}
	if err != nil {
		return nil, fmt.Errorf("sheet: read header: %w", err)
	}

	index := headerIndex(HeaderMapping)
	cols := make([]Column, len(header))
	known := make([]bool, len(header))
	hasUserID := false
	for i, h := range header {
		col, ok := index[normalizeHeader(h)]
		if !ok {
			continue
		}
		cols[i], known[i] = col, true
		if col == ColumnUserID {
			hasUserID = true
		}
	}
	if !hasUserID {
		return nil, ErrMissingUserIDColumn
	}

	var rows []*model.RecipientRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sheet: read record: %w", err)
		}
		if blank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		row := &model.RecipientRow{Line: line}
		for i, cell := range record {
			if i >= len(cols) || !known[i] {
				continue
			}
			assign(row, cols[i], strings.TrimSpace(cell))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func assign(row *model.RecipientRow, col Column, cell string) {
	switch col {
	case ColumnUserID:
		row.UserID = cell
	case ColumnTemplateName:
		row.TemplateName = cell
	case ColumnFillers:
		row.RawFillers = cell
		fillers, err := ParseFillers(cell)
		if err != nil {
			row.AddError(ColumnFillers.String(), err.Error())
			return
		}
		row.Fillers = fillers
	case ColumnValidDays:
		if cell == "" {
			return
		}
		days, err := strconv.Atoi(cell)
		if err != nil || days < 0 {
			row.AddError(ColumnValidDays.String(), "Valid days must be a non-negative number")
			return
		}
		row.ValidDays = days
	}
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ParseFillers reads a Fillers cell. Accepted forms are a JSON object or a
// comma separated list of key:value pairs whose values may be quoted, e.g.
// name:Asha, city:'Pune'.
func ParseFillers(cell string) (map[string]string, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, nil
	}
	if strings.HasPrefix(cell, "{") {
		var raw map[string]any
		if err := json.Unmarshal([]byte(cell), &raw); err != nil {
			return nil, fmt.Errorf("Fillers is not valid JSON")
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
				continue
			}
			out[k] = fmt.Sprint(v)
		}
		return out, nil
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(cell, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("Fillers entry %q must be key:value", pair)
		}
		out[key] = unquote(strings.TrimSpace(value))
	}
	return out, nil
}

func unquote(v string) string {
	v = strings.TrimPrefix(v, "'")
	v = strings.TrimPrefix(v, `"`)
	v = strings.TrimSuffix(v, "'")
	v = strings.TrimSuffix(v, `"`)
	return strings.TrimSpace(v)
}
