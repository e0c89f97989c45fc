// Package sheet parses recipient sheets and turns their rows into validated
// upload results or materialized notification queue entries.
package sheet

import (
	"fmt"
	"strings"
)

// Column is a recipient sheet field.
type Column int

const (
	ColumnUserID Column = iota
	ColumnTemplateName
	ColumnFillers
	ColumnValidDays
)

// Columns lists every column the sheet understands.
var Columns = []Column{ColumnUserID, ColumnTemplateName, ColumnFillers, ColumnValidDays}

func (c Column) String() string {
	switch c {
	case ColumnUserID:
		return "userId"
	case ColumnTemplateName:
		return "templateName"
	case ColumnFillers:
		return "fillers"
	case ColumnValidDays:
		return "validDays"
	}
	return fmt.Sprintf("column(%d)", int(c))
}

// HeaderMapping maps each column to the header text expected in the sheet.
var HeaderMapping = map[Column]string{
	ColumnUserID:       "User Id",
	ColumnTemplateName: "Template Name",
	ColumnFillers:      "Fillers",
	ColumnValidDays:    "Valid days",
}

// ValidateHeaderMapping checks that every column has a distinct, non-empty
// header. It runs once at startup.
func ValidateHeaderMapping() error {
	return validateMapping(HeaderMapping)
}

func validateMapping(m map[Column]string) error {
	seen := make(map[string]Column, len(m))
	for _, col := range Columns {
		h, ok := m[col]
		if !ok || strings.TrimSpace(h) == "" {
			return fmt.Errorf("sheet: no header mapped for %s", col)
		}
		key := normalizeHeader(h)
		if other, dup := seen[key]; dup {
			return fmt.Errorf("sheet: header %q mapped to both %s and %s", h, other, col)
		}
		seen[key] = col
	}
	if len(m) != len(Columns) {
		return fmt.Errorf("sheet: header mapping has %d entries, want %d", len(m), len(Columns))
	}
	return nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

func headerIndex(m map[Column]string) map[string]Column {
	idx := make(map[string]Column, len(m))
	for col, h := range m {
		idx[normalizeHeader(h)] = col
	}
	return idx
}
