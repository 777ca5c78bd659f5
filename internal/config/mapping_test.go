package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const validMapping = `
board_id: "1234"
subitem_board_id: "5678"
business_key: [CUSTOMER, PO]
customer_field: CUSTOMER
group_label: "{CUSTOMER} {SHIP_DATE}"
item_name: "{PO}"
hash_fields: [CUSTOMER, PO, STYLE, SHIP_DATE, S, M, L]
columns:
  STYLE: text_style
  SHIP_DATE:
    column: date_ship
    transform: date
  STATUS:
    column: status
    transform: status
lines:
  melt_columns: [S, M, L]
  subitem_name: "{PO}-{LINE_KEY}"
  columns:
    QTY:
      column: numbers_qty
      transform: number
dedupe:
  order_by: UPDATED_AT
  descending: true
`

// Test: A valid mapping decodes every section
func TestParseMapping_Valid(t *testing.T) {
	m, err := ParseMapping([]byte(validMapping))
	if err != nil {
		t.Fatalf("ParseMapping() error = %v", err)
	}

	if m.BoardID != "1234" {
		t.Errorf("BoardID = %q, want 1234", m.BoardID)
	}
	if m.SubitemBoardID != "5678" {
		t.Errorf("SubitemBoardID = %q, want 5678", m.SubitemBoardID)
	}
	if len(m.BusinessKeyFields) != 2 || m.BusinessKeyFields[1] != "PO" {
		t.Errorf("BusinessKeyFields = %v", m.BusinessKeyFields)
	}
	if m.GroupLabel != "{CUSTOMER} {SHIP_DATE}" {
		t.Errorf("GroupLabel = %q", m.GroupLabel)
	}
	// Bare string shorthand
	if got := m.Columns["STYLE"]; got.Column != "text_style" || got.Transform != "" {
		t.Errorf("Columns[STYLE] = %+v", got)
	}
	if got := m.Columns["SHIP_DATE"]; got.Column != "date_ship" || got.Transform != "date" {
		t.Errorf("Columns[SHIP_DATE] = %+v", got)
	}
	if len(m.Lines.MeltColumns) != 3 {
		t.Errorf("Lines.MeltColumns = %v", m.Lines.MeltColumns)
	}
	// Quantity field falls back to its default
	if m.Lines.QuantityField != "QTY" {
		t.Errorf("Lines.QuantityField = %q, want QTY", m.Lines.QuantityField)
	}
	if m.Lines.Columns["QTY"].Transform != "number" {
		t.Errorf("Lines.Columns[QTY] = %+v", m.Lines.Columns["QTY"])
	}
	if m.Dedupe.OrderBy != "UPDATED_AT" || !m.Dedupe.Descending {
		t.Errorf("Dedupe = %+v", m.Dedupe)
	}
}

// Test: Schema violations are reported as ErrInvalidMapping
func TestParseMapping_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty document", ""},
		{"missing business key", "customer_field: C\ngroup_label: g\nitem_name: i\nhash_fields: [A]\n"},
		{"empty hash fields", "business_key: [A]\ncustomer_field: C\ngroup_label: g\nitem_name: i\nhash_fields: []\n"},
		{"unknown top-level key", "business_key: [A]\ncustomer_field: C\ngroup_label: g\nitem_name: i\nhash_fields: [A]\nextra: 1\n"},
		{"unknown transform", "business_key: [A]\ncustomer_field: C\ngroup_label: g\nitem_name: i\nhash_fields: [A]\ncolumns:\n  A:\n    column: c\n    transform: reverse\n"},
		{"column without id", "business_key: [A]\ncustomer_field: C\ngroup_label: g\nitem_name: i\nhash_fields: [A]\ncolumns:\n  A:\n    transform: upper\n"},
		{"not yaml", "business_key: [A\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMapping([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidMapping) {
				t.Errorf("ParseMapping() error = %v, want ErrInvalidMapping", err)
			}
		})
	}
}

// Test: LoadMapping reads from disk
func TestLoadMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	if err := os.WriteFile(path, []byte(validMapping), 0644); err != nil {
		t.Fatalf("write mapping: %v", err)
	}

	m, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping() error = %v", err)
	}
	if m.CustomerField != "CUSTOMER" {
		t.Errorf("CustomerField = %q", m.CustomerField)
	}

	if _, err := LoadMapping(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadMapping() expected error for missing file")
	}
}
