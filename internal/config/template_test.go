package config

import (
	"testing"

	"github.com/hyperengineering/deltasync/internal/types"
)

// Test: Placeholders are replaced by canonical values
func TestRender(t *testing.T) {
	header := types.Record{"CUSTOMER": "ACME", "SEASON": "FALL", "PO": 1001}
	line := types.Record{LineKeyField: "M", "PO": "override"}

	tests := []struct {
		tmpl string
		recs []types.Record
		want string
	}{
		{"{CUSTOMER} {SEASON}", []types.Record{header}, "ACME FALL"},
		{"{PO}", []types.Record{header}, "1001"},
		{"{PO}-{LINE_KEY}", []types.Record{header, line}, "override-M"},
		{"{MISSING} {CUSTOMER}", []types.Record{header}, "ACME"},
		{"literal", nil, "literal"},
	}
	for _, tt := range tests {
		if got := Render(tt.tmpl, tt.recs...); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

// Test: Business keys join parts and reject empty parts
func TestMapping_BusinessKey(t *testing.T) {
	m := &Mapping{BusinessKeyFields: []string{"CUSTOMER", "PO"}, CustomerField: "CUSTOMER"}

	key, ok := m.BusinessKey(types.Record{"CUSTOMER": " ACME ", "PO": 1001})
	if !ok || key != "ACME|1001" {
		t.Errorf("BusinessKey() = %q, %v; want ACME|1001, true", key, ok)
	}
	if _, ok := m.BusinessKey(types.Record{"CUSTOMER": "ACME", "PO": ""}); ok {
		t.Error("BusinessKey() should reject an empty key part")
	}
	if _, ok := m.BusinessKey(types.Record{"CUSTOMER": "ACME"}); ok {
		t.Error("BusinessKey() should reject a missing key part")
	}
	if got := m.Customer(types.Record{"CUSTOMER": "ACME "}); got != "ACME" {
		t.Errorf("Customer() = %q, want ACME", got)
	}
}
