package config

import (
	"regexp"
	"strings"

	"github.com/hyperengineering/deltasync/internal/hasher"
	"github.com/hyperengineering/deltasync/internal/types"
)

// KeySeparator joins business key parts.
const KeySeparator = "|"

// LineKeyField is the template placeholder and line field holding the melted
// column name.
const LineKeyField = "LINE_KEY"

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render replaces {FIELD} placeholders with canonical field values. Later
// records take precedence; unknown fields render empty.
func Render(tmpl string, records ...types.Record) string {
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		field := m[1 : len(m)-1]
		for i := len(records) - 1; i >= 0; i-- {
			if v, ok := records[i][field]; ok {
				s, err := hasher.Canonical(v)
				if err != nil {
					return ""
				}
				return s
			}
		}
		return ""
	})
	return strings.TrimSpace(out)
}

// BusinessKey joins the business key fields of r. ok is false when any key
// part is empty.
func (m *Mapping) BusinessKey(r types.Record) (key string, ok bool) {
	parts := make([]string, len(m.BusinessKeyFields))
	for i, f := range m.BusinessKeyFields {
		s, err := hasher.Canonical(r[f])
		if err != nil || strings.TrimSpace(s) == "" {
			return "", false
		}
		parts[i] = strings.TrimSpace(s)
	}
	return strings.Join(parts, KeySeparator), true
}

// Customer returns the customer of r.
func (m *Mapping) Customer(r types.Record) string {
	s, _ := hasher.Canonical(r[m.CustomerField])
	return strings.TrimSpace(s)
}

// GroupLabelFor renders the group label of r.
func (m *Mapping) GroupLabelFor(r types.Record) string {
	return Render(m.GroupLabel, r)
}

// ItemNameFor renders the item name of r.
func (m *Mapping) ItemNameFor(r types.Record) string {
	return Render(m.ItemName, r)
}

// SubitemNameFor renders a sub-item name from the header and line fields.
func (m *Mapping) SubitemNameFor(header, line types.Record) string {
	return Render(m.Lines.SubitemName, header, line)
}
