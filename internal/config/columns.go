package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/deltasync/internal/hasher"
	"github.com/hyperengineering/deltasync/internal/types"
)

// ErrTransform is returned when a field value cannot be converted by its
// column transform.
var ErrTransform = errors.New("column transform failed")

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "01/02/2006"}

// Apply converts the mapped fields of r into board column values keyed by
// column id. Unmapped fields are dropped, as are nil and empty values.
func (m *Mapping) Apply(r types.Record) (map[string]any, error) {
	return applyColumns(m.Columns, r)
}

// ApplyLine converts line fields into sub-item column values. Line fields take
// precedence over header fields of the same name.
func (m *Mapping) ApplyLine(header, line types.Record) (map[string]any, error) {
	merged := make(types.Record, len(header)+len(line))
	for k, v := range header {
		merged[k] = v
	}
	for k, v := range line {
		merged[k] = v
	}
	return applyColumns(m.Lines.Columns, merged)
}

func applyColumns(cols map[string]ColumnMapping, r types.Record) (map[string]any, error) {
	fields := make([]string, 0, len(cols))
	for f := range cols {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make(map[string]any, len(cols))
	for _, f := range fields {
		v, ok := r[f]
		if !ok || v == nil {
			continue
		}
		s, err := hasher.Canonical(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrTransform, f, err)
		}
		if s == "" {
			continue
		}
		cm := cols[f]
		value, err := transform(cm.Transform, s)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrTransform, f, err)
		}
		out[cm.Column] = value
	}
	return out, nil
}

func transform(name, s string) (any, error) {
	switch name {
	case "":
		return s, nil
	case "upper":
		return strings.ToUpper(s), nil
	case "lower":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "number":
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", s)
		}
		return d.String(), nil
	case "date":
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return map[string]string{"date": t.Format("2006-01-02")}, nil
			}
		}
		return nil, fmt.Errorf("not a date: %q", s)
	case "status":
		return map[string]string{"label": strings.TrimSpace(s)}, nil
	}
	return nil, fmt.Errorf("unknown transform %q", name)
}
