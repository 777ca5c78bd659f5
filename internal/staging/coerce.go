package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/deltasync/internal/hasher"
)

// ErrCoercion is returned when a value cannot be converted to its column type.
var ErrCoercion = errors.New("cannot coerce value")

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// Date layouts accepted in lenient mode, tried in order.
var lenientDateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
}

// Timestamp layouts, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// Coerce converts v to the driver value stored for col.
//
// Integer columns accept integers and integral strings. A fractional value
// such as "12.0" or "12.7" is truncated toward zero when lenient and rejected
// when strict. Empty strings are NULL for non-text columns; NULL in a
// non-nullable column is an error.
func Coerce(col ColumnDef, v any, strict bool) (any, error) {
	if s, ok := v.(string); ok && col.Type != TypeText && strings.TrimSpace(s) == "" {
		v = nil
	}
	if v == nil {
		if !col.Nullable {
			return nil, fmt.Errorf("%w: %s: null in non-nullable column", ErrCoercion, col.Name)
		}
		return nil, nil
	}

	var out any
	var err error
	switch col.Type {
	case TypeInteger:
		out, err = coerceInteger(v, strict)
	case TypeDecimal:
		out, err = coerceDecimal(v)
	case TypeDate:
		out, err = coerceDate(v, strict)
	case TypeTimestamp:
		out, err = coerceTimestamp(v)
	case TypeBoolean:
		out, err = coerceBoolean(v)
	default:
		out, err = hasher.Canonical(v)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%s): %v", ErrCoercion, col.Name, col.Type, err)
	}
	return out, nil
}

func coerceInteger(v any, strict bool) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case bool:
		return 0, fmt.Errorf("boolean %v is not an integer", n)
	}

	s, err := hasher.Canonical(v)
	if err != nil {
		return 0, err
	}
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not numeric", s)
	}
	if strict {
		return 0, fmt.Errorf("%q is not an integer literal", s)
	}
	t := d.Truncate(0)
	if t.LessThan(minInt64) || t.GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%q overflows a 64-bit integer", s)
	}
	return t.IntPart(), nil
}

func coerceDecimal(v any) (string, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n.String(), nil
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return "", err
		}
		return d.String(), nil
	}
	s, err := hasher.Canonical(v)
	if err != nil {
		return "", err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(strings.ReplaceAll(s, ",", "")))
	if err != nil {
		return "", fmt.Errorf("%q is not a decimal", s)
	}
	return d.String(), nil
}

func coerceDate(v any, strict bool) (string, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format("2006-01-02"), nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%T is not a date", v)
	}
	s = strings.TrimSpace(s)
	if strict {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return "", fmt.Errorf("%q is not a YYYY-MM-DD date", s)
		}
		return t.Format("2006-01-02"), nil
	}
	for _, layout := range lenientDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("%q is not a date", s)
}

func coerceTimestamp(v any) (string, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%T is not a timestamp", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
	}
	return "", fmt.Errorf("%q is not a timestamp", s)
}

func coerceBoolean(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int:
		return boolFromInt(int64(b))
	case int64:
		return boolFromInt(b)
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n":
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", b)
	}
	return false, fmt.Errorf("%T is not a boolean", v)
}

func boolFromInt(n int64) (bool, error) {
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%d is not a boolean", n)
}
