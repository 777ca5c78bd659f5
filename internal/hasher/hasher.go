// Package hasher computes deterministic content hashes over selected record
// fields. Hashes are independent of field insertion order and of the order in
// which the caller lists the fields.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/deltasync/internal/types"
)

// Delimiter separates canonical values in the hash input. The ASCII unit
// separator does not occur in business data.
const Delimiter = "\x1f"

// ErrUnhashable is returned for values with no canonical representation.
var ErrUnhashable = errors.New("value has no canonical representation")

// Hash returns the hex SHA-256 digest of the canonical values of fields in r.
// Missing and nil fields hash as the empty string.
func Hash(r types.Record, fields []string) (string, error) {
	sorted := SortedFields(fields)
	parts := make([]string, len(sorted))
	for i, f := range sorted {
		s, err := Canonical(r[f])
		if err != nil {
			return "", fmt.Errorf("field %q: %w", f, err)
		}
		parts[i] = s
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, Delimiter)))
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is Hash for inputs known to be hashable. It panics on error.
func MustHash(r types.Record, fields []string) string {
	h, err := Hash(r, fields)
	if err != nil {
		panic(err)
	}
	return h
}

// Diff returns the sorted names of fields whose canonical values differ
// between a and b. Fields that cannot be rendered on either side count as
// different.
func Diff(a, b types.Record, fields []string) []string {
	var changed []string
	for _, f := range SortedFields(fields) {
		av, aerr := Canonical(a[f])
		bv, berr := Canonical(b[f])
		if aerr != nil || berr != nil || av != bv {
			changed = append(changed, f)
		}
	}
	return changed
}

// SortedFields returns a sorted, de-duplicated copy of fields.
func SortedFields(fields []string) []string {
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Canonical renders v in the representation used for hashing: numbers without
// exponent or locale formatting, times as ISO-8601 in UTC, nil as "".
func Canonical(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case decimal.Decimal:
		return x.String(), nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrUnhashable, x.String())
		}
		return d.String(), nil
	case time.Time:
		return formatTime(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "", nil
		}
		return Canonical(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%w: %v", ErrUnhashable, f)
		}
		if rv.Kind() == reflect.Float32 {
			return decimal.NewFromFloat32(float32(f)).String(), nil
		}
		return decimal.NewFromFloat(f).String(), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnhashable, v)
}

func formatTime(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339Nano)
}
