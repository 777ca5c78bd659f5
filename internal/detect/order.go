package detect

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/deltasync/internal/hasher"
	"github.com/hyperengineering/deltasync/internal/types"
)

// OrderBy returns a fallback ordering on field. Values that parse as numbers
// compare numerically, everything else compares as canonical strings
// (ISO-8601 timestamps sort chronologically). Empty values sort last in both
// directions.
func OrderBy(field string, descending bool) func(a, b types.Record) bool {
	return func(a, b types.Record) bool {
		av, _ := hasher.Canonical(a[field])
		bv, _ := hasher.Canonical(b[field])
		switch {
		case av == "" && bv == "":
			return false
		case av == "":
			return false
		case bv == "":
			return true
		}
		c := compare(av, bv)
		if descending {
			return c > 0
		}
		return c < 0
	}
}

func compare(a, b string) int {
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA == nil && errB == nil {
		return da.Cmp(db)
	}
	return strings.Compare(a, b)
}
