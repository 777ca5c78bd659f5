// Package detect classifies source records against the previously synchronized
// state: NEW, CHANGED, UNCHANGED, DELETED or ERROR.
//
// Classification is keyed by business key. When one business key occurs on
// several source rows, the rows are ordered by the caller's fallback ordering;
// the first keeps the key and each later duplicate gets a "#n" suffix so it is
// tracked as its own record instead of being dropped.
package detect

import (
	"fmt"
	"sort"

	"github.com/hyperengineering/deltasync/internal/hasher"
	"github.com/hyperengineering/deltasync/internal/types"
)

// DuplicateSeparator joins a business key and its duplicate ordinal.
const DuplicateSeparator = "#"

// SourceRecord is one source row with its business key.
type SourceRecord struct {
	Key    string
	Record types.Record
}

// IndexEntry is the last-known state of a synchronized record.
// Fields is optional; when present it enables per-field change reporting.
type IndexEntry struct {
	RecordUUID string
	Hash       string
	Fields     types.Record
}

// Options controls classification.
type Options struct {
	// HashFields are the fields fed to the content hasher.
	HashFields []string

	// Less orders rows that share a business key; the first row wins.
	// Nil keeps source order.
	Less func(a, b types.Record) bool

	// DiffFields requests the list of changed field names for CHANGED records.
	DiffFields bool
}

// Classification is the outcome for one record.
type Classification struct {
	Key    string
	Label  types.Label
	Hash   string
	Record types.Record

	// Target is the matching index entry, nil for NEW and ERROR records.
	Target *IndexEntry

	// ChangedFields lists differing fields for CHANGED records when known.
	ChangedFields []string
	FieldsKnown   bool

	// Duplicate is true when Key carries a disambiguation suffix.
	Duplicate bool

	// Reason explains ERROR classifications.
	Reason string
}

// Result holds all classifications in a deterministic order: source-derived
// records by first appearance of their key, then DELETED records sorted by key.
type Result struct {
	Items []Classification
}

// Counts returns the number of records per label.
func (r Result) Counts() map[types.Label]int {
	counts := make(map[types.Label]int)
	for _, c := range r.Items {
		counts[c.Label]++
	}
	return counts
}

// ByLabel returns the classifications carrying label.
func (r Result) ByLabel(label types.Label) []Classification {
	var out []Classification
	for _, c := range r.Items {
		if c.Label == label {
			out = append(out, c)
		}
	}
	return out
}

// Classify assigns exactly one label to every source record and to every
// target entry with no source counterpart. It never fails as a whole; a
// record that cannot be hashed is labelled ERROR.
func Classify(source []SourceRecord, target map[string]IndexEntry, opts Options) Result {
	keyed := disambiguate(source, opts.Less)

	seen := make(map[string]struct{}, len(keyed))
	items := make([]Classification, 0, len(keyed)+len(target))

	for _, rec := range keyed {
		seen[rec.Key] = struct{}{}
		c := Classification{
			Key:       rec.Key,
			Record:    rec.Record,
			Duplicate: rec.duplicate,
		}

		h, err := hasher.Hash(rec.Record, opts.HashFields)
		if err != nil {
			c.Label = types.LabelError
			c.Reason = fmt.Sprintf("hash: %v", err)
			items = append(items, c)
			continue
		}
		c.Hash = h

		entry, ok := target[rec.Key]
		switch {
		case !ok:
			c.Label = types.LabelNew
		case entry.Hash == h:
			c.Label = types.LabelUnchanged
			c.Target = &entry
		default:
			c.Label = types.LabelChanged
			c.Target = &entry
			if opts.DiffFields && entry.Fields != nil {
				c.ChangedFields = hasher.Diff(entry.Fields, rec.Record, opts.HashFields)
				c.FieldsKnown = true
			}
		}
		items = append(items, c)
	}

	var deleted []string
	for key := range target {
		if _, ok := seen[key]; !ok {
			deleted = append(deleted, key)
		}
	}
	sort.Strings(deleted)
	for _, key := range deleted {
		entry := target[key]
		items = append(items, Classification{
			Key:    key,
			Label:  types.LabelDeleted,
			Hash:   entry.Hash,
			Target: &entry,
		})
	}

	return Result{Items: items}
}

type keyedRecord struct {
	SourceRecord
	duplicate bool
}

// disambiguate orders rows sharing a business key with less and suffixes every
// duplicate after the first with the lowest free number. A suffixed key never
// equals another row's business key. Rows sharing a key end up adjacent.
func disambiguate(source []SourceRecord, less func(a, b types.Record) bool) []keyedRecord {
	positions := make(map[string][]int)
	var order []string
	for i, rec := range source {
		if _, ok := positions[rec.Key]; !ok {
			order = append(order, rec.Key)
		}
		positions[rec.Key] = append(positions[rec.Key], i)
	}
	taken := make(map[string]bool, len(order))
	for _, key := range order {
		taken[key] = true
	}

	out := make([]keyedRecord, 0, len(source))
	for _, key := range order {
		idx := positions[key]
		if less != nil && len(idx) > 1 {
			sort.SliceStable(idx, func(i, j int) bool {
				return less(source[idx[i]].Record, source[idx[j]].Record)
			})
		}
		next := 2
		for n, i := range idx {
			rec := source[i]
			kr := keyedRecord{SourceRecord: rec}
			if n > 0 {
				for taken[suffixed(key, next)] {
					next++
				}
				kr.Key = suffixed(key, next)
				kr.duplicate = true
				taken[kr.Key] = true
				next++
			}
			out = append(out, kr)
		}
	}
	return out
}

func suffixed(key string, n int) string {
	return fmt.Sprintf("%s%s%d", key, DuplicateSeparator, n)
}
