// Package ingest applies change detection to the store: it reads the source
// table, classifies rows against the last synchronized state and records the
// resulting headers and lines for the orchestrator.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hyperengineering/deltasync/internal/config"
	"github.com/hyperengineering/deltasync/internal/detect"
	"github.com/hyperengineering/deltasync/internal/hasher"
	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/types"
)

// Store defines the store operations needed by ingestion.
type Store interface {
	SourceRows(ctx context.Context, table string) ([]types.Record, error)
	AllHeaders(ctx context.Context) ([]types.Header, error)
	AllLines(ctx context.Context) ([]types.Line, error)
	ApplyChanges(ctx context.Context, cs store.ChangeSet) error
	LogError(ctx context.Context, entry types.LedgerEntry) (types.LedgerEntry, error)
}

// Plan is the outcome of one detection pass before it is applied.
type Plan struct {
	Changes store.ChangeSet
	Summary types.DetectSummary
	Errors  []types.LedgerEntry
}

// Service runs detection passes.
type Service struct {
	store   Store
	mapping *config.Mapping
	table   string
	newUUID func() string
}

// NewService creates an ingestion service for a source table.
func NewService(s Store, m *config.Mapping, table string) *Service {
	return &Service{store: s, mapping: m, table: table, newUUID: uuid.NewString}
}

// Run detects changes and applies them in one transaction. Data errors are
// written to the ledger after the change set lands.
func (s *Service) Run(ctx context.Context) (*types.DetectSummary, error) {
	plan, err := s.Detect(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.store.ApplyChanges(ctx, plan.Changes); err != nil {
		return nil, fmt.Errorf("apply changes: %w", err)
	}

	for _, e := range plan.Errors {
		if _, err := s.store.LogError(ctx, e); err != nil {
			slog.Error("failed to record detection error",
				"component", "ingest",
				"record_key", e.RecordKey,
				"error", err,
			)
		}
	}

	slog.Info("detection applied",
		"component", "ingest",
		"source_rows", plan.Summary.SourceRows,
		"new", plan.Summary.Counts[types.LabelNew],
		"changed", plan.Summary.Counts[types.LabelChanged],
		"unchanged", plan.Summary.Counts[types.LabelUnchanged],
		"deleted", plan.Summary.Counts[types.LabelDeleted],
		"errors", plan.Summary.Counts[types.LabelError],
	)
	return &plan.Summary, nil
}

// Detect computes the change set of one pass without writing anything.
// A prior-state index that cannot be read aborts the pass.
func (s *Service) Detect(ctx context.Context) (*Plan, error) {
	rows, err := s.store.SourceRows(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	headers, err := s.store.AllHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load header index: %w", err)
	}
	lines, err := s.store.AllLines(ctx)
	if err != nil {
		return nil, fmt.Errorf("load line index: %w", err)
	}

	plan := &Plan{Summary: types.DetectSummary{SourceRows: len(rows), Counts: map[types.Label]int{}}}

	source := make([]detect.SourceRecord, 0, len(rows))
	for i, raw := range rows {
		r := normalize(raw)
		key, ok := s.mapping.BusinessKey(r)
		if !ok {
			plan.addError(fmt.Sprintf("row:%d", i), "", "missing business key")
			continue
		}
		source = append(source, detect.SourceRecord{Key: key, Record: r})
	}

	live := make(map[string]detect.IndexEntry, len(headers))
	deleted := make(map[string]types.Header)
	byKey := make(map[string]types.Header, len(headers))
	for _, h := range headers {
		byKey[h.HeaderKey] = h
		if h.SyncState == types.StateDeleted {
			deleted[h.HeaderKey] = h
			continue
		}
		live[h.HeaderKey] = detect.IndexEntry{RecordUUID: h.RecordUUID, Hash: h.ContentHash, Fields: h.Fields}
	}
	linesByHeader := make(map[string]map[string]types.Line)
	for _, l := range lines {
		if linesByHeader[l.HeaderKey] == nil {
			linesByHeader[l.HeaderKey] = make(map[string]types.Line)
		}
		linesByHeader[l.HeaderKey][l.LineKey] = l
	}

	opts := detect.Options{HashFields: s.mapping.HashFields, DiffFields: true}
	if s.mapping.Dedupe.OrderBy != "" {
		opts.Less = detect.OrderBy(s.mapping.Dedupe.OrderBy, s.mapping.Dedupe.Descending)
	}
	result := detect.Classify(source, live, opts)

	// One record_uuid per customer for headers first seen in this pass
	intake := make(map[string]string)

	for _, c := range result.Items {
		switch c.Label {
		case types.LabelError:
			plan.addError(c.Key, "", c.Reason)

		case types.LabelNew:
			if prev, ok := deleted[c.Key]; ok {
				// A key that reappears keeps its identity and external ids
				h := s.header(c, prev.RecordUUID)
				h.SyncState = types.StatePending
				plan.Changes.UpdatedHeaders = append(plan.Changes.UpdatedHeaders, h)
				s.reconcileLines(plan, h, linesByHeader[c.Key])
				break
			}
			customer := s.mapping.Customer(c.Record)
			id, ok := intake[customer]
			if !ok {
				id = s.newUUID()
				intake[customer] = id
			}
			h := s.header(c, id)
			h.SyncState = types.StateNew
			plan.Changes.NewHeaders = append(plan.Changes.NewHeaders, h)
			s.reconcileLines(plan, h, nil)

		case types.LabelChanged:
			h := s.header(c, c.Target.RecordUUID)
			h.SyncState = types.StatePending
			plan.Changes.UpdatedHeaders = append(plan.Changes.UpdatedHeaders, h)
			s.reconcileLines(plan, h, linesByHeader[c.Key])
			slog.Debug("header changed",
				"component", "ingest",
				"header_key", c.Key,
				"fields", c.ChangedFields,
			)

		case types.LabelUnchanged:
			h := byKey[c.Key]
			h.Fields = c.Record
			s.reconcileLines(plan, h, linesByHeader[c.Key])

		case types.LabelDeleted:
			plan.Changes.DeletedHeaders = append(plan.Changes.DeletedHeaders, c.Key)
		}
		plan.Summary.Counts[c.Label]++
	}
	return plan, nil
}

func (s *Service) header(c detect.Classification, recordUUID string) types.Header {
	return types.Header{
		RecordUUID:  recordUUID,
		HeaderKey:   c.Key,
		Customer:    s.mapping.Customer(c.Record),
		GroupLabel:  s.mapping.GroupLabelFor(c.Record),
		ItemName:    s.mapping.ItemNameFor(c.Record),
		Fields:      c.Record,
		ContentHash: c.Hash,
	}
}

// reconcileLines compares the melted lines of h with its stored lines.
func (s *Service) reconcileLines(plan *Plan, h types.Header, existing map[string]types.Line) {
	desired := s.melt(h)
	for _, l := range desired {
		prev, ok := existing[l.LineKey]
		switch {
		case !ok:
			l.SyncState = types.StateNew
			plan.Changes.NewLines = append(plan.Changes.NewLines, l)
			plan.Summary.LinesAdded++
		case prev.SyncState == types.StateDeleted || prev.ContentHash != l.ContentHash:
			l.SyncState = types.StatePending
			plan.Changes.UpdatedLines = append(plan.Changes.UpdatedLines, l)
			plan.Summary.LinesChanged++
		}
	}

	wanted := make(map[string]bool, len(desired))
	for _, l := range desired {
		wanted[l.LineKey] = true
	}
	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !wanted[k] && existing[k].SyncState != types.StateDeleted {
			plan.Changes.DeletedLines = append(plan.Changes.DeletedLines, store.LineRef{HeaderKey: h.HeaderKey, LineKey: k})
			plan.Summary.LinesDeleted++
		}
	}
}

// melt turns the configured size columns of a header row into lines. Empty
// and zero quantities produce no line.
func (s *Service) melt(h types.Header) []types.Line {
	cfg := s.mapping.Lines
	var out []types.Line
	for _, col := range cfg.MeltColumns {
		qty, _ := hasher.Canonical(h.Fields[col])
		if isZero(qty) {
			continue
		}
		fields := types.Record{config.LineKeyField: col, cfg.QuantityField: qty}
		for f := range cfg.Columns {
			if _, ok := fields[f]; ok {
				continue
			}
			if v, ok := h.Fields[f]; ok {
				fields[f] = v
			}
		}
		out = append(out, types.Line{
			RecordUUID:  h.RecordUUID,
			HeaderKey:   h.HeaderKey,
			LineKey:     col,
			Fields:      fields,
			ContentHash: hasher.MustHash(fields, recordFields(fields)),
		})
	}
	return out
}

func isZero(s string) bool {
	if s == "" {
		return true
	}
	d, err := decimal.NewFromString(s)
	return err == nil && d.IsZero()
}

func recordFields(r types.Record) []string {
	fields := make([]string, 0, len(r))
	for k := range r {
		fields = append(fields, k)
	}
	return fields
}

// normalize converts every value to its canonical string so a reloaded field
// snapshot hashes exactly like the source row. Values without a canonical form
// are kept as-is and surface as hash errors during classification.
func normalize(r types.Record) types.Record {
	out := make(types.Record, len(r))
	for k, v := range r {
		if v == nil {
			out[k] = nil
			continue
		}
		s, err := hasher.Canonical(v)
		if err != nil {
			out[k] = v
			continue
		}
		out[k] = s
	}
	return out
}

func (p *Plan) addError(key, recordUUID, reason string) {
	p.Summary.Errors = append(p.Summary.Errors, fmt.Sprintf("%s: %s", key, reason))
	p.Errors = append(p.Errors, types.LedgerEntry{
		Operation:  types.OpDetect,
		RecordKey:  key,
		RecordUUID: recordUUID,
		Class:      types.ClassData,
		Message:    reason,
	})
}
