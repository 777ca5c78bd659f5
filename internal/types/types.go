package types

import (
	"encoding/json"
	"time"
)

// Record is an arbitrary field map read from the source. Only the fields named
// by the mapping are interpreted; everything else passes through opaquely.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SyncState is the synchronization lifecycle state of a header or line.
type SyncState string

const (
	StateNew     SyncState = "NEW"
	StatePending SyncState = "PENDING"
	StateSynced  SyncState = "SYNCED"
	StateError   SyncState = "ERROR"
	StateDeleted SyncState = "DELETED"
)

// Valid reports whether s is one of the known states.
func (s SyncState) Valid() bool {
	switch s {
	case StateNew, StatePending, StateSynced, StateError, StateDeleted:
		return true
	}
	return false
}

// Header is one synchronizable business entity (an order).
type Header struct {
	RecordUUID      string     `json:"record_uuid"`
	HeaderKey       string     `json:"header_key"`
	Customer        string     `json:"customer"`
	GroupLabel      string     `json:"group_label"`
	ItemName        string     `json:"item_name"`
	Fields          Record     `json:"fields"`
	ContentHash     string     `json:"content_hash"`
	SyncState       SyncState  `json:"sync_state"`
	ExternalItemID  string     `json:"external_item_id,omitempty"`
	ExternalGroupID string     `json:"external_group_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
}

// Line is a child of exactly one Header (a size/quantity breakdown).
type Line struct {
	RecordUUID        string     `json:"record_uuid"`
	HeaderKey         string     `json:"header_key"`
	LineKey           string     `json:"line_key"`
	Fields            Record     `json:"fields"`
	ContentHash       string     `json:"content_hash"`
	SyncState         SyncState  `json:"sync_state"`
	ExternalSubitemID string     `json:"external_subitem_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	SyncedAt          *time.Time `json:"synced_at,omitempty"`
}

// RecordKey returns the ledger key for the line: header key and line key.
func (l Line) RecordKey() string {
	return l.HeaderKey + "/" + l.LineKey
}

// Label is the change-detection classification of a record.
type Label string

const (
	LabelNew       Label = "NEW"
	LabelChanged   Label = "CHANGED"
	LabelUnchanged Label = "UNCHANGED"
	LabelDeleted   Label = "DELETED"
	LabelError     Label = "ERROR"
)

// Operation names the kind of work a ledger entry refers to.
type Operation string

const (
	OpGroup   Operation = "group"
	OpItem    Operation = "item"
	OpSubitem Operation = "subitem"
	OpDetect  Operation = "detect"
	OpPersist Operation = "persist"
	OpStaging Operation = "staging"
)

// ErrorClass is the error taxonomy used in ledger entries and run summaries.
type ErrorClass string

const (
	ClassConfig       ErrorClass = "config"
	ClassTransient    ErrorClass = "transient"
	ClassPartialBatch ErrorClass = "partial_batch"
	ClassData         ErrorClass = "data"
	ClassFatal        ErrorClass = "fatal"
	ClassPersistence  ErrorClass = "persistence"
)

// LedgerEntry is one recorded failure. Entries are append-only; a repeated
// failure for the same record key is a new entry with a higher RetryCount.
type LedgerEntry struct {
	ID         string     `json:"id"`
	Operation  Operation  `json:"operation"`
	RecordKey  string     `json:"record_key"`
	RecordUUID string     `json:"record_uuid,omitempty"`
	Class      ErrorClass `json:"class"`
	Message    string     `json:"message"`
	Request    string     `json:"request,omitempty"`
	Response   string     `json:"response,omitempty"`
	RetryCount int        `json:"retry_count"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LedgerFilter narrows a ledger listing. Zero values match everything.
type LedgerFilter struct {
	RecordKey string
	Operation Operation
	Limit     int
}

// DetectSummary reports the outcome of one change-detection pass.
type DetectSummary struct {
	SourceRows   int           `json:"source_rows"`
	Counts       map[Label]int `json:"counts"`
	LinesAdded   int           `json:"lines_added"`
	LinesChanged int           `json:"lines_changed"`
	LinesDeleted int           `json:"lines_deleted"`
	Errors       []string      `json:"errors"`
}

// MarshalJSON ensures nil collections marshal as empty values, not null.
func (d DetectSummary) MarshalJSON() ([]byte, error) {
	if d.Counts == nil {
		d.Counts = map[Label]int{}
	}
	if d.Errors == nil {
		d.Errors = []string{}
	}
	type Alias DetectSummary
	return json.Marshal(Alias(d))
}

// Payload is a request body captured during a dry run.
type Payload struct {
	Phase      Operation `json:"phase"`
	Kind       string    `json:"kind"`
	RecordUUID string    `json:"record_uuid"`
	Body       string    `json:"body"`
}

// RunSummary is the aggregate result of one orchestrator run.
type RunSummary struct {
	RunID            string             `json:"run_id"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
	DryRun           bool               `json:"dry_run"`
	BatchesAttempted int                `json:"batches_attempted"`
	BatchesSucceeded int                `json:"batches_succeeded"`
	RecordsSynced    int                `json:"records_synced"`
	RecordsErrored   int                `json:"records_errored"`
	RecordsSkipped   int                `json:"records_skipped"`
	ErrorsByClass    map[ErrorClass]int `json:"errors_by_class"`
	ElapsedSeconds   float64            `json:"elapsed_seconds"`
	Success          bool               `json:"success"`
	Fatal            string             `json:"fatal,omitempty"`
	Payloads         []Payload          `json:"payloads,omitempty"`
}

// MarshalJSON ensures nil maps marshal as {} not null.
func (r RunSummary) MarshalJSON() ([]byte, error) {
	if r.ErrorsByClass == nil {
		r.ErrorsByClass = map[ErrorClass]int{}
	}
	type Alias RunSummary
	return json.Marshal(Alias(r))
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Counts  map[string]int `json:"counts"`
	LastRun *time.Time     `json:"last_run"`
}
