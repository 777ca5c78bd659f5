package orchestrator

import (
	"github.com/hyperengineering/deltasync/internal/types"
)

// Batch is the unit of work: every pending header and line of one customer
// intake (customer, record_uuid).
type Batch struct {
	Customer   string
	RecordUUID string

	// Headers are the pending headers of the batch.
	Headers []types.Header

	// Lines are the pending lines whose parent is in Headers or Parents.
	Lines []types.Line

	// Parents holds already-synced headers whose lines are pending.
	Parents map[string]types.Header
}

// batchKey identifies a batch.
type batchKey struct {
	customer string
	uuid     string
}

// Partition groups pending headers and lines into batches by
// (customer, record_uuid), in first-appearance order. Lines are attached to
// the batch of their header: a pending header in the same input, otherwise
// the matching entry of parents. Lines with no known header are returned as
// orphans.
func Partition(headers []types.Header, lines []types.Line, parents map[string]types.Header) (batches []*Batch, orphans []types.Line) {
	index := make(map[batchKey]*Batch)
	pending := make(map[string]types.Header, len(headers))

	get := func(customer, uuid string) *Batch {
		k := batchKey{customer: customer, uuid: uuid}
		b, ok := index[k]
		if !ok {
			b = &Batch{Customer: customer, RecordUUID: uuid, Parents: map[string]types.Header{}}
			index[k] = b
			batches = append(batches, b)
		}
		return b
	}

	for _, h := range headers {
		b := get(h.Customer, h.RecordUUID)
		b.Headers = append(b.Headers, h)
		pending[h.HeaderKey] = h
	}

	for _, l := range lines {
		if h, ok := pending[l.HeaderKey]; ok {
			b := get(h.Customer, h.RecordUUID)
			b.Lines = append(b.Lines, l)
			continue
		}
		p, ok := parents[l.HeaderKey]
		if !ok {
			orphans = append(orphans, l)
			continue
		}
		b := get(p.Customer, p.RecordUUID)
		b.Parents[p.HeaderKey] = p
		b.Lines = append(b.Lines, l)
	}
	return batches, orphans
}

// Size returns the number of records in the batch.
func (b *Batch) Size() int {
	return len(b.Headers) + len(b.Lines)
}
