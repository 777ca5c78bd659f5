// Package orchestrator drives pending records to the board service.
//
// A run partitions pending work into batches of one customer intake and
// processes each batch in three phases: groups, items, then sub-items. Ids
// returned by one phase feed the next and are written back per record, so a
// batch that fails half way leaves every completed record synchronized.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/deltasync/internal/board"
	"github.com/hyperengineering/deltasync/internal/config"
	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/types"
)

// Store defines the store operations needed by the orchestrator.
type Store interface {
	GroupStore
	PendingHeaders(ctx context.Context, limit int) ([]types.Header, error)
	PendingLines(ctx context.Context, limit int) ([]types.Line, error)
	HeadersByKeys(ctx context.Context, keys []string) ([]types.Header, error)
	ClaimHeaders(ctx context.Context, keys []string) error
	ClaimLines(ctx context.Context, refs []store.LineRef) error
	SetHeaderSynced(ctx context.Context, key, itemID, groupID string) error
	SetHeaderState(ctx context.Context, key string, state types.SyncState) error
	SetLineSynced(ctx context.Context, ref store.LineRef, subitemID string) error
	SetLineState(ctx context.Context, ref store.LineRef, state types.SyncState) error
	LogError(ctx context.Context, entry types.LedgerEntry) (types.LedgerEntry, error)
	OrphanedItemIDs(ctx context.Context, keys []string) (map[string]string, error)
	OrphanedSubitemIDs(ctx context.Context, refs []store.LineRef) (map[store.LineRef]string, error)
	SaveRun(ctx context.Context, summary types.RunSummary) error
}

// BoardClient executes batched mutations.
type BoardClient interface {
	Execute(ctx context.Context, kind board.Kind, ops []board.Operation, dryRun bool) *board.ExecuteResult
	BoardID() string
}

// Archiver stores finished run reports. Implementations must tolerate being
// called concurrently with other runs.
type Archiver interface {
	Archive(ctx context.Context, summary types.RunSummary) error
}

// Options controls a run.
type Options struct {
	Workers int
	Limit   int
	DryRun  bool
}

// Orchestrator runs synchronization passes.
type Orchestrator struct {
	store    Store
	client   BoardClient
	mapping  *config.Mapping
	workers  int
	archiver Archiver
}

// New creates an orchestrator.
func New(s Store, client BoardClient, m *config.Mapping, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{store: s, client: client, mapping: m, workers: workers}
}

// WithArchiver sets the archiver that receives every saved run report.
func (o *Orchestrator) WithArchiver(a Archiver) *Orchestrator {
	o.archiver = a
	return o
}

// Run processes pending work once. The returned summary is always non-nil;
// the error is set only for failures that stopped the run as a whole.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*types.RunSummary, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = o.workers
	}

	r := &run{
		orch:   o,
		dryRun: opts.DryRun,
		summary: types.RunSummary{
			RunID:         ulid.Make().String(),
			StartedAt:     time.Now().UTC(),
			DryRun:        opts.DryRun,
			ErrorsByClass: map[types.ErrorClass]int{},
		},
	}
	r.groups = NewGroupCache(o.store, o.client, o.client.BoardID(), opts.DryRun)
	r.groups.onPayload = r.addPayload

	slog.Info("sync run started",
		"component", "orchestrator",
		"run_id", r.summary.RunID,
		"dry_run", opts.DryRun,
		"workers", workers,
		"limit", opts.Limit,
	)

	err := r.execute(ctx, workers, opts.Limit)
	if err != nil {
		r.fatal(err)
	}

	summary := r.finish()
	if !opts.DryRun {
		o.persistRun(summary)
	}
	return &summary, err
}

// persistRun saves and archives the run report. Both use a detached context
// so a cancelled run still leaves a record behind.
func (o *Orchestrator) persistRun(summary types.RunSummary) {
	ctx := context.Background()
	if err := o.store.SaveRun(ctx, summary); err != nil {
		slog.Error("failed to save run",
			"component", "orchestrator",
			"run_id", summary.RunID,
			"error", err,
		)
	}
	if o.archiver != nil {
		if err := o.archiver.Archive(ctx, summary); err != nil {
			slog.Warn("failed to archive run report",
				"component", "orchestrator",
				"run_id", summary.RunID,
				"error", err,
			)
		}
	}
}

// run is the state of one pass.
type run struct {
	orch   *Orchestrator
	dryRun bool
	groups *GroupCache

	mu      sync.Mutex
	summary types.RunSummary
}

func (r *run) execute(ctx context.Context, workers, limit int) error {
	st := r.orch.store

	headers, err := st.PendingHeaders(ctx, limit)
	if err != nil {
		return fmt.Errorf("load pending headers: %w", err)
	}
	lines, err := st.PendingLines(ctx, limit)
	if err != nil {
		return fmt.Errorf("load pending lines: %w", err)
	}
	parents, err := r.loadParents(ctx, headers, lines)
	if err != nil {
		return err
	}

	batches, orphans := Partition(headers, lines, parents)
	for _, l := range orphans {
		slog.Warn("line has no usable parent header, skipping",
			"component", "orchestrator",
			"header_key", l.HeaderKey,
			"line_key", l.LineKey,
		)
	}
	r.mu.Lock()
	r.summary.RecordsSkipped += len(orphans)
	r.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.runBatch(ctx, b)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	return nil
}

// loadParents loads the non-pending headers of pending lines. Only headers
// that already carry an item id and are not in ERROR or DELETED can parent a
// sub-item.
func (r *run) loadParents(ctx context.Context, headers []types.Header, lines []types.Line) (map[string]types.Header, error) {
	pending := make(map[string]bool, len(headers))
	for _, h := range headers {
		pending[h.HeaderKey] = true
	}
	var keys []string
	seen := make(map[string]bool)
	for _, l := range lines {
		if pending[l.HeaderKey] || seen[l.HeaderKey] {
			continue
		}
		seen[l.HeaderKey] = true
		keys = append(keys, l.HeaderKey)
	}

	found, err := r.orch.store.HeadersByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("load parent headers: %w", err)
	}
	parents := make(map[string]types.Header, len(found))
	for _, h := range found {
		if h.ExternalItemID == "" || h.SyncState == types.StateError || h.SyncState == types.StateDeleted {
			continue
		}
		parents[h.HeaderKey] = h
	}
	return parents, nil
}

func (r *run) addPayload(p types.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Payloads = append(r.summary.Payloads, p)
}

func (r *run) fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Fatal = err.Error()
	r.summary.ErrorsByClass[types.ClassFatal]++
	slog.Error("sync run failed",
		"component", "orchestrator",
		"run_id", r.summary.RunID,
		"error", err,
	)
}

func (r *run) finish() types.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary
	s.FinishedAt = time.Now().UTC()
	s.ElapsedSeconds = s.FinishedAt.Sub(s.StartedAt).Seconds()
	s.Success = s.Fatal == "" && s.RecordsErrored == 0

	slog.Info("sync run finished",
		"component", "orchestrator",
		"run_id", s.RunID,
		"batches_attempted", s.BatchesAttempted,
		"batches_succeeded", s.BatchesSucceeded,
		"records_synced", s.RecordsSynced,
		"records_errored", s.RecordsErrored,
		"records_skipped", s.RecordsSkipped,
		"elapsed_seconds", s.ElapsedSeconds,
		"success", s.Success,
	)
	return s
}

// batchRun tracks one batch through its phases.
type batchRun struct {
	*run
	batch *Batch

	// itemIDs maps header keys to the item id known after the item phase.
	itemIDs map[string]string

	synced, errored, skipped int
}

func (r *run) runBatch(ctx context.Context, b *Batch) {
	br := &batchRun{run: r, batch: b, itemIDs: make(map[string]string)}
	work := context.WithoutCancel(ctx)

	slog.Debug("batch started",
		"component", "orchestrator",
		"customer", b.Customer,
		"record_uuid", b.RecordUUID,
		"headers", len(b.Headers),
		"lines", len(b.Lines),
	)

	phases := []func(context.Context){br.claim, br.items, br.subitems}
	completed := 0
	for _, phase := range phases {
		if ctx.Err() != nil {
			break
		}
		phase(work)
		completed++
	}
	if completed < len(phases) {
		// Records of unfinished phases stay pending for the next run
		br.skipped += b.Size() - br.synced - br.errored
	}

	r.mu.Lock()
	r.summary.BatchesAttempted++
	if br.errored == 0 && completed == len(phases) {
		r.summary.BatchesSucceeded++
	}
	r.summary.RecordsSynced += br.synced
	r.summary.RecordsErrored += br.errored
	r.summary.RecordsSkipped += br.skipped
	r.mu.Unlock()

	slog.Info("batch finished",
		"component", "orchestrator",
		"customer", b.Customer,
		"record_uuid", b.RecordUUID,
		"synced", br.synced,
		"errored", br.errored,
		"skipped", br.skipped,
	)
}

// claim moves NEW records of the batch to PENDING.
func (br *batchRun) claim(ctx context.Context) {
	if br.dryRun {
		return
	}
	var keys []string
	for _, h := range br.batch.Headers {
		if h.SyncState == types.StateNew {
			keys = append(keys, h.HeaderKey)
		}
	}
	var refs []store.LineRef
	for _, l := range br.batch.Lines {
		if l.SyncState == types.StateNew {
			refs = append(refs, store.LineRef{HeaderKey: l.HeaderKey, LineKey: l.LineKey})
		}
	}
	if err := br.orch.store.ClaimHeaders(ctx, keys); err != nil {
		slog.Warn("failed to claim headers", "component", "orchestrator", "record_uuid", br.batch.RecordUUID, "error", err)
	}
	if err := br.orch.store.ClaimLines(ctx, refs); err != nil {
		slog.Warn("failed to claim lines", "component", "orchestrator", "record_uuid", br.batch.RecordUUID, "error", err)
	}
}

// items resolves groups, then creates headers without an item id and updates
// the ones that have one. A header whose item was created by an earlier run
// but never written back is updated under that item id.
func (br *batchRun) items(ctx context.Context) {
	var (
		creates, updates       []board.Operation
		createHdrs, updateHdrs []types.Header
		groupIDs               = make(map[string]string)
	)

	var missing []string
	for _, h := range br.batch.Headers {
		if h.ExternalItemID == "" {
			missing = append(missing, h.HeaderKey)
		}
	}
	orphans, err := br.orch.store.OrphanedItemIDs(ctx, missing)
	if err != nil {
		slog.Warn("failed to look up orphaned items", "component", "orchestrator", "record_uuid", br.batch.RecordUUID, "error", err)
	}

	for _, h := range br.batch.Headers {
		cols, err := br.orch.mapping.Apply(h.Fields)
		if err != nil {
			br.headerFailed(ctx, h, types.OpItem, types.ClassData, err.Error(), "", "")
			continue
		}

		if id := orphans[h.HeaderKey]; id != "" && h.ExternalItemID == "" {
			slog.Info("adopting item from failed write-back",
				"component", "orchestrator",
				"header_key", h.HeaderKey,
				"external_id", id,
			)
			h.ExternalItemID = id
		}

		if h.ExternalItemID != "" {
			updates = append(updates, board.Operation{Key: h.HeaderKey, ItemID: h.ExternalItemID, Columns: cols})
			updateHdrs = append(updateHdrs, h)
			continue
		}

		groupID, err := br.groups.Resolve(ctx, h.GroupLabel)
		if err != nil {
			var gf *GroupFailure
			if errors.As(err, &gf) {
				br.headerFailed(ctx, h, types.OpGroup, types.ClassTransient, err.Error(), gf.Request, gf.Response)
			} else {
				br.headerFailed(ctx, h, types.OpGroup, types.ClassTransient, err.Error(), "", "")
			}
			continue
		}
		groupIDs[h.HeaderKey] = groupID
		creates = append(creates, board.Operation{Key: h.HeaderKey, Name: h.ItemName, GroupID: groupID, Columns: cols})
		createHdrs = append(createHdrs, h)
	}

	if len(creates) > 0 {
		res := br.orch.client.Execute(ctx, board.KindCreateItem, creates, br.dryRun)
		br.recordPayloads(types.OpItem, res)
		br.applyHeaderResults(ctx, res, createHdrs, groupIDs)
	}
	if len(updates) > 0 {
		res := br.orch.client.Execute(ctx, board.KindUpdateItem, updates, br.dryRun)
		br.recordPayloads(types.OpItem, res)
		br.applyHeaderResults(ctx, res, updateHdrs, groupIDs)
	}
}

func (br *batchRun) applyHeaderResults(ctx context.Context, res *board.ExecuteResult, hdrs []types.Header, groupIDs map[string]string) {
	class := failureClass(res)
	for i, result := range res.Results {
		h := hdrs[i]
		if !result.OK {
			br.headerFailed(ctx, h, types.OpItem, class, result.Error, result.Request, result.Response)
			continue
		}

		itemID := result.ExternalID
		if h.ExternalItemID != "" {
			itemID = h.ExternalItemID
		}
		if br.dryRun {
			br.itemIDs[h.HeaderKey] = itemID
			br.synced++
			continue
		}
		if err := br.orch.store.SetHeaderSynced(ctx, h.HeaderKey, itemID, groupIDs[h.HeaderKey]); err != nil {
			br.persistFailed(ctx, h.HeaderKey, h.RecordUUID, itemID, err)
			continue
		}
		br.itemIDs[h.HeaderKey] = itemID
		br.synced++
	}
}

// subitems writes the lines of every header that has an item id.
func (br *batchRun) subitems(ctx context.Context) {
	headers := make(map[string]types.Header, len(br.batch.Headers)+len(br.batch.Parents))
	for k, p := range br.batch.Parents {
		headers[k] = p
		br.itemIDs[k] = p.ExternalItemID
	}
	for _, h := range br.batch.Headers {
		headers[h.HeaderKey] = h
	}

	var (
		creates, updates         []board.Operation
		createLines, updateLines []types.Line
	)

	var missing []store.LineRef
	for _, l := range br.batch.Lines {
		if l.ExternalSubitemID == "" {
			missing = append(missing, store.LineRef{HeaderKey: l.HeaderKey, LineKey: l.LineKey})
		}
	}
	orphans, err := br.orch.store.OrphanedSubitemIDs(ctx, missing)
	if err != nil {
		slog.Warn("failed to look up orphaned subitems", "component", "orchestrator", "record_uuid", br.batch.RecordUUID, "error", err)
	}

	for _, l := range br.batch.Lines {
		parentID, ok := br.itemIDs[l.HeaderKey]
		if !ok {
			br.skipped++
			continue
		}
		if id := orphans[store.LineRef{HeaderKey: l.HeaderKey, LineKey: l.LineKey}]; id != "" && l.ExternalSubitemID == "" {
			l.ExternalSubitemID = id
		}
		h := headers[l.HeaderKey]
		cols, err := br.orch.mapping.ApplyLine(h.Fields, l.Fields)
		if err != nil {
			br.lineFailed(ctx, l, types.ClassData, err.Error(), "", "")
			continue
		}
		if l.ExternalSubitemID != "" {
			updates = append(updates, board.Operation{Key: l.RecordKey(), ItemID: l.ExternalSubitemID, Columns: cols})
			updateLines = append(updateLines, l)
			continue
		}
		creates = append(creates, board.Operation{
			Key:      l.RecordKey(),
			Name:     br.orch.mapping.SubitemNameFor(h.Fields, l.Fields),
			ParentID: parentID,
			Columns:  cols,
		})
		createLines = append(createLines, l)
	}

	if len(creates) > 0 {
		res := br.orch.client.Execute(ctx, board.KindCreateSubitem, creates, br.dryRun)
		br.recordPayloads(types.OpSubitem, res)
		br.applyLineResults(ctx, res, createLines)
	}
	if len(updates) > 0 {
		res := br.orch.client.Execute(ctx, board.KindUpdateSubitem, updates, br.dryRun)
		br.recordPayloads(types.OpSubitem, res)
		br.applyLineResults(ctx, res, updateLines)
	}
}

func (br *batchRun) applyLineResults(ctx context.Context, res *board.ExecuteResult, lines []types.Line) {
	class := failureClass(res)
	for i, result := range res.Results {
		l := lines[i]
		if !result.OK {
			br.lineFailed(ctx, l, class, result.Error, result.Request, result.Response)
			continue
		}
		if br.dryRun {
			br.synced++
			continue
		}
		subitemID := result.ExternalID
		if l.ExternalSubitemID != "" {
			subitemID = l.ExternalSubitemID
		}
		ref := store.LineRef{HeaderKey: l.HeaderKey, LineKey: l.LineKey}
		if err := br.orch.store.SetLineSynced(ctx, ref, subitemID); err != nil {
			br.persistFailed(ctx, l.RecordKey(), l.RecordUUID, subitemID, err)
			continue
		}
		br.synced++
	}
}

func (br *batchRun) headerFailed(ctx context.Context, h types.Header, op types.Operation, class types.ErrorClass, msg, req, resp string) {
	br.errored++
	br.countError(class)
	slog.Warn("header sync failed",
		"component", "orchestrator",
		"customer", h.Customer,
		"record_uuid", h.RecordUUID,
		"header_key", h.HeaderKey,
		"operation", op,
		"class", class,
		"error", msg,
	)
	if br.dryRun {
		return
	}
	if err := br.orch.store.SetHeaderState(ctx, h.HeaderKey, types.StateError); err != nil {
		slog.Error("failed to mark header as errored", "component", "orchestrator", "header_key", h.HeaderKey, "error", err)
	}
	br.logLedger(ctx, types.LedgerEntry{
		Operation:  op,
		RecordKey:  h.HeaderKey,
		RecordUUID: h.RecordUUID,
		Class:      class,
		Message:    msg,
		Request:    req,
		Response:   resp,
	})
}

func (br *batchRun) lineFailed(ctx context.Context, l types.Line, class types.ErrorClass, msg, req, resp string) {
	br.errored++
	br.countError(class)
	slog.Warn("line sync failed",
		"component", "orchestrator",
		"record_uuid", l.RecordUUID,
		"header_key", l.HeaderKey,
		"line_key", l.LineKey,
		"class", class,
		"error", msg,
	)
	if br.dryRun {
		return
	}
	ref := store.LineRef{HeaderKey: l.HeaderKey, LineKey: l.LineKey}
	if err := br.orch.store.SetLineState(ctx, ref, types.StateError); err != nil {
		slog.Error("failed to mark line as errored", "component", "orchestrator", "record_key", l.RecordKey(), "error", err)
	}
	br.logLedger(ctx, types.LedgerEntry{
		Operation:  types.OpSubitem,
		RecordKey:  l.RecordKey(),
		RecordUUID: l.RecordUUID,
		Class:      class,
		Message:    msg,
		Request:    req,
		Response:   resp,
	})
}

// persistFailed records an external success that could not be written back.
// The record stays PENDING; the external id is kept in the ledger.
func (br *batchRun) persistFailed(ctx context.Context, key, recordUUID, externalID string, err error) {
	br.errored++
	br.countError(types.ClassPersistence)
	slog.Error("failed to write back external id",
		"component", "orchestrator",
		"record_key", key,
		"record_uuid", recordUUID,
		"external_id", externalID,
		"error", err,
	)
	payload, _ := json.Marshal(map[string]string{"external_id": externalID})
	br.logLedger(ctx, types.LedgerEntry{
		Operation:  types.OpPersist,
		RecordKey:  key,
		RecordUUID: recordUUID,
		Class:      types.ClassPersistence,
		Message:    err.Error(),
		Response:   string(payload),
	})
}

func (br *batchRun) logLedger(ctx context.Context, e types.LedgerEntry) {
	if _, err := br.orch.store.LogError(ctx, e); err != nil {
		slog.Error("failed to write ledger entry",
			"component", "orchestrator",
			"record_key", e.RecordKey,
			"error", err,
		)
	}
}

func (br *batchRun) countError(class types.ErrorClass) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.summary.ErrorsByClass[class]++
}

func (br *batchRun) recordPayloads(op types.Operation, res *board.ExecuteResult) {
	for _, p := range res.Payloads {
		br.addPayload(types.Payload{Phase: op, Kind: string(res.Kind), RecordUUID: br.batch.RecordUUID, Body: p})
	}
}

// failureClass distinguishes a call where some aliases succeeded from one
// that failed entirely.
func failureClass(res *board.ExecuteResult) types.ErrorClass {
	if res.Partial() {
		return types.ClassPartialBatch
	}
	return types.ClassTransient
}
