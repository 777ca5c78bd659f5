package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hyperengineering/deltasync/internal/board"
	"github.com/hyperengineering/deltasync/internal/config"
	"github.com/hyperengineering/deltasync/internal/ingest"
	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/types"
)

const testMapping = `
business_key: [CUSTOMER, PO]
customer_field: CUSTOMER
group_label: "{GRP}"
item_name: "{PO}"
hash_fields: [CUSTOMER, PO, GRP, STYLE, S, M]
columns:
  STYLE: text_style
lines:
  melt_columns: [S, M]
  subitem_name: "{PO}-{LINE_KEY}"
  columns:
    QTY: numbers
`

var aliasCall = regexp.MustCompile(`(op_\d+): (\w+)\(`)

// fakeBoard is an in-memory board service. Items named in rejectItems fail
// with a path-scoped error.
type fakeBoard struct {
	mu          sync.Mutex
	calls       map[string]int
	groups      []string
	items       map[string]string // item id -> name
	subitems    map[string]string // subitem id -> parent id
	updates     []string
	rejectItems map[string]bool
	requests    atomic.Int32
	nextID      atomic.Int64
	delay       time.Duration
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		calls:       map[string]int{},
		items:       map[string]string{},
		subitems:    map[string]string{},
		rejectItems: map[string]bool{},
	}
}

func (f *fakeBoard) handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/v2", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		body, _ := io.ReadAll(r.Body)
		query := gjson.GetBytes(body, "query").String()
		vars := gjson.GetBytes(body, "variables")

		resp := []byte(`{"data":{}}`)
		for _, m := range aliasCall.FindAllStringSubmatch(query, -1) {
			alias, mutation := m[1], m[2]
			i := alias[len("op_"):]
			id := fmt.Sprintf("%d", f.nextID.Add(1))

			f.mu.Lock()
			f.calls[mutation]++
			fail := false
			switch mutation {
			case "create_group":
				f.groups = append(f.groups, vars.Get("name_"+i).String())
				id = "group-" + id
			case "create_item":
				name := vars.Get("name_" + i).String()
				if f.rejectItems[name] {
					fail = true
				} else {
					f.items["item-"+id] = name
					id = "item-" + id
				}
			case "create_subitem":
				f.subitems["sub-"+id] = vars.Get("parent_" + i).String()
				id = "sub-" + id
			case "change_multiple_column_values":
				id = vars.Get("item_" + i).String()
				f.updates = append(f.updates, id)
			}
			f.mu.Unlock()

			if fail {
				resp, _ = sjson.SetRawBytes(resp, "data."+alias, []byte("null"))
				resp, _ = sjson.SetBytes(resp, "errors.-1", map[string]any{"message": "item rejected", "path": []string{alias}})
				continue
			}
			resp, _ = sjson.SetBytes(resp, "data."+alias+".id", id)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	})
	return r
}

func (f *fakeBoard) callCount(mutation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[mutation]
}

type harness struct {
	store   *store.SQLStore
	ingest  *ingest.Service
	orch    *Orchestrator
	board   *fakeBoard
	mapping *config.Mapping
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "deltasync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.DB().Exec(`CREATE TABLE orders (CUSTOMER TEXT, PO TEXT, GRP TEXT, STYLE TEXT, S TEXT, M TEXT)`)
	require.NoError(t, err)

	m, err := config.ParseMapping([]byte(testMapping))
	require.NoError(t, err)

	fb := newFakeBoard()
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)

	client := board.NewClient(board.Options{
		URL:         srv.URL + "/v2",
		Token:       "token",
		BoardID:     "B1",
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxInFlight: 4,
		ChunkSize:   25,
	}, srv.Client())

	return &harness{
		store:   st,
		ingest:  ingest.NewService(st, m, "orders"),
		orch:    New(st, client, m, 4),
		board:   fb,
		mapping: m,
	}
}

func (h *harness) source(t *testing.T, rows ...[6]string) {
	t.Helper()
	_, err := h.store.DB().Exec(`DELETE FROM orders`)
	require.NoError(t, err)
	for _, r := range rows {
		_, err := h.store.DB().Exec(`INSERT INTO orders VALUES (?, ?, ?, ?, ?, ?)`, r[0], r[1], r[2], r[3], r[4], r[5])
		require.NoError(t, err)
	}
	_, err = h.ingest.Run(context.Background())
	require.NoError(t, err)
}

func (h *harness) header(t *testing.T, key string) *types.Header {
	t.Helper()
	hdr, err := h.store.GetHeader(context.Background(), key)
	require.NoError(t, err)
	return hdr
}

func acmeRows() [][6]string {
	return [][6]string{
		{"ACME", "1001", "G1", "TEE", "2", "3"},
		{"ACME", "1002", "G1", "POLO", "1", ""},
		{"ACME", "1003", "G1", "CAP", "", "4"},
	}
}

// Test: Three ACME orders where the board rejects the second
func TestRun_AcmeScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.board.rejectItems["1002"] = true
	h.source(t, acmeRows()...)

	// When: The orchestrator runs
	sum, err := h.orch.Run(ctx, Options{})
	require.NoError(t, err)

	// Then: One group and two items exist on the board
	assert.Equal(t, []string{"G1"}, h.board.groups)
	assert.Len(t, h.board.items, 2)

	h1, h2, h3 := h.header(t, "ACME|1001"), h.header(t, "ACME|1002"), h.header(t, "ACME|1003")
	assert.Equal(t, types.StateSynced, h1.SyncState)
	assert.Equal(t, types.StateSynced, h3.SyncState)
	assert.Equal(t, "1001", h.board.items[h1.ExternalItemID])
	assert.Equal(t, "1003", h.board.items[h3.ExternalItemID])
	assert.Equal(t, h1.ExternalGroupID, h3.ExternalGroupID)

	// And: The rejected order is in ERROR with one ledger entry
	assert.Equal(t, types.StateError, h2.SyncState)
	assert.Empty(t, h2.ExternalItemID)
	entries, err := h.store.ListErrors(ctx, types.LedgerFilter{RecordKey: "ACME|1002"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, types.ClassPartialBatch, entries[0].Class)
	assert.Equal(t, types.OpItem, entries[0].Operation)

	// And: Sub-items exist only under the created items
	assert.Len(t, h.board.subitems, 3)
	for _, parent := range h.board.subitems {
		assert.Contains(t, []string{h1.ExternalItemID, h3.ExternalItemID}, parent)
	}
	lines, err := h.store.LinesForHeader(ctx, "ACME|1002")
	require.NoError(t, err)
	for _, l := range lines {
		assert.Empty(t, l.ExternalSubitemID)
		assert.NotEqual(t, types.StateSynced, l.SyncState)
	}

	// And: The summary reports the failure
	assert.False(t, sum.Success)
	assert.Equal(t, 1, sum.BatchesAttempted)
	assert.Equal(t, 0, sum.BatchesSucceeded)
	assert.Equal(t, 5, sum.RecordsSynced)
	assert.Equal(t, 1, sum.RecordsErrored)
	assert.Equal(t, 1, sum.RecordsSkipped)
	assert.Equal(t, 1, sum.ErrorsByClass[types.ClassPartialBatch])

	latest, err := h.store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum.RunID, latest.RunID)
}

// Test: A second run creates nothing and a changed order is updated in place
func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.source(t, acmeRows()...)

	first, err := h.orch.Run(ctx, Options{})
	require.NoError(t, err)
	require.True(t, first.Success)
	itemID := h.header(t, "ACME|1001").ExternalItemID
	requests := h.board.requests.Load()

	// When: Nothing changed
	second, err := h.orch.Run(ctx, Options{})
	require.NoError(t, err)

	// Then: No request is sent
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.BatchesAttempted)
	assert.Equal(t, requests, h.board.requests.Load())

	// When: One order changes and is synced again
	rows := acmeRows()
	rows[0][3] = "LONGSLEEVE"
	h.source(t, rows...)
	_, err = h.orch.Run(ctx, Options{})
	require.NoError(t, err)

	// Then: The item is updated, never created twice
	assert.Equal(t, 3, h.board.callCount("create_item"))
	assert.Contains(t, h.board.updates, itemID)
	assert.Equal(t, itemID, h.header(t, "ACME|1001").ExternalItemID)
	assert.Equal(t, types.StateSynced, h.header(t, "ACME|1001").SyncState)
}

// Test: Concurrent batches sharing a group label create one group
func TestRun_NoDuplicateGroupsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.board.delay = 10 * time.Millisecond

	var rows [][6]string
	for i := 0; i < 12; i++ {
		rows = append(rows, [6]string{fmt.Sprintf("CUST%02d", i), "1", "SHARED", "TEE", "1", ""})
	}
	h.source(t, rows...)

	sum, err := h.orch.Run(ctx, Options{Workers: 8})
	require.NoError(t, err)

	assert.True(t, sum.Success)
	assert.Equal(t, 12, sum.BatchesAttempted)
	assert.Equal(t, 1, h.board.callCount("create_group"))
	assert.Equal(t, 12, h.board.callCount("create_item"))

	// And: The group id is cached for later runs
	id, err := h.store.LookupGroup(ctx, "B1", "SHARED")
	require.NoError(t, err)
	assert.Equal(t, h.header(t, "CUST00|1").ExternalGroupID, id)
}

// Test: A dry run builds payloads without calling the board or writing state
func TestRun_DryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.source(t, acmeRows()...)

	sum, err := h.orch.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, sum.DryRun)
	assert.Equal(t, int32(0), h.board.requests.Load())
	require.NotEmpty(t, sum.Payloads)

	kinds := map[string]int{}
	for _, p := range sum.Payloads {
		kinds[p.Kind]++
	}
	assert.Equal(t, 1, kinds[string(board.KindCreateGroup)])
	assert.Equal(t, 1, kinds[string(board.KindCreateItem)])
	assert.Equal(t, 1, kinds[string(board.KindCreateSubitem)])

	// And: Sub-item payloads carry placeholder parent ids
	for _, p := range sum.Payloads {
		if p.Kind == string(board.KindCreateSubitem) {
			assert.Contains(t, p.Body, board.DryRunPrefix)
		}
	}

	// And: Nothing was written
	assert.Equal(t, types.StateNew, h.header(t, "ACME|1001").SyncState)
	_, err = h.store.LatestRun(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type failingWriteback struct {
	*store.SQLStore
}

func (f failingWriteback) SetHeaderSynced(context.Context, string, string, string) error {
	return errors.New("disk full")
}

// Test: A write-back failure after an external success stays visible
func TestRun_PersistFailureRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.source(t, [6]string{"ACME", "1001", "G1", "TEE", "2", ""})

	orch := New(failingWriteback{h.store}, h.orch.client, h.mapping, 1)
	sum, err := orch.Run(ctx, Options{})
	require.NoError(t, err)

	assert.False(t, sum.Success)
	assert.Equal(t, 1, sum.ErrorsByClass[types.ClassPersistence])

	hdr := h.header(t, "ACME|1001")
	assert.Equal(t, types.StatePending, hdr.SyncState)
	assert.Empty(t, hdr.ExternalItemID)

	entries, err := h.store.ListErrors(ctx, types.LedgerFilter{Operation: types.OpPersist})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Response, "item-")

	// And: No sub-item was created without a persisted parent
	assert.Equal(t, 0, h.board.callCount("create_subitem"))
}

// Test: The next run reuses an item whose id was never written back
func TestRun_AdoptsItemAfterPersistFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.source(t, [6]string{"ACME", "1001", "G1", "TEE", "2", ""})

	// Given: A run that created the item but failed to store its id
	_, err := New(failingWriteback{h.store}, h.orch.client, h.mapping, 1).Run(ctx, Options{})
	require.NoError(t, err)
	entries, err := h.store.ListErrors(ctx, types.LedgerFilter{Operation: types.OpPersist})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// When: The next run processes the still pending header
	sum, err := h.orch.Run(ctx, Options{})
	require.NoError(t, err)

	// Then: The item is updated under the recorded id, not created again
	assert.True(t, sum.Success)
	assert.Equal(t, 1, h.board.callCount("create_item"))
	assert.Equal(t, 1, h.board.callCount("change_multiple_column_values"))
	hdr := h.header(t, "ACME|1001")
	assert.Equal(t, types.StateSynced, hdr.SyncState)
	require.NotEmpty(t, hdr.ExternalItemID)
	assert.Contains(t, entries[0].Response, hdr.ExternalItemID)
	assert.Equal(t, 1, h.board.callCount("create_subitem"))

	// And: A resync discards the recorded id and creates a fresh item
	require.NoError(t, h.store.ResetExternalIDs(ctx, "ACME|1001"))
	_, err = h.orch.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.board.callCount("create_item"))
}

// Test: A cancelled run dispatches nothing and reports a fatal error
func TestRun_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.source(t, acmeRows()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.orch.Run(ctx, Options{})
	require.Error(t, err)
	assert.False(t, sum.Success)
	assert.NotEmpty(t, sum.Fatal)
	assert.Equal(t, int32(0), h.board.requests.Load())
}

// Test: Lines of an already-synced header are sent under its item
func TestRun_LinesOfSyncedParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.source(t, [6]string{"ACME", "1001", "G1", "TEE", "2", ""})
	_, err := h.orch.Run(ctx, Options{})
	require.NoError(t, err)
	itemID := h.header(t, "ACME|1001").ExternalItemID

	// When: Only a line quantity changes
	h.source(t, [6]string{"ACME", "1001", "G1", "TEE", "2", "5"})
	sum, err := h.orch.Run(ctx, Options{})
	require.NoError(t, err)

	// Then: The new sub-item hangs off the existing item
	assert.True(t, sum.Success)
	lines, err := h.store.LinesForHeader(ctx, "ACME|1001")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Equal(t, types.StateSynced, l.SyncState)
		assert.Equal(t, itemID, h.board.subitems[l.ExternalSubitemID])
	}
}

func TestPartition(t *testing.T) {
	headers := []types.Header{
		{HeaderKey: "A|1", Customer: "A", RecordUUID: "u1"},
		{HeaderKey: "A|2", Customer: "A", RecordUUID: "u1"},
		{HeaderKey: "B|1", Customer: "B", RecordUUID: "u2"},
	}
	lines := []types.Line{
		{HeaderKey: "A|1", LineKey: "S"},
		{HeaderKey: "C|1", LineKey: "M"},
		{HeaderKey: "Z|9", LineKey: "L"},
	}
	parents := map[string]types.Header{"C|1": {HeaderKey: "C|1", Customer: "C", RecordUUID: "u0", ExternalItemID: "i"}}

	batches, orphans := Partition(headers, lines, parents)

	require.Len(t, batches, 3)
	assert.Equal(t, "u1", batches[0].RecordUUID)
	assert.Len(t, batches[0].Headers, 2)
	assert.Len(t, batches[0].Lines, 1)
	assert.Equal(t, "u2", batches[1].RecordUUID)
	assert.Equal(t, "u0", batches[2].RecordUUID)
	assert.Contains(t, batches[2].Parents, "C|1")
	require.Len(t, orphans, 1)
	assert.Equal(t, "Z|9", orphans[0].HeaderKey)
}
