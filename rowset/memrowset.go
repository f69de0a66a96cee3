// Package rowset implements the tablet's in-memory and on-disk row storage
// units (spec.md §4.3/§4.5/§4.6): MemRowSet, DiskRowSet, and the RowSetTree
// range index that routes writes and scans across both.
package rowset

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/erigontech/kudu-tablet-core/mvcc"
)

// OpResult mirrors spec.md §6's abstract error surface for a single row
// mutation.
type OpResult uint8

const (
	OpOK OpResult = iota
	OpAlreadyPresent
	OpNotFound
	OpImmutable
)

func (r OpResult) String() string {
	switch r {
	case OpOK:
		return "OK"
	case OpAlreadyPresent:
		return "AlreadyPresent"
	case OpNotFound:
		return "NotFound"
	case OpImmutable:
		return "Immutable"
	default:
		return "Unknown"
	}
}

// ChangeKind distinguishes a mutation's shape, matching spec.md §3's
// (row_cells) for inserts and UPDATE/DELETE/REINSERT change lists for
// everything after.
type ChangeKind uint8

const (
	ChangeUpdate ChangeKind = iota
	ChangeDelete
	ChangeReinsert
)

// ColumnUpdate is one column_id -> new_value entry of a change list
// (spec.md §3's delta record shape; ColumnID 0 for Delete is ignored).
type ColumnUpdate struct {
	ColumnID uint32
	Value    []byte
}

// ChangeList is the compact mutation payload attached to a mutation or
// delta record: a set of column updates for ChangeUpdate/ChangeReinsert, or
// empty for ChangeDelete.
type ChangeList struct {
	Kind    ChangeKind
	Updates []ColumnUpdate
}

// mutation is one link of an MRS entry's singly linked, timestamp-ordered
// mutation chain (spec.md §4.3).
type mutation struct {
	ts     mvcc.Timestamp
	opID   uint64
	change ChangeList
	next   *mutation
}

// mrsEntry is one MemRowSet row: its immutable insert-time cells plus the
// mutable mutation chain appended by later updates/deletes. The chain is
// protected by its own lock so appends never contend with inserts of other
// keys (spec.md §4.3's "per-entry lock").
type mrsEntry struct {
	cells     [][]byte
	insertTS  mvcc.Timestamp
	insertOp  uint64
	mu        sync.Mutex
	chainHead *mutation
	chainTail *mutation
}

// appendMutation links a new mutation onto the entry's chain under the
// entry's own lock; readers holding older snapshots keep seeing the
// pre-mutation view because they walk the chain themselves at read time.
func (e *mrsEntry) appendMutation(m *mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chainTail == nil {
		e.chainHead = m
	} else {
		e.chainTail.next = m
	}
	e.chainTail = m
}

// chainSnapshot returns the mutation chain head for lock-free traversal by
// a reader; the chain is append-only so this is safe to read concurrently
// with appendMutation (each mutation's `next` is written exactly once,
// before it becomes reachable).
func (e *mrsEntry) chainSnapshot() *mutation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chainHead
}

// MemRowSet is the concurrent, sorted encoded-PK -> row index that backs a
// tablet's active insert buffer (spec.md §4.3). Keys are ordered
// memcomparable PK bytes (schema.EncodePK); a single RWMutex over the
// backing map is sufficient here since Go's map does not itself support
// lock-free concurrent mutation, but per-entry mutation append (the hot
// path for updates/deletes against already-inserted rows) is lock-free with
// respect to the map itself once the entry pointer is obtained.
type MemRowSet struct {
	mu      sync.RWMutex
	entries map[string]*mrsEntry
	order   []string // kept sorted; rebuilt lazily by NewIterator

	ramAnchored    atomic.Int64
	logReplaySize  atomic.Int64
	minUnflushedLogIdx atomic.Uint64

	flushSem chan struct{} // 1-buffered: at most one MRS flush per tablet

	id string
}

// KeyRange implements RowSet: the MRS always covers (-inf, +inf).
func (mrs *MemRowSet) KeyRange() (minKey, maxKey []byte) { return nil, nil }

// ID implements RowSet.
func (mrs *MemRowSet) ID() string { return mrs.id }

// NewMemRowSet constructs an empty MemRowSet identified by id (used by
// Tree.FindRowsetsContaining/Intersecting and by tablet metadata).
func NewMemRowSet(id string) *MemRowSet {
	mrs := &MemRowSet{
		id:       id,
		entries:  make(map[string]*mrsEntry),
		flushSem: make(chan struct{}, 1),
	}
	mrs.flushSem <- struct{}{}
	return mrs
}

// Insert adds a brand-new row, keyed by its already-encoded primary key.
// Per spec.md §4.3: checking key absence and inserting happen while
// holding the map's exclusive lock, so two concurrent inserts of the same
// PK always yield exactly one OpOK and one OpAlreadyPresent (Testable
// Property 7).
func (mrs *MemRowSet) Insert(encodedPK string, cells [][]byte, ts mvcc.Timestamp, opID uint64, rowBytes int64, logBytes int64) OpResult {
	mrs.mu.Lock()
	defer mrs.mu.Unlock()
	if _, present := mrs.entries[encodedPK]; present {
		return OpAlreadyPresent
	}
	mrs.entries[encodedPK] = &mrsEntry{cells: cells, insertTS: ts, insertOp: opID}
	mrs.order = nil // stale; rebuilt on next iteration
	mrs.ramAnchored.Add(rowBytes)
	mrs.logReplaySize.Add(logBytes)
	return OpOK
}

// Mutate appends an update/delete/reinsert to an existing entry's mutation
// chain. Returns OpNotFound if the key was never inserted into this MRS.
func (mrs *MemRowSet) Mutate(encodedPK string, change ChangeList, ts mvcc.Timestamp, opID uint64, logBytes int64) OpResult {
	mrs.mu.RLock()
	e, present := mrs.entries[encodedPK]
	mrs.mu.RUnlock()
	if !present {
		return OpNotFound
	}
	e.appendMutation(&mutation{ts: ts, opID: opID, change: change})
	mrs.logReplaySize.Add(logBytes)
	return OpOK
}

// Contains reports whether a row with this PK exists in the MRS, without
// regard for mutation history (used by RowSetTree routing).
func (mrs *MemRowSet) Contains(encodedPK string) bool {
	mrs.mu.RLock()
	defer mrs.mu.RUnlock()
	_, ok := mrs.entries[encodedPK]
	return ok
}

// Count returns the number of distinct keys (live + mutated, not counting
// deletes as absent — deletion is a mutation-chain entry, not a removal).
func (mrs *MemRowSet) Count() int {
	mrs.mu.RLock()
	defer mrs.mu.RUnlock()
	return len(mrs.entries)
}

// RAMAnchored reports the bytes of row data not yet flushed.
func (mrs *MemRowSet) RAMAnchored() int64 { return mrs.ramAnchored.Load() }

// LogReplaySize reports the bytes of WAL that would need replaying if the
// process crashed now (spec.md §4.3).
func (mrs *MemRowSet) LogReplaySize() int64 { return mrs.logReplaySize.Load() }

// Empty reports whether the MRS has ever had a row inserted.
func (mrs *MemRowSet) Empty() bool {
	mrs.mu.RLock()
	defer mrs.mu.RUnlock()
	return len(mrs.entries) == 0
}

// TryAcquireFlush attempts to become the sole in-flight MRS flush for this
// tablet (spec.md §4.3/§5: "only one MRS flush runs per tablet at a time").
// Returns false if a flush is already running.
func (mrs *MemRowSet) TryAcquireFlush() bool {
	select {
	case <-mrs.flushSem:
		return true
	default:
		return false
	}
}

// ReleaseFlush returns the single-flush token acquired by TryAcquireFlush.
func (mrs *MemRowSet) ReleaseFlush() { mrs.flushSem <- struct{}{} }

// SetMinUnflushedLogIndex records the minimum WAL index still represented
// by this MRS's unflushed contents (spec.md §4.9's min_unflushed_log_index
// bookkeeping, supplemented per SPEC_FULL.md §C.3).
func (mrs *MemRowSet) SetMinUnflushedLogIndex(idx uint64) { mrs.minUnflushedLogIdx.Store(idx) }

// MinUnflushedLogIndex returns the watermark set by SetMinUnflushedLogIndex.
func (mrs *MemRowSet) MinUnflushedLogIndex() uint64 { return mrs.minUnflushedLogIdx.Load() }

// Row is a materialized view of one MemRowSet entry as of a given
// timestamp: its base cells with every visible mutation folded in, in
// chain order, plus whether the net effect is a delete.
type Row struct {
	PK       string
	Cells    [][]byte
	Deleted  bool
	InsertTS mvcc.Timestamp
}

// resolveAt folds the mutation chain into the entry's cells as of ts,
// following spec.md §3's "mutation_head is a singly linked list ordered by
// timestamp ascending" — later-committed mutations override earlier
// column values; a DELETE not followed by a REINSERT marks the row gone.
func (e *mrsEntry) resolveAt(ts mvcc.Timestamp, snap mvcc.Snapshot) Row {
	cells := make([][]byte, len(e.cells))
	copy(cells, e.cells)
	deleted := false
	if !snap.IsVisible(e.insertTS) {
		// Insert itself not yet visible under this snapshot: row absent.
		return Row{Deleted: true, InsertTS: e.insertTS}
	}
	for m := e.chainSnapshot(); m != nil; m = m.next {
		if !snap.IsVisible(m.ts) {
			continue
		}
		switch m.change.Kind {
		case ChangeDelete:
			deleted = true
		case ChangeReinsert, ChangeUpdate:
			deleted = false
			for _, u := range m.change.Updates {
				if int(u.ColumnID) < len(cells) {
					cells[u.ColumnID] = u.Value
				}
			}
		}
	}
	return Row{Cells: cells, Deleted: deleted, InsertTS: e.insertTS}
}

// Iterator walks MemRowSet entries in ascending encoded-PK order, resolving
// each against a fixed MVCC snapshot (spec.md §4.8 step 1's "ordered
// position" for the MRS case).
type Iterator struct {
	keys []string
	mrs  *MemRowSet
	snap mvcc.Snapshot
	i    int
}

// NewIterator snapshots the current key order and returns an Iterator over
// it as of snap. The key set is fixed at iterator-creation time (spec.md
// §9's "finite, ordered, non-restartable" scan iterators); concurrent
// inserts after this call are not observed by this iterator.
func (mrs *MemRowSet) NewIterator(snap mvcc.Snapshot) *Iterator {
	mrs.mu.Lock()
	if mrs.order == nil {
		mrs.order = sortedKeys(mrs.entries)
	}
	keys := make([]string, len(mrs.order))
	copy(keys, mrs.order)
	mrs.mu.Unlock()
	return &Iterator{keys: keys, mrs: mrs, snap: snap}
}

func sortedKeys(m map[string]*mrsEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Next returns the next resolved row, or ok=false at end of iteration.
func (it *Iterator) Next() (Row, bool) {
	for it.i < len(it.keys) {
		k := it.keys[it.i]
		it.i++
		it.mrs.mu.RLock()
		e, present := it.mrs.entries[k]
		it.mrs.mu.RUnlock()
		if !present {
			continue
		}
		row := e.resolveAt(it.snap.CommittedBefore, it.snap)
		row.PK = k
		return row, true
	}
	return Row{}, false
}

// Get resolves a single key's row as of the iterator's snapshot without
// advancing any iterator state; used by point lookups during write routing.
func (mrs *MemRowSet) Get(encodedPK string, snap mvcc.Snapshot) (Row, bool) {
	mrs.mu.RLock()
	e, present := mrs.entries[encodedPK]
	mrs.mu.RUnlock()
	if !present {
		return Row{}, false
	}
	row := e.resolveAt(snap.CommittedBefore, snap)
	row.PK = encodedPK
	return row, true
}

// UndoStep is the payload an MRS flush writes into the resulting DiskRowSet's
// UNDO delta file for one row: the change that must be applied when ts is
// not visible under a read snapshot, restoring that earlier state (spec.md
// §4.5's "base ⊕ ordered(UNDOs descending)"). Steps are returned in
// ascending TS order, beginning with a synthetic entry at the row's own
// InsertTS marking "did not exist before this point".
type UndoStep struct {
	TS      mvcc.Timestamp
	Kind    ChangeKind
	Updates []ColumnUpdate
}

// FlushRow is one live MemRowSet row as of a flush snapshot, together with
// the UNDO steps needed to reconstruct any earlier visible state — the
// input DiskRowSet construction folds into base columns plus an UNDO delta
// file.
type FlushRow struct {
	PK        string
	Cells     [][]byte
	InsertTS  mvcc.Timestamp
	UndoSteps []UndoStep
}

// FlushSnapshot materializes every row live as of snap, in ascending PK
// order, for a MemRowSet flush. Rows deleted as of snap are omitted
// entirely: a row inserted and deleted entirely within the MRS's lifetime
// never reaches disk (spec.md §4.3/§4.5).
func (mrs *MemRowSet) FlushSnapshot(snap mvcc.Snapshot) []FlushRow {
	mrs.mu.Lock()
	if mrs.order == nil {
		mrs.order = sortedKeys(mrs.entries)
	}
	keys := make([]string, len(mrs.order))
	copy(keys, mrs.order)
	mrs.mu.Unlock()

	rows := make([]FlushRow, 0, len(keys))
	for _, k := range keys {
		mrs.mu.RLock()
		e, present := mrs.entries[k]
		mrs.mu.RUnlock()
		if !present {
			continue
		}
		cells, deleted, undoSteps := e.flushView(snap)
		if deleted {
			continue
		}
		rows = append(rows, FlushRow{PK: k, Cells: cells, InsertTS: e.insertTS, UndoSteps: undoSteps})
	}
	return rows
}

// flushView folds the mutation chain forward as of snap, like resolveAt,
// but also records the column values each visible mutation overwrote (or,
// for DELETE/REINSERT, the liveness it flipped), so a flush can emit exact
// UNDO entries rather than only the final folded state.
func (e *mrsEntry) flushView(snap mvcc.Snapshot) (cells [][]byte, deleted bool, undoSteps []UndoStep) {
	cells = make([][]byte, len(e.cells))
	copy(cells, e.cells)
	if !snap.IsVisible(e.insertTS) {
		return cells, true, nil
	}
	for m := e.chainSnapshot(); m != nil; m = m.next {
		if !snap.IsVisible(m.ts) {
			continue
		}
		wasLive := !deleted
		switch m.change.Kind {
		case ChangeDelete:
			deleted = true
			undoSteps = append(undoSteps, UndoStep{TS: m.ts, Kind: inverseOfDelete(wasLive)})
		case ChangeReinsert:
			deleted = false
			for _, u := range m.change.Updates {
				if int(u.ColumnID) < len(cells) {
					cells[u.ColumnID] = u.Value
				}
			}
			undoSteps = append(undoSteps, UndoStep{TS: m.ts, Kind: ChangeDelete})
		case ChangeUpdate:
			var inv []ColumnUpdate
			for _, u := range m.change.Updates {
				var before []byte
				if int(u.ColumnID) < len(cells) {
					before = cells[u.ColumnID]
				}
				inv = append(inv, ColumnUpdate{ColumnID: u.ColumnID, Value: before})
				if int(u.ColumnID) < len(cells) {
					cells[u.ColumnID] = u.Value
				}
			}
			undoSteps = append(undoSteps, UndoStep{TS: m.ts, Kind: ChangeUpdate, Updates: inv})
		}
	}
	// Sentinel marking non-existence before the row's own insertion: a read
	// whose snapshot does not see insertTS must observe the row as absent.
	undoSteps = append(undoSteps, UndoStep{TS: e.insertTS, Kind: ChangeDelete})
	sortUndoStepsAscending(undoSteps)
	return cells, deleted, undoSteps
}

// inverseOfDelete picks the UNDO kind that restores liveness when a visible
// DELETE mutation is peeled back: the row was live immediately beforehand,
// so the inverse is a bare REINSERT marker (no column payload — the
// columns already hold the right values from earlier folding).
func inverseOfDelete(wasLiveBefore bool) ChangeKind {
	if wasLiveBefore {
		return ChangeReinsert
	}
	return ChangeDelete
}

// sortUndoStepsAscending is an insertion sort: per-row undo step counts are
// small (a handful of mutations plus the insertion sentinel).
func sortUndoStepsAscending(steps []UndoStep) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].TS < steps[j-1].TS; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
}
