package delta

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset/rowid"
)

// Tracker is the per-DiskRowSet DeltaTracker of spec.md §4.5: the ordered
// REDO stream (an active MemStore plus zero or more flushed Files) and the
// immutable UNDO stream established once at the DRS's creation (flush or
// major compaction time).
//
// baseTS is the timestamp as of which the DRS's base columns are correct
// "as is": reads at or after baseTS apply REDO deltas forward; reads
// before baseTS apply UNDO deltas backward (spec.md §4.5's invariant
// "base ⊕ ordered(UNDOs descending) ⊕ ordered(REDOs ascending)"). This
// tracker treats baseTS as one value for the whole DRS, which is exact
// after a plain MRS flush or a major compaction (both establish a single
// "as-of" point for every row in the resulting base) and is a
// simplification for rows carried through a merging compaction whose
// original per-row insertion times differ.
type Tracker struct {
	mu sync.RWMutex

	baseTS mvcc.Timestamp

	redoActive *MemStore
	redoFiles  []*File

	undoFiles []*File

	liveBitmap *roaring.Bitmap // bit set => row currently live (pre-REDO)

	minLogIdx uint64
}

// NewTracker constructs a Tracker for a freshly flushed or compacted DRS.
// liveBitmap marks which of the DRS's rows are live as of baseTS (before
// any REDO is applied); undoFiles reconstruct state strictly before baseTS.
func NewTracker(baseTS mvcc.Timestamp, liveBitmap *roaring.Bitmap, undoFiles []*File) *Tracker {
	return &Tracker{
		baseTS:     baseTS,
		redoActive: NewMemStore(),
		undoFiles:  undoFiles,
		liveBitmap: liveBitmap.Clone(),
	}
}

// Mutate appends an update/delete/reinsert to the active REDO DMS. Callers
// (DiskRowSet.mutate) have already resolved pk -> row_id via the ad-hoc
// index.
func (t *Tracker) Mutate(row rowid.ID, ts mvcc.Timestamp, cl ChangeList) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.redoActive.Add(Key{RowID: row, TS: ts}, cl)
}

// Resolution is the outcome of folding base liveness with UNDO/REDO for one
// row as of a snapshot.
type Resolution struct {
	Deleted bool
	// Updates holds only the columns touched by a visible mutation; the
	// caller overlays these onto the row's base cell values.
	Updates map[uint32][]byte
}

// ApplyAt resolves one row's liveness and column overrides as of snapshot,
// implementing spec.md §4.8 step 3.
func (t *Tracker) ApplyAt(row rowid.ID, snapshot mvcc.Snapshot) (Resolution, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := Resolution{Deleted: !t.liveBitmap.Contains(uint32(row)), Updates: make(map[uint32][]byte)}

	if snapshot.IsVisible(t.baseTS) {
		return t.applyRedoLocked(row, snapshot, res)
	}
	return t.applyUndoLocked(row, snapshot, res)
}

// tsEntry is one (timestamp, change) pair collected from one or more delta
// files/stores before folding; entries must be sorted ascending by ts
// before being applied in either direction.
type tsEntry struct {
	ts mvcc.Timestamp
	cl ChangeList
}

// sortTsEntriesAscending is a small insertion sort: the entry counts here
// are per-row (a handful of mutations between flushes), far below where an
// O(n log n) sort would matter.
func sortTsEntriesAscending(es []tsEntry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].ts < es[j-1].ts; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

func (t *Tracker) applyRedoLocked(row rowid.ID, snapshot mvcc.Snapshot, res Resolution) (Resolution, error) {
	var entries []tsEntry
	for _, f := range t.redoFiles {
		if err := f.ForRow(row, func(ts mvcc.Timestamp, cl ChangeList) error {
			entries = append(entries, tsEntry{ts, cl})
			return nil
		}); err != nil {
			return Resolution{}, err
		}
	}
	t.redoActive.ForRow(row, func(ts mvcc.Timestamp, cl ChangeList) {
		entries = append(entries, tsEntry{ts, cl})
	})
	sortTsEntriesAscending(entries)
	for _, e := range entries {
		if !snapshot.IsVisible(e.ts) {
			continue
		}
		applyChange(&res, e.cl)
	}
	return res, nil
}

func (t *Tracker) applyUndoLocked(row rowid.ID, snapshot mvcc.Snapshot, res Resolution) (Resolution, error) {
	var entries []tsEntry
	for _, f := range t.undoFiles {
		if err := f.ForRow(row, func(ts mvcc.Timestamp, cl ChangeList) error {
			entries = append(entries, tsEntry{ts, cl})
			return nil
		}); err != nil {
			return Resolution{}, err
		}
	}
	sortTsEntriesAscending(entries)
	// Peel back, most recent first, every undo point not visible under the
	// snapshot (i.e. every change that happened after the requested read
	// point), stopping naturally once we run out of history.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if snapshot.IsVisible(e.ts) {
			continue
		}
		applyChange(&res, e.cl)
	}
	return res, nil
}

func applyChange(res *Resolution, cl ChangeList) {
	switch cl.Kind {
	case ChangeDelete:
		res.Deleted = true
	case ChangeReinsert:
		res.Deleted = false
		for _, u := range cl.Updates {
			res.Updates[u.ColumnID] = u.Value
		}
	case ChangeUpdate:
		for _, u := range cl.Updates {
			res.Updates[u.ColumnID] = u.Value
		}
	}
}

// FlushDMS seals the active REDO MemStore into a new delta.File, appends it
// to the REDO chain, and resets the active store (spec.md §4.4's "DMS
// flush produces an immutable REDO delta file").
func (t *Tracker) FlushDMS() (keysFile, recordsFile []byte, stats Stats, err error) {
	t.mu.Lock()
	active := t.redoActive
	t.mu.Unlock()

	if active.Empty() {
		return nil, nil, Stats{}, nil
	}
	w, err := NewFileWriter()
	if err != nil {
		return nil, nil, Stats{}, err
	}
	active.All(func(key Key, cl ChangeList) {
		_ = w.Add(key, cl)
	})
	keysFile, recordsFile, stats, err = w.Finish()
	if err != nil {
		return nil, nil, Stats{}, fmt.Errorf("delta: flush DMS: %w", err)
	}

	f, err := Open(keysFile, recordsFile, stats)
	if err != nil {
		return nil, nil, Stats{}, err
	}
	t.mu.Lock()
	t.redoFiles = append(t.redoFiles, f)
	t.redoActive = NewMemStore()
	t.mu.Unlock()
	return keysFile, recordsFile, stats, nil
}

// RedoFileCount reports how many flushed REDO delta files exist, the
// scheduler's proxy for "delta file height" (spec.md §4.9).
func (t *Tracker) RedoFileCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.redoFiles)
}

// ActiveRedoCount reports the number of unflushed records in the active
// REDO DMS, the scheduler's ram_anchored proxy for the delta side (spec.md
// §4.9).
func (t *Tracker) ActiveRedoCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.redoActive.Count()
}

// MinorCompactRedo merges every flushed REDO delta file (not the active
// DMS) into a single new file, reducing per-row read fan-out (spec.md
// §4.5). The caller persists the returned bytes and swaps them in via
// ReplaceRedoFiles.
func (t *Tracker) MinorCompactRedo() (keysFile, recordsFile []byte, stats Stats, err error) {
	t.mu.RLock()
	files := append([]*File(nil), t.redoFiles...)
	t.mu.RUnlock()
	if len(files) < 2 {
		return nil, nil, Stats{}, fmt.Errorf("delta: minor compaction needs at least two redo files, have %d", len(files))
	}

	merged := make(map[Key]ChangeList)
	var keys []Key
	for _, f := range files {
		if err := f.All(func(key Key, cl ChangeList) error {
			if _, dup := merged[key]; !dup {
				keys = append(keys, key)
			}
			merged[key] = cl
			return nil
		}); err != nil {
			return nil, nil, Stats{}, err
		}
	}
	sortKeysAscending(keys)

	w, err := NewFileWriter()
	if err != nil {
		return nil, nil, Stats{}, err
	}
	for _, k := range keys {
		if err := w.Add(k, merged[k]); err != nil {
			return nil, nil, Stats{}, err
		}
	}
	return w.Finish()
}

// ReplaceRedoFiles swaps the tracker's flushed REDO file list for a single
// compacted file, completing MinorCompactRedo.
func (t *Tracker) ReplaceRedoFiles(keysFile, recordsFile []byte, stats Stats) error {
	f, err := Open(keysFile, recordsFile, stats)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.redoFiles = []*File{f}
	t.mu.Unlock()
	return nil
}

// MajorCompactionPlan is the outcome of folding every qualifying REDO entry
// into the base columns (spec.md §4.5's major_compact_delta_stores): the
// per-row, per-column values the caller (DiskRowSet) must write into new
// base CFiles, the new liveness bitmap, and the UNDO entries needed to
// keep pre-compaction snapshots readable.
type MajorCompactionPlan struct {
	ColumnOverrides map[rowid.ID]map[uint32][]byte
	NewLiveBitmap   *roaring.Bitmap
	NewBaseTS       mvcc.Timestamp
	// NewUndoEntries are appended after the tracker's existing undo
	// files so that reads at any ts below NewBaseTS still see the
	// pre-compaction values for the folded columns.
	NewUndoEntries map[rowid.ID][]tsChange
}

// tsChange is an exported-shape pair carrying UNDO entries in the plan to
// ApplyMajorCompaction, which writes them into a new delta.File via
// FileWriter.
type tsChange struct {
	TS mvcc.Timestamp
	CL ChangeList
}

// PlanMajorCompaction folds every REDO entry currently tracked (across all
// rows) into column overrides and advances baseTS to newBaseTS (normally
// "now"). For each row touched, the UNDO entry emitted at each mutation's
// own timestamp stores the column values the row held immediately before
// that mutation, so that `ApplyAt` at any earlier snapshot still walks
// back to the right value — the same mechanism a fresh MRS flush uses,
// just replayed against the tracker's own in-memory folding instead of the
// MemRowSet's mutation chain.
//
// Limitation: when a REINSERT redo entry is folded,
// the synthesized UNDO reinsert only restores the columns that entry
// itself touched, not the row's full column set — correct for columns that
// were updated again after the reinsert, but a reinsert that left other
// columns at their pre-delete values relies on those values still being
// present in the (unchanged) base, which major compaction does not
// rewrite for untouched columns.
func (t *Tracker) PlanMajorCompaction(newBaseTS mvcc.Timestamp) (MajorCompactionPlan, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rowEntries := make(map[rowid.ID][]tsEntry)
	collect := func(row rowid.ID, ts mvcc.Timestamp, cl ChangeList) {
		rowEntries[row] = append(rowEntries[row], tsEntry{ts, cl})
	}
	for _, f := range t.redoFiles {
		if err := f.All(func(key Key, cl ChangeList) error {
			collect(key.RowID, key.TS, cl)
			return nil
		}); err != nil {
			return MajorCompactionPlan{}, err
		}
	}
	t.redoActive.All(func(key Key, cl ChangeList) {
		collect(key.RowID, key.TS, cl)
	})

	newLive := t.liveBitmap.Clone()
	overrides := make(map[rowid.ID]map[uint32][]byte)
	undo := make(map[rowid.ID][]tsChange)

	for row, entries := range rowEntries {
		sortTsEntriesAscending(entries)
		cols := make(map[uint32][]byte)
		deleted := !newLive.Contains(uint32(row))
		for _, e := range entries {
			before := deleted
			beforeCols := make(map[uint32][]byte, len(e.cl.Updates))
			for _, u := range e.cl.Updates {
				beforeCols[u.ColumnID] = cols[u.ColumnID]
			}
			switch e.cl.Kind {
			case ChangeDelete:
				deleted = true
				undo[row] = append(undo[row], tsChange{TS: e.ts, CL: ChangeList{Kind: boolToReinsertOrUpdate(!before)}})
			case ChangeReinsert:
				deleted = false
				for _, u := range e.cl.Updates {
					cols[u.ColumnID] = u.Value
				}
				undo[row] = append(undo[row], tsChange{TS: e.ts, CL: ChangeList{Kind: ChangeDelete}})
				_ = beforeCols
			case ChangeUpdate:
				var inv []ColumnUpdate
				for _, u := range e.cl.Updates {
					inv = append(inv, ColumnUpdate{ColumnID: u.ColumnID, Value: beforeCols[u.ColumnID]})
					cols[u.ColumnID] = u.Value
				}
				undo[row] = append(undo[row], tsChange{TS: e.ts, CL: ChangeList{Kind: ChangeUpdate, Updates: inv}})
			}
		}
		if deleted {
			newLive.Remove(uint32(row))
		} else {
			newLive.Add(uint32(row))
		}
		overrides[row] = cols
	}

	return MajorCompactionPlan{
		ColumnOverrides: overrides,
		NewLiveBitmap:   newLive,
		NewBaseTS:       newBaseTS,
		NewUndoEntries:  undo,
	}, nil
}

// boolToReinsertOrUpdate picks the inverse-of-delete undo kind: if the row
// was already live before this delete, the inverse is "it was live" i.e. a
// reinsert marker; this tracker does not retain pre-delete column values
// beyond what later redo entries touched, matching the limitation noted on
// PlanMajorCompaction.
func boolToReinsertOrUpdate(wasLiveBefore bool) ChangeKind {
	if wasLiveBefore {
		return ChangeReinsert
	}
	return ChangeDelete
}

// ApplyMajorCompaction commits a plan: advances baseTS, replaces the
// liveness bitmap, appends the new UNDO entries to the undo chain (as one
// freshly written delta.File), and drops every folded REDO record. The
// caller (DiskRowSet) is responsible for rewriting base column CFiles
// using plan.ColumnOverrides before calling this.
func (t *Tracker) ApplyMajorCompaction(plan MajorCompactionPlan) error {
	w, err := NewFileWriter()
	if err != nil {
		return err
	}
	var keys []Key
	byKey := make(map[Key]ChangeList)
	for row, changes := range plan.NewUndoEntries {
		for _, c := range changes {
			k := Key{RowID: row, TS: c.TS}
			keys = append(keys, k)
			byKey[k] = c.CL
		}
	}
	sortKeysAscending(keys)
	for _, k := range keys {
		if err := w.Add(k, byKey[k]); err != nil {
			return err
		}
	}
	keysFile, recordsFile, stats, err := w.Finish()
	if err != nil {
		return err
	}
	newUndo, err := Open(keysFile, recordsFile, stats)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.undoFiles = append(t.undoFiles, newUndo)
	t.liveBitmap = plan.NewLiveBitmap
	t.baseTS = plan.NewBaseTS
	t.redoFiles = nil
	t.redoActive = NewMemStore()
	return nil
}

// EstimateBytesInAncientUndos approximates the size of UNDO history older
// than mark, for the scheduler's data_retained_bytes signal (spec.md
// §4.5/§4.9). Each qualifying record is counted at a flat per-record
// estimate rather than its exact encoded size, since the scheduler only
// needs a relative ranking signal, not an exact byte count.
const estimatedBytesPerUndoRecord = 64

func (t *Tracker) EstimateBytesInAncientUndos(mark mvcc.Timestamp) (int64, error) {
	t.mu.RLock()
	files := append([]*File(nil), t.undoFiles...)
	t.mu.RUnlock()

	var count int64
	for _, f := range files {
		if err := f.All(func(key Key, cl ChangeList) error {
			if key.TS < mark {
				count++
			}
			return nil
		}); err != nil {
			return 0, err
		}
	}
	return count * estimatedBytesPerUndoRecord, nil
}

// DeleteAncientUndoDeltas discards every UNDO record with ts < mark
// (spec.md §4.5/Testable Property 6), rewriting the remaining records into
// a single file.
func (t *Tracker) DeleteAncientUndoDeltas(mark mvcc.Timestamp) error {
	t.mu.RLock()
	files := append([]*File(nil), t.undoFiles...)
	t.mu.RUnlock()

	var keys []Key
	byKey := make(map[Key]ChangeList)
	for _, f := range files {
		if err := f.All(func(key Key, cl ChangeList) error {
			if key.TS < mark {
				return nil
			}
			keys = append(keys, key)
			byKey[key] = cl
			return nil
		}); err != nil {
			return err
		}
	}
	sortKeysAscending(keys)

	w, err := NewFileWriter()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := w.Add(k, byKey[k]); err != nil {
			return err
		}
	}
	keysFile, recordsFile, stats, err := w.Finish()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		t.mu.Lock()
		t.undoFiles = nil
		t.mu.Unlock()
		return nil
	}
	newFile, err := Open(keysFile, recordsFile, stats)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.undoFiles = []*File{newFile}
	t.mu.Unlock()
	return nil
}

// SetMinLogIndex records the minimum WAL index this tracker's unflushed
// (active DMS) contents depend on.
func (t *Tracker) SetMinLogIndex(idx uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minLogIdx = idx
}

func (t *Tracker) MinLogIndex() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minLogIdx
}

func sortKeysAscending(keys []Key) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].Less(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
