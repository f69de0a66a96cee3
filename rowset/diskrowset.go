package rowset

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/erigontech/kudu-tablet-core/cfile"
	"github.com/erigontech/kudu-tablet-core/cfile/encoding"
	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset/delta"
	"github.com/erigontech/kudu-tablet-core/rowset/rowid"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// DiskRowSet is the on-disk, immutable (except for its delta stores) unit
// of spec.md §4.5: one base CFile per column, a bloom filter and ad-hoc
// value index over encoded primary keys, and a DeltaTracker overlaying
// mutations committed after the DRS was built. It is the tablet's
// concurrency and compaction unit: a single compactFlushLock serializes
// flush-delta/minor/major-compaction operations against each other.
type DiskRowSet struct {
	id     string
	schema *schema.Schema

	// baseColumns holds one reader per non-virtual schema column, indexed
	// the same way as schema.Columns.
	baseColumns []*cfile.Reader
	// colIndex maps a schema.Columns index to its slot in baseColumns, or
	// -1 for virtual columns which are never stored.
	colIndex []int
	pkIndex  *cfile.Reader // Binary, value-indexed, row_id == ordinal
	bloom    *BloomFilter

	tracker *delta.Tracker

	rowCount uint32

	compactFlushLock sync.Mutex
}

// baseColumnWriterOptions picks the CFile layout for one base column. PK
// lookups resolve through the dedicated pkIndex column (which carries its
// own value index); base PK columns are still stored plainly so projection
// can read their values back during a scan.
func baseColumnWriterOptions(c schema.Column) cfile.WriterOptions {
	return cfile.WriterOptions{
		Type:        c.Type,
		TypeLen:     c.TypeLen,
		Nullable:    c.Nullable,
		Encoding:    chooseEncoding(c),
		Compression: c.Compression,
	}
}

// chooseEncoding maps a schema-declared encoding preference onto the CFile
// block-encoding identifier, defaulting unspecified columns to plain —
// the same default the teacher's column writers fall back to absent an
// explicit request.
func chooseEncoding(c schema.Column) encoding.Kind {
	switch c.Encoding {
	case schema.EncodingBitshuffle:
		return encoding.KindBitshuffle
	case schema.EncodingPrefix:
		return encoding.KindPrefix
	case schema.EncodingRLE:
		return encoding.KindRLE
	case schema.EncodingDictionary:
		return encoding.KindDictionary
	default:
		return encoding.KindPlain
	}
}

// DiskRowSetBuild is the sealed output of flushing a MemRowSet (or
// compacting existing DiskRowSets) into a brand-new DRS: the raw column
// block bytes the caller persists via the block manager, plus the encoded
// metadata needed to reopen it.
type DiskRowSetBuild struct {
	ID            string
	ColumnBlocks  [][]byte // indexed like schema.Columns (non-virtual only)
	PKIndexBlock  []byte
	BloomBlock    []byte
	UndoKeysBlock []byte
	UndoRecsBlock []byte
	UndoStats     delta.Stats
	RowCount      uint32
}

// BuildDiskRowSet flushes a MemRowSet snapshot into a new DiskRowSet's base
// columns, ad-hoc PK index, bloom filter, and UNDO delta file (spec.md
// §4.3's flush / §4.5's DRS construction). The flushTS later passed to
// OpenDiskRowSet becomes the resulting
// DRS's baseTS: reads at or after flushTS resolve through the (initially
// empty) REDO path, reads before it fold the UNDO entries this build emits.
func BuildDiskRowSet(id string, sch *schema.Schema, mrs *MemRowSet, snap mvcc.Snapshot, expectedFPRate float64) (*DiskRowSetBuild, error) {
	rows := mrs.FlushSnapshot(snap)

	columnWriters := make([]*cfile.Writer, 0, len(sch.Columns))
	colIdx := make(map[int]int) // schema column index -> columnWriters index
	for i, c := range sch.Columns {
		if c.Virtual {
			continue
		}
		w, err := cfile.NewWriter(baseColumnWriterOptions(c))
		if err != nil {
			return nil, fmt.Errorf("rowset: new column writer for %q: %w", c.Name, err)
		}
		colIdx[i] = len(columnWriters)
		columnWriters = append(columnWriters, w)
	}

	pkWriter, err := cfile.NewWriter(cfile.WriterOptions{Type: schema.Binary, Encoding: encoding.KindPlain, WithValueIndex: true})
	if err != nil {
		return nil, fmt.Errorf("rowset: new pk index writer: %w", err)
	}

	bloom := NewBloomFilter(max(len(rows), 1), expectedFPRate)

	undoWriter, err := delta.NewFileWriter()
	if err != nil {
		return nil, fmt.Errorf("rowset: new undo writer: %w", err)
	}

	for ordinal, row := range rows {
		for i, c := range sch.Columns {
			if c.Virtual {
				continue
			}
			wi := colIdx[i]
			if c.Nullable {
				null := row.Cells[i] == nil
				if err := columnWriters[wi].AddRows([][]byte{row.Cells[i]}, []bool{null}); err != nil {
					return nil, fmt.Errorf("rowset: write column %q: %w", c.Name, err)
				}
				continue
			}
			if err := columnWriters[wi].Add([][]byte{row.Cells[i]}); err != nil {
				return nil, fmt.Errorf("rowset: write column %q: %w", c.Name, err)
			}
		}
		pk, err := schema.EncodePK(sch, row.Cells)
		if err != nil {
			return nil, fmt.Errorf("rowset: encode pk: %w", err)
		}
		if err := pkWriter.Add([][]byte{pk}); err != nil {
			return nil, fmt.Errorf("rowset: write pk index: %w", err)
		}
		bloom.Add(pk)

		for _, step := range row.UndoSteps {
			key := delta.Key{RowID: rowid.ID(ordinal), TS: step.TS}
			cl := delta.ChangeList{Kind: step.Kind, Updates: toDeltaUpdates(step.Updates)}
			if err := undoWriter.Add(key, cl); err != nil {
				return nil, fmt.Errorf("rowset: write undo entry: %w", err)
			}
		}
	}

	blocks := make([][]byte, len(columnWriters))
	for i, w := range columnWriters {
		b, err := w.Finish()
		if err != nil {
			return nil, fmt.Errorf("rowset: finish column block: %w", err)
		}
		blocks[i] = b
	}
	pkBlock, err := pkWriter.Finish()
	if err != nil {
		return nil, fmt.Errorf("rowset: finish pk index: %w", err)
	}
	bloomBlock, err := bloom.Serialize()
	if err != nil {
		return nil, fmt.Errorf("rowset: serialize bloom filter: %w", err)
	}
	undoKeys, undoRecs, undoStats, err := undoWriter.Finish()
	if err != nil {
		return nil, fmt.Errorf("rowset: finish undo file: %w", err)
	}

	return &DiskRowSetBuild{
		ID:            id,
		ColumnBlocks:  blocks,
		PKIndexBlock:  pkBlock,
		BloomBlock:    bloomBlock,
		UndoKeysBlock: undoKeys,
		UndoRecsBlock: undoRecs,
		UndoStats:     undoStats,
		RowCount:      uint32(len(rows)),
	}, nil
}

func toDeltaUpdates(us []ColumnUpdate) []delta.ColumnUpdate {
	out := make([]delta.ColumnUpdate, len(us))
	for i, u := range us {
		out[i] = delta.ColumnUpdate{ColumnID: u.ColumnID, Value: u.Value}
	}
	return out
}

// OpenDiskRowSet reopens a previously built DRS from its persisted blocks
// (spec.md §4.5's "On open: load base CFiles lazily ... instantiate
// DeltaTracker"). flushTS is the timestamp the build's snapshot stands for;
// it becomes the DRS's baseTS.
func OpenDiskRowSet(id string, sch *schema.Schema, build *DiskRowSetBuild, flushTS mvcc.Timestamp) (*DiskRowSet, error) {
	baseColumns := make([]*cfile.Reader, len(build.ColumnBlocks))
	for i, b := range build.ColumnBlocks {
		r, err := cfile.Open(b)
		if err != nil {
			return nil, fmt.Errorf("rowset: open column block %d: %w", i, err)
		}
		baseColumns[i] = r
	}
	pkIndex, err := cfile.Open(build.PKIndexBlock)
	if err != nil {
		return nil, fmt.Errorf("rowset: open pk index: %w", err)
	}
	bloom, err := DeserializeBloomFilter(build.BloomBlock)
	if err != nil {
		return nil, fmt.Errorf("rowset: deserialize bloom filter: %w", err)
	}

	live := roaring.New()
	for i := uint32(0); i < build.RowCount; i++ {
		live.Add(i)
	}
	var undoFiles []*delta.File
	if build.UndoKeysBlock != nil {
		f, err := delta.Open(build.UndoKeysBlock, build.UndoRecsBlock, build.UndoStats)
		if err != nil {
			return nil, fmt.Errorf("rowset: open undo file: %w", err)
		}
		undoFiles = []*delta.File{f}
	}

	colIndex := make([]int, len(sch.Columns))
	next := 0
	for i, c := range sch.Columns {
		if c.Virtual {
			colIndex[i] = -1
			continue
		}
		colIndex[i] = next
		next++
	}

	return &DiskRowSet{
		id:          id,
		schema:      sch,
		baseColumns: baseColumns,
		colIndex:    colIndex,
		pkIndex:     pkIndex,
		bloom:       bloom,
		tracker:     delta.NewTracker(flushTS, live, undoFiles),
		rowCount:    build.RowCount,
	}, nil
}

// ID implements RowSet.
func (d *DiskRowSet) ID() string { return d.id }

// KeyRange implements RowSet, reporting the encoded min/max primary keys
// recorded in the ad-hoc index's footer (spec.md §4.2's mandatory base-data
// metadata).
func (d *DiskRowSet) KeyRange() (minKey, maxKey []byte) {
	return d.pkIndex.Footer.MinKey, d.pkIndex.Footer.MaxKey
}

// lookupRowID resolves an encoded PK to its base row ordinal via the bloom
// filter then the ad-hoc index (spec.md §4.5's mutate/check_row_present
// lookup chain).
func (d *DiskRowSet) lookupRowID(pk []byte) (rowid.ID, bool, error) {
	if !d.bloom.MayContain(pk) {
		return 0, false, nil
	}
	it, err := d.pkIndex.NewIterator()
	if err != nil {
		return 0, false, fmt.Errorf("rowset: new pk index iterator: %w", err)
	}
	ordinal, exact, err := it.SeekAtOrAfterValue(pk)
	if err != nil {
		return 0, false, err
	}
	if !exact {
		return 0, false, nil
	}
	return rowid.ID(ordinal), true, nil
}

// CheckRowPresent reports whether pk currently resolves to a live row
// (base existence confirmed by the ad-hoc index, liveness resolved through
// the DeltaTracker at a read-latest snapshot).
func (d *DiskRowSet) CheckRowPresent(pk []byte, snap mvcc.Snapshot) (bool, error) {
	row, found, err := d.lookupRowID(pk)
	if err != nil || !found {
		return false, err
	}
	res, err := d.tracker.ApplyAt(row, snap)
	if err != nil {
		return false, err
	}
	return !res.Deleted, nil
}

// Mutate appends an update/delete/reinsert change list against the row
// identified by pk (spec.md §4.5's mutate). Returns OpNotFound if pk does
// not resolve to any row in this DRS's base data.
func (d *DiskRowSet) Mutate(pk []byte, cl ChangeList, ts mvcc.Timestamp, opID uint64) (OpResult, error) {
	row, found, err := d.lookupRowID(pk)
	if err != nil {
		return OpNotFound, err
	}
	if !found {
		return OpNotFound, nil
	}
	d.tracker.Mutate(row, ts, delta.ChangeList{Kind: delta.ChangeKind(cl.Kind), Updates: toDeltaUpdates(cl.Updates)})
	return OpOK, nil
}

// CountRows returns the number of rows ever present in this DRS's base
// data (live or since deleted).
func (d *DiskRowSet) CountRows() uint32 { return d.rowCount }

// CountLiveRows returns the number of rows currently live as of a
// read-latest snapshot over the DRS (ignoring in-flight writes).
func (d *DiskRowSet) CountLiveRows(snap mvcc.Snapshot) (uint32, error) {
	var count uint32
	for i := uint32(0); i < d.rowCount; i++ {
		res, err := d.tracker.ApplyAt(rowid.ID(i), snap)
		if err != nil {
			return 0, err
		}
		if !res.Deleted {
			count++
		}
	}
	return count, nil
}

// OnDiskSize approximates the DRS's base-data footprint for the
// maintenance scheduler's perf-improvement estimates (spec.md §4.9):
// the sum of each base column's footer-reported value count times its
// fixed width, a reasonable proxy absent direct access to block-manager
// byte accounting.
func (d *DiskRowSet) OnDiskSize() int64 {
	var total int64
	for _, c := range d.baseColumns {
		w, fixed := c.Footer.ColumnType.FixedWidth()
		if !fixed {
			w = 16 // conservative guess for variable-width average payload
		}
		total += int64(c.Footer.ValueCount) * int64(w)
	}
	return total
}

// DeltaMemStoreSize reports the active REDO DMS's record count, the
// scheduler's proxy for ram_anchored on the delta side (spec.md §4.9).
func (d *DiskRowSet) DeltaMemStoreSize() int { return d.tracker.ActiveRedoCount() }

// MinUnflushedLogIndex returns the WAL index watermark the tracker's
// unflushed REDO contents depend on.
func (d *DiskRowSet) MinUnflushedLogIndex() uint64 { return d.tracker.MinLogIndex() }

// FlushDeltas seals the active REDO DMS into a new delta file, serializing
// against other compactions on this DRS via compactFlushLock (spec.md
// §4.5's per-DRS exclusive lock).
func (d *DiskRowSet) FlushDeltas() (keysFile, recordsFile []byte, stats delta.Stats, err error) {
	d.compactFlushLock.Lock()
	defer d.compactFlushLock.Unlock()
	return d.tracker.FlushDMS()
}

// MinorCompactDeltaStores merges the flushed REDO delta files into one,
// then swaps them in.
func (d *DiskRowSet) MinorCompactDeltaStores() error {
	d.compactFlushLock.Lock()
	defer d.compactFlushLock.Unlock()
	keysFile, recordsFile, stats, err := d.tracker.MinorCompactRedo()
	if err != nil {
		return err
	}
	return d.tracker.ReplaceRedoFiles(keysFile, recordsFile, stats)
}

// MajorCompactDeltaStores folds every qualifying REDO entry into the base
// columns as of newBaseTS, rewriting base column blocks in place for the
// touched columns and advancing the tracker's UNDO chain so
// pre-compaction reads remain correct (spec.md §4.5's
// major_compact_delta_stores).
func (d *DiskRowSet) MajorCompactDeltaStores(newBaseTS mvcc.Timestamp) error {
	d.compactFlushLock.Lock()
	defer d.compactFlushLock.Unlock()

	plan, err := d.tracker.PlanMajorCompaction(newBaseTS)
	if err != nil {
		return err
	}
	if len(plan.ColumnOverrides) > 0 {
		if err := d.rewriteBaseColumns(plan.ColumnOverrides); err != nil {
			return err
		}
	}
	return d.tracker.ApplyMajorCompaction(plan)
}

// rewriteBaseColumns replaces every touched column's CFile with one that
// carries the folded REDO values for the rows in overrides, leaving
// untouched rows and columns byte-identical in content (re-encoded, since
// CFiles are immutable and rewritten wholesale on major compaction).
func (d *DiskRowSet) rewriteBaseColumns(overrides map[rowid.ID]map[uint32][]byte) error {
	touchedCols := make(map[uint32]bool)
	for _, cols := range overrides {
		for id := range cols {
			touchedCols[id] = true
		}
	}

	for i, c := range d.schema.Columns {
		if c.Virtual || !touchedCols[uint32(c.ID)] {
			continue
		}
		colWriterIdx := d.colIndex[i]
		if colWriterIdx < 0 || colWriterIdx >= len(d.baseColumns) {
			continue
		}
		old := d.baseColumns[colWriterIdx]
		w, err := cfile.NewWriter(baseColumnWriterOptions(c))
		if err != nil {
			return fmt.Errorf("rowset: major compaction: new writer for %q: %w", c.Name, err)
		}
		it, err := old.NewIterator()
		if err != nil {
			return fmt.Errorf("rowset: major compaction: iterate %q: %w", c.Name, err)
		}
		for row := uint32(0); row < d.rowCount; row++ {
			// Always consume exactly one value/row from the original
			// column, even when an override supersedes it, so the
			// iterator stays aligned with subsequent rows.
			value, null := readOneCell(it, c.Nullable)
			if override, ok := overrides[rowid.ID(row)]; ok {
				if v, touched := override[uint32(c.ID)]; touched {
					value, null = v, false
				}
			}
			if c.Nullable {
				if err := w.AddRows([][]byte{value}, []bool{null}); err != nil {
					return err
				}
				continue
			}
			if err := w.Add([][]byte{value}); err != nil {
				return err
			}
		}
		block, err := w.Finish()
		if err != nil {
			return err
		}
		reopened, err := cfile.Open(block)
		if err != nil {
			return err
		}
		d.baseColumns[colWriterIdx] = reopened
	}
	return nil
}

// readOneCell pulls the next row's value from a column iterator
// positioned monotonically across the whole rewrite scan.
func readOneCell(it *cfile.Iterator, nullable bool) (value []byte, null bool) {
	if nullable {
		vs, nulls, err := it.CopyNextRows(1)
		if err != nil || len(vs) == 0 {
			return nil, true
		}
		return vs[0], nulls[0]
	}
	vs, err := it.CopyNextValues(1)
	if err != nil || len(vs) == 0 {
		return nil, false
	}
	return vs[0], false
}

// Schema returns the schema this DRS was built against, for scan-path
// projection planning.
func (d *DiskRowSet) Schema() *schema.Schema { return d.schema }

// ColumnIterator opens a fresh iterator over the base CFile backing the
// non-virtual column at schemaIdx, or an error if schemaIdx names a virtual
// column (which is never stored).
func (d *DiskRowSet) ColumnIterator(schemaIdx int) (*cfile.Iterator, error) {
	wi := d.colIndex[schemaIdx]
	if wi < 0 {
		return nil, fmt.Errorf("rowset: column %q is virtual, has no base data", d.schema.Columns[schemaIdx].Name)
	}
	return d.baseColumns[wi].NewIterator()
}

// PKIterator opens a fresh iterator over the ad-hoc primary-key index,
// whose ordinal position is the row_id space every other per-row lookup
// (delta tracker, column iterators) is keyed in.
func (d *DiskRowSet) PKIterator() (*cfile.Iterator, error) { return d.pkIndex.NewIterator() }

// RowRangeForKeys resolves a [lo, hi) encoded-PK range to the [start, end)
// row_id ordinal range covering it (spec.md §4.8 step 1's "seek by PK range
// using the ad-hoc index"). A nil bound is unbounded on that side.
func (d *DiskRowSet) RowRangeForKeys(lo, hi []byte) (start, end uint32, err error) {
	if lo == nil {
		start = 0
	} else {
		it, err := d.pkIndex.NewIterator()
		if err != nil {
			return 0, 0, err
		}
		start, _, err = it.SeekAtOrAfterValue(lo)
		if err != nil {
			return 0, 0, err
		}
	}
	if hi == nil {
		end = d.rowCount
	} else {
		it, err := d.pkIndex.NewIterator()
		if err != nil {
			return 0, 0, err
		}
		end, _, err = it.SeekAtOrAfterValue(hi)
		if err != nil {
			return 0, 0, err
		}
	}
	if end < start {
		end = start
	}
	return start, end, nil
}

// ApplyDeltas resolves one row's liveness and column overrides as of snap,
// the scan path's entry point into the DeltaTracker (spec.md §4.8 step 3).
func (d *DiskRowSet) ApplyDeltas(row rowid.ID, snap mvcc.Snapshot) (delta.Resolution, error) {
	return d.tracker.ApplyAt(row, snap)
}

// EstimateBytesInAncientUndos delegates to the tracker for the scheduler's
// data-retention signal (spec.md §4.5/§4.9).
func (d *DiskRowSet) EstimateBytesInAncientUndos(mark mvcc.Timestamp) (int64, error) {
	return d.tracker.EstimateBytesInAncientUndos(mark)
}

// DeleteAncientUndoDeltas discards UNDO history older than mark (spec.md
// §4.5, Testable Property 6).
func (d *DiskRowSet) DeleteAncientUndoDeltas(mark mvcc.Timestamp) error {
	d.compactFlushLock.Lock()
	defer d.compactFlushLock.Unlock()
	return d.tracker.DeleteAncientUndoDeltas(mark)
}
