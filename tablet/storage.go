package tablet

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/blockstore"
	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// putBlock seals b as a new block in bs and returns its id, the glue
// BuildDiskRowSet's raw []byte outputs need to become a persisted
// RowSetMetadata entry (spec.md §6).
func putBlock(bs blockstore.Manager, b []byte) (blockstore.BlockID, error) {
	if len(b) == 0 {
		return "", nil
	}
	w, err := bs.Create()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(b); err != nil {
		_ = w.Abandon()
		return "", err
	}
	id, err := w.Finish()
	if err != nil {
		return "", err
	}
	return id, nil
}

func getBlock(bs blockstore.Manager, id blockstore.BlockID) ([]byte, error) {
	if id == "" {
		return nil, nil
	}
	return bs.Get(id)
}

// persistBuild writes every block a DiskRowSetBuild produced into bs,
// returning the RowSetMetadata entry that can reopen it later.
func persistBuild(bs blockstore.Manager, build *rowset.DiskRowSetBuild, flushTS mvcc.Timestamp) (RowSetMetadata, error) {
	meta := RowSetMetadata{
		RowSetID:     build.ID,
		ColumnBlocks: make([]blockstore.BlockID, len(build.ColumnBlocks)),
		UndoStats:    build.UndoStats,
		RowCount:     build.RowCount,
		FlushTS:      uint64(flushTS),
	}
	for i, b := range build.ColumnBlocks {
		id, err := putBlock(bs, b)
		if err != nil {
			return RowSetMetadata{}, fmt.Errorf("tablet: persist column block %d: %w", i, err)
		}
		meta.ColumnBlocks[i] = id
	}
	var err error
	if meta.PKIndexBlock, err = putBlock(bs, build.PKIndexBlock); err != nil {
		return RowSetMetadata{}, fmt.Errorf("tablet: persist pk index block: %w", err)
	}
	if meta.BloomBlock, err = putBlock(bs, build.BloomBlock); err != nil {
		return RowSetMetadata{}, fmt.Errorf("tablet: persist bloom block: %w", err)
	}
	if meta.UndoKeysBlock, err = putBlock(bs, build.UndoKeysBlock); err != nil {
		return RowSetMetadata{}, fmt.Errorf("tablet: persist undo keys block: %w", err)
	}
	if meta.UndoRecsBlock, err = putBlock(bs, build.UndoRecsBlock); err != nil {
		return RowSetMetadata{}, fmt.Errorf("tablet: persist undo recs block: %w", err)
	}
	return meta, nil
}

// openRowSet reads every block an entry names back out of bs and reopens
// the DiskRowSet they describe.
func openRowSet(bs blockstore.Manager, sch *schema.Schema, meta RowSetMetadata) (*rowset.DiskRowSet, error) {
	build := &rowset.DiskRowSetBuild{
		ID:           meta.RowSetID,
		ColumnBlocks: make([][]byte, len(meta.ColumnBlocks)),
		UndoStats:    meta.UndoStats,
		RowCount:     meta.RowCount,
	}
	for i, id := range meta.ColumnBlocks {
		b, err := getBlock(bs, id)
		if err != nil {
			return nil, fmt.Errorf("tablet: read column block %d: %w", i, err)
		}
		build.ColumnBlocks[i] = b
	}
	var err error
	if build.PKIndexBlock, err = getBlock(bs, meta.PKIndexBlock); err != nil {
		return nil, fmt.Errorf("tablet: read pk index block: %w", err)
	}
	if build.BloomBlock, err = getBlock(bs, meta.BloomBlock); err != nil {
		return nil, fmt.Errorf("tablet: read bloom block: %w", err)
	}
	if build.UndoKeysBlock, err = getBlock(bs, meta.UndoKeysBlock); err != nil {
		return nil, fmt.Errorf("tablet: read undo keys block: %w", err)
	}
	if build.UndoRecsBlock, err = getBlock(bs, meta.UndoRecsBlock); err != nil {
		return nil, fmt.Errorf("tablet: read undo recs block: %w", err)
	}
	return rowset.OpenDiskRowSet(meta.RowSetID, sch, build, mvcc.Timestamp(meta.FlushTS))
}

// persistDeltaFlush seals a DiskRowSet.FlushDeltas result into bs and
// folds the new block ids and stats into meta, replacing any earlier
// flushed-redo block (spec.md §4.9's minor-compaction path merges these
// down to one file; the tablet's flush step only ever appends the newest
// one here, since FlushDeltas itself already serializes against
// concurrent minor/major compactions via compactFlushLock).
func persistDeltaFlush(bs blockstore.Manager, meta RowSetMetadata, keysFile, recordsFile []byte) (RowSetMetadata, error) {
	var err error
	if meta.RedoKeysBlock, err = putBlock(bs, keysFile); err != nil {
		return meta, fmt.Errorf("tablet: persist redo keys block: %w", err)
	}
	if meta.RedoRecsBlock, err = putBlock(bs, recordsFile); err != nil {
		return meta, fmt.Errorf("tablet: persist redo recs block: %w", err)
	}
	return meta, nil
}
