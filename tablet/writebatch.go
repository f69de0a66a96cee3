package tablet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// RowOpKind distinguishes an insert (full row cells) from a mutation
// (change list against an already-present row).
type RowOpKind uint8

const (
	RowInsert RowOpKind = iota
	RowMutate
)

// RowOp is one row operation within a WriteBatch (spec.md §4.10's
// "pre-ordered, timestamped set of row operations from consensus" — the
// consensus timestamp itself is out of scope here; ApplyWriteBatch assigns
// the MVCC commit timestamp for the whole batch).
type RowOp struct {
	Kind RowOpKind

	// PKValues holds one encoded value per primary-key column, in schema
	// order, used to route the op and to acquire its row lock.
	PKValues [][]byte

	// Cells holds every column's encoded value, in schema order, for
	// RowInsert. Ignored for RowMutate.
	Cells [][]byte

	// Change is the update/delete/reinsert change list for RowMutate.
	// Ignored for RowInsert.
	Change rowset.ChangeList
}

// WriteBatch is a batch of row operations applied atomically from the
// coordinator's point of view: all ops share one MVCC commit timestamp.
type WriteBatch struct {
	Ops []RowOp
}

// BatchResult carries one rowset.OpResult per RowOp, in the same order as
// WriteBatch.Ops (spec.md §4.10 phase 4).
type BatchResult struct {
	Results []rowset.OpResult
}

// ApplyWriteBatch runs the four-phase write path of spec.md §4.10:
//  1. acquire PK row locks in deterministic order to avoid deadlock,
//  2. route each op to its owning rowset via the RowSetTree,
//  3. commit the MVCC op,
//  4. return per-row results.
func (t *Tablet) ApplyWriteBatch(ctx context.Context, batch WriteBatch) (BatchResult, error) {
	sch := t.Schema()

	encoded := make([][]byte, len(batch.Ops))
	for i, op := range batch.Ops {
		pk, err := schema.EncodePK(sch, op.PKValues)
		if err != nil {
			return BatchResult{}, fmt.Errorf("tablet: encode pk for op %d: %w", i, err)
		}
		encoded[i] = pk
	}

	// Phase 1: lock every distinct PK touched by this batch, in sorted
	// order, so two concurrent batches touching the same rows never
	// deadlock against each other.
	unlock := t.lockRowsSorted(encoded)
	defer unlock()

	ts := t.mvccMgr.StartOp()
	opID := t.nextOpIDLocked()
	committed := false
	defer func() {
		if !committed {
			t.mvccMgr.AbortOp(ts)
		}
	}()

	t.componentLock.RLock()
	tree := t.tree
	mrs := t.mrs
	t.componentLock.RUnlock()

	results := make([]rowset.OpResult, len(batch.Ops))
	for i, op := range batch.Ops {
		pk := encoded[i]
		switch op.Kind {
		case RowInsert:
			results[i] = t.applyInsert(tree, mrs, pk, op, ts, opID)
		case RowMutate:
			res, err := t.applyMutate(tree, mrs, pk, op, ts, opID)
			if err != nil {
				return BatchResult{}, fmt.Errorf("tablet: apply op %d: %w", i, err)
			}
			results[i] = res
		default:
			return BatchResult{}, fmt.Errorf("tablet: unknown row op kind %d", op.Kind)
		}
	}

	t.mvccMgr.CommitOp(ts)
	committed = true
	return BatchResult{Results: results}, nil
}

// applyInsert checks presence across the MRS and every candidate DRS before
// inserting into the MRS (spec.md §4.6: "MRS always receives new inserts").
func (t *Tablet) applyInsert(tree *rowset.Tree, mrs *rowset.MemRowSet, pk []byte, op RowOp, ts mvcc.Timestamp, opID uint64) rowset.OpResult {
	encodedPK := string(pk)
	if mrs.Contains(encodedPK) {
		return rowset.OpAlreadyPresent
	}
	snap := t.mvccMgr.SnapshotNow()
	for _, rs := range tree.FindRowsetsContaining(pk) {
		drs, ok := rs.(*rowset.DiskRowSet)
		if !ok {
			continue
		}
		present, err := drs.CheckRowPresent(pk, snap)
		if err != nil {
			warnf("check row present in %s: %v", drs.ID(), err)
			continue
		}
		if present {
			return rowset.OpAlreadyPresent
		}
	}
	var rowBytes int64
	for _, c := range op.Cells {
		rowBytes += int64(len(c))
	}
	return mrs.Insert(encodedPK, op.Cells, ts, opID, rowBytes, rowBytes)
}

// applyMutate finds the single rowset currently owning pk and applies the
// change list there (spec.md §4.6's routing: a live row lives in exactly
// one of the MRS or one DRS at a time).
func (t *Tablet) applyMutate(tree *rowset.Tree, mrs *rowset.MemRowSet, pk []byte, op RowOp, ts mvcc.Timestamp, opID uint64) (rowset.OpResult, error) {
	encodedPK := string(pk)
	if mrs.Contains(encodedPK) {
		return mrs.Mutate(encodedPK, op.Change, ts, opID, estimateChangeListBytes(op.Change)), nil
	}
	for _, rs := range tree.FindRowsetsContaining(pk) {
		drs, ok := rs.(*rowset.DiskRowSet)
		if !ok {
			continue
		}
		res, err := drs.Mutate(pk, op.Change, ts, opID)
		if err != nil {
			return rowset.OpNotFound, fmt.Errorf("mutate in rowset %s: %w", drs.ID(), err)
		}
		if res != rowset.OpNotFound {
			return res, nil
		}
	}
	return rowset.OpNotFound, nil
}

func estimateChangeListBytes(cl rowset.ChangeList) int64 {
	var n int64
	for _, u := range cl.Updates {
		n += int64(len(u.Value))
	}
	return n
}

// lockRowsSorted acquires one mutex per distinct encoded PK in sorted
// order and returns a function that releases them all.
func (t *Tablet) lockRowsSorted(encoded [][]byte) func() {
	seen := make(map[string]struct{}, len(encoded))
	keys := make([]string, 0, len(encoded))
	for _, pk := range encoded {
		k := string(pk)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mus := make([]*sync.Mutex, len(keys))
	for i, k := range keys {
		mus[i] = t.lockRow(k)
	}
	for _, mu := range mus {
		mu.Lock()
	}
	return func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}
}
