package tablet

import (
	"context"
	"fmt"
	"time"

	"github.com/erigontech/kudu-tablet-core/maintenance"
	"github.com/erigontech/kudu-tablet-core/rowset"
)

const bloomFalsePositiveRate = 0.01

// WALDeleter hands off a WAL-GC decision to whatever owns the actual log
// segments (spec.md §6 treats the WAL/consensus metadata as an external
// collaborator); deleteBeforeIndex is exclusive, matching WALGCDecision.
type WALDeleter interface {
	DeleteSegmentsBefore(tabletID string, deleteBeforeIndex uint64) error
}

// noopWALDeleter only logs; used when a tablet has no WAL owner wired in.
type noopWALDeleter struct{}

func (noopWALDeleter) DeleteSegmentsBefore(tabletID string, idx uint64) error {
	warnf("wal gc: would delete segments of %s before index %d (no WALDeleter configured)", tabletID, idx)
	return nil
}

// RegisterMaintenanceOps (re)registers this tablet's MRS-flush, WAL-GC, and
// every current DiskRowSet's delta-flush/minor-compact/major-compact ops
// with sched (spec.md §4.9). Call again after any operation that changes
// the DRS set (a flush retires the old set's newcomer, a future drop
// retires an old one) so registrations track the live set.
func (t *Tablet) RegisterMaintenanceOps(sched *maintenance.Scheduler, wal WALDeleter) {
	if wal == nil {
		wal = noopWALDeleter{}
	}

	sched.Unregister(t.id + "-mrs-flush")
	sched.Register(t.flushOp(), 0)

	sched.Unregister(t.id + "-wal-gc")
	sched.Register(t.walGCOp(sched, wal), 0)

	t.componentLock.RLock()
	ids := make([]string, 0, len(t.drs))
	for id := range t.drs {
		ids = append(ids, id)
	}
	t.componentLock.RUnlock()

	for _, id := range ids {
		sched.Unregister(id + "-delta-flush")
		sched.Register(t.deltaFlushOp(id), 1)
		sched.Unregister(id + "-minor-compact")
		sched.Register(t.minorCompactOp(id), 2)
		sched.Unregister(id + "-major-compact")
		sched.Register(t.majorCompactOp(id), 2)
	}
}

// flushOp builds a maintenance.Op that flushes the current MemRowSet into a
// new DiskRowSet (spec.md §4.3/§4.5), serialized by MemRowSet's own
// single-flight flush semaphore.
func (t *Tablet) flushOp() *maintenance.FuncOp {
	th := maintenance.DefaultFlushThresholds()
	return maintenance.NewFuncOp(
		t.id+"-mrs-flush",
		t.id,
		func() maintenance.Stats {
			t.componentLock.RLock()
			mrs := t.mrs
			since := t.mrsSince
			t.componentLock.RUnlock()
			anchored := mrs.RAMAnchored()
			return maintenance.Stats{
				Runnable:        !mrs.Empty(),
				RAMAnchored:     anchored,
				PerfImprovement: maintenance.FlushPerfImprovement(anchored, time.Since(since), th),
			}
		},
		func(ctx context.Context) (bool, error) {
			t.componentLock.RLock()
			mrs := t.mrs
			t.componentLock.RUnlock()
			if mrs.Empty() {
				return false, nil
			}
			return mrs.TryAcquireFlush(), nil
		},
		t.performFlush,
	)
}

// performFlush runs the actual MRS -> DRS flush. It assumes Prepare already
// acquired the MRS's flush semaphore and releases it before returning.
func (t *Tablet) performFlush(ctx context.Context) error {
	t.componentLock.RLock()
	mrs := t.mrs
	sch := t.schema
	t.componentLock.RUnlock()
	defer mrs.ReleaseFlush()

	snap := t.mvccMgr.SnapshotNow()
	build, err := rowset.BuildDiskRowSet(fmt.Sprintf("%s-drs-%d", t.id, time.Now().UnixNano()), sch, mrs, snap, bloomFalsePositiveRate)
	if err != nil {
		return fmt.Errorf("tablet: build disk rowset: %w", err)
	}

	flushTS := t.mvccMgr.StartOp()
	t.mvccMgr.CommitOp(flushTS)

	meta, err := persistBuild(t.blocks, build, flushTS)
	if err != nil {
		return fmt.Errorf("tablet: persist build: %w", err)
	}
	drs, err := openRowSet(t.blocks, sch, meta)
	if err != nil {
		return fmt.Errorf("tablet: reopen freshly built rowset: %w", err)
	}

	t.componentLock.Lock()
	t.drs[drs.ID()] = drs
	t.rowMeta[drs.ID()] = meta
	t.mrs = rowset.NewMemRowSet(fmt.Sprintf("%s-mrs-%d", t.id, time.Now().UnixNano()))
	t.mrsSince = time.Now()
	t.rebuildTreeLocked()
	t.componentLock.Unlock()
	return nil
}

// deltaFlushOp seals a DiskRowSet's accumulated REDO mutations into a delta
// file (spec.md §4.4/§4.9). It looks the DiskRowSet up by id on every tick
// rather than closing over a pointer, since the set of registered delta ops
// is refreshed, but individual DiskRowSets outlive minor/major compactions.
func (t *Tablet) deltaFlushOp(rowsetID string) *maintenance.FuncOp {
	th := maintenance.DefaultFlushThresholds()
	return maintenance.NewFuncOp(
		rowsetID+"-delta-flush",
		t.id,
		func() maintenance.Stats {
			drs, ok := t.lookupDRS(rowsetID)
			if !ok {
				return maintenance.Stats{}
			}
			anchored := int64(drs.DeltaMemStoreSize()) * 1024 // rough per-entry estimate
			return maintenance.Stats{
				Runnable:        drs.DeltaMemStoreSize() > 0,
				RAMAnchored:     anchored,
				PerfImprovement: maintenance.FlushPerfImprovement(anchored, th.ThresholdSecs+time.Second, th),
			}
		},
		func(ctx context.Context) (bool, error) {
			drs, ok := t.lookupDRS(rowsetID)
			return ok && drs.DeltaMemStoreSize() > 0, nil
		},
		func(ctx context.Context) error {
			drs, ok := t.lookupDRS(rowsetID)
			if !ok {
				return nil
			}
			keysFile, recordsFile, _, err := drs.FlushDeltas()
			if err != nil {
				return fmt.Errorf("tablet: flush deltas for %s: %w", rowsetID, err)
			}
			t.componentLock.Lock()
			meta := t.rowMeta[rowsetID]
			t.componentLock.Unlock()
			meta, err = persistDeltaFlush(t.blocks, meta, keysFile, recordsFile)
			if err != nil {
				return fmt.Errorf("tablet: persist delta flush for %s: %w", rowsetID, err)
			}
			t.updateRowSetMeta(meta)
			return nil
		},
	)
}

// minorCompactOp merges a DiskRowSet's flushed REDO delta files into one
// (spec.md §4.5's minor_compact_delta_stores), reducing per-row lookup
// "height" without touching base columns.
func (t *Tablet) minorCompactOp(rowsetID string) *maintenance.FuncOp {
	return maintenance.NewFuncOp(
		rowsetID+"-minor-compact",
		t.id,
		func() maintenance.Stats {
			drs, ok := t.lookupDRS(rowsetID)
			if !ok {
				return maintenance.Stats{}
			}
			height := drs.DeltaMemStoreSize()
			return maintenance.Stats{
				Runnable:        height > 1,
				PerfImprovement: maintenance.DeltaCompactionPerfImprovement(height, 1.0),
			}
		},
		func(ctx context.Context) (bool, error) {
			drs, ok := t.lookupDRS(rowsetID)
			return ok && drs.DeltaMemStoreSize() > 1, nil
		},
		func(ctx context.Context) error {
			drs, ok := t.lookupDRS(rowsetID)
			if !ok {
				return nil
			}
			if err := drs.MinorCompactDeltaStores(); err != nil {
				return fmt.Errorf("tablet: minor compact %s: %w", rowsetID, err)
			}
			return nil
		},
	)
}

// majorCompactOp folds qualifying REDO entries into base columns as of the
// snapshot-now timestamp (spec.md §4.5's major_compact_delta_stores).
func (t *Tablet) majorCompactOp(rowsetID string) *maintenance.FuncOp {
	return maintenance.NewFuncOp(
		rowsetID+"-major-compact",
		t.id,
		func() maintenance.Stats {
			drs, ok := t.lookupDRS(rowsetID)
			if !ok {
				return maintenance.Stats{}
			}
			height := drs.DeltaMemStoreSize()
			affected := 0.0
			if rc := drs.CountRows(); rc > 0 {
				affected = float64(height) / float64(rc)
				if affected > 1 {
					affected = 1
				}
			}
			return maintenance.Stats{
				Runnable:        height > 2,
				PerfImprovement: maintenance.DeltaCompactionPerfImprovement(height, affected),
			}
		},
		func(ctx context.Context) (bool, error) {
			drs, ok := t.lookupDRS(rowsetID)
			return ok && drs.DeltaMemStoreSize() > 2, nil
		},
		func(ctx context.Context) error {
			drs, ok := t.lookupDRS(rowsetID)
			if !ok {
				return nil
			}
			newBaseTS := t.mvccMgr.SnapshotNow().CommittedBefore
			if err := drs.MajorCompactDeltaStores(newBaseTS); err != nil {
				return fmt.Errorf("tablet: major compact %s: %w", rowsetID, err)
			}
			return nil
		},
	)
}

// walGCOp computes the tablet-wide WAL GC watermark (spec.md §4.9's
// min_unflushed_log_index rule) and hands any retirable segments to wal,
// serialized by the scheduler's per-tablet WAL GC gate.
func (t *Tablet) walGCOp(sched *maintenance.Scheduler, wal WALDeleter) *maintenance.FuncOp {
	return maintenance.NewFuncOp(
		t.id+"-wal-gc",
		t.id,
		func() maintenance.Stats {
			watermark := t.minUnflushedLogIndex()
			return maintenance.Stats{
				Runnable:          watermark > 0,
				LogsRetainedBytes: int64(watermark) * 256, // rough per-segment estimate
			}
		},
		func(ctx context.Context) (bool, error) {
			return sched.WALGCGate(t.id).TryAcquire(), nil
		},
		func(ctx context.Context) error {
			gate := sched.WALGCGate(t.id)
			defer gate.Release()
			watermark := t.minUnflushedLogIndex()
			deleteBefore := maintenance.WALGCDecision(watermark, watermark)
			if deleteBefore == 0 {
				return nil
			}
			return wal.DeleteSegmentsBefore(t.id, deleteBefore)
		},
	)
}

// minUnflushedLogIndex publishes min(MRS, every DMS) per spec.md §4.9.
func (t *Tablet) minUnflushedLogIndex() uint64 {
	t.componentLock.RLock()
	defer t.componentLock.RUnlock()
	dmsIndexes := make([]uint64, 0, len(t.drs))
	for _, drs := range t.drs {
		dmsIndexes = append(dmsIndexes, drs.MinUnflushedLogIndex())
	}
	return maintenance.MinUnflushedLogIndex(t.mrs.MinUnflushedLogIndex(), dmsIndexes)
}

func (t *Tablet) lookupDRS(rowsetID string) (*rowset.DiskRowSet, bool) {
	t.componentLock.RLock()
	defer t.componentLock.RUnlock()
	drs, ok := t.drs[rowsetID]
	return drs, ok
}
