package delta

import (
	"sync"

	"github.com/google/btree"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset/rowid"
)

// record is one stored (Key, ChangeList) pair, ordered by Key.
type record struct {
	key Key
	cl  ChangeList
}

func recordLess(a, b record) bool { return a.key.Less(b.key) }

// MemStore is the DeltaMemStore of spec.md §4.4: an ordered map keyed by
// (row_id, timestamp) holding REDO deltas not yet flushed to a DeltaFile.
// Ordered via google/btree.BTreeG, the same B-tree type already grounding
// the CFile positional index (cfile/index.go) and the teacher's
// commitment trie (state/domain_committed.go) — here used for its ordered
// range-scan support, which the scan path needs to pull "every delta for
// this row_id" in timestamp order (§4.4 lookup).
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[record]

	minLogIdx uint64
	stats     Stats
}

// Stats mirrors spec.md §4.4's "stats used by the scheduler", updated
// incrementally as records are added.
type Stats struct {
	ColumnUpdateCounts map[uint32]uint64
	MinTS, MaxTS       mvcc.Timestamp
	DeleteCount        uint64
	RecordCount        uint64
}

// NewMemStore constructs an empty DeltaMemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tree:  btree.NewG(32, recordLess),
		stats: Stats{ColumnUpdateCounts: make(map[uint32]uint64)},
	}
}

// Add appends one delta record (spec.md §4.4: DMS entries are REDO deltas
// before flush). Overwriting the same (row_id, ts) pair never happens in
// practice since timestamps are unique per op, but last-write-wins if it
// does.
func (m *MemStore) Add(key Key, cl ChangeList) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(record{key: key, cl: cl})

	if m.stats.RecordCount == 0 || key.TS < m.stats.MinTS {
		m.stats.MinTS = key.TS
	}
	if key.TS > m.stats.MaxTS {
		m.stats.MaxTS = key.TS
	}
	m.stats.RecordCount++
	switch cl.Kind {
	case ChangeDelete:
		m.stats.DeleteCount++
	default:
		for _, u := range cl.Updates {
			m.stats.ColumnUpdateCounts[u.ColumnID]++
		}
	}
}

// ForRow visits every delta for the given row_id in ascending timestamp
// order (spec.md §4.4's per-row range scan).
func (m *MemStore) ForRow(row rowid.ID, visit func(ts mvcc.Timestamp, cl ChangeList)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.AscendRange(
		record{key: Key{RowID: row, TS: 0}},
		record{key: Key{RowID: row + 1, TS: 0}},
		func(r record) bool {
			visit(r.key.TS, r.cl)
			return true
		},
	)
}

// Count returns the number of stored delta records.
func (m *MemStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Empty reports whether any delta has been added.
func (m *MemStore) Empty() bool { return m.Count() == 0 }

// GetStats returns a snapshot of the scheduler-facing statistics.
func (m *MemStore) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.stats
	cp := make(map[uint32]uint64, len(m.stats.ColumnUpdateCounts))
	for k, v := range m.stats.ColumnUpdateCounts {
		cp[k] = v
	}
	out.ColumnUpdateCounts = cp
	return out
}

// All visits every record in (row_id, ts) order; used by Flush to build a
// DeltaFile.
func (m *MemStore) All(visit func(key Key, cl ChangeList)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Ascend(func(r record) bool {
		visit(r.key, r.cl)
		return true
	})
}

// SetMinLogIndex records the minimum WAL index this store's unflushed
// contents depend on (spec.md §4.9's dms_min_log_idx, supplemented per
// SPEC_FULL.md §C.3).
func (m *MemStore) SetMinLogIndex(idx uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minLogIdx = idx
}

func (m *MemStore) MinLogIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minLogIdx
}
