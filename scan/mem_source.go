package scan

import (
	"bytes"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/predicate"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// memSource wraps a MemRowSet.Iterator, which already resolves a row's
// cells and deleted flag against the snapshot; it only needs key-range
// trimming and predicate evaluation.
type memSource struct {
	it    *rowset.Iterator
	sch   *schema.Schema
	cols  []int
	preds map[int]predicate.Predicate
	lo, hi []byte
}

func newMemSource(mrs *rowset.MemRowSet, sch *schema.Schema, cols []int, preds map[int]predicate.Predicate, snap mvcc.Snapshot, lo, hi []byte) *memSource {
	return &memSource{it: mrs.NewIterator(snap), sch: sch, cols: cols, preds: preds, lo: lo, hi: hi}
}

func (s *memSource) next() (rawRow, bool, error) {
	for {
		row, ok := s.it.Next()
		if !ok {
			return rawRow{}, false, nil
		}
		pk := []byte(row.PK)
		if s.lo != nil && bytes.Compare(pk, s.lo) < 0 {
			continue
		}
		if s.hi != nil && bytes.Compare(pk, s.hi) >= 0 {
			continue
		}
		cells := make(map[int][]byte, len(s.cols))
		matched := true
		for _, ci := range s.cols {
			var v []byte
			id := int(s.sch.Columns[ci].ID)
			if id < len(row.Cells) {
				v = row.Cells[id]
			}
			cells[ci] = v
			if pred, ok := s.preds[ci]; ok {
				switch pred.Kind {
				case predicate.KindIsNull:
					if v != nil {
						matched = false
					}
				case predicate.KindIsNotNull:
					if v == nil {
						matched = false
					}
				default:
					if v == nil || !pred.Matches(v) {
						matched = false
					}
				}
			}
		}
		if !matched {
			continue
		}
		return rawRow{PK: pk, Cells: cells, Deleted: row.Deleted}, true, nil
	}
}
