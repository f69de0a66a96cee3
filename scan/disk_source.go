package scan

import (
	"github.com/erigontech/kudu-tablet-core/cfile"
	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/predicate"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/rowset/rowid"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// diskSource walks one DiskRowSet's row_id range in ascending order,
// decoding the needed columns, overlaying delta tracker results, and
// evaluating predicates per spec.md §4.8 steps 1-4.
//
// Predicates are evaluated against each column's base (pre-delta) value at
// decode time, via the same CopyNextAndEval dictionary short-circuit the
// block decoders expose. A row whose predicate column was later updated by
// a REDO/UNDO delta is therefore filtered on its original value, not the
// value the delta overlay substitutes afterward; re-checking post-overlay
// would need a second predicate pass over just the delta-touched rows.
type diskSource struct {
	drs   *rowset.DiskRowSet
	sch   *schema.Schema
	cols  []int
	preds map[int]predicate.Predicate
	snap  mvcc.Snapshot

	pkIt    *cfile.Iterator
	colIts  map[int]*cfile.Iterator
	ordinal uint32
	end     uint32
}

func newDiskSource(drs *rowset.DiskRowSet, sch *schema.Schema, cols []int, preds map[int]predicate.Predicate, snap mvcc.Snapshot, lo, hi []byte) (*diskSource, error) {
	start, end, err := drs.RowRangeForKeys(lo, hi)
	if err != nil {
		return nil, err
	}
	pkIt, err := drs.PKIterator()
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if err := pkIt.SeekToOrdinal(start); err != nil {
			return nil, err
		}
	}
	colIts := make(map[int]*cfile.Iterator, len(cols))
	for _, ci := range cols {
		it, err := drs.ColumnIterator(ci)
		if err != nil {
			return nil, err
		}
		if start > 0 {
			if err := it.SeekToOrdinal(start); err != nil {
				return nil, err
			}
		}
		colIts[ci] = it
	}
	return &diskSource{drs: drs, sch: sch, cols: cols, preds: preds, snap: snap, pkIt: pkIt, colIts: colIts, ordinal: start, end: end}, nil
}

// next decodes rows one ordinal at a time until one survives predicate
// evaluation, or the row_id range is exhausted.
func (s *diskSource) next() (rawRow, bool, error) {
	for s.ordinal < s.end {
		ord := s.ordinal
		s.ordinal++

		pkVals, err := s.pkIt.CopyNextValues(1)
		if err != nil {
			return rawRow{}, false, err
		}
		if len(pkVals) == 0 {
			return rawRow{}, false, nil
		}
		pk := pkVals[0]

		cells := make(map[int][]byte, len(s.cols))
		matched := true
		for _, ci := range s.cols {
			c := s.sch.Columns[ci]
			it := s.colIts[ci]
			pred, hasPred := s.preds[ci]

			var value []byte
			var null bool
			if c.Nullable {
				vs, nulls, err := it.CopyNextRows(1)
				if err != nil {
					return rawRow{}, false, err
				}
				if len(vs) == 0 {
					return rawRow{}, false, nil
				}
				value, null = vs[0], nulls[0]
				if hasPred {
					switch pred.Kind {
					case predicate.KindIsNull:
						if !null {
							matched = false
						}
					case predicate.KindIsNotNull:
						if null {
							matched = false
						}
					default:
						if null || !pred.Matches(value) {
							matched = false
						}
					}
				}
			} else if hasPred {
				sel := predicate.NewSelection(1)
				vs, err := it.CopyNextAndEval(1, pred, sel, 0)
				if err != nil {
					return rawRow{}, false, err
				}
				if len(vs) == 0 {
					return rawRow{}, false, nil
				}
				value = vs[0]
				if !sel.Get(0) {
					matched = false
				}
			} else {
				vs, err := it.CopyNextValues(1)
				if err != nil {
					return rawRow{}, false, err
				}
				if len(vs) == 0 {
					return rawRow{}, false, nil
				}
				value = vs[0]
			}
			cells[ci] = value
		}
		if !matched {
			continue
		}

		res, err := s.drs.ApplyDeltas(rowid.ID(ord), s.snap)
		if err != nil {
			return rawRow{}, false, err
		}
		for ci := range cells {
			if v, overridden := res.Updates[uint32(s.sch.Columns[ci].ID)]; overridden {
				cells[ci] = v
			}
		}
		return rawRow{PK: pk, Cells: cells, Deleted: res.Deleted}, true, nil
	}
	return rawRow{}, false, nil
}
