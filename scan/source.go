package scan

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/predicate"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// rawRow is one rowset's resolved row before cross-rowset merge: its
// encoded PK, the cell values needed by this scan (keyed by schema column
// index, non-virtual columns only), and whether it is currently deleted as
// of the scan's snapshot.
//
// Column values are keyed by schema column index rather than carried as a
// dense slice because a scan only decodes the columns it actually needs
// (projected columns plus predicate columns); the two MemRowSet/DiskRowSet
// mutation paths separately require a table's non-virtual columns to carry
// IDs equal to their position among non-virtual columns (ColumnUpdate.ColumnID
// is used as a direct index into both the MRS cell slice and a DRS's delta
// overlay map), which this package relies on when resolving overlays.
type rawRow struct {
	PK      []byte
	Cells   map[int][]byte
	Deleted bool
}

// source yields rawRows in ascending PK order for one rowset, already
// restricted to a key range, already delta-resolved, and already filtered
// by pushed-down predicates (spec.md §4.8 steps 1-4).
type source interface {
	// next returns the next surviving row, or ok=false once exhausted.
	next() (rawRow, bool, error)
}

// neededColumns returns the set of schema column indexes a scan must read
// from base/resolved storage: every projected non-virtual column plus every
// predicate column.
func neededColumns(sch *schema.Schema, proj Projection, preds map[int]predicate.Predicate) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(i int) {
		if i < 0 || i >= len(sch.Columns) || sch.Columns[i].Virtual || seen[i] {
			return
		}
		seen[i] = true
		out = append(out, i)
	}
	for _, i := range proj.ColumnIndexes {
		add(i)
	}
	for i := range preds {
		add(i)
	}
	return out
}

func newSource(rs rowset.RowSet, sch *schema.Schema, cols []int, preds map[int]predicate.Predicate, snap mvcc.Snapshot, lo, hi []byte) (source, error) {
	switch v := rs.(type) {
	case *rowset.DiskRowSet:
		return newDiskSource(v, sch, cols, preds, snap, lo, hi)
	case *rowset.MemRowSet:
		return newMemSource(v, sch, cols, preds, snap, lo, hi), nil
	default:
		return nil, fmt.Errorf("scan: unsupported rowset type %T", rs)
	}
}
