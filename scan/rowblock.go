// Package scan implements the tablet scan path of spec.md §4.8: merging
// per-rowset iterators in primary-key order, applying REDO/UNDO deltas,
// evaluating pushed-down predicates, and returning bounded RowBlocks.
package scan

import "github.com/erigontech/kudu-tablet-core/schema"

// DefaultRowBlockCapacity is the row count spec.md §4.8 step 5 names as the
// default RowBlock size.
const DefaultRowBlockCapacity = 128

// Row is one materialized, post-delta, post-predicate row: its encoded
// primary key plus one value per projected column, in projection order.
// Values[i] is nil for a null column value or for the virtual IS_DELETED
// column's slot (Deleted carries that information instead).
type Row struct {
	PK      []byte
	Values  [][]byte
	Deleted bool
}

// RowBlock is a bounded batch of rows surviving delta application and
// predicate evaluation, in ascending primary-key order (spec.md §4.8 step
// 5). Scans never return a block with more than its configured capacity.
type RowBlock struct {
	Rows []Row
}

// Projection names the output columns of a scan, in output order, resolved
// against a table schema up front so per-block work only deals with column
// indexes.
type Projection struct {
	// ColumnIndexes are indexes into the table's schema.Columns.
	ColumnIndexes []int
}

// NewProjection resolves column names against sch, preserving the order
// names were given in. Returns an error if any name is unknown.
func NewProjection(sch *schema.Schema, names []string) (Projection, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		c, ci := sch.ColumnByName(n)
		if ci < 0 || c.Tombstoned {
			return Projection{}, errUnknownColumn(n)
		}
		idx[i] = ci
	}
	return Projection{ColumnIndexes: idx}, nil
}

type errUnknownColumn string

func (e errUnknownColumn) Error() string { return "scan: unknown projected column " + string(e) }
