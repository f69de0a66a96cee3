package scan

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/predicate"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// Spec describes one scan request: the output projection, per-column
// pushed-down predicates (keyed by schema column index), the snapshot to
// read at, an optional encoded [LowerBound, UpperBound) key range, and the
// RowBlock capacity (0 uses DefaultRowBlockCapacity).
type Spec struct {
	Projection Projection
	Predicates map[int]predicate.Predicate
	Snapshot   mvcc.Snapshot
	LowerBound []byte
	UpperBound []byte
	Capacity   int
}

// Scanner is a finite, ordered, non-restartable sequence of RowBlocks over
// a tablet's live rowsets as of a snapshot (spec.md §9). Create one with
// NewScanner per query; it is not safe for concurrent use.
type Scanner struct {
	sch      *schema.Schema
	proj     Projection
	capacity int
	includeDeleted bool
	deletedColPos  int // index within proj.ColumnIndexes of the IS_DELETED slot, or -1
	m        *merger
}

// NewScanner opens one source per rowset and prepares their merge (spec.md
// §4.8's "A scan opens an iterator per rowset covering the key range, then
// merges"). rowsets should be every RowSet a RowSetTree query returned for
// the requested range (MemRowSet included).
func NewScanner(rowsets []rowset.RowSet, sch *schema.Schema, spec Spec) (*Scanner, error) {
	capacity := spec.Capacity
	if capacity <= 0 {
		capacity = DefaultRowBlockCapacity
	}
	cols := neededColumns(sch, spec.Projection, spec.Predicates)

	sources := make([]source, 0, len(rowsets))
	for _, rs := range rowsets {
		s, err := newSource(rs, sch, cols, spec.Predicates, spec.Snapshot, spec.LowerBound, spec.UpperBound)
		if err != nil {
			return nil, fmt.Errorf("scan: open source for rowset %q: %w", rs.ID(), err)
		}
		sources = append(sources, s)
	}
	m, err := newMerger(sources)
	if err != nil {
		return nil, fmt.Errorf("scan: initial merge: %w", err)
	}

	deletedPos := -1
	for i, ci := range spec.Projection.ColumnIndexes {
		if sch.Columns[ci].Virtual && sch.Columns[ci].Name == schema.IsDeletedColumnName {
			deletedPos = i
		}
	}

	return &Scanner{
		sch:            sch,
		proj:           spec.Projection,
		capacity:       capacity,
		includeDeleted: deletedPos >= 0,
		deletedColPos:  deletedPos,
		m:              m,
	}, nil
}

// NextBlock returns the next batch of up to the scanner's capacity rows, or
// ok=false once every source is exhausted (spec.md §4.8 step 5). A row
// deleted as of the snapshot is omitted unless the virtual IS_DELETED
// column was projected, in which case it is included with that column set
// true and every other projected column holding its last resolved value
// (spec.md §8 scenario S3).
func (s *Scanner) NextBlock() (*RowBlock, bool, error) {
	block := &RowBlock{Rows: make([]Row, 0, s.capacity)}
	for len(block.Rows) < s.capacity {
		raw, ok, err := s.m.next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		if raw.Deleted && !s.includeDeleted {
			continue
		}
		block.Rows = append(block.Rows, s.project(raw))
	}
	if len(block.Rows) == 0 {
		return nil, false, nil
	}
	return block, true, nil
}

// project assembles one output Row from a resolved rawRow according to the
// scanner's projection, substituting the virtual IS_DELETED slot (if
// requested) with raw.Deleted instead of a stored value, and filling any
// other virtual column from its ReadDefault.
func (s *Scanner) project(raw rawRow) Row {
	values := make([][]byte, len(s.proj.ColumnIndexes))
	for i, ci := range s.proj.ColumnIndexes {
		if i == s.deletedColPos {
			continue
		}
		if c := s.sch.Columns[ci]; c.Virtual {
			values[i] = c.ReadDefault
			continue
		}
		values[i] = raw.Cells[ci]
	}
	return Row{PK: raw.PK, Values: values, Deleted: raw.Deleted}
}
