package tablet

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/scan"
)

// NewScan opens a Scanner over the tablet's rowsets as of snap (spec.md
// §4.10's "new_scan(projection, spec, snapshot) → iterator"). spec.Snapshot
// is overwritten with snap so callers only need to set it once here.
func (t *Tablet) NewScan(spec scan.Spec, snap mvcc.Snapshot) (*Scanner, error) {
	t.componentLock.RLock()
	tree := t.tree
	t.componentLock.RUnlock()

	rowsets := tree.All()
	if spec.LowerBound != nil || spec.UpperBound != nil {
		rowsets = tree.FindRowsetsIntersecting(spec.LowerBound, spec.UpperBound)
	}

	spec.Snapshot = snap
	sch := t.Schema()
	scanner, err := scan.NewScanner(rowsets, sch, spec)
	if err != nil {
		return nil, fmt.Errorf("tablet: open scan: %w", err)
	}
	return &Scanner{s: scanner}, nil
}

// SnapshotNow returns a read snapshot as of now, suitable for NewScan.
func (t *Tablet) SnapshotNow() mvcc.Snapshot { return t.mvccMgr.SnapshotNow() }

// Scanner wraps scan.Scanner so tablet callers don't need to import the
// scan package just to drive NextBlock.
type Scanner struct {
	s *scan.Scanner
}

// NextBlock returns the scan's next batch of rows, per scan.Scanner.
func (s *Scanner) NextBlock() (*scan.RowBlock, bool, error) { return s.s.NextBlock() }
