package scan

import (
	"testing"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/predicate"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/schema"
)

func testSchema(t *testing.T, withDeletedCol bool) *schema.Schema {
	t.Helper()
	cols := []schema.Column{
		{Name: "id", ID: 0, Type: schema.Uint64},
		{Name: "value", ID: 1, Type: schema.String},
	}
	if withDeletedCol {
		cols = append(cols, schema.Column{Name: schema.IsDeletedColumnName, ID: 2, Type: schema.Bool, Virtual: true})
	}
	sch, err := schema.NewSchema(cols, 1)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return sch
}

func insertRow(t *testing.T, mrs *rowset.MemRowSet, sch *schema.Schema, id uint64, value string, ts mvcc.Timestamp, opID uint64) {
	t.Helper()
	cells := [][]byte{schema.EncodeUint64BE(id), []byte(value)}
	pk, err := schema.EncodePK(sch, cells)
	if err != nil {
		t.Fatalf("EncodePK: %v", err)
	}
	if res := mrs.Insert(string(pk), cells, ts, opID, 16, 16); res != rowset.OpOK {
		t.Fatalf("Insert: got %v, want OpOK", res)
	}
}

func buildDRS(t *testing.T, sch *schema.Schema, mrs *rowset.MemRowSet, flushTS mvcc.Timestamp) *rowset.DiskRowSet {
	t.Helper()
	snap := mvcc.Snapshot{CommittedBefore: flushTS + 1}
	build, err := rowset.BuildDiskRowSet("drs-1", sch, mrs, snap, 0.01)
	if err != nil {
		t.Fatalf("BuildDiskRowSet: %v", err)
	}
	drs, err := rowset.OpenDiskRowSet("drs-1", sch, build, flushTS)
	if err != nil {
		t.Fatalf("OpenDiskRowSet: %v", err)
	}
	return drs
}

func TestScannerOverDiskRowSetOrdered(t *testing.T) {
	sch := testSchema(t, false)
	mrs := rowset.NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 3, "c", mvcc.Timestamp(10), 1)
	insertRow(t, mrs, sch, 1, "a", mvcc.Timestamp(11), 2)
	insertRow(t, mrs, sch, 2, "b", mvcc.Timestamp(12), 3)

	drs := buildDRS(t, sch, mrs, mvcc.Timestamp(50))

	proj, err := NewProjection(sch, []string{"id", "value"})
	if err != nil {
		t.Fatalf("NewProjection: %v", err)
	}
	sc, err := NewScanner([]rowset.RowSet{drs}, sch, Spec{Projection: proj, Snapshot: mvcc.Snapshot{CommittedBefore: 100}})
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	block, ok, err := sc.NextBlock()
	if err != nil {
		t.Fatalf("NextBlock: %v", err)
	}
	if !ok {
		t.Fatalf("expected a block")
	}
	if len(block.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(block.Rows))
	}
	want := []string{"a", "b", "c"}
	for i, r := range block.Rows {
		if string(r.Values[1]) != want[i] {
			t.Fatalf("row %d: got %q, want %q", i, r.Values[1], want[i])
		}
	}
}

func TestScannerMergesMemAndDiskRowSets(t *testing.T) {
	sch := testSchema(t, false)
	mrs := rowset.NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 1, "a", mvcc.Timestamp(10), 1)
	insertRow(t, mrs, sch, 3, "c", mvcc.Timestamp(11), 2)

	drs := buildDRS(t, sch, mrs, mvcc.Timestamp(50))

	liveMRS := rowset.NewMemRowSet("mrs-live")
	insertRow(t, liveMRS, sch, 2, "b", mvcc.Timestamp(60), 1)

	proj, err := NewProjection(sch, []string{"id", "value"})
	if err != nil {
		t.Fatalf("NewProjection: %v", err)
	}
	sc, err := NewScanner([]rowset.RowSet{drs, liveMRS}, sch, Spec{Projection: proj, Snapshot: mvcc.Snapshot{CommittedBefore: 100}})
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	block, ok, err := sc.NextBlock()
	if err != nil || !ok {
		t.Fatalf("NextBlock: ok=%v err=%v", ok, err)
	}
	if len(block.Rows) != 3 {
		t.Fatalf("expected 3 merged rows, got %d", len(block.Rows))
	}
	want := []string{"a", "b", "c"}
	for i, r := range block.Rows {
		if string(r.Values[1]) != want[i] {
			t.Fatalf("row %d: got %q, want %q", i, r.Values[1], want[i])
		}
	}
}

func TestScannerDeleteThenReinsertWithIsDeletedColumn(t *testing.T) {
	sch := testSchema(t, true)
	mrs := rowset.NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 3, "c", mvcc.Timestamp(10), 1)
	drs := buildDRS(t, sch, mrs, mvcc.Timestamp(20))

	pk3, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(3), nil})
	if _, err := drs.Mutate(pk3, rowset.ChangeList{Kind: rowset.ChangeDelete}, mvcc.Timestamp(30), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := drs.Mutate(pk3, rowset.ChangeList{Kind: rowset.ChangeReinsert, Updates: []rowset.ColumnUpdate{{ColumnID: 1, Value: []byte("C")}}}, mvcc.Timestamp(31), 2); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	proj, err := NewProjection(sch, []string{"id", "value", schema.IsDeletedColumnName})
	if err != nil {
		t.Fatalf("NewProjection: %v", err)
	}

	// Scan at ts 30 (after the delete, before the reinsert) without
	// IS_DELETED omits the row entirely.
	plainProj, err := NewProjection(sch, []string{"id", "value"})
	if err != nil {
		t.Fatalf("NewProjection: %v", err)
	}
	scOmit, err := NewScanner([]rowset.RowSet{drs}, sch, Spec{Projection: plainProj, Snapshot: mvcc.Snapshot{CommittedBefore: 31}})
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	_, ok, err := scOmit.NextBlock()
	if err != nil {
		t.Fatalf("NextBlock: %v", err)
	}
	if ok {
		t.Fatalf("expected no rows when deleted row is omitted")
	}

	// With IS_DELETED projected, the same snapshot yields the row marked
	// deleted, still carrying its pre-delete value.
	scKeep, err := NewScanner([]rowset.RowSet{drs}, sch, Spec{Projection: proj, Snapshot: mvcc.Snapshot{CommittedBefore: 31}})
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	block, ok, err := scKeep.NextBlock()
	if err != nil || !ok {
		t.Fatalf("NextBlock: ok=%v err=%v", ok, err)
	}
	if len(block.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(block.Rows))
	}
	row := block.Rows[0]
	if !row.Deleted {
		t.Fatalf("expected row marked deleted")
	}
	if string(row.Values[1]) != "c" {
		t.Fatalf("expected pre-delete value %q, got %q", "c", row.Values[1])
	}

	// Scan at ts 32 (after the reinsert) sees the new value and is live.
	scLive, err := NewScanner([]rowset.RowSet{drs}, sch, Spec{Projection: proj, Snapshot: mvcc.Snapshot{CommittedBefore: 32}})
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	liveBlock, ok, err := scLive.NextBlock()
	if err != nil || !ok {
		t.Fatalf("NextBlock: ok=%v err=%v", ok, err)
	}
	liveRow := liveBlock.Rows[0]
	if liveRow.Deleted {
		t.Fatalf("expected row live after reinsert")
	}
	if string(liveRow.Values[1]) != "C" {
		t.Fatalf("expected reinserted value %q, got %q", "C", liveRow.Values[1])
	}
}

func TestScannerEqualityPredicateFiltersRows(t *testing.T) {
	sch := testSchema(t, false)
	mrs := rowset.NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 1, "a", mvcc.Timestamp(10), 1)
	insertRow(t, mrs, sch, 2, "b", mvcc.Timestamp(11), 2)
	insertRow(t, mrs, sch, 3, "a", mvcc.Timestamp(12), 3)
	drs := buildDRS(t, sch, mrs, mvcc.Timestamp(50))

	proj, err := NewProjection(sch, []string{"id", "value"})
	if err != nil {
		t.Fatalf("NewProjection: %v", err)
	}
	sc, err := NewScanner([]rowset.RowSet{drs}, sch, Spec{
		Projection: proj,
		Predicates: map[int]predicate.Predicate{1: predicate.Equality([]byte("a"))},
		Snapshot:   mvcc.Snapshot{CommittedBefore: 100},
	})
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	block, ok, err := sc.NextBlock()
	if err != nil || !ok {
		t.Fatalf("NextBlock: ok=%v err=%v", ok, err)
	}
	if len(block.Rows) != 2 {
		t.Fatalf("expected 2 matching rows, got %d", len(block.Rows))
	}
	for _, r := range block.Rows {
		if string(r.Values[1]) != "a" {
			t.Fatalf("unexpected row value %q", r.Values[1])
		}
	}
}
