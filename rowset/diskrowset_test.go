package rowset

import (
	"testing"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.NewSchema([]schema.Column{
		{Name: "id", ID: 0, Type: schema.Uint64},
		{Name: "value", ID: 1, Type: schema.Uint64},
	}, 1)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return sch
}

func insertRow(t *testing.T, mrs *MemRowSet, sch *schema.Schema, id, value uint64, ts mvcc.Timestamp, opID uint64) {
	t.Helper()
	cells := [][]byte{schema.EncodeUint64BE(id), schema.EncodeUint64BE(value)}
	pk, err := schema.EncodePK(sch, cells)
	if err != nil {
		t.Fatalf("EncodePK: %v", err)
	}
	if res := mrs.Insert(string(pk), cells, ts, opID, 16, 16); res != OpOK {
		t.Fatalf("Insert: got %v, want OpOK", res)
	}
}

func buildTestDRS(t *testing.T, sch *schema.Schema, mrs *MemRowSet, flushTS mvcc.Timestamp) *DiskRowSet {
	t.Helper()
	snap := mvcc.Snapshot{CommittedBefore: flushTS + 1}
	build, err := BuildDiskRowSet("drs-1", sch, mrs, snap, 0.01)
	if err != nil {
		t.Fatalf("BuildDiskRowSet: %v", err)
	}
	drs, err := OpenDiskRowSet("drs-1", sch, build, flushTS)
	if err != nil {
		t.Fatalf("OpenDiskRowSet: %v", err)
	}
	return drs
}

func TestDiskRowSetBuildAndCheckRowPresent(t *testing.T) {
	sch := testSchema(t)
	mrs := NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 1, 100, mvcc.Timestamp(10), 1)
	insertRow(t, mrs, sch, 2, 200, mvcc.Timestamp(20), 2)

	drs := buildTestDRS(t, sch, mrs, mvcc.Timestamp(50))

	if drs.CountRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", drs.CountRows())
	}

	pk1, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(1), nil})
	present, err := drs.CheckRowPresent(pk1, mvcc.Snapshot{CommittedBefore: 100})
	if err != nil {
		t.Fatalf("CheckRowPresent: %v", err)
	}
	if !present {
		t.Fatalf("expected row 1 present")
	}

	pk99, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(99), nil})
	absent, err := drs.CheckRowPresent(pk99, mvcc.Snapshot{CommittedBefore: 100})
	if err != nil {
		t.Fatalf("CheckRowPresent: %v", err)
	}
	if absent {
		t.Fatalf("expected row 99 absent")
	}
}

func TestDiskRowSetKeyRange(t *testing.T) {
	sch := testSchema(t)
	mrs := NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 5, 1, mvcc.Timestamp(10), 1)
	insertRow(t, mrs, sch, 1, 2, mvcc.Timestamp(11), 2)
	insertRow(t, mrs, sch, 9, 3, mvcc.Timestamp(12), 3)

	drs := buildTestDRS(t, sch, mrs, mvcc.Timestamp(50))
	minKey, maxKey := drs.KeyRange()

	wantMin, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(1), nil})
	wantMax, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(9), nil})
	if string(minKey) != string(wantMin) {
		t.Fatalf("min key mismatch")
	}
	if string(maxKey) != string(wantMax) {
		t.Fatalf("max key mismatch")
	}
}

func TestDiskRowSetMutateAndFlushDeltas(t *testing.T) {
	sch := testSchema(t)
	mrs := NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 1, 100, mvcc.Timestamp(10), 1)

	drs := buildTestDRS(t, sch, mrs, mvcc.Timestamp(50))

	pk1, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(1), nil})
	res, err := drs.Mutate(pk1, ChangeList{Kind: ChangeDelete}, mvcc.Timestamp(60), 10)
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if res != OpOK {
		t.Fatalf("Mutate: got %v, want OpOK", res)
	}

	present, err := drs.CheckRowPresent(pk1, mvcc.Snapshot{CommittedBefore: 70})
	if err != nil {
		t.Fatalf("CheckRowPresent: %v", err)
	}
	if present {
		t.Fatalf("expected row deleted as of ts 70")
	}

	beforeDelete, err := drs.CheckRowPresent(pk1, mvcc.Snapshot{CommittedBefore: 55})
	if err != nil {
		t.Fatalf("CheckRowPresent: %v", err)
	}
	if !beforeDelete {
		t.Fatalf("expected row still present before the delete's ts")
	}

	keysFile, recordsFile, stats, err := drs.FlushDeltas()
	if err != nil {
		t.Fatalf("FlushDeltas: %v", err)
	}
	if keysFile == nil || recordsFile == nil {
		t.Fatalf("expected flushed delta file bytes")
	}
	if stats.DeleteCount != 1 {
		t.Fatalf("expected 1 delete recorded, got %d", stats.DeleteCount)
	}

	stillDeleted, err := drs.CheckRowPresent(pk1, mvcc.Snapshot{CommittedBefore: 70})
	if err != nil {
		t.Fatalf("CheckRowPresent after flush: %v", err)
	}
	if stillDeleted {
		t.Fatalf("expected row to remain deleted after delta flush")
	}
}

func TestDiskRowSetMutateMissingRowNotFound(t *testing.T) {
	sch := testSchema(t)
	mrs := NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 1, 100, mvcc.Timestamp(10), 1)
	drs := buildTestDRS(t, sch, mrs, mvcc.Timestamp(50))

	pkMissing, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(42), nil})
	res, err := drs.Mutate(pkMissing, ChangeList{Kind: ChangeDelete}, mvcc.Timestamp(60), 1)
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if res != OpNotFound {
		t.Fatalf("expected OpNotFound, got %v", res)
	}
}

func TestDiskRowSetCountLiveRows(t *testing.T) {
	sch := testSchema(t)
	mrs := NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 1, 100, mvcc.Timestamp(10), 1)
	insertRow(t, mrs, sch, 2, 200, mvcc.Timestamp(11), 2)
	drs := buildTestDRS(t, sch, mrs, mvcc.Timestamp(50))

	pk1, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(1), nil})
	if _, err := drs.Mutate(pk1, ChangeList{Kind: ChangeDelete}, mvcc.Timestamp(60), 1); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	count, err := drs.CountLiveRows(mvcc.Snapshot{CommittedBefore: 70})
	if err != nil {
		t.Fatalf("CountLiveRows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 live row, got %d", count)
	}
}

func TestDiskRowSetMajorCompaction(t *testing.T) {
	sch := testSchema(t)
	mrs := NewMemRowSet("mrs")
	insertRow(t, mrs, sch, 1, 100, mvcc.Timestamp(10), 1)
	drs := buildTestDRS(t, sch, mrs, mvcc.Timestamp(50))

	pk1, _ := schema.EncodePK(sch, [][]byte{schema.EncodeUint64BE(1), nil})
	if _, err := drs.Mutate(pk1, ChangeList{Kind: ChangeUpdate, Updates: []ColumnUpdate{{ColumnID: 1, Value: schema.EncodeUint64BE(999)}}}, mvcc.Timestamp(60), 1); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if err := drs.MajorCompactDeltaStores(mvcc.Timestamp(100)); err != nil {
		t.Fatalf("MajorCompactDeltaStores: %v", err)
	}

	if drs.DeltaMemStoreSize() != 0 {
		t.Fatalf("expected no active redo records after major compaction")
	}

	present, err := drs.CheckRowPresent(pk1, mvcc.Snapshot{CommittedBefore: 200})
	if err != nil {
		t.Fatalf("CheckRowPresent: %v", err)
	}
	if !present {
		t.Fatalf("expected row still present after major compaction")
	}
}
