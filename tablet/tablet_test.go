package tablet

import (
	"context"
	"testing"

	"github.com/erigontech/kudu-tablet-core/blockstore"
	"github.com/erigontech/kudu-tablet-core/rowset"
	"github.com/erigontech/kudu-tablet-core/scan"
	"github.com/erigontech/kudu-tablet-core/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.NewSchema([]schema.Column{
		{Name: "id", ID: 0, Type: schema.Uint64},
		{Name: "value", ID: 1, Type: schema.String},
	}, 1)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return sch
}

func newTestTablet(t *testing.T) *Tablet {
	t.Helper()
	bs, err := blockstore.NewFileBlockManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlockManager: %v", err)
	}
	return NewTablet(Options{ID: "t1", Schema: testSchema(t), Blocks: bs})
}

func insertOp(id uint64, value string) RowOp {
	idBytes := schema.EncodeUint64BE(id)
	return RowOp{
		Kind:     RowInsert,
		PKValues: [][]byte{idBytes},
		Cells:    [][]byte{idBytes, []byte(value)},
	}
}

func TestApplyWriteBatchInsertThenAlreadyPresent(t *testing.T) {
	tb := newTestTablet(t)
	res, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "a"), insertOp(2, "b")}})
	if err != nil {
		t.Fatalf("ApplyWriteBatch: %v", err)
	}
	if res.Results[0] != rowset.OpOK || res.Results[1] != rowset.OpOK {
		t.Fatalf("expected both inserts OK, got %v", res.Results)
	}

	res, err = tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "a-again")}})
	if err != nil {
		t.Fatalf("ApplyWriteBatch: %v", err)
	}
	if res.Results[0] != rowset.OpAlreadyPresent {
		t.Fatalf("expected AlreadyPresent, got %v", res.Results[0])
	}
}

func TestApplyWriteBatchMutateAndDelete(t *testing.T) {
	tb := newTestTablet(t)
	if _, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "a")}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	mutate := RowOp{
		Kind:     RowMutate,
		PKValues: [][]byte{schema.EncodeUint64BE(1)},
		Change: rowset.ChangeList{
			Kind:    rowset.ChangeUpdate,
			Updates: []rowset.ColumnUpdate{{ColumnID: 1, Value: []byte("a-updated")}},
		},
	}
	res, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{mutate}})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if res.Results[0] != rowset.OpOK {
		t.Fatalf("expected OK, got %v", res.Results[0])
	}

	del := RowOp{
		Kind:     RowMutate,
		PKValues: [][]byte{schema.EncodeUint64BE(99)},
		Change:   rowset.ChangeList{Kind: rowset.ChangeDelete},
	}
	res, err = tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{del}})
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if res.Results[0] != rowset.OpNotFound {
		t.Fatalf("expected NotFound for missing row, got %v", res.Results[0])
	}
}

func TestFlushMovesRowsFromMRSToDiskRowSet(t *testing.T) {
	tb := newTestTablet(t)
	if _, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "a"), insertOp(2, "b")}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := tb.performFlush(context.Background()); err != nil {
		t.Fatalf("performFlush: %v", err)
	}

	tb.componentLock.RLock()
	drsCount := len(tb.drs)
	mrsEmpty := tb.mrs.Empty()
	tb.componentLock.RUnlock()
	if drsCount != 1 {
		t.Fatalf("expected 1 disk rowset after flush, got %d", drsCount)
	}
	if !mrsEmpty {
		t.Fatal("expected fresh empty MemRowSet after flush")
	}

	res, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "dup")}})
	if err != nil {
		t.Fatalf("ApplyWriteBatch: %v", err)
	}
	if res.Results[0] != rowset.OpAlreadyPresent {
		t.Fatalf("expected AlreadyPresent after flush, got %v", res.Results[0])
	}
}

func TestNewScanReturnsRowsAcrossMRSAndDRS(t *testing.T) {
	tb := newTestTablet(t)
	if _, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "a"), insertOp(2, "b")}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tb.performFlush(context.Background()); err != nil {
		t.Fatalf("performFlush: %v", err)
	}
	if _, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(3, "c")}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	proj, err := scan.NewProjection(tb.Schema(), []string{"id", "value"})
	if err != nil {
		t.Fatalf("NewProjection: %v", err)
	}
	scanner, err := tb.NewScan(scan.Spec{Projection: proj}, tb.SnapshotNow())
	if err != nil {
		t.Fatalf("NewScan: %v", err)
	}

	var gotIDs []uint64
	for {
		block, ok, err := scanner.NextBlock()
		if err != nil {
			t.Fatalf("NextBlock: %v", err)
		}
		if !ok {
			break
		}
		for _, row := range block.Rows {
			gotIDs = append(gotIDs, schema.DecodeUint64BE(row.Values[0]))
		}
	}
	if len(gotIDs) != 3 {
		t.Fatalf("expected 3 rows across MRS+DRS, got %d (%v)", len(gotIDs), gotIDs)
	}
}

func TestAlterSchemaBumpsVersionAndHistory(t *testing.T) {
	tb := newTestTablet(t)
	if err := tb.AlterSchema(schema.Alter{
		Kind:   schema.AlterAddColumn,
		Column: schema.Column{Name: "extra", ID: 2, Type: schema.Bool, Nullable: true},
	}); err != nil {
		t.Fatalf("AlterSchema: %v", err)
	}
	if tb.SchemaVersion() != 1 {
		t.Fatalf("expected schema version 1, got %d", tb.SchemaVersion())
	}
	if len(tb.SchemaHistory()) != 2 {
		t.Fatalf("expected 2 schema generations, got %d", len(tb.SchemaHistory()))
	}
	if _, i := tb.Schema().ColumnByName("extra"); i < 0 {
		t.Fatal("expected new column visible on live schema")
	}
}

func TestMetadataEncodeDecodeRoundTripAfterFlush(t *testing.T) {
	tb := newTestTablet(t)
	if _, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "a")}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tb.performFlush(context.Background()); err != nil {
		t.Fatalf("performFlush: %v", err)
	}

	meta := tb.Metadata()
	encoded := meta.Encode()
	decoded, err := DecodeMetadata(encoded)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if decoded.TabletID != meta.TabletID || len(decoded.RowSets) != 1 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if decoded.RowSets[0].RowCount != 1 {
		t.Fatalf("expected row count 1, got %d", decoded.RowSets[0].RowCount)
	}
}

func TestReopenRestoresDiskRowSets(t *testing.T) {
	dir := t.TempDir()
	bs, err := blockstore.NewFileBlockManager(dir)
	if err != nil {
		t.Fatalf("NewFileBlockManager: %v", err)
	}
	sch := testSchema(t)
	tb := NewTablet(Options{ID: "t1", Schema: sch, Blocks: bs})
	if _, err := tb.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "a")}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tb.performFlush(context.Background()); err != nil {
		t.Fatalf("performFlush: %v", err)
	}
	meta := tb.Metadata()

	reopened, err := Reopen(meta, sch, bs, nil)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	res, err := reopened.ApplyWriteBatch(context.Background(), WriteBatch{Ops: []RowOp{insertOp(1, "dup")}})
	if err != nil {
		t.Fatalf("ApplyWriteBatch: %v", err)
	}
	if res.Results[0] != rowset.OpAlreadyPresent {
		t.Fatalf("expected reopened tablet to still know about row 1, got %v", res.Results[0])
	}
}
