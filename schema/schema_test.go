package schema

import "testing"

func baseSchema(t *testing.T) *Schema {
	t.Helper()
	sch, err := NewSchema([]Column{
		{Name: "id", ID: 0, Type: Uint64},
		{Name: "value", ID: 1, Type: String},
	}, 1)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return sch
}

func TestNewSchemaRejectsDuplicateNamesAndIDs(t *testing.T) {
	_, err := NewSchema([]Column{
		{Name: "id", ID: 0, Type: Uint64},
		{Name: "id", ID: 1, Type: Uint64},
	}, 1)
	if err == nil {
		t.Fatal("expected duplicate name rejected")
	}
	_, err = NewSchema([]Column{
		{Name: "a", ID: 0, Type: Uint64},
		{Name: "b", ID: 0, Type: Uint64},
	}, 1)
	if err == nil {
		t.Fatal("expected duplicate id rejected")
	}
}

func TestNewSchemaRejectsNullablePrimaryKey(t *testing.T) {
	_, err := NewSchema([]Column{
		{Name: "id", ID: 0, Type: Uint64, Nullable: true},
	}, 1)
	if err == nil {
		t.Fatal("expected nullable PK column rejected")
	}
}

func TestAlterAddColumnRequiresDefaultOrNullable(t *testing.T) {
	sch := baseSchema(t)
	_, err := Apply(sch, Alter{Kind: AlterAddColumn, Column: Column{Name: "extra", ID: 2, Type: Bool}})
	if err == nil {
		t.Fatal("expected non-nullable column without default to be rejected")
	}
	next, err := Apply(sch, Alter{Kind: AlterAddColumn, Column: Column{Name: "extra", ID: 2, Type: Bool, Nullable: true}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(next.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(next.Columns))
	}
	if len(sch.Columns) != 2 {
		t.Fatal("original schema must not be mutated")
	}
}

func TestAlterDropColumnTombstonesAndHidesFromLiveColumns(t *testing.T) {
	sch := baseSchema(t)
	next, err := Apply(sch, Alter{Kind: AlterDropColumn, ColumnName: "value"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !next.Columns[1].Tombstoned {
		t.Fatal("expected value column tombstoned")
	}
	if len(next.LiveColumns()) != 1 {
		t.Fatalf("expected 1 live column, got %d", len(next.LiveColumns()))
	}
	if _, err := Apply(sch, Alter{Kind: AlterDropColumn, ColumnName: "id"}); err == nil {
		t.Fatal("expected primary key column drop to be rejected")
	}
}

func TestAlterRenameColumn(t *testing.T) {
	sch := baseSchema(t)
	next, err := Apply(sch, Alter{Kind: AlterRenameColumn, ColumnName: "value", NewName: "payload"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, i := next.ColumnByName("payload"); i < 0 {
		t.Fatal("expected renamed column to be findable by its new name")
	}
	if _, i := next.ColumnByName("value"); i >= 0 {
		t.Fatal("expected old name gone")
	}
}

func TestAlterModifyColumnAttribute(t *testing.T) {
	sch := baseSchema(t)
	next, err := Apply(sch, Alter{
		Kind:           AlterModifyColumnAttribute,
		ColumnName:     "value",
		SetCompression: true,
		Compression:    CompressionS2,
		SetComment:     true,
		Comment:        "payload bytes",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	c, _ := next.ColumnByName("value")
	if c.Compression != CompressionS2 || c.Comment != "payload bytes" {
		t.Fatalf("expected modified attributes, got %+v", c)
	}
}

func TestAlterCannotTargetTombstonedColumn(t *testing.T) {
	sch := baseSchema(t)
	dropped, err := Apply(sch, Alter{Kind: AlterDropColumn, ColumnName: "value"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := Apply(dropped, Alter{Kind: AlterRenameColumn, ColumnName: "value", NewName: "x"}); err == nil {
		t.Fatal("expected rename of tombstoned column to fail")
	}
}
