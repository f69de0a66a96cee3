package schema

import "fmt"

// AlterKind names one schema-alter operation (spec.md §4.10's read/write
// schema changes).
type AlterKind uint8

const (
	AlterAddColumn AlterKind = iota
	AlterDropColumn
	AlterRenameColumn
	AlterModifyColumnAttribute
)

// Alter describes one schema-alter request. Which fields apply depends on
// Kind: AddColumn needs Column fully populated; DropColumn/RenameColumn key
// off ColumnName; ModifyColumnAttribute keys off ColumnName and carries the
// new Encoding/Compression/Comment/Immutable values to apply.
type Alter struct {
	Kind       AlterKind
	ColumnName string
	NewName    string
	Column     Column

	SetEncoding    bool
	Encoding       Encoding
	SetCompression bool
	Compression    Compression
	SetComment     bool
	Comment        string
	SetImmutable   bool
	Immutable      bool
}

// Apply evolves sch according to alt, returning a new Schema (schemas are
// immutable; the tablet keeps every version for its schema history per
// spec.md §6's "Tablet metadata PB: schema history"). The receiver is never
// mutated.
func Apply(sch *Schema, alt Alter) (*Schema, error) {
	cols := make([]Column, len(sch.Columns))
	copy(cols, sch.Columns)

	switch alt.Kind {
	case AlterAddColumn:
		if _, i := findByName(cols, alt.Column.Name); i >= 0 {
			return nil, fmt.Errorf("schema: column %q already exists", alt.Column.Name)
		}
		if _, i := findByID(cols, alt.Column.ID); i >= 0 {
			return nil, fmt.Errorf("schema: column id %d already in use", alt.Column.ID)
		}
		if !alt.Column.Nullable && !alt.Column.HasDefault && !alt.Column.Virtual {
			return nil, fmt.Errorf("schema: new non-nullable column %q needs a default (filled virtually until the next rewrite)", alt.Column.Name)
		}
		cols = append(cols, alt.Column)
		return &Schema{Columns: cols, NumPKCols: sch.NumPKCols}, nil

	case AlterDropColumn:
		i := mustFindLive(cols, alt.ColumnName)
		if i < 0 {
			return nil, fmt.Errorf("schema: unknown column %q", alt.ColumnName)
		}
		if i < sch.NumPKCols {
			return nil, fmt.Errorf("schema: cannot drop primary key column %q", alt.ColumnName)
		}
		cols[i].Tombstoned = true
		return &Schema{Columns: cols, NumPKCols: sch.NumPKCols}, nil

	case AlterRenameColumn:
		i := mustFindLive(cols, alt.ColumnName)
		if i < 0 {
			return nil, fmt.Errorf("schema: unknown column %q", alt.ColumnName)
		}
		if _, dup := findByName(cols, alt.NewName); dup >= 0 {
			return nil, fmt.Errorf("schema: column %q already exists", alt.NewName)
		}
		cols[i].Name = alt.NewName
		return &Schema{Columns: cols, NumPKCols: sch.NumPKCols}, nil

	case AlterModifyColumnAttribute:
		i := mustFindLive(cols, alt.ColumnName)
		if i < 0 {
			return nil, fmt.Errorf("schema: unknown column %q", alt.ColumnName)
		}
		if alt.SetEncoding {
			cols[i].Encoding = alt.Encoding
		}
		if alt.SetCompression {
			cols[i].Compression = alt.Compression
		}
		if alt.SetComment {
			cols[i].Comment = alt.Comment
		}
		if alt.SetImmutable {
			cols[i].Immutable = alt.Immutable
		}
		return &Schema{Columns: cols, NumPKCols: sch.NumPKCols}, nil

	default:
		return nil, fmt.Errorf("schema: unknown alter kind %d", alt.Kind)
	}
}

func findByName(cols []Column, name string) (*Column, int) {
	for i := range cols {
		if cols[i].Name == name {
			return &cols[i], i
		}
	}
	return nil, -1
}

func findByID(cols []Column, id ColumnID) (*Column, int) {
	for i := range cols {
		if cols[i].ID == id {
			return &cols[i], i
		}
	}
	return nil, -1
}

func mustFindLive(cols []Column, name string) int {
	_, i := findByName(cols, name)
	if i < 0 || cols[i].Tombstoned {
		return -1
	}
	return i
}
