// Package delta implements the DeltaMemStore/DeltaFile/DeltaTracker trio of
// spec.md §4.4/§4.5: the update/delete record streams attached to a
// DiskRowSet, keyed by (row_id, timestamp), and their REDO/UNDO projection
// during scans.
package delta

import (
	"encoding/binary"
	"fmt"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset/rowid"
)

// Key is spec.md §3's delta key: (row_id, timestamp). Ordered row_id-major,
// timestamp-minor, matching the scan path's "range-scan DMS over that
// row_id" access pattern (§4.4).
type Key struct {
	RowID rowid.ID
	TS    mvcc.Timestamp
}

func (k Key) Less(o Key) bool {
	if k.RowID != o.RowID {
		return k.RowID < o.RowID
	}
	return k.TS < o.TS
}

// Encode serializes a Key as 4 bytes row_id + 8 bytes timestamp, both
// big-endian so byte-lexical order equals Key order (the same
// memcomparable convention schema.EncodePK uses for the base-data B-tree).
func (k Key) Encode() []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], uint32(k.RowID))
	binary.BigEndian.PutUint64(out[4:12], uint64(k.TS))
	return out
}

func DecodeKey(b []byte) (Key, error) {
	if len(b) != 12 {
		return Key{}, fmt.Errorf("delta: malformed delta key (want 12 bytes, got %d)", len(b))
	}
	return Key{
		RowID: rowid.ID(binary.BigEndian.Uint32(b[0:4])),
		TS:    mvcc.Timestamp(binary.BigEndian.Uint64(b[4:12])),
	}, nil
}

// ChangeKind distinguishes UPDATE/DELETE/REINSERT change lists (spec.md §6).
type ChangeKind uint8

const (
	ChangeUpdate ChangeKind = iota
	ChangeDelete
	ChangeReinsert
)

// ColumnUpdate is one column_id -> new_value entry.
type ColumnUpdate struct {
	ColumnID uint32
	Value    []byte
}

// ChangeList is the compact mutation payload attached to a delta record.
type ChangeList struct {
	Kind    ChangeKind
	Updates []ColumnUpdate
}

// EncodeChangeList implements spec.md §6's wire format exactly: a
// single-byte kind prefix, then varint(column_id_count) followed by
// { varint(column_id), varint(len), bytes } per update. DELETE has zero
// updates.
func EncodeChangeList(cl ChangeList) []byte {
	var buf []byte
	buf = append(buf, byte(cl.Kind))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(cl.Updates)))
	buf = append(buf, tmp[:n]...)
	for _, u := range cl.Updates {
		n = binary.PutUvarint(tmp[:], uint64(u.ColumnID))
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(len(u.Value)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, u.Value...)
	}
	return buf
}

func DecodeChangeList(b []byte) (ChangeList, error) {
	if len(b) < 1 {
		return ChangeList{}, fmt.Errorf("delta: empty change list")
	}
	kind := ChangeKind(b[0])
	b = b[1:]
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return ChangeList{}, fmt.Errorf("delta: malformed change list column count")
	}
	b = b[n:]
	updates := make([]ColumnUpdate, 0, count)
	for i := uint64(0); i < count; i++ {
		colID, n := binary.Uvarint(b)
		if n <= 0 {
			return ChangeList{}, fmt.Errorf("delta: malformed change list column id")
		}
		b = b[n:]
		length, n := binary.Uvarint(b)
		if n <= 0 {
			return ChangeList{}, fmt.Errorf("delta: malformed change list value length")
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return ChangeList{}, fmt.Errorf("delta: truncated change list value")
		}
		updates = append(updates, ColumnUpdate{ColumnID: uint32(colID), Value: b[:length]})
		b = b[length:]
	}
	return ChangeList{Kind: kind, Updates: updates}, nil
}
