// Package tablet implements the tablet coordinator of spec.md §4.10: the
// single entry point that routes writes through the RowSetTree, commits
// them under MVCC, serves scans over a consistent rowset snapshot, and
// drives flush/compaction/schema-alter operations over its MemRowSet and
// DiskRowSets.
package tablet

import (
	"encoding/binary"
	"fmt"

	"github.com/erigontech/kudu-tablet-core/blockstore"
	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset/delta"
)

// RowSetMetadata is the persisted description of one DiskRowSet (spec.md
// §6's "list of rowset metadata entries"): every block id needed to reopen
// it via blockstore.Manager, without touching the CFile bytes themselves.
type RowSetMetadata struct {
	RowSetID      string
	ColumnBlocks  []blockstore.BlockID // indexed like schema.Columns (non-virtual only)
	PKIndexBlock  blockstore.BlockID
	BloomBlock    blockstore.BlockID
	UndoKeysBlock blockstore.BlockID
	UndoRecsBlock blockstore.BlockID
	RedoKeysBlock blockstore.BlockID // zero value until the first delta flush
	RedoRecsBlock blockstore.BlockID
	UndoStats     delta.Stats
	RowCount      uint32
	FlushTS       uint64
	DMSMinLogIdx  uint64
}

// Metadata is the tablet-wide persisted state (spec.md §6's tablet
// metadata PB): the current schema generation's id, every live rowset, and
// the partition's key range. No protobuf toolchain is available in this
// environment (the same constraint cfile/format.go documents for CFile
// footers), so this is a hand-rolled encoding/binary structure instead of a
// generated message.
type Metadata struct {
	TabletID       string
	SchemaVersion  uint32
	RowSets        []RowSetMetadata
	MinKey, MaxKey []byte
}

// Encode serializes m into a flat, versioned binary record.
func (m Metadata) Encode() []byte {
	var buf []byte
	buf = appendString(buf, m.TabletID)
	buf = appendUint32(buf, m.SchemaVersion)
	buf = appendBytes(buf, m.MinKey)
	buf = appendBytes(buf, m.MaxKey)
	buf = appendUint32(buf, uint32(len(m.RowSets)))
	for _, rs := range m.RowSets {
		buf = appendString(buf, rs.RowSetID)
		buf = appendUint32(buf, uint32(len(rs.ColumnBlocks)))
		for _, b := range rs.ColumnBlocks {
			buf = appendString(buf, string(b))
		}
		buf = appendString(buf, string(rs.PKIndexBlock))
		buf = appendString(buf, string(rs.BloomBlock))
		buf = appendString(buf, string(rs.UndoKeysBlock))
		buf = appendString(buf, string(rs.UndoRecsBlock))
		buf = appendString(buf, string(rs.RedoKeysBlock))
		buf = appendString(buf, string(rs.RedoRecsBlock))
		buf = appendStats(buf, rs.UndoStats)
		buf = appendUint32(buf, rs.RowCount)
		buf = appendUint64(buf, rs.FlushTS)
		buf = appendUint64(buf, rs.DMSMinLogIdx)
	}
	return buf
}

// DecodeMetadata reverses Encode.
func DecodeMetadata(buf []byte) (Metadata, error) {
	var m Metadata
	var err error
	if m.TabletID, buf, err = takeString(buf); err != nil {
		return m, err
	}
	if m.SchemaVersion, buf, err = takeUint32(buf); err != nil {
		return m, err
	}
	if m.MinKey, buf, err = takeBytes(buf); err != nil {
		return m, err
	}
	if m.MaxKey, buf, err = takeBytes(buf); err != nil {
		return m, err
	}
	var n uint32
	if n, buf, err = takeUint32(buf); err != nil {
		return m, err
	}
	m.RowSets = make([]RowSetMetadata, n)
	for i := range m.RowSets {
		rs := &m.RowSets[i]
		if rs.RowSetID, buf, err = takeString(buf); err != nil {
			return m, err
		}
		var nc uint32
		if nc, buf, err = takeUint32(buf); err != nil {
			return m, err
		}
		rs.ColumnBlocks = make([]blockstore.BlockID, nc)
		for j := range rs.ColumnBlocks {
			var s string
			if s, buf, err = takeString(buf); err != nil {
				return m, err
			}
			rs.ColumnBlocks[j] = blockstore.BlockID(s)
		}
		for _, dst := range []*blockstore.BlockID{&rs.PKIndexBlock, &rs.BloomBlock, &rs.UndoKeysBlock, &rs.UndoRecsBlock, &rs.RedoKeysBlock, &rs.RedoRecsBlock} {
			var s string
			if s, buf, err = takeString(buf); err != nil {
				return m, err
			}
			*dst = blockstore.BlockID(s)
		}
		if rs.UndoStats, buf, err = takeStats(buf); err != nil {
			return m, err
		}
		if rs.RowCount, buf, err = takeUint32(buf); err != nil {
			return m, err
		}
		if rs.FlushTS, buf, err = takeUint64(buf); err != nil {
			return m, err
		}
		if rs.DMSMinLogIdx, buf, err = takeUint64(buf); err != nil {
			return m, err
		}
	}
	return m, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendString(buf []byte, v string) []byte { return appendBytes(buf, []byte(v)) }

func takeUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("tablet: truncated metadata (uint32)")
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func takeUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("tablet: truncated metadata (uint64)")
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], nil
}

func takeBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := takeUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, fmt.Errorf("tablet: truncated metadata (bytes)")
	}
	if n == 0 {
		return nil, rest, nil
	}
	return rest[:n], rest[n:], nil
}

func takeString(buf []byte) (string, []byte, error) {
	b, rest, err := takeBytes(buf)
	return string(b), rest, err
}

// appendStats/takeStats (de)serialize a delta.Stats observation: the
// per-column update counts and ts range a delta-compaction perf-score
// needs to survive a tablet restart without replaying every delta file.
func appendStats(buf []byte, s delta.Stats) []byte {
	buf = appendUint32(buf, uint32(len(s.ColumnUpdateCounts)))
	for colID, count := range s.ColumnUpdateCounts {
		buf = appendUint32(buf, colID)
		buf = appendUint64(buf, count)
	}
	buf = appendUint64(buf, uint64(s.MinTS))
	buf = appendUint64(buf, uint64(s.MaxTS))
	buf = appendUint64(buf, s.DeleteCount)
	buf = appendUint64(buf, s.RecordCount)
	return buf
}

func takeStats(buf []byte) (delta.Stats, []byte, error) {
	var s delta.Stats
	var n uint32
	var err error
	if n, buf, err = takeUint32(buf); err != nil {
		return s, buf, err
	}
	if n > 0 {
		s.ColumnUpdateCounts = make(map[uint32]uint64, n)
		for i := uint32(0); i < n; i++ {
			var colID uint32
			var count uint64
			if colID, buf, err = takeUint32(buf); err != nil {
				return s, buf, err
			}
			if count, buf, err = takeUint64(buf); err != nil {
				return s, buf, err
			}
			s.ColumnUpdateCounts[colID] = count
		}
	}
	var minTS, maxTS uint64
	if minTS, buf, err = takeUint64(buf); err != nil {
		return s, buf, err
	}
	if maxTS, buf, err = takeUint64(buf); err != nil {
		return s, buf, err
	}
	s.MinTS = mvcc.Timestamp(minTS)
	s.MaxTS = mvcc.Timestamp(maxTS)
	if s.DeleteCount, buf, err = takeUint64(buf); err != nil {
		return s, buf, err
	}
	if s.RecordCount, buf, err = takeUint64(buf); err != nil {
		return s, buf, err
	}
	return s, buf, nil
}
