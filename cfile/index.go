package cfile

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
)

// posEntry maps the first row ordinal of a data block to its location.
type posEntry struct {
	firstOrdinal uint32
	pointer      BlockPointer
}

func posEntryLess(a, b posEntry) bool { return a.firstOrdinal < b.firstOrdinal }

// encodePositionIndex serializes every data block's (firstOrdinal, pointer)
// pair as a single index block. spec.md §4.2 calls for a B-tree positional
// index; a CFile produced by one MemRowSet flush or compaction holds at
// most a few thousand data blocks, so one leaf block (loaded in full and
// organized as an in-memory google/btree.BTreeG for lookups) plays the
// role the upstream multi-level B-tree plays for larger files.
func encodePositionIndex(entries []posEntry) []byte {
	var buf []byte
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(entries)))
	buf = append(buf, tmp[:]...)
	for _, e := range entries {
		binary.LittleEndian.PutUint32(tmp[:], e.firstOrdinal)
		buf = append(buf, tmp[:]...)
		var b8 [8]byte
		binary.LittleEndian.PutUint64(b8[:], e.pointer.Offset)
		buf = append(buf, b8[:]...)
		binary.LittleEndian.PutUint32(tmp[:], e.pointer.Size)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodePositionIndex(buf []byte) ([]posEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("cfile: position index truncated")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	pos := 4
	out := make([]posEntry, n)
	for i := 0; i < n; i++ {
		if len(buf) < pos+16 {
			return nil, fmt.Errorf("cfile: position index entry %d truncated", i)
		}
		out[i].firstOrdinal = binary.LittleEndian.Uint32(buf[pos:])
		out[i].pointer.Offset = binary.LittleEndian.Uint64(buf[pos+4:])
		out[i].pointer.Size = binary.LittleEndian.Uint32(buf[pos+12:])
		pos += 16
	}
	return out, nil
}

// positionIndex answers "which data block holds ordinal o" via an
// in-memory B-tree built from the decoded index block.
type positionIndex struct {
	tree *btree.BTreeG[posEntry]
	n    int
}

func newPositionIndex(entries []posEntry) *positionIndex {
	tree := btree.NewG(32, posEntryLess)
	for _, e := range entries {
		tree.ReplaceOrInsert(e)
	}
	return &positionIndex{tree: tree, n: len(entries)}
}

// blockFor returns the entry whose range [firstOrdinal, nextFirstOrdinal)
// contains ordinal.
func (p *positionIndex) blockFor(ordinal uint32) (posEntry, bool) {
	var found posEntry
	ok := false
	p.tree.DescendLessOrEqual(posEntry{firstOrdinal: ordinal}, func(e posEntry) bool {
		found = e
		ok = true
		return false
	})
	return found, ok
}

// valueIndexEntry maps a block's first memcomparable-encoded value to its
// pointer, used by SeekAtOrAfterValue on sorted (typically PK) columns.
type valueIndexEntry struct {
	firstValue []byte
	pointer    BlockPointer
}

func encodeValueIndex(entries []valueIndexEntry) []byte {
	var buf []byte
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(entries)))
	buf = append(buf, tmp[:]...)
	for _, e := range entries {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(e.firstValue)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, e.firstValue...)
		var b8 [8]byte
		binary.LittleEndian.PutUint64(b8[:], e.pointer.Offset)
		buf = append(buf, b8[:]...)
		binary.LittleEndian.PutUint32(tmp[:], e.pointer.Size)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeValueIndex(buf []byte) ([]valueIndexEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("cfile: value index truncated")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	pos := 4
	out := make([]valueIndexEntry, n)
	for i := 0; i < n; i++ {
		if len(buf) < pos+4 {
			return nil, fmt.Errorf("cfile: value index entry %d truncated", i)
		}
		vlen := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if len(buf) < pos+vlen+12 {
			return nil, fmt.Errorf("cfile: value index entry %d truncated", i)
		}
		out[i].firstValue = append([]byte(nil), buf[pos:pos+vlen]...)
		pos += vlen
		out[i].pointer.Offset = binary.LittleEndian.Uint64(buf[pos:])
		out[i].pointer.Size = binary.LittleEndian.Uint32(buf[pos+8:])
		pos += 12
	}
	return out, nil
}

// valueIndex supports seek_at_or_after over the sorted first-value of each
// data block.
type valueIndex struct {
	entries []valueIndexEntry
}

func newValueIndex(entries []valueIndexEntry) *valueIndex { return &valueIndex{entries: entries} }

// blockFor returns the last entry whose firstValue is <= v, i.e. the block
// that would contain v if present.
func (vi *valueIndex) blockFor(v []byte) (valueIndexEntry, bool) {
	lo, hi := 0, len(vi.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareValueBytes(vi.entries[mid].firstValue, v) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		if len(vi.entries) == 0 {
			return valueIndexEntry{}, false
		}
		return vi.entries[0], true
	}
	return vi.entries[lo-1], true
}

func compareValueBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
