package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/erigontech/kudu-tablet-core/predicate"
)

// PlainBuilder implements the Plain encoding (spec.md §4.1): fixed-width
// types are a contiguous array; variable-width types are a 32-bit offset
// array followed by the concatenated blob.
type PlainBuilder struct {
	fixedWidth int // 0 => variable width
	budget     int

	values [][]byte
	size   int
}

func NewPlainBuilder(fixedWidth, budget int) *PlainBuilder {
	return &PlainBuilder{fixedWidth: fixedWidth, budget: budget}
}

func (b *PlainBuilder) Add(values [][]byte) (int, error) {
	accepted := 0
	for _, v := range values {
		entrySize := len(v)
		if b.fixedWidth == 0 {
			entrySize += 4
		}
		if b.budget > 0 && b.size+entrySize > b.budget && len(b.values) > 0 {
			break
		}
		b.values = append(b.values, v)
		b.size += entrySize
		accepted++
	}
	return accepted, nil
}

func (b *PlainBuilder) IsFull() bool { return b.budget > 0 && b.size >= b.budget }
func (b *PlainBuilder) Count() int   { return len(b.values) }

func (b *PlainBuilder) Finish(firstOrdinal uint32) ([]byte, error) {
	if b.fixedWidth > 0 {
		out := make([]byte, 0, 4+len(b.values)*b.fixedWidth)
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(b.values)))
		out = append(out, hdr[:]...)
		for _, v := range b.values {
			if len(v) != b.fixedWidth {
				return nil, fmt.Errorf("plain: value width %d != fixed width %d", len(v), b.fixedWidth)
			}
			out = append(out, v...)
		}
		return out, nil
	}
	// Variable width: count:u32 | (count+1) offsets:u32 | blob
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b.values)))
	offsets := make([]byte, 4*(len(b.values)+1))
	blob := make([]byte, 0, b.size)
	off := uint32(0)
	for i, v := range b.values {
		binary.LittleEndian.PutUint32(offsets[4*i:], off)
		blob = append(blob, v...)
		off += uint32(len(v))
	}
	binary.LittleEndian.PutUint32(offsets[4*len(b.values):], off)
	out := make([]byte, 0, 4+len(offsets)+len(blob))
	out = append(out, hdr[:]...)
	out = append(out, offsets...)
	out = append(out, blob...)
	return out, nil
}

func (b *PlainBuilder) GetFirstKey() ([]byte, bool) {
	if len(b.values) == 0 {
		return nil, false
	}
	return b.values[0], true
}

func (b *PlainBuilder) GetLastKey() ([]byte, bool) {
	if len(b.values) == 0 {
		return nil, false
	}
	return b.values[len(b.values)-1], true
}

func (b *PlainBuilder) Reset() { b.values = b.values[:0]; b.size = 0 }

// PlainDecoder parses a Plain-encoded block.
type PlainDecoder struct {
	fixedWidth int
	count      int
	pos        int

	// fixed width
	data []byte
	// variable width
	offsets []uint32
	blob    []byte
}

func NewPlainDecoder(fixedWidth int, buf []byte) (*PlainDecoder, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("plain: truncated header")
	}
	count := int(binary.LittleEndian.Uint32(buf[:4]))
	d := &PlainDecoder{fixedWidth: fixedWidth, count: count}
	if fixedWidth > 0 {
		want := 4 + count*fixedWidth
		if len(buf) < want {
			return nil, fmt.Errorf("plain: truncated fixed-width body")
		}
		d.data = buf[4:want]
		return d, nil
	}
	offStart := 4
	offEnd := offStart + 4*(count+1)
	if len(buf) < offEnd {
		return nil, fmt.Errorf("plain: truncated offsets")
	}
	offsets := make([]uint32, count+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(buf[offStart+4*i:])
	}
	d.offsets = offsets
	d.blob = buf[offEnd:]
	return d, nil
}

func (d *PlainDecoder) Count() int { return d.count }
func (d *PlainDecoder) Pos() int   { return d.pos }

func (d *PlainDecoder) SeekToPosition(pos int) error {
	if pos < 0 || pos > d.count {
		return fmt.Errorf("plain: seek position %d out of range [0,%d]", pos, d.count)
	}
	d.pos = pos
	return nil
}

func (d *PlainDecoder) value(i int) []byte {
	if d.fixedWidth > 0 {
		return d.data[i*d.fixedWidth : (i+1)*d.fixedWidth]
	}
	return d.blob[d.offsets[i]:d.offsets[i+1]]
}

func (d *PlainDecoder) SeekAtOrAfterValue(v []byte) (bool, error) {
	lo, hi := 0, d.count
	for lo < hi {
		mid := (lo + hi) / 2
		if compareBytes(d.value(mid), v) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	d.pos = lo
	exact := lo < d.count && compareBytes(d.value(lo), v) == 0
	return exact, nil
}

func (d *PlainDecoder) CopyNextValues(n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n && d.pos < d.count; i++ {
		out = append(out, d.value(d.pos))
		d.pos++
	}
	return out, nil
}

func (d *PlainDecoder) CopyNextAndEval(n int, pred predicate.Predicate, sel *predicate.Selection, selOffset int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n && d.pos < d.count; i++ {
		v := d.value(d.pos)
		if !pred.Matches(v) {
			sel.Set(selOffset+i, false)
		}
		out = append(out, v)
		d.pos++
	}
	return out, nil
}

func compareBytes(a, b []byte) int {
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
