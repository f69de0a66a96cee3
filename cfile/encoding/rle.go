package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/erigontech/kudu-tablet-core/predicate"
)

// rleRestartInterval is the number of runs between restart-table entries,
// enabling random access without replaying every run from the start
// (spec.md §4.1's "random access via block header restart positions").
const rleRestartInterval = 16

type rleRun struct {
	value  []byte
	length int
}

// RLEBuilder implements the RLE encoding for bool/int columns: a sequence
// of runs, each a varint run length followed by the value's raw
// fixed-width bytes. The value itself is not varint-encoded.
type RLEBuilder struct {
	width  int
	budget int

	runs  []rleRun
	count int
	size  int
}

func NewRLEBuilder(width, budget int) *RLEBuilder { return &RLEBuilder{width: width, budget: budget} }

func (b *RLEBuilder) Add(values [][]byte) (int, error) {
	accepted := 0
	for _, v := range values {
		if len(v) != b.width {
			return accepted, fmt.Errorf("rle: value width %d != %d", len(v), b.width)
		}
		if b.budget > 0 && b.size+b.width+10 > b.budget && b.count > 0 {
			break
		}
		if len(b.runs) > 0 && bytesEqual(b.runs[len(b.runs)-1].value, v) {
			b.runs[len(b.runs)-1].length++
		} else {
			b.runs = append(b.runs, rleRun{value: append([]byte(nil), v...), length: 1})
			b.size += b.width + 10
		}
		b.count++
		accepted++
	}
	return accepted, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *RLEBuilder) IsFull() bool { return b.budget > 0 && b.size >= b.budget }
func (b *RLEBuilder) Count() int   { return b.count }
func (b *RLEBuilder) Reset()       { b.runs = b.runs[:0]; b.count = 0; b.size = 0 }

func (b *RLEBuilder) GetFirstKey() ([]byte, bool) {
	if len(b.runs) == 0 {
		return nil, false
	}
	return b.runs[0].value, true
}
func (b *RLEBuilder) GetLastKey() ([]byte, bool) {
	if len(b.runs) == 0 {
		return nil, false
	}
	return b.runs[len(b.runs)-1].value, true
}

func (b *RLEBuilder) Finish(firstOrdinal uint32) ([]byte, error) {
	numRestarts := (len(b.runs) + rleRestartInterval - 1) / rleRestartInterval
	type restart struct{ ordinal, offset uint32 }
	restarts := make([]restart, 0, numRestarts)

	var data []byte
	var tmp [binary.MaxVarintLen64]byte
	ordinal := uint32(0)
	for i, r := range b.runs {
		if i%rleRestartInterval == 0 {
			restarts = append(restarts, restart{ordinal: ordinal, offset: uint32(len(data))})
		}
		n := binary.PutUvarint(tmp[:], uint64(r.length))
		data = append(data, tmp[:n]...)
		data = append(data, r.value...)
		ordinal += uint32(r.length)
	}

	out := make([]byte, 17)
	binary.LittleEndian.PutUint32(out[0:4], uint32(b.count))
	out[4] = byte(b.width)
	binary.LittleEndian.PutUint32(out[5:9], uint32(len(b.runs)))
	binary.LittleEndian.PutUint32(out[9:13], uint32(len(restarts)))
	binary.LittleEndian.PutUint32(out[13:17], 0) // reserved
	for _, r := range restarts {
		var b8 [8]byte
		binary.LittleEndian.PutUint32(b8[0:4], r.ordinal)
		binary.LittleEndian.PutUint32(b8[4:8], r.offset)
		out = append(out, b8[:]...)
	}
	out = append(out, data...)
	return out, nil
}

// RLEDecoder parses an RLE-encoded block.
type RLEDecoder struct {
	width    int
	count    int
	numRuns  int
	restarts []struct{ ordinal, offset uint32 }
	data     []byte

	pos int

	// materialized runs from the last restart scanned from.
	runStart int // ordinal where runs[0] begins
	runs     []rleRun
}

func NewRLEDecoder(width int, buf []byte) (*RLEDecoder, error) {
	if len(buf) < 17 {
		return nil, fmt.Errorf("rle: truncated header")
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	hdrWidth := int(buf[4])
	if hdrWidth != width {
		return nil, fmt.Errorf("rle: header width %d != %d", hdrWidth, width)
	}
	numRuns := int(binary.LittleEndian.Uint32(buf[5:9]))
	numRestarts := int(binary.LittleEndian.Uint32(buf[9:13]))
	pos := 17
	restarts := make([]struct{ ordinal, offset uint32 }, numRestarts)
	for i := range restarts {
		if len(buf) < pos+8 {
			return nil, fmt.Errorf("rle: truncated restart table")
		}
		restarts[i].ordinal = binary.LittleEndian.Uint32(buf[pos:])
		restarts[i].offset = binary.LittleEndian.Uint32(buf[pos+4:])
		pos += 8
	}
	return &RLEDecoder{width: width, count: count, numRuns: numRuns, restarts: restarts, data: buf[pos:]}, nil
}

func (d *RLEDecoder) Count() int { return d.count }
func (d *RLEDecoder) Pos() int   { return d.pos }

// runsFrom decodes runs starting at the restart point covering ordinal,
// caching them so sequential access stays O(1) amortized.
func (d *RLEDecoder) runsFrom(ordinal int) {
	if d.runs != nil && d.runStart <= ordinal {
		last := d.runStart
		for _, r := range d.runs {
			last += r.length
		}
		if last > ordinal {
			return
		}
	}
	// find nearest restart with ordinal <= target
	ri := 0
	for i, r := range d.restarts {
		if int(r.ordinal) <= ordinal {
			ri = i
		} else {
			break
		}
	}
	off := int(d.restarts[ri].offset)
	cur := int(d.restarts[ri].ordinal)
	var runs []rleRun
	for off < len(d.data) {
		length, n := binary.Uvarint(d.data[off:])
		off += n
		val := d.data[off : off+d.width]
		off += d.width
		runs = append(runs, rleRun{value: val, length: int(length)})
		cur += int(length)
		if cur > ordinal && len(runs) >= 1 {
			break
		}
	}
	d.runStart = int(d.restarts[ri].ordinal)
	d.runs = runs
}

func (d *RLEDecoder) value(i int) []byte {
	d.runsFrom(i)
	cur := d.runStart
	for _, r := range d.runs {
		if i < cur+r.length {
			return r.value
		}
		cur += r.length
	}
	// fell off the cached window (ran past it because runsFrom stopped
	// early); extend forward.
	d.runs = nil
	d.runsFrom(i)
	cur = d.runStart
	for _, r := range d.runs {
		if i < cur+r.length {
			return r.value
		}
		cur += r.length
	}
	return nil
}

func (d *RLEDecoder) SeekToPosition(pos int) error {
	if pos < 0 || pos > d.count {
		return fmt.Errorf("rle: seek position %d out of range", pos)
	}
	d.pos = pos
	return nil
}

func (d *RLEDecoder) SeekAtOrAfterValue(v []byte) (bool, error) {
	for i := 0; i < d.count; i++ {
		if compareBytes(d.value(i), v) >= 0 {
			d.pos = i
			return compareBytes(d.value(i), v) == 0, nil
		}
	}
	d.pos = d.count
	return false, nil
}

func (d *RLEDecoder) CopyNextValues(n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n && d.pos < d.count; i++ {
		out = append(out, d.value(d.pos))
		d.pos++
	}
	return out, nil
}

func (d *RLEDecoder) CopyNextAndEval(n int, pred predicate.Predicate, sel *predicate.Selection, selOffset int) ([][]byte, error) {
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
