package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/erigontech/kudu-tablet-core/predicate"
)

// prefixRestartInterval is R in spec.md §4.1: every R-th entry stores its
// full value (no shared-prefix compression) so the decoder can binary
// search among restart points before linear-scanning a short run.
const prefixRestartInterval = 16

// PrefixBuilder implements the Prefix encoding for strings/binary.
type PrefixBuilder struct {
	budget int

	values  [][]byte
	size    int
}

func NewPrefixBuilder(budget int) *PrefixBuilder { return &PrefixBuilder{budget: budget} }

func (b *PrefixBuilder) Add(values [][]byte) (int, error) {
	accepted := 0
	for _, v := range values {
		entrySize := len(v) + 10 // rough upper bound for varints
		if b.budget > 0 && b.size+entrySize > b.budget && len(b.values) > 0 {
			break
		}
		b.values = append(b.values, v)
		b.size += entrySize
		accepted++
	}
	return accepted, nil
}

func (b *PrefixBuilder) IsFull() bool { return b.budget > 0 && b.size >= b.budget }
func (b *PrefixBuilder) Count() int   { return len(b.values) }
func (b *PrefixBuilder) Reset()       { b.values = b.values[:0]; b.size = 0 }

func (b *PrefixBuilder) GetFirstKey() ([]byte, bool) {
	if len(b.values) == 0 {
		return nil, false
	}
	return b.values[0], true
}
func (b *PrefixBuilder) GetLastKey() ([]byte, bool) {
	if len(b.values) == 0 {
		return nil, false
	}
	return b.values[len(b.values)-1], true
}

func (b *PrefixBuilder) Finish(firstOrdinal uint32) ([]byte, error) {
	count := len(b.values)
	numRestarts := (count + prefixRestartInterval - 1) / prefixRestartInterval

	var data []byte
	restartOffsets := make([]uint32, 0, numRestarts)
	var prev []byte
	var tmp [binary.MaxVarintLen64]byte
	for i, v := range b.values {
		isRestart := i%prefixRestartInterval == 0
		if isRestart {
			restartOffsets = append(restartOffsets, uint32(len(data)))
			prev = nil
		}
		shared := 0
		if !isRestart {
			shared = commonPrefixLen(prev, v)
		}
		n := binary.PutUvarint(tmp[:], uint64(shared))
		data = append(data, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(len(v)-shared))
		data = append(data, tmp[:n]...)
		data = append(data, v[shared:]...)
		prev = v
	}

	out := make([]byte, 0, 12+4*len(restartOffsets)+len(data))
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(count))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(prefixRestartInterval))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(restartOffsets)))
	out = append(out, hdr[:]...)
	for _, o := range restartOffsets {
		var b4 [4]byte
		binary.LittleEndian.PutUint32(b4[:], o)
		out = append(out, b4[:]...)
	}
	out = append(out, data...)
	return out, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// PrefixDecoder parses a Prefix-encoded block.
type PrefixDecoder struct {
	count       int
	restartIval int
	restarts    []uint32
	data        []byte

	pos int
	// decoded values cache from the last restart point scanned through.
	decoded    [][]byte
	decodedTo  int // restart index the cache starts at
}

func NewPrefixDecoder(buf []byte) (*PrefixDecoder, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("prefix: truncated header")
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	ival := int(binary.LittleEndian.Uint32(buf[4:8]))
	numRestarts := int(binary.LittleEndian.Uint32(buf[8:12]))
	pos := 12
	if len(buf) < pos+4*numRestarts {
		return nil, fmt.Errorf("prefix: truncated restart table")
	}
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(buf[pos+4*i:])
	}
	pos += 4 * numRestarts
	return &PrefixDecoder{count: count, restartIval: ival, restarts: restarts, data: buf[pos:]}, nil
}

func (d *PrefixDecoder) Count() int { return d.count }
func (d *PrefixDecoder) Pos() int   { return d.pos }

// decodeRun decodes every entry in the run starting at restart index r,
// returning all values from that restart boundary up to the next one (or
// the end of the block).
func (d *PrefixDecoder) decodeRun(r int) [][]byte {
	start := r * d.restartIval
	end := start + d.restartIval
	if end > d.count {
		end = d.count
	}
	off := int(d.restarts[r])
	out := make([][]byte, 0, end-start)
	var prev []byte
	for i := start; i < end; i++ {
		shared, n1 := binary.Uvarint(d.data[off:])
		off += n1
		suffixLen, n2 := binary.Uvarint(d.data[off:])
		off += n2
		v := make([]byte, int(shared)+int(suffixLen))
		if shared > 0 {
			copy(v, prev[:shared])
		}
		copy(v[shared:], d.data[off:off+int(suffixLen)])
		off += int(suffixLen)
		out = append(out, v)
		prev = v
	}
	return out
}

func (d *PrefixDecoder) valuesThroughRestartContaining(i int) [][]byte {
	r := i / d.restartIval
	if d.decoded == nil || d.decodedTo != r {
		d.decoded = d.decodeRun(r)
		d.decodedTo = r
	}
	return d.decoded
}

func (d *PrefixDecoder) value(i int) []byte {
	run := d.valuesThroughRestartContaining(i)
	return run[i%d.restartIval]
}

func (d *PrefixDecoder) restartValue(r int) []byte {
	run := d.decodeRun(r)
	return run[0]
}

func (d *PrefixDecoder) SeekToPosition(pos int) error {
	if pos < 0 || pos > d.count {
		return fmt.Errorf("prefix: seek position %d out of range", pos)
	}
	d.pos = pos
	return nil
}

func (d *PrefixDecoder) SeekAtOrAfterValue(v []byte) (bool, error) {
	// Binary search the restart points (each holds a full value), then
	// linear scan within the winning run.
	lo, hi := 0, len(d.restarts)
	for lo < hi {
		mid := (lo + hi) / 2
		if compareBytes(d.restartValue(mid), v) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	r := lo - 1
	if r < 0 {
		r = 0
	}
	run := d.decodeRun(r)
	start := r * d.restartIval
	for i, rv := range run {
		if compareBytes(rv, v) >= 0 {
			d.pos = start + i
			return compareBytes(rv, v) == 0, nil
		}
	}
	d.pos = start + len(run)
	return false, nil
}

func (d *PrefixDecoder) CopyNextValues(n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n && d.pos < d.count; i++ {
		out = append(out, d.value(d.pos))
		d.pos++
	}
	return out, nil
}

func (d *PrefixDecoder) CopyNextAndEval(n int, pred predicate.Predicate, sel *predicate.Selection, selOffset int) ([][]byte, error) {
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
