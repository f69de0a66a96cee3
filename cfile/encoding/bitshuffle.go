package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/erigontech/kudu-tablet-core/predicate"
)

// bitshuffleSubBlockElems bounds how many elements are bit-transposed and
// compressed together. Keeping it fixed lets the decoder jump straight to
// the sub-block covering a given ordinal without touching earlier ones —
// the "block header sentinels" random access spec.md §4.1 calls for.
const bitshuffleSubBlockElems = 128

// BitshuffleBuilder implements the Bitshuffle encoding: values are
// bit-transposed in fixed-size sub-blocks, then each sub-block is
// compressed with an LZ4-equivalent codec (s2, see SPEC_FULL.md's domain
// stack table).
type BitshuffleBuilder struct {
	width  int
	budget int
	values [][]byte
	size   int
}

func NewBitshuffleBuilder(width, budget int) *BitshuffleBuilder {
	return &BitshuffleBuilder{width: width, budget: budget}
}

func (b *BitshuffleBuilder) Add(values [][]byte) (int, error) {
	accepted := 0
	for _, v := range values {
		if len(v) != b.width {
			return accepted, fmt.Errorf("bitshuffle: value width %d != %d", len(v), b.width)
		}
		if b.budget > 0 && b.size+b.width > b.budget && len(b.values) > 0 {
			break
		}
		b.values = append(b.values, v)
		b.size += b.width
		accepted++
	}
	return accepted, nil
}

func (b *BitshuffleBuilder) IsFull() bool { return b.budget > 0 && b.size >= b.budget }
func (b *BitshuffleBuilder) Count() int   { return len(b.values) }
func (b *BitshuffleBuilder) Reset()       { b.values = b.values[:0]; b.size = 0 }

func (b *BitshuffleBuilder) GetFirstKey() ([]byte, bool) {
	if len(b.values) == 0 {
		return nil, false
	}
	return b.values[0], true
}

func (b *BitshuffleBuilder) GetLastKey() ([]byte, bool) {
	if len(b.values) == 0 {
		return nil, false
	}
	return b.values[len(b.values)-1], true
}

func (b *BitshuffleBuilder) Finish(firstOrdinal uint32) ([]byte, error) {
	count := len(b.values)
	numSub := (count + bitshuffleSubBlockElems - 1) / bitshuffleSubBlockElems
	if count == 0 {
		numSub = 0
	}
	out := make([]byte, 9)
	out[0] = byte(b.width)
	binary.LittleEndian.PutUint32(out[1:5], uint32(count))
	binary.LittleEndian.PutUint32(out[5:9], uint32(numSub))

	compressedSubs := make([][]byte, numSub)
	for s := 0; s < numSub; s++ {
		start := s * bitshuffleSubBlockElems
		end := start + bitshuffleSubBlockElems
		if end > count {
			end = count
		}
		transposed := bitTranspose(b.values[start:end], b.width)
		compressedSubs[s] = s2.Encode(nil, transposed)
	}
	// sentinel table: one u32 compressed length per sub-block, enabling
	// direct seek to any sub-block's byte offset.
	for _, c := range compressedSubs {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(c)))
		out = append(out, l[:]...)
	}
	for _, c := range compressedSubs {
		out = append(out, c...)
	}
	return out, nil
}

// bitTranspose reorders count*width bytes into width*8 bit-planes, each
// ceil(count/8) bytes, so that plane p holds bit p of every element packed
// MSB-first. This is the classic bitshuffle transform.
func bitTranspose(values [][]byte, width int) []byte {
	count := len(values)
	rowBytes := (count + 7) / 8
	planes := width * 8
	out := make([]byte, planes*rowBytes)
	for bitIdx := 0; bitIdx < planes; bitIdx++ {
		byteIdx := bitIdx / 8
		bitInByte := uint(bitIdx % 8)
		rowStart := bitIdx * rowBytes
		for e := 0; e < count; e++ {
			bit := (values[e][byteIdx] >> (7 - bitInByte)) & 1
			if bit != 0 {
				out[rowStart+e/8] |= 1 << uint(7-e%8)
			}
		}
	}
	return out
}

// bitUntranspose inverts bitTranspose.
func bitUntranspose(transposed []byte, width, count int) [][]byte {
	rowBytes := (count + 7) / 8
	planes := width * 8
	values := make([][]byte, count)
	buf := make([]byte, count*width)
	for e := 0; e < count; e++ {
		values[e] = buf[e*width : (e+1)*width]
	}
	for bitIdx := 0; bitIdx < planes; bitIdx++ {
		byteIdx := bitIdx / 8
		bitInByte := uint(bitIdx % 8)
		rowStart := bitIdx * rowBytes
		for e := 0; e < count; e++ {
			bit := (transposed[rowStart+e/8] >> uint(7-e%8)) & 1
			if bit != 0 {
				values[e][byteIdx] |= 1 << (7 - bitInByte)
			}
		}
	}
	return values
}

// BitshuffleDecoder parses a Bitshuffle-encoded block, decompressing and
// un-transposing sub-blocks lazily as they are visited.
type BitshuffleDecoder struct {
	width  int
	count  int
	pos    int
	subLen []uint32
	subOff []int // byte offset of each sub-block's compressed payload

	buf []byte

	cachedSub    int
	cachedValues [][]byte
}

func NewBitshuffleDecoder(width int, buf []byte) (*BitshuffleDecoder, error) {
	if len(buf) < 9 {
		return nil, fmt.Errorf("bitshuffle: truncated header")
	}
	hdrWidth := int(buf[0])
	if hdrWidth != width {
		return nil, fmt.Errorf("bitshuffle: header width %d != schema width %d", hdrWidth, width)
	}
	count := int(binary.LittleEndian.Uint32(buf[1:5]))
	numSub := int(binary.LittleEndian.Uint32(buf[5:9]))
	pos := 9
	if len(buf) < pos+4*numSub {
		return nil, fmt.Errorf("bitshuffle: truncated sentinel table")
	}
	subLen := make([]uint32, numSub)
	for i := 0; i < numSub; i++ {
		subLen[i] = binary.LittleEndian.Uint32(buf[pos+4*i:])
	}
	pos += 4 * numSub
	subOff := make([]int, numSub)
	off := pos
	for i := 0; i < numSub; i++ {
		subOff[i] = off
		off += int(subLen[i])
	}
	return &BitshuffleDecoder{width: width, count: count, subLen: subLen, subOff: subOff, buf: buf, cachedSub: -1}, nil
}

func (d *BitshuffleDecoder) Count() int { return d.count }
func (d *BitshuffleDecoder) Pos() int   { return d.pos }

func (d *BitshuffleDecoder) SeekToPosition(pos int) error {
	if pos < 0 || pos > d.count {
		return fmt.Errorf("bitshuffle: seek position %d out of range", pos)
	}
	d.pos = pos
	return nil
}

func (d *BitshuffleDecoder) loadSub(sub int) ([][]byte, error) {
	if sub == d.cachedSub {
		return d.cachedValues, nil
	}
	compressed := d.buf[d.subOff[sub] : d.subOff[sub]+int(d.subLen[sub])]
	transposed, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("bitshuffle: decompress sub-block %d: %w", sub, err)
	}
	start := sub * bitshuffleSubBlockElems
	end := start + bitshuffleSubBlockElems
	if end > d.count {
		end = d.count
	}
	values := bitUntranspose(transposed, d.width, end-start)
	d.cachedSub = sub
	d.cachedValues = values
	return values, nil
}

func (d *BitshuffleDecoder) value(i int) ([]byte, error) {
	sub := i / bitshuffleSubBlockElems
	values, err := d.loadSub(sub)
	if err != nil {
		return nil, err
	}
	return values[i%bitshuffleSubBlockElems], nil
}

func (d *BitshuffleDecoder) SeekAtOrAfterValue(v []byte) (bool, error) {
	lo, hi := 0, d.count
	for lo < hi {
		mid := (lo + hi) / 2
		mv, err := d.value(mid)
		if err != nil {
			return false, err
		}
		if compareBytes(mv, v) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	d.pos = lo
	if lo >= d.count {
		return false, nil
	}
	mv, err := d.value(lo)
	if err != nil {
		return false, err
	}
	return compareBytes(mv, v) == 0, nil
}

func (d *BitshuffleDecoder) CopyNextValues(n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n && d.pos < d.count; i++ {
		v, err := d.value(d.pos)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		d.pos++
	}
	return out, nil
}

func (d *BitshuffleDecoder) CopyNextAndEval(n int, pred predicate.Predicate, sel *predicate.Selection, selOffset int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n && d.pos < d.count; i++ {
		v, err := d.value(d.pos)
		if err != nil {
			return nil, err
		}
		if !pred.Matches(v) {
			sel.Set(selOffset+i, false)
		}
		out = append(out, v)
		d.pos++
	}
	return out, nil
}
