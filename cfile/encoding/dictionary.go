package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/erigontech/kudu-tablet-core/predicate"
)

const (
	dictModeCoded Kind = 0
	dictModePlain Kind = 1
)

// DictionaryBuilder implements the Dictionary encoding (spec.md §4.1): a
// per-CFile dictionary of distinct values shared across every data block of
// the column, with each data block holding bitshuffle-compressed codewords.
// If the dictionary grows past its configured CFile-block budget, the
// writer permanently falls back to Plain encoding for this and all
// subsequent data blocks of the column, recording the switch in a 4-byte
// mode header on every data block.
type DictionaryBuilder struct {
	budget     int
	dictBudget int

	dict       map[string]uint32
	order      [][]byte
	dictSize   int
	overflowed bool

	// current block accumulation; raw values are always retained so
	// GetFirstKey/GetLastKey and the Plain fallback both work regardless
	// of which mode the block ends up in.
	allValues [][]byte
	size      int
}

// NewDictionaryBuilder constructs a builder; dictBudget is set to budget,
// the "CFile-block budget" the dictionary shares with data blocks.
func NewDictionaryBuilder(budget int) *DictionaryBuilder {
	return &DictionaryBuilder{budget: budget, dictBudget: budget, dict: make(map[string]uint32)}
}

func (b *DictionaryBuilder) Add(values [][]byte) (int, error) {
	accepted := 0
	for _, v := range values {
		entrySize := len(v) + 4
		if b.budget > 0 && b.size+entrySize > b.budget && len(b.allValues) > 0 {
			break
		}
		if !b.overflowed {
			if _, exists := b.dict[string(v)]; !exists {
				if b.dictBudget > 0 && b.dictSize+len(v) > b.dictBudget && len(b.order) > 0 {
					b.overflowed = true
				} else {
					code := uint32(len(b.order))
					cp := append([]byte(nil), v...)
					b.dict[string(v)] = code
					b.order = append(b.order, cp)
					b.dictSize += len(v)
				}
			}
		}
		b.allValues = append(b.allValues, v)
		b.size += entrySize
		accepted++
	}
	return accepted, nil
}

func (b *DictionaryBuilder) IsFull() bool { return b.budget > 0 && b.size >= b.budget }
func (b *DictionaryBuilder) Count() int   { return len(b.allValues) }
func (b *DictionaryBuilder) Reset()       { b.allValues = b.allValues[:0]; b.size = 0 }

func (b *DictionaryBuilder) GetFirstKey() ([]byte, bool) {
	if len(b.allValues) == 0 {
		return nil, false
	}
	return b.allValues[0], true
}
func (b *DictionaryBuilder) GetLastKey() ([]byte, bool) {
	if len(b.allValues) == 0 {
		return nil, false
	}
	return b.allValues[len(b.allValues)-1], true
}

// Finish seals the current data block. mode is recorded in a 4-byte header
// prefix: 0 = dictionary-coded, 1 = plain fallback.
func (b *DictionaryBuilder) Finish(firstOrdinal uint32) ([]byte, error) {
	var hdr [4]byte
	if b.overflowed {
		binary.LittleEndian.PutUint32(hdr[:], uint32(dictModePlain))
		inner := NewPlainBuilder(0, 0)
		if _, err := inner.Add(b.allValues); err != nil {
			return nil, err
		}
		payload, err := inner.Finish(firstOrdinal)
		if err != nil {
			return nil, err
		}
		return append(hdr[:], payload...), nil
	}
	binary.LittleEndian.PutUint32(hdr[:], uint32(dictModeCoded))
	codes := make([][]byte, len(b.allValues))
	for i, v := range b.allValues {
		code := b.dict[string(v)]
		var cb [4]byte
		binary.LittleEndian.PutUint32(cb[:], code)
		codes[i] = cb[:]
	}
	inner := NewBitshuffleBuilder(4, 0)
	if _, err := inner.Add(codes); err != nil {
		return nil, err
	}
	payload, err := inner.Finish(firstOrdinal)
	if err != nil {
		return nil, err
	}
	return append(hdr[:], payload...), nil
}

// Dictionary returns the distinct values in code order, to be written into
// the CFile's shared dictionary block once after the last data block.
func (b *DictionaryBuilder) Dictionary() [][]byte { return b.order }

// EncodeDictionaryBlock serializes the dictionary as a Plain variable-width
// block (it is simply a sorted-by-first-occurrence list of values).
func (b *DictionaryBuilder) EncodeDictionaryBlock() ([]byte, error) {
	pb := NewPlainBuilder(0, 0)
	if _, err := pb.Add(b.order); err != nil {
		return nil, err
	}
	return pb.Finish(0)
}

// DecodeDictionaryBlock parses a dictionary block payload back into its
// ordered values.
func DecodeDictionaryBlock(buf []byte) ([][]byte, error) {
	d, err := NewPlainDecoder(0, buf)
	if err != nil {
		return nil, err
	}
	return d.CopyNextValues(d.Count())
}

// DictionaryDecoder parses a Dictionary-encoded data block, given the
// CFile's shared dictionary.
type DictionaryDecoder struct {
	dict  [][]byte
	mode  Kind
	inner Decoder

	// matchCache memoizes per-dictionary-code predicate results so
	// CopyNextAndEval evaluates each distinct value against the predicate
	// only once for the life of this decoder, per spec.md §4.1. A decoder
	// is scoped to a single scan node, which pushes down one predicate per
	// column, so there is no need to key the cache by predicate identity.
	matchCache []bool

	decodeCount int // number of rows actually resolved to a value; exported via DecodeCount for tests
}

func NewDictionaryDecoder(dict [][]byte, buf []byte) (*DictionaryDecoder, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("dictionary: truncated mode header")
	}
	mode := Kind(binary.LittleEndian.Uint32(buf[:4]))
	var inner Decoder
	var err error
	switch mode {
	case dictModeCoded:
		inner, err = NewBitshuffleDecoder(4, buf[4:])
	case dictModePlain:
		inner, err = NewPlainDecoder(0, buf[4:])
	default:
		return nil, fmt.Errorf("dictionary: unknown mode %d", mode)
	}
	if err != nil {
		return nil, err
	}
	return &DictionaryDecoder{dict: dict, mode: mode, inner: inner}, nil
}

func (d *DictionaryDecoder) Count() int                   { return d.inner.Count() }
func (d *DictionaryDecoder) Pos() int                     { return d.inner.Pos() }
func (d *DictionaryDecoder) SeekToPosition(pos int) error { return d.inner.SeekToPosition(pos) }

func (d *DictionaryDecoder) resolve(raw []byte) []byte {
	if d.mode == dictModePlain {
		return raw
	}
	code := binary.LittleEndian.Uint32(raw)
	d.decodeCount++
	return d.dict[code]
}

func (d *DictionaryDecoder) SeekAtOrAfterValue(v []byte) (bool, error) {
	if d.mode == dictModePlain {
		return d.inner.SeekAtOrAfterValue(v)
	}
	// Codewords are not value-ordered, so a dictionary-coded block cannot
	// support an ordered seek; callers must not index such a column.
	return false, fmt.Errorf("dictionary: SeekAtOrAfterValue unsupported on coded blocks")
}

func (d *DictionaryDecoder) CopyNextValues(n int) ([][]byte, error) {
	raw, err := d.inner.CopyNextValues(n)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = d.resolve(r)
	}
	return out, nil
}

// CopyNextAndEval implements the dictionary short-circuit: the predicate is
// evaluated once per distinct dictionary code (computed from the first
// predicate passed and reused for every later call on this decoder), then
// each row's codeword is looked up
// in that bitmap. Only matching rows pay the resolve() cost.
func (d *DictionaryDecoder) CopyNextAndEval(n int, pred predicate.Predicate, sel *predicate.Selection, selOffset int) ([][]byte, error) {
	if d.mode == dictModePlain {
		return d.inner.CopyNextAndEval(n, pred, sel, selOffset)
	}
	if d.matchCache == nil {
		cache := make([]bool, len(d.dict))
		for i, v := range d.dict {
			cache[i] = pred.Matches(v)
		}
		d.matchCache = cache
	}

	rawCodes, err := d.inner.CopyNextValues(n)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(rawCodes))
	for i, raw := range rawCodes {
		code := binary.LittleEndian.Uint32(raw)
		if !d.matchCache[code] {
			sel.Set(selOffset+i, false)
			continue
		}
		out[i] = d.resolve(raw)
	}
	return out, nil
}

// DecodeCount reports how many rows have been fully resolved to a
// dictionary value via resolve(), used by tests to verify the short-circuit
// (spec.md S5) actually skips non-matching codewords.
func (d *DictionaryDecoder) DecodeCount() int { return d.decodeCount }
