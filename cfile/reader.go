package cfile

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/erigontech/kudu-tablet-core/cfile/encoding"
	"github.com/erigontech/kudu-tablet-core/predicate"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// Reader opens a complete CFile for random and sequential access. It holds
// the whole file in memory; spec.md's block store (see SPEC_FULL.md)
// supplies the backing bytes, whether file-resident or cached.
type Reader struct {
	data   []byte
	Footer *Footer

	posIdx     *positionIndex
	valIdx     *valueIndex
	dict       [][]byte
	nullBitmap *roaring.Bitmap // nil iff the column is not nullable
}

// Open parses header, trailer, footer and indexes, verifying the magic and
// trailer but not yet touching any data block (those are decoded lazily by
// NewIterator/Seek).
func Open(data []byte) (*Reader, error) {
	if len(data) < len(magic)+trailerSize {
		return nil, fmt.Errorf("cfile: file too small to be valid")
	}
	if string(data[:len(magic)]) != string(magic[:]) {
		return nil, fmt.Errorf("cfile: bad header magic, file is not a valid CFile")
	}
	tr, err := decodeTrailer(data[len(data)-trailerSize:])
	if err != nil {
		return nil, err
	}
	footerFrame := data[tr.FooterOffset : tr.FooterOffset+uint64(tr.FooterSize)]
	footerPayload, err := unframeBlock(footerFrame, schema.CompressionNone)
	if err != nil {
		return nil, fmt.Errorf("cfile: read footer: %w", err)
	}
	footer, err := decodeFooter(footerPayload)
	if err != nil {
		return nil, fmt.Errorf("cfile: decode footer: %w", err)
	}

	r := &Reader{data: data, Footer: footer}

	posFrame := r.blockBytes(footer.PositionIndexRoot)
	posPayload, err := unframeBlock(posFrame, schema.CompressionNone)
	if err != nil {
		return nil, fmt.Errorf("cfile: read position index: %w", err)
	}
	posEntries, err := decodePositionIndex(posPayload)
	if err != nil {
		return nil, err
	}
	r.posIdx = newPositionIndex(posEntries)

	if footer.HasValueIndex {
		valFrame := r.blockBytes(footer.ValueIndexRoot)
		valPayload, err := unframeBlock(valFrame, schema.CompressionNone)
		if err != nil {
			return nil, fmt.Errorf("cfile: read value index: %w", err)
		}
		valEntries, err := decodeValueIndex(valPayload)
		if err != nil {
			return nil, err
		}
		r.valIdx = newValueIndex(valEntries)
	}

	if footer.HasDictionary {
		dictFrame := r.blockBytes(footer.DictionaryBlock)
		dictPayload, err := unframeBlock(dictFrame, schema.CompressionNone)
		if err != nil {
			return nil, fmt.Errorf("cfile: read dictionary block: %w", err)
		}
		dict, err := encoding.DecodeDictionaryBlock(dictPayload)
		if err != nil {
			return nil, err
		}
		r.dict = dict
	}

	if footer.Nullable {
		nullFrame := r.blockBytes(footer.NullBitmap)
		nullPayload, err := unframeBlock(nullFrame, schema.CompressionNone)
		if err != nil {
			return nil, fmt.Errorf("cfile: read null bitmap: %w", err)
		}
		bm := roaring.New()
		if _, err := bm.FromBuffer(nullPayload); err != nil {
			return nil, fmt.Errorf("cfile: decode null bitmap: %w", err)
		}
		r.nullBitmap = bm
	}

	return r, nil
}

// IsNull reports whether the given row ordinal (counting nulls) holds a
// null value. Always false for non-nullable columns.
func (r *Reader) IsNull(rowOrdinal uint32) bool {
	return r.nullBitmap != nil && r.nullBitmap.Contains(rowOrdinal)
}

func (r *Reader) blockBytes(bp BlockPointer) []byte {
	return r.data[bp.Offset : bp.Offset+uint64(bp.Size)]
}

func (r *Reader) fixedWidth() int {
	if r.Footer.ColumnType == schema.Varchar {
		return r.Footer.TypeLen
	}
	fw, _ := r.Footer.ColumnType.FixedWidth()
	return fw
}

// decodeBlock loads and decompresses the data block at bp, returning a
// fresh Decoder for it.
func (r *Reader) decodeBlock(bp BlockPointer) (encoding.Decoder, error) {
	frame := r.blockBytes(bp)
	payload, err := unframeBlock(frame, r.Footer.Compression)
	if err != nil {
		return nil, fmt.Errorf("cfile: read data block at offset %d: %w", bp.Offset, err)
	}
	if r.Footer.Encoding == encoding.KindDictionary {
		return encoding.NewDictionaryDecoder(r.dict, payload)
	}
	return encoding.NewDecoder(r.Footer.Encoding, r.fixedWidth(), payload)
}

// Iterator reads a column's values in ordinal order across data-block
// boundaries. pos counts non-null values (the space data blocks are
// indexed in); rowPos counts logical rows including nulls and is only
// meaningful for nullable columns, which must be read via CopyNextRows.
type Iterator struct {
	r       *Reader
	block   encoding.Decoder
	blockAt posEntry
	pos     uint32 // current position in the non-null value stream
	rowPos  uint32 // current position in the logical row stream
}

// NewIterator returns an iterator positioned at ordinal 0.
func (r *Reader) NewIterator() (*Iterator, error) {
	it := &Iterator{r: r}
	if r.Footer.ValueCount == 0 {
		return it, nil
	}
	if err := it.seekTo(0); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *Iterator) seekTo(ordinal uint32) error {
	e, ok := it.r.posIdx.blockFor(ordinal)
	if !ok {
		return fmt.Errorf("cfile: ordinal %d out of range", ordinal)
	}
	if it.block == nil || it.blockAt.pointer != e.pointer {
		b, err := it.r.decodeBlock(e.pointer)
		if err != nil {
			return err
		}
		it.block = b
		it.blockAt = e
	}
	if err := it.block.SeekToPosition(int(ordinal - e.firstOrdinal)); err != nil {
		return err
	}
	it.pos = ordinal
	return nil
}

// SeekToOrdinal repositions the iterator to the given global row ordinal.
func (it *Iterator) SeekToOrdinal(ordinal uint32) error { return it.seekTo(ordinal) }

// SeekAtOrAfterValue locates the first ordinal whose value is >= v, using
// the value index when present to jump directly to the candidate block.
func (it *Iterator) SeekAtOrAfterValue(v []byte) (ordinal uint32, exact bool, err error) {
	if it.r.valIdx == nil {
		return 0, false, fmt.Errorf("cfile: column has no value index")
	}
	e, ok := it.r.valIdx.blockFor(v)
	if !ok {
		return 0, false, nil
	}
	b, err := it.r.decodeBlock(e.pointer)
	if err != nil {
		return 0, false, err
	}
	found, err := it.r.findPosEntry(e.pointer)
	if err != nil {
		return 0, false, err
	}
	it.block = b
	it.blockAt = found

	exact, err = b.SeekAtOrAfterValue(v)
	if err != nil {
		return 0, false, err
	}
	if b.Pos() >= b.Count() {
		// Value sorts after every entry in this block; the next block (if
		// any) picks up from its own first ordinal.
		next := found.firstOrdinal + uint32(b.Count())
		it.pos = next
		if next < it.r.Footer.ValueCount {
			if err := it.seekTo(next); err != nil {
				return 0, false, err
			}
		}
		return next, false, nil
	}
	it.pos = found.firstOrdinal + uint32(b.Pos())
	return it.pos, exact, nil
}

// CopyNextValues decodes up to n values starting at the iterator's current
// position, advancing across block boundaries as needed.
func (it *Iterator) CopyNextValues(n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for len(out) < n && it.pos < it.r.Footer.ValueCount {
		remaining := int(it.blockAt.firstOrdinal) + it.block.Count() - int(it.pos)
		want := n - len(out)
		if want > remaining {
			want = remaining
		}
		vs, err := it.block.CopyNextValues(want)
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
		it.pos += uint32(len(vs))
		if len(vs) == 0 {
			break
		}
		if it.pos < it.r.Footer.ValueCount && int(it.pos) >= int(it.blockAt.firstOrdinal)+it.block.Count() {
			if err := it.seekTo(it.pos); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// CopyNextAndEval decodes up to n values and evaluates pred against each,
// clearing sel bits for non-matches at selOffset..selOffset+n. It is the
// scan-path entry point that lets dictionary-coded blocks short-circuit.
func (it *Iterator) CopyNextAndEval(n int, pred predicate.Predicate, sel *predicate.Selection, selOffset int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for len(out) < n && it.pos < it.r.Footer.ValueCount {
		remaining := int(it.blockAt.firstOrdinal) + it.block.Count() - int(it.pos)
		want := n - len(out)
		if want > remaining {
			want = remaining
		}
		vs, err := it.block.CopyNextAndEval(want, pred, sel, selOffset+len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
		it.pos += uint32(len(vs))
		if len(vs) == 0 {
			break
		}
		if it.pos < it.r.Footer.ValueCount && int(it.pos) >= int(it.blockAt.firstOrdinal)+it.block.Count() {
			if err := it.seekTo(it.pos); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// CopyNextRows decodes up to n logical rows (including nulls) starting at
// the iterator's current row position, returning a value (nil for null
// rows) and a null flag per row. Use this instead of CopyNextValues for
// nullable columns.
func (it *Iterator) CopyNextRows(n int) ([][]byte, []bool, error) {
	values := make([][]byte, 0, n)
	nulls := make([]bool, 0, n)
	for len(values) < n && it.rowPos < it.r.Footer.RowCount {
		if it.r.IsNull(it.rowPos) {
			values = append(values, nil)
			nulls = append(nulls, true)
			it.rowPos++
			continue
		}
		if it.block == nil || int(it.pos) >= int(it.blockAt.firstOrdinal)+it.block.Count() {
			if err := it.seekTo(it.pos); err != nil {
				return nil, nil, err
			}
		}
		vs, err := it.block.CopyNextValues(1)
		if err != nil {
			return nil, nil, err
		}
		if len(vs) == 0 {
			return nil, nil, fmt.Errorf("cfile: non-null value stream exhausted before row count")
		}
		values = append(values, vs[0])
		nulls = append(nulls, false)
		it.pos++
		it.rowPos++
	}
	return values, nulls, nil
}

func (r *Reader) findPosEntry(bp BlockPointer) (posEntry, error) {
	var found posEntry
	ok := false
	r.posIdx.tree.Ascend(func(e posEntry) bool {
		if e.pointer == bp {
			found = e
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return posEntry{}, fmt.Errorf("cfile: block pointer not found in position index")
	}
	return found, nil
}
