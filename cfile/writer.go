package cfile

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/erigontech/kudu-tablet-core/cfile/encoding"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// WriterOptions configures a column's CFile layout.
type WriterOptions struct {
	Type        schema.Type
	TypeLen     int // Varchar(len)
	Nullable    bool
	Encoding    encoding.Kind
	Compression schema.Compression

	// DataBlockBudgetBytes bounds each data block's uncompressed payload,
	// matching the per-block size target the encoders enforce internally.
	DataBlockBudgetBytes int

	// WithValueIndex builds the optional value index (spec.md §4.2),
	// needed for seek_at_or_after on sorted columns such as the
	// memcomparable-encoded primary key.
	WithValueIndex bool
}

// Writer builds one column's CFile by accepting row-ordinal-ordered values
// in batches and sealing data blocks as they fill. For nullable columns the
// underlying block encoders only ever see non-null values; row ordinals
// are translated to "rank among non-null values" via nullBitmap.
type Writer struct {
	opts WriterOptions

	out        bytes.Buffer
	nextOffset uint64

	fixedWidth int // 0 for variable width
	builder    encoding.Builder
	dictB      *encoding.DictionaryBuilder // non-nil iff opts.Encoding == Dictionary

	nextOrdinal uint32
	posEntries  []posEntry
	valEntries  []valueIndexEntry

	rowCount   uint32
	nullBitmap *roaring.Bitmap // set bit i => row i is null

	valueCount uint32
	minKey     []byte
	maxKey     []byte
	haveKeys   bool
}

// NewWriter constructs a Writer and writes the magic header bytes into its
// output before any data block, matching spec.md §4.2's "magic header"
// prefix.
func NewWriter(opts WriterOptions) (*Writer, error) {
	fw, _ := opts.Type.FixedWidth()
	if opts.Type == schema.Varchar {
		fw = opts.TypeLen
	}
	w := &Writer{opts: opts, fixedWidth: fw}
	if _, err := w.out.Write(magic[:]); err != nil {
		return nil, err
	}
	w.nextOffset = uint64(len(magic))
	b, err := encoding.NewBuilder(opts.Encoding, fw, opts.DataBlockBudgetBytes)
	if err != nil {
		return nil, fmt.Errorf("cfile: new builder: %w", err)
	}
	w.builder = b
	if dictB, ok := b.(*encoding.DictionaryBuilder); ok {
		w.dictB = dictB
	}
	return w, nil
}

// Add appends non-null values (already encoded as raw memcomparable/native
// bytes) to a non-nullable column, sealing and flushing data blocks as they
// fill. Nullable columns use AddRows instead.
func (w *Writer) Add(values [][]byte) error {
	i := 0
	for i < len(values) {
		n, err := w.builder.Add(values[i:])
		if err != nil {
			return fmt.Errorf("cfile: encode values: %w", err)
		}
		if n == 0 {
			// Builder rejected everything because it is already full;
			// force a flush and retry.
			if err := w.flushBlock(); err != nil {
				return err
			}
			continue
		}
		w.trackKeys(values[i : i+n])
		i += n
		w.valueCount += uint32(n)
		w.rowCount += uint32(n)
		if w.builder.IsFull() {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddRows appends row-ordinal-ordered values to a nullable column. nulls[i]
// true means the row is null and values[i] is ignored; only non-null
// values are fed to the block encoder, with their absence tracked in a
// row-indexed null bitmap (spec.md §4.2).
func (w *Writer) AddRows(values [][]byte, nulls []bool) error {
	if !w.opts.Nullable {
		return fmt.Errorf("cfile: AddRows requires a nullable column")
	}
	if len(values) != len(nulls) {
		return fmt.Errorf("cfile: AddRows: values/nulls length mismatch")
	}
	if w.nullBitmap == nil {
		w.nullBitmap = roaring.New()
	}
	for i := range values {
		if nulls[i] {
			w.nullBitmap.Add(w.rowCount)
			w.rowCount++
			continue
		}
		if err := w.Add(values[i : i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) trackKeys(vs [][]byte) {
	for _, v := range vs {
		if !w.haveKeys {
			w.minKey = append([]byte(nil), v...)
			w.maxKey = append([]byte(nil), v...)
			w.haveKeys = true
			continue
		}
		if compareValueBytes(v, w.minKey) < 0 {
			w.minKey = append([]byte(nil), v...)
		}
		if compareValueBytes(v, w.maxKey) > 0 {
			w.maxKey = append([]byte(nil), v...)
		}
	}
}

// flushBlock seals the builder's current contents into a framed block and
// resets it for the next batch.
func (w *Writer) flushBlock() error {
	if w.builder.Count() == 0 {
		return nil
	}
	firstOrdinal := w.nextOrdinal
	firstKey, _ := w.builder.GetFirstKey()

	payload, err := w.builder.Finish(firstOrdinal)
	if err != nil {
		return fmt.Errorf("cfile: finish block: %w", err)
	}
	frame, err := frameBlock(payload, w.opts.Compression)
	if err != nil {
		return err
	}
	ptr := BlockPointer{Offset: w.nextOffset, Size: uint32(len(frame))}
	if _, err := w.out.Write(frame); err != nil {
		return err
	}
	w.nextOffset += uint64(len(frame))

	w.posEntries = append(w.posEntries, posEntry{firstOrdinal: firstOrdinal, pointer: ptr})
	if w.opts.WithValueIndex && firstKey != nil {
		w.valEntries = append(w.valEntries, valueIndexEntry{firstValue: append([]byte(nil), firstKey...), pointer: ptr})
	}

	w.nextOrdinal += uint32(w.builder.Count())
	w.builder.Reset()
	return nil
}

// Finish flushes any remaining buffered values, writes the indexes, the
// footer, and the trailer, and returns the complete file bytes. Finish is
// the block-creation-transaction boundary described in spec.md's Design
// Notes: nothing written before this call is visible to readers, since
// readers locate every block through the footer this call produces.
func (w *Writer) Finish() ([]byte, error) {
	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	rowCount := w.rowCount
	if !w.opts.Nullable {
		rowCount = w.valueCount
	}
	footer := &Footer{
		ColumnType:  w.opts.Type,
		TypeLen:     w.opts.TypeLen,
		Nullable:    w.opts.Nullable,
		Encoding:    w.opts.Encoding,
		Compression: w.opts.Compression,
		RowCount:    rowCount,
		ValueCount:  w.valueCount,
		MinKey:      w.minKey,
		MaxKey:      w.maxKey,
	}

	posPayload := encodePositionIndex(w.posEntries)
	posFrame, err := frameBlock(posPayload, schema.CompressionNone)
	if err != nil {
		return nil, err
	}
	footer.PositionIndexRoot = BlockPointer{Offset: w.nextOffset, Size: uint32(len(posFrame))}
	if _, err := w.out.Write(posFrame); err != nil {
		return nil, err
	}
	w.nextOffset += uint64(len(posFrame))

	if w.opts.WithValueIndex {
		valPayload := encodeValueIndex(w.valEntries)
		valFrame, err := frameBlock(valPayload, schema.CompressionNone)
		if err != nil {
			return nil, err
		}
		footer.HasValueIndex = true
		footer.ValueIndexRoot = BlockPointer{Offset: w.nextOffset, Size: uint32(len(valFrame))}
		if _, err := w.out.Write(valFrame); err != nil {
			return nil, err
		}
		w.nextOffset += uint64(len(valFrame))
	}

	if w.dictB != nil {
		dictPayload, err := w.dictB.EncodeDictionaryBlock()
		if err != nil {
			return nil, err
		}
		dictFrame, err := frameBlock(dictPayload, schema.CompressionNone)
		if err != nil {
			return nil, err
		}
		footer.HasDictionary = true
		footer.DictionaryBlock = BlockPointer{Offset: w.nextOffset, Size: uint32(len(dictFrame))}
		if _, err := w.out.Write(dictFrame); err != nil {
			return nil, err
		}
		w.nextOffset += uint64(len(dictFrame))
	}

	if w.opts.Nullable {
		if w.nullBitmap == nil {
			w.nullBitmap = roaring.New()
		}
		nullPayload, err := w.nullBitmap.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("cfile: serialize null bitmap: %w", err)
		}
		nullFrame, err := frameBlock(nullPayload, schema.CompressionNone)
		if err != nil {
			return nil, err
		}
		footer.NullBitmap = BlockPointer{Offset: w.nextOffset, Size: uint32(len(nullFrame))}
		if _, err := w.out.Write(nullFrame); err != nil {
			return nil, err
		}
		w.nextOffset += uint64(len(nullFrame))
	}

	footerPayload := encodeFooter(footer)
	footerFrame, err := frameBlock(footerPayload, schema.CompressionNone)
	if err != nil {
		return nil, err
	}
	footerOffset := w.nextOffset
	if _, err := w.out.Write(footerFrame); err != nil {
		return nil, err
	}
	w.nextOffset += uint64(len(footerFrame))

	trailerBytes := encodeTrailer(trailer{FooterOffset: footerOffset, FooterSize: uint32(len(footerFrame))})
	if _, err := w.out.Write(trailerBytes); err != nil {
		return nil, err
	}

	return w.out.Bytes(), nil
}
