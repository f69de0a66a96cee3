package cfile

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/cfile/encoding"
	"github.com/erigontech/kudu-tablet-core/schema"
)

// ArrayWriter implements spec.md §4.2's optional 1-D array columns: a
// non-null bitmap stream, a per-row element-count stream, and a flattened
// element stream. Rather than special-casing arrays inside Writer, an
// array column is physically two CFiles composed by this type: a nullable
// uint32 "count" column (one entry per row; null rows are recorded only in
// its null bitmap, which serves as the non-null stream) and an element
// column holding the flattened, concatenated elements.
type ArrayWriter struct {
	elemType    schema.Type
	elemTypeLen int

	counts *Writer // RLE-encoded uint32 counts, nullable
	elems  *Writer // flattened element values
}

// ArrayWriterOptions configures the element column.
type ArrayWriterOptions struct {
	ElemType             schema.Type
	ElemTypeLen          int
	ElemEncoding         encoding.Kind
	ElemCompression      schema.Compression
	DataBlockBudgetBytes int
}

func NewArrayWriter(opts ArrayWriterOptions) (*ArrayWriter, error) {
	counts, err := NewWriter(WriterOptions{
		Type:                 schema.Uint32,
		Nullable:             true,
		Encoding:             encoding.KindRLE,
		Compression:          schema.CompressionNone,
		DataBlockBudgetBytes: opts.DataBlockBudgetBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("cfile: array count column: %w", err)
	}
	elems, err := NewWriter(WriterOptions{
		Type:                 opts.ElemType,
		TypeLen:              opts.ElemTypeLen,
		Encoding:             opts.ElemEncoding,
		Compression:          opts.ElemCompression,
		DataBlockBudgetBytes: opts.DataBlockBudgetBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("cfile: array element column: %w", err)
	}
	return &ArrayWriter{elemType: opts.ElemType, elemTypeLen: opts.ElemTypeLen, counts: counts, elems: elems}, nil
}

// AddRows appends one array value per row. rows[i] is the row's elements
// (nil or empty for an empty or null array); nulls[i] marks the row itself
// null (distinct from a present-but-empty array).
func (w *ArrayWriter) AddRows(rows [][][]byte, nulls []bool) error {
	if len(rows) != len(nulls) {
		return fmt.Errorf("cfile: array AddRows: rows/nulls length mismatch")
	}
	countValues := make([][]byte, len(rows))
	for i, row := range rows {
		countValues[i] = encodeUint32(uint32(len(row)))
		if nulls[i] {
			continue
		}
		if err := w.elems.Add(row); err != nil {
			return fmt.Errorf("cfile: array elements row %d: %w", i, err)
		}
	}
	return w.counts.AddRows(countValues, nulls)
}

// Finish seals both underlying CFiles; callers persist them as a pair
// (e.g. "<column>.counts" and "<column>.elems" block ids).
func (w *ArrayWriter) Finish() (countsFile, elemsFile []byte, err error) {
	countsFile, err = w.counts.Finish()
	if err != nil {
		return nil, nil, err
	}
	elemsFile, err = w.elems.Finish()
	if err != nil {
		return nil, nil, err
	}
	return countsFile, elemsFile, nil
}

// ArrayReader reconstructs array values by scanning the count stream and
// slicing the flattened element stream, per spec.md §4.2.
type ArrayReader struct {
	counts *Reader
	elems  *Reader
}

func OpenArray(countsFile, elemsFile []byte) (*ArrayReader, error) {
	counts, err := Open(countsFile)
	if err != nil {
		return nil, fmt.Errorf("cfile: open array count column: %w", err)
	}
	elems, err := Open(elemsFile)
	if err != nil {
		return nil, fmt.Errorf("cfile: open array element column: %w", err)
	}
	return &ArrayReader{counts: counts, elems: elems}, nil
}

// ArrayRowIterator reads rows across both columns in lockstep.
type ArrayRowIterator struct {
	countIt *Iterator
	elemIt  *Iterator
}

func (r *ArrayReader) NewRowIterator() (*ArrayRowIterator, error) {
	countIt, err := r.counts.NewIterator()
	if err != nil {
		return nil, err
	}
	elemIt, err := r.elems.NewIterator()
	if err != nil {
		return nil, err
	}
	return &ArrayRowIterator{countIt: countIt, elemIt: elemIt}, nil
}

// CopyNextRows decodes up to n array rows, each either nil (null row) or a
// (possibly empty) slice of element values.
func (it *ArrayRowIterator) CopyNextRows(n int) ([][][]byte, error) {
	countVals, nulls, err := it.countIt.CopyNextRows(n)
	if err != nil {
		return nil, err
	}
	out := make([][][]byte, len(countVals))
	for i, cv := range countVals {
		if nulls[i] {
			out[i] = nil
			continue
		}
		count := int(decodeUint32(cv))
		elems, err := it.elemIt.CopyNextValues(count)
		if err != nil {
			return nil, err
		}
		if len(elems) != count {
			return nil, fmt.Errorf("cfile: array element stream exhausted: wanted %d got %d", count, len(elems))
		}
		out[i] = elems
	}
	return out, nil
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
