// Package encoding implements the CFile block builders and decoders named
// in spec.md §4.1: Plain, Bitshuffle, Prefix, RLE and Dictionary. Every
// encoding operates on the column's values pre-encoded as raw
// memcomparable byte slices (schema.EncodePK-style for fixed width types,
// raw bytes for variable width); callers are responsible for that
// conversion so the encoders stay type-agnostic, matching the way the
// rest of this module treats columns as opaque byte sequences end to end.
package encoding

import (
	"fmt"

	"github.com/erigontech/kudu-tablet-core/predicate"
)

// Builder is the capability set every block builder exposes (spec.md
// §4.1). Values are added as a batch; Add may accept fewer than requested
// if the block has reached its configured byte budget.
type Builder interface {
	Add(values [][]byte) (accepted int, err error)
	IsFull() bool
	Count() int
	// Finish seals the block and returns its encoded payload. Dictionary's
	// shared dictionary block is not part of this payload; it is produced
	// separately by DictionaryBuilder.EncodeDictionaryBlock.
	Finish(firstOrdinal uint32) ([]byte, error)
	GetFirstKey() ([]byte, bool)
	GetLastKey() ([]byte, bool)
	Reset()
}

// Decoder is the capability set every block decoder exposes (spec.md
// §4.1).
type Decoder interface {
	// Count is the number of values encoded in this block.
	Count() int
	// Pos reports the decoder's current position within the block.
	Pos() int
	SeekToPosition(pos int) error
	// SeekAtOrAfterValue moves to the first value >= v (block must be
	// sorted, as for dictionary-ordered or PK/value-index blocks) and
	// reports whether it landed on an exact match.
	SeekAtOrAfterValue(v []byte) (exact bool, err error)
	CopyNextValues(n int) ([][]byte, error)
	// CopyNextAndEval decodes up to n values, evaluates pred against each,
	// clears sel bits for non-matches (starting at selOffset), and returns
	// the decoded values. A decoder may leave a nil entry in place of a
	// non-matching value, which lets dictionary decoders skip full decode
	// of non-matching codewords.
	CopyNextAndEval(n int, pred predicate.Predicate, sel *predicate.Selection, selOffset int) ([][]byte, error)
}

// Kind identifies a block's on-disk encoding, stored in the CFile footer
// per column (spec.md §4.2).
type Kind uint8

const (
	KindPlain Kind = iota
	KindBitshuffle
	KindPrefix
	KindRLE
	KindDictionary
)

// NewBuilder returns a fresh Builder for the given encoding. fixedWidth is
// 0 for variable-width columns (string/binary).
func NewBuilder(kind Kind, fixedWidth int, blockBudgetBytes int) (Builder, error) {
	switch kind {
	case KindPlain:
		return NewPlainBuilder(fixedWidth, blockBudgetBytes), nil
	case KindBitshuffle:
		if fixedWidth == 0 {
			return nil, fmt.Errorf("encoding: bitshuffle requires a fixed-width type")
		}
		return NewBitshuffleBuilder(fixedWidth, blockBudgetBytes), nil
	case KindPrefix:
		if fixedWidth != 0 {
			return nil, fmt.Errorf("encoding: prefix encoding applies only to strings/binary")
		}
		return NewPrefixBuilder(blockBudgetBytes), nil
	case KindRLE:
		return NewRLEBuilder(fixedWidth, blockBudgetBytes), nil
	case KindDictionary:
		if fixedWidth != 0 {
			return nil, fmt.Errorf("encoding: dictionary encoding applies only to strings/binary")
		}
		return NewDictionaryBuilder(blockBudgetBytes), nil
	default:
		return nil, fmt.Errorf("encoding: unknown block kind %d", kind)
	}
}

// NewDecoder parses buf (the block's decompressed payload) per kind.
func NewDecoder(kind Kind, fixedWidth int, buf []byte) (Decoder, error) {
	switch kind {
	case KindPlain:
		return NewPlainDecoder(fixedWidth, buf)
	case KindBitshuffle:
		return NewBitshuffleDecoder(fixedWidth, buf)
	case KindPrefix:
		return NewPrefixDecoder(buf)
	case KindRLE:
		return NewRLEDecoder(fixedWidth, buf)
	case KindDictionary:
		return nil, fmt.Errorf("encoding: dictionary blocks must be decoded with NewDictionaryDecoder (needs the dictionary)")
	default:
		return nil, fmt.Errorf("encoding: unknown block kind %d", kind)
	}
}
