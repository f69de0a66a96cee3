package encoding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/kudu-tablet-core/predicate"
)

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return b
}

func TestBitshuffleRoundTrip(t *testing.T) {
	values := make([][]byte, 300)
	for i := range values {
		values[i] = u32le(uint32(i * 7))
	}

	b := NewBitshuffleBuilder(4, 0)
	n, err := b.Add(values)
	require.NoError(t, err)
	require.Equal(t, len(values), n)
	buf, err := b.Finish(0)
	require.NoError(t, err)

	d, err := NewBitshuffleDecoder(4, buf)
	require.NoError(t, err)
	require.Equal(t, len(values), d.Count())

	got, err := d.CopyNextValues(len(values))
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestBitshuffleRoundTripSpansMultipleSubBlocks(t *testing.T) {
	// bitshuffleSubBlockElems is 128; use a count that isn't an exact
	// multiple so the last sub-block is partial.
	values := make([][]byte, bitshuffleSubBlockElems*3+17)
	for i := range values {
		values[i] = u32le(uint32(i))
	}
	b := NewBitshuffleBuilder(4, 0)
	_, err := b.Add(values)
	require.NoError(t, err)
	buf, err := b.Finish(0)
	require.NoError(t, err)

	d, err := NewBitshuffleDecoder(4, buf)
	require.NoError(t, err)

	// read in two chunks to exercise cross-sub-block CopyNextValues
	first, err := d.CopyNextValues(bitshuffleSubBlockElems + 10)
	require.NoError(t, err)
	require.Equal(t, values[:bitshuffleSubBlockElems+10], first)
	rest, err := d.CopyNextValues(len(values))
	require.NoError(t, err)
	require.Equal(t, values[bitshuffleSubBlockElems+10:], rest)
}

func TestBitshuffleSeekAtOrAfterValue(t *testing.T) {
	values := make([][]byte, 50)
	for i := range values {
		values[i] = u32le(uint32(i * 2)) // 0, 2, 4, ...
	}
	b := NewBitshuffleBuilder(4, 0)
	_, err := b.Add(values)
	require.NoError(t, err)
	buf, err := b.Finish(0)
	require.NoError(t, err)

	d, err := NewBitshuffleDecoder(4, buf)
	require.NoError(t, err)

	exact, err := d.SeekAtOrAfterValue(u32le(11))
	require.NoError(t, err)
	require.False(t, exact)
	got, err := d.CopyNextValues(1)
	require.NoError(t, err)
	require.Equal(t, u32le(12), got[0])
}

func TestPrefixRoundTrip(t *testing.T) {
	values := [][]byte{
		[]byte("apple"),
		[]byte("application"),
		[]byte("apply"),
		[]byte("banana"),
		[]byte("bandana"),
		[]byte("candy"),
	}
	b := NewPrefixBuilder(0)
	n, err := b.Add(values)
	require.NoError(t, err)
	require.Equal(t, len(values), n)
	buf, err := b.Finish(0)
	require.NoError(t, err)

	d, err := NewPrefixDecoder(buf)
	require.NoError(t, err)
	require.Equal(t, len(values), d.Count())
	got, err := d.CopyNextValues(len(values))
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestPrefixRoundTripAcrossRestartBoundary(t *testing.T) {
	// prefixRestartInterval is 16; generate enough shared-prefix values to
	// span several restart points.
	values := make([][]byte, prefixRestartInterval*3+5)
	for i := range values {
		values[i] = []byte(fmt.Sprintf("key-%04d", i))
	}
	b := NewPrefixBuilder(0)
	_, err := b.Add(values)
	require.NoError(t, err)
	buf, err := b.Finish(0)
	require.NoError(t, err)

	d, err := NewPrefixDecoder(buf)
	require.NoError(t, err)
	got, err := d.CopyNextValues(len(values))
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestPrefixSeekAtOrAfterValueUsesRestartPoints(t *testing.T) {
	values := make([][]byte, prefixRestartInterval*4)
	for i := range values {
		values[i] = []byte(fmt.Sprintf("k%04d", i))
	}
	b := NewPrefixBuilder(0)
	_, err := b.Add(values)
	require.NoError(t, err)
	buf, err := b.Finish(0)
	require.NoError(t, err)

	d, err := NewPrefixDecoder(buf)
	require.NoError(t, err)

	target := []byte("k0037x") // sorts after k0037, before k0038
	exact, err := d.SeekAtOrAfterValue(target)
	require.NoError(t, err)
	require.False(t, exact)
	got, err := d.CopyNextValues(1)
	require.NoError(t, err)
	require.Equal(t, values[38], got[0])
}

// TestDictionaryDecodeCountSkipsNonMatchingCodewords verifies spec.md S5:
// the dictionary decoder's short-circuit resolves a value only for rows
// whose codeword matches and never for non-matching codewords, so
// DecodeCount equals the matching-row count and stays far below the row
// count for a non-matching-heavy IN-list predicate.
func TestDictionaryDecodeCountSkipsNonMatchingCodewords(t *testing.T) {
	const rows = 1000
	values := make([][]byte, rows)
	for i := range values {
		// only every 100th row is "red"; the rest cycle through other
		// distinct colors, so an IN-list on "red" matches rarely.
		if i%100 == 0 {
			values[i] = []byte("red")
		} else {
			values[i] = []byte(fmt.Sprintf("color-%d", i%37))
		}
	}

	db := NewDictionaryBuilder(0)
	_, err := db.Add(values)
	require.NoError(t, err)
	blockBuf, err := db.Finish(0)
	require.NoError(t, err)
	dict := db.Dictionary()

	d, err := NewDictionaryDecoder(dict, blockBuf)
	require.NoError(t, err)

	pred := predicate.InList([][]byte{[]byte("red")})
	sel := predicate.NewSelection(rows)
	_, err = d.CopyNextAndEval(rows, pred, sel, 0)
	require.NoError(t, err)

	require.Equal(t, rows/100, sel.Count())
	// DecodeCount only advances in resolve(), which CopyNextAndEval's
	// short-circuit calls exclusively for matching codewords.
	require.Equal(t, rows/100, d.DecodeCount())
	require.Less(t, d.DecodeCount(), rows)
}

func TestDictionaryDecodeCountZeroWhenNothingMatches(t *testing.T) {
	values := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("a")}
	db := NewDictionaryBuilder(0)
	_, err := db.Add(values)
	require.NoError(t, err)
	blockBuf, err := db.Finish(0)
	require.NoError(t, err)

	d, err := NewDictionaryDecoder(db.Dictionary(), blockBuf)
	require.NoError(t, err)

	pred := predicate.InList([][]byte{[]byte("z")})
	sel := predicate.NewSelection(len(values))
	_, err = d.CopyNextAndEval(len(values), pred, sel, 0)
	require.NoError(t, err)

	require.Equal(t, 0, sel.Count())
	require.Equal(t, 0, d.DecodeCount())
}
