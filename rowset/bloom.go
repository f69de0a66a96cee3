package rowset

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/RoaringBitmap/roaring"
)

// BloomFilter is a fixed-size, k-hash-function bloom filter over encoded
// PK bytes, used by DiskRowSet.mutate to cheaply rule out rows that cannot
// possibly be present before consulting the ad-hoc PK index (spec.md §4.5).
//
// The bit array is a roaring.Bitmap rather than a dedicated bloom-filter
// library: SPEC_FULL.md's domain stack already wires RoaringBitmap/roaring
// for exactly this role ("32-bit row-id bitmaps: DRS live/deleted-row
// masks, scan selection vectors"), and no
// bloom-filter-specific package appears with a demonstrated call site
// anywhere in the retrieval pack, so reusing the already-grounded bitmap
// type is preferred over introducing an unverified dependency.
type BloomFilter struct {
	bits *roaring.Bitmap
	m    uint32 // number of bits
	k    int    // number of hash functions
}

// NewBloomFilter sizes the filter for an expected number of keys at the
// given target false-positive rate, following the standard
// m = -n*ln(p)/(ln2)^2, k = (m/n)*ln2 formulas.
func NewBloomFilter(expectedKeys int, falsePositiveRate float64) *BloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedKeys)
	m := -n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	k := int(m / n * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &BloomFilter{bits: roaring.New(), m: uint32(m), k: k}
}

// Add records a key as present.
func (b *BloomFilter) Add(key []byte) {
	for i := 0; i < b.k; i++ {
		b.bits.Add(b.hashAt(key, i))
	}
}

// MayContain reports whether key was possibly added. False means
// definitely absent; true means maybe present (subject to false positives).
func (b *BloomFilter) MayContain(key []byte) bool {
	for i := 0; i < b.k; i++ {
		if !b.bits.Contains(b.hashAt(key, i)) {
			return false
		}
	}
	return true
}

func (b *BloomFilter) hashAt(key []byte, i int) uint32 {
	h := fnv.New64a()
	h.Write(key)
	var seed [4]byte
	seed[0] = byte(i)
	h.Write(seed[:])
	return uint32(h.Sum64() % uint64(b.m))
}

// Serialize/Deserialize persist the filter as its raw roaring bitmap bytes
// plus the (m, k) parameters, so it can be stored as an ordinary block via
// blockstore.Manager.
func (b *BloomFilter) Serialize() ([]byte, error) {
	body, err := b.bits.ToBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+len(body))
	putUint32(out[0:4], b.m)
	putUint32(out[4:8], uint32(b.k))
	return append(out, body...), nil
}

func DeserializeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("rowset: truncated bloom filter")
	}
	m := getUint32(data[0:4])
	k := getUint32(data[4:8])
	bm := roaring.New()
	if _, err := bm.FromBuffer(data[8:]); err != nil {
		return nil, err
	}
	return &BloomFilter{bits: bm, m: m, k: int(k)}, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
