// Package predicate defines pushed-down scan predicates and the selection
// bitmap they narrow (spec.md §4.8), shared between the CFile block
// decoders (which can short-circuit dictionary-encoded columns) and the
// scan path (which merges per-column selections).
package predicate

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"
)

// Kind identifies a predicate's evaluation strategy.
type Kind uint8

const (
	KindRange Kind = iota
	KindEquality
	KindInList
	KindIsNull
	KindIsNotNull
	KindBloomMembership
)

// Predicate is a single pushed-down filter over one column's raw,
// memcomparable-encoded bytes.
type Predicate struct {
	Kind Kind
	// Range: [Lo, Hi). Either bound may be nil for unbounded.
	Lo, Hi []byte
	// Equality: single value.
	Eq []byte
	// InList: sorted, deduplicated candidate set.
	In [][]byte
}

func Range(lo, hi []byte) Predicate   { return Predicate{Kind: KindRange, Lo: lo, Hi: hi} }
func Equality(v []byte) Predicate     { return Predicate{Kind: KindEquality, Eq: v} }
func InList(vs [][]byte) Predicate    { return Predicate{Kind: KindInList, In: vs} }
func IsNull() Predicate               { return Predicate{Kind: KindIsNull} }
func IsNotNull() Predicate            { return Predicate{Kind: KindIsNotNull} }

// Matches evaluates the predicate against a single non-null value. Callers
// handle IsNull/IsNotNull against the null bitmap directly.
func (p Predicate) Matches(v []byte) bool {
	switch p.Kind {
	case KindRange:
		if p.Lo != nil && bytes.Compare(v, p.Lo) < 0 {
			return false
		}
		if p.Hi != nil && bytes.Compare(v, p.Hi) >= 0 {
			return false
		}
		return true
	case KindEquality:
		return bytes.Equal(v, p.Eq)
	case KindInList:
		for _, c := range p.In {
			if bytes.Equal(v, c) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// Selection is a dense per-RowBlock bitmap of surviving row positions,
// backed by a roaring bitmap so maintenance stats and scan merges can share
// the same compact representation as DRS live/deleted-row masks.
type Selection struct {
	bm *roaring.Bitmap
}

// NewSelection returns a selection with the first n positions marked
// selected (the initial, unfiltered state of a RowBlock).
func NewSelection(n int) *Selection {
	bm := roaring.New()
	if n > 0 {
		bm.AddRange(0, uint64(n))
	}
	return &Selection{bm: bm}
}

func (s *Selection) Get(i int) bool     { return s.bm.Contains(uint32(i)) }
func (s *Selection) Set(i int, v bool) {
	if v {
		s.bm.Add(uint32(i))
	} else {
		s.bm.Remove(uint32(i))
	}
}
func (s *Selection) Count() int { return int(s.bm.GetCardinality()) }

// Intersect clears every bit not also set in o, implementing AND-fusion of
// successive column predicates.
func (s *Selection) Intersect(o *Selection) { s.bm.And(o.bm) }

// ForEach visits each selected position ascending.
func (s *Selection) ForEach(f func(i int)) {
	it := s.bm.Iterator()
	for it.HasNext() {
		f(int(it.Next()))
	}
}

// ToSlice materializes selected positions.
func (s *Selection) ToSlice() []int {
	out := make([]int, 0, s.Count())
	s.ForEach(func(i int) { out = append(out, i) })
	return out
}
