package rowset

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRowSet struct {
	id       string
	min, max []byte
}

func (f fakeRowSet) KeyRange() ([]byte, []byte) { return f.min, f.max }
func (f fakeRowSet) ID() string                 { return f.id }

func idsOf(rs []RowSet) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID()
	}
	sort.Strings(out)
	return out
}

// TestTreeFindRowsetsContaining exercises Testable Property 4.
func TestTreeFindRowsetsContaining(t *testing.T) {
	tree := NewTree()
	mrs := NewMemRowSet("mrs")
	a := fakeRowSet{id: "a", min: []byte("a"), max: []byte("m")}
	b := fakeRowSet{id: "b", min: []byte("m"), max: []byte("t")}
	c := fakeRowSet{id: "c", min: []byte("t"), max: []byte("z")}
	tree.Rebuild([]RowSet{mrs, a, b, c})

	got := idsOf(tree.FindRowsetsContaining([]byte("k")))
	require.Equal(t, []string{"a", "mrs"}, got)

	got = idsOf(tree.FindRowsetsContaining([]byte("m")))
	require.Equal(t, []string{"a", "b", "mrs"}, got)

	got = idsOf(tree.FindRowsetsContaining([]byte("zz")))
	require.Equal(t, []string{"mrs"}, got)
}

// TestTreeFindRowsetsIntersecting mirrors spec.md S6: ranges [,m), [m,t),
// [t,) with a scan over [k,p) must open iterators on A and B only (the MRS
// is excluded here by construction since the scenario describes only DRSs).
func TestTreeFindRowsetsIntersecting(t *testing.T) {
	tree := NewTree()
	a := fakeRowSet{id: "A", min: nil, max: []byte("m")}
	b := fakeRowSet{id: "B", min: []byte("m"), max: []byte("t")}
	c := fakeRowSet{id: "C", min: []byte("t"), max: nil}
	tree.Rebuild([]RowSet{a, b, c})

	got := idsOf(tree.FindRowsetsIntersecting([]byte("k"), []byte("p")))
	require.Equal(t, []string{"A", "B"}, got)
}

func TestTreeRebuildIsAtomicForReaders(t *testing.T) {
	tree := NewTree()
	a := fakeRowSet{id: "a", min: []byte("a"), max: []byte("z")}
	tree.Rebuild([]RowSet{a})
	require.Len(t, tree.All(), 1)

	tree.Rebuild([]RowSet{})
	require.Len(t, tree.All(), 0)
}
