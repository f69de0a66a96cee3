package delta

import (
	"testing"

	"github.com/erigontech/kudu-tablet-core/mvcc"
	"github.com/erigontech/kudu-tablet-core/rowset/rowid"
)

func TestMemStoreForRowOrderedByTimestamp(t *testing.T) {
	m := NewMemStore()
	row := rowid.ID(5)
	m.Add(Key{RowID: row, TS: 30}, ChangeList{Kind: ChangeUpdate, Updates: []ColumnUpdate{{ColumnID: 1, Value: []byte("c")}}})
	m.Add(Key{RowID: row, TS: 10}, ChangeList{Kind: ChangeUpdate, Updates: []ColumnUpdate{{ColumnID: 1, Value: []byte("a")}}})
	m.Add(Key{RowID: row, TS: 20}, ChangeList{Kind: ChangeUpdate, Updates: []ColumnUpdate{{ColumnID: 1, Value: []byte("b")}}})
	m.Add(Key{RowID: row + 1, TS: 5}, ChangeList{Kind: ChangeDelete})

	var seen []mvcc.Timestamp
	m.ForRow(row, func(ts mvcc.Timestamp, cl ChangeList) {
		seen = append(seen, ts)
	})
	if len(seen) != 3 || seen[0] != 10 || seen[1] != 20 || seen[2] != 30 {
		t.Fatalf("expected ascending [10 20 30], got %v", seen)
	}
}

func TestMemStoreStatsAccumulate(t *testing.T) {
	m := NewMemStore()
	m.Add(Key{RowID: 1, TS: 1}, ChangeList{Kind: ChangeUpdate, Updates: []ColumnUpdate{{ColumnID: 9, Value: []byte("x")}}})
	m.Add(Key{RowID: 1, TS: 2}, ChangeList{Kind: ChangeDelete})

	stats := m.GetStats()
	if stats.RecordCount != 2 {
		t.Fatalf("expected record count 2, got %d", stats.RecordCount)
	}
	if stats.DeleteCount != 1 {
		t.Fatalf("expected delete count 1, got %d", stats.DeleteCount)
	}
	if stats.ColumnUpdateCounts[9] != 1 {
		t.Fatalf("expected column 9 update count 1, got %d", stats.ColumnUpdateCounts[9])
	}
	if stats.MinTS != 1 || stats.MaxTS != 2 {
		t.Fatalf("expected min/max ts 1/2, got %d/%d", stats.MinTS, stats.MaxTS)
	}
}

func TestMemStoreEmptyAndCount(t *testing.T) {
	m := NewMemStore()
	if !m.Empty() {
		t.Fatalf("new store should be empty")
	}
	m.Add(Key{RowID: 1, TS: 1}, ChangeList{Kind: ChangeDelete})
	if m.Empty() || m.Count() != 1 {
		t.Fatalf("expected 1 record after add")
	}
}

func TestMemStoreAllVisitsInKeyOrder(t *testing.T) {
	m := NewMemStore()
	m.Add(Key{RowID: 2, TS: 1}, ChangeList{Kind: ChangeDelete})
	m.Add(Key{RowID: 1, TS: 5}, ChangeList{Kind: ChangeDelete})
	m.Add(Key{RowID: 1, TS: 2}, ChangeList{Kind: ChangeDelete})

	var keys []Key
	m.All(func(key Key, cl ChangeList) {
		keys = append(keys, key)
	})
	want := []Key{{RowID: 1, TS: 2}, {RowID: 1, TS: 5}, {RowID: 2, TS: 1}}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("at %d: got %+v, want %+v", i, keys[i], want[i])
		}
	}
}

func TestMemStoreMinLogIndex(t *testing.T) {
	m := NewMemStore()
	m.SetMinLogIndex(77)
	if m.MinLogIndex() != 77 {
		t.Fatalf("expected 77, got %d", m.MinLogIndex())
	}
}
