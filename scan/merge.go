package scan

import (
	"bytes"
	"container/heap"
)

// heapItem is one source's current head row, ordered by PK for the k-way
// merge (spec.md §4.8's "opens an iterator per rowset... then merges").
type heapItem struct {
	row   rawRow
	src   source
	index int
}

type rowHeap []*heapItem

func (h rowHeap) Len() int            { return len(h) }
func (h rowHeap) Less(i, j int) bool  { return bytes.Compare(h[i].row.PK, h[j].row.PK) < 0 }
func (h rowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *rowHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }
func (h *rowHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// merger drives a k-way merge over several sources, each already yielding
// rows in ascending PK order, producing a single globally ordered stream.
type merger struct {
	h rowHeap
}

func newMerger(sources []source) (*merger, error) {
	m := &merger{}
	for _, s := range sources {
		row, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(&m.h, &heapItem{row: row, src: s})
		}
	}
	return m, nil
}

// next pops the lowest-PK row across all live sources, refilling from the
// source it came from.
func (m *merger) next() (rawRow, bool, error) {
	if m.h.Len() == 0 {
		return rawRow{}, false, nil
	}
	item := heap.Pop(&m.h).(*heapItem)
	row := item.row
	nextRow, ok, err := item.src.next()
	if err != nil {
		return rawRow{}, false, err
	}
	if ok {
		heap.Push(&m.h, &heapItem{row: nextRow, src: item.src})
	}
	return row, true, nil
}
