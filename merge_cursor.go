package mergetree

import (
	"bytes"
	"container/heap"
)

// MergeInput pairs a cursor with the generation of the table it reads.
// Generation breaks timestamp ties between tables: the record coming from
// the more recent file wins.
type MergeInput struct {
	Cursor     Cursor
	Generation uint64
}

type mergeItem struct {
	cursor     Cursor
	generation uint64
	rec        *Record
}

// cursorHeap orders items by key ascending, then timestamp descending, then
// generation descending, so the top of the heap is always the winning
// version of the globally smallest key.
type cursorHeap []*mergeItem

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].rec.Key, h[j].rec.Key); c != 0 {
		return c < 0
	}
	if h[i].rec.Timestamp != h[j].rec.Timestamp {
		return h[i].rec.Timestamp > h[j].rec.Timestamp
	}
	return h[i].generation > h[j].generation
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeCursors k-way merges the ordered cursors of the input tables into
// one ordered stream. Duplicate keys across inputs are resolved to the most
// recent record while every contributing cursor is still fully consumed.
// Any error from an underlying cursor, corruption included, is surfaced
// immediately and terminally: the merge is not restartable, callers reopen
// fresh cursors instead.
func MergeCursors(inputs ...MergeInput) Cursor {
	items := make([]*mergeItem, 0, len(inputs))
	for _, in := range inputs {
		items = append(items, &mergeItem{cursor: in.Cursor, generation: in.Generation})
	}
	return &MergeCursor{items: items}
}

type MergeCursor struct {
	items       []*mergeItem
	h           cursorHeap
	err         error
	initialized bool
}

func (m *MergeCursor) init() error {
	m.initialized = true
	m.h = make(cursorHeap, 0, len(m.items))

	for _, item := range m.items {
		rec, ok, err := item.cursor.Next()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		item.rec = rec.Clone()
		m.h = append(m.h, item)
	}

	heap.Init(&m.h)
	return nil
}

// advance pulls the next record from one input and reinserts it into the
// heap, or drops the input when exhausted.
func (m *MergeCursor) advance(item *mergeItem) error {
	rec, ok, err := item.cursor.Next()
	if err != nil {
		return err
	}
	if !ok {
		heap.Pop(&m.h)
		return nil
	}
	item.rec = rec.Clone()
	heap.Fix(&m.h, 0)
	return nil
}

func (m *MergeCursor) Next() (*Record, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}

	if !m.initialized {
		if err := m.init(); err != nil {
			m.err = err
			return nil, false, err
		}
	}

	if len(m.h) == 0 {
		return nil, false, nil
	}

	winner := m.h[0].rec

	// Consume the winner and every stale version of the same key from the
	// other inputs, so all contributing cursors keep moving.
	for len(m.h) > 0 && bytes.Equal(m.h[0].rec.Key, winner.Key) {
		if err := m.advance(m.h[0]); err != nil {
			m.err = err
			return nil, false, err
		}
	}

	return winner, true, nil
}

func (m *MergeCursor) Close() error {
	errs := m.err
	for _, item := range m.items {
		if err := item.cursor.Close(); err != nil && errs == nil {
			errs = err
		}
	}
	return errs
}
