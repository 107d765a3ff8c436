package swarm

import "container/heap"

// rankedHeap is a generic max-heap (by lessFunc, inverted) used to pop the
// top-k performers by download rate without a full sort on every rechoke
// tick.
type rankedHeap[T any] struct {
	items    []*rankedItem[T]
	lessFunc func(a, b T) bool
}

type rankedItem[T any] struct {
	Value T
	index int
}

// newRankedHeap returns an empty heap ordered so that Dequeue yields the
// greatest element first, per greater(a, b): a ranks above b.
func newRankedHeap[T any](greater func(a, b T) bool) *rankedHeap[T] {
	h := &rankedHeap[T]{
		items:    make([]*rankedItem[T], 0),
		lessFunc: greater,
	}
	heap.Init(h)
	return h
}

func (h rankedHeap[T]) Len() int { return len(h.items) }

func (h rankedHeap[T]) Less(i, j int) bool {
	return h.lessFunc(h.items[i].Value, h.items[j].Value)
}

func (h rankedHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *rankedHeap[T]) Push(x any) {
	item := x.(*rankedItem[T])
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *rankedHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}

// Enqueue adds value to the heap.
func (h *rankedHeap[T]) Enqueue(value T) {
	heap.Push(h, &rankedItem[T]{Value: value})
}

// Dequeue removes and returns the top-ranked value.
func (h *rankedHeap[T]) Dequeue() (T, bool) {
	if h.Len() == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(h).(*rankedItem[T])
	return item.Value, true
}

// topK drains up to k top-ranked values from values, ordered highest-first.
func topK[T any](values []T, k int, greater func(a, b T) bool) []T {
	if k > len(values) {
		k = len(values)
	}
	if k <= 0 {
		return nil
	}

	h := newRankedHeap(greater)
	for _, v := range values {
		h.Enqueue(v)
	}

	out := make([]T, 0, k)
	for i := 0; i < k; i++ {
		v, ok := h.Dequeue()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}
