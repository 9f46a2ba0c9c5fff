// Package ttlheap implements the expiration schedule (§4.E): a binary
// min-heap ordered by absolute expiry time, where every item tracks its
// own current slot so a key's TTL can be rescheduled or cancelled in
// O(log n) without a linear search.
//
// The reference keeps this back-pointer manually
// (_examples/original_source/redis/14/14_server.cpp's HeapItem{val,
// ref} plus heap_update's "item->ref = &idx"-style bookkeeping touching
// every swapped element). Go's container/heap.Interface already
// requires a Swap method that visits every moved element, so it is used
// here as the mechanism instead of hand-rolled sift routines — no pack
// example implements a back-pointer heap, so this is a standard-library
// choice rather than a grounded one (see DESIGN.md).
package ttlheap

import "container/heap"

// Item is one scheduled expiration. Value is typically the key the
// expiry belongs to.
type Item[T any] struct {
	ExpiresAt int64 // unix microseconds
	Value     T
	index     int
}

// Index returns the item's current slot in the heap, or -1 if it has
// been removed.
func (it *Item[T]) Index() int { return it.index }

// Heap is a min-heap of Items ordered by ExpiresAt. The zero value is
// an empty heap, which is what New returns.
type Heap[T any] struct {
	items []*Item[T]
}

// New returns an empty heap.
func New[T any]() *Heap[T] {
	return &Heap[T]{}
}

func (h *Heap[T]) Len() int { return len(h.items) }

func (h *Heap[T]) Less(i, j int) bool { return h.items[i].ExpiresAt < h.items[j].ExpiresAt }

func (h *Heap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *Heap[T]) Push(x any) {
	it := x.(*Item[T])
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *Heap[T]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	it.index = -1
	return it
}

// Add schedules value to expire at expiresAt and returns its Item handle.
func (h *Heap[T]) Add(expiresAt int64, value T) *Item[T] {
	it := &Item[T]{ExpiresAt: expiresAt, Value: value}
	heap.Push(h, it)
	return it
}

// Update reschedules it to a new expiry time.
func (h *Heap[T]) Update(it *Item[T], expiresAt int64) {
	it.ExpiresAt = expiresAt
	heap.Fix(h, it.index)
}

// Remove cancels it's scheduled expiration. A no-op if it is already
// detached (Index() < 0).
func (h *Heap[T]) Remove(it *Item[T]) {
	if it.index < 0 || it.index >= len(h.items) || h.items[it.index] != it {
		return
	}
	heap.Remove(h, it.index)
}

// Peek returns the item with the nearest expiry, without removing it.
func (h *Heap[T]) Peek() (*Item[T], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopExpired removes and returns every item whose ExpiresAt is <= now,
// in ascending expiry order, up to limit items (0 means unlimited).
// Used by the TTL reaper (store.ExpireDue) so a burst of expirations
// cannot monopolize the event loop (§4.J, process_timers' k_max_works
// bound).
func (h *Heap[T]) PopExpired(now int64, limit int) []*Item[T] {
	var out []*Item[T]
	for {
		if limit > 0 && len(out) >= limit {
			break
		}
		top, ok := h.Peek()
		if !ok || top.ExpiresAt > now {
			break
		}
		out = append(out, heap.Pop(h).(*Item[T]))
	}
	return out
}
