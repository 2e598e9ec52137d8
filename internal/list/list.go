// Package list is the one general-purpose container the allocators below use. Every node is
// heap-node-backed -- allocated through internal/heap rather than Go's own allocator -- since the
// whole point of the allocators built on top of this package is to not depend on anything else for
// their bookkeeping storage.
package list

import "github.com/sel4go/rootspace/internal/heap"

type node[T any] struct {
	value T
	next  *node[T]
}

// List is a singly-linked, heap-node-backed list. The zero value is an empty list, ready to use.
type List[T any] struct {
	head *node[T]
}

// Empty reports whether the list has no elements.
func (l *List[T]) Empty() bool {
	return l.head == nil
}

// Push allocates a node for v and makes it the new head. It fails only if the backing heap is
// exhausted.
func (l *List[T]) Push(v T) error {
	n, err := heap.AllocType[node[T]]()
	if err != nil {
		return err
	}

	n.value = v
	n.next = l.head
	l.head = n

	return nil
}

// Pop removes and returns the head element, freeing its node.
func (l *List[T]) Pop() (T, bool) {
	var zero T

	if l.head == nil {
		return zero, false
	}

	n := l.head
	v := n.value
	l.head = n.next
	n.next = nil
	heap.FreeType(n)

	return v, true
}

// Head returns a pointer to the first element's value, for in-place mutation, or false if the
// list is empty.
func (l *List[T]) Head() (*T, bool) {
	if l.head == nil {
		return nil, false
	}

	return &l.head.value, true
}

// Get returns a pointer to the i'th element, counting from zero at the head.
func (l *List[T]) Get(i int) (*T, bool) {
	cur := l.head
	for ; i > 0 && cur != nil; i-- {
		cur = cur.next
	}

	if cur == nil {
		return nil, false
	}

	return &cur.value, true
}

// Len walks the list and counts its elements. Lists in this tree are short -- slot ranges,
// untyped buckets, IRQ handlers -- so an O(n) length is not worth a separate counter to keep in
// sync.
func (l *List[T]) Len() int {
	n := 0
	for cur := l.head; cur != nil; cur = cur.next {
		n++
	}

	return n
}

// Find returns a pointer to the first element satisfying predicate.
func (l *List[T]) Find(predicate func(*T) bool) (*T, bool) {
	for cur := l.head; cur != nil; cur = cur.next {
		if predicate(&cur.value) {
			return &cur.value, true
		}
	}

	return nil, false
}

// FindIndex returns the index of the first element satisfying predicate.
func (l *List[T]) FindIndex(predicate func(*T) bool) (int, bool) {
	i := 0

	for cur := l.head; cur != nil; cur = cur.next {
		if predicate(&cur.value) {
			return i, true
		}

		i++
	}

	return -1, false
}

// Remove unlinks and returns the first element satisfying predicate, freeing its node.
func (l *List[T]) Remove(predicate func(*T) bool) (T, bool) {
	var zero T

	if l.head == nil {
		return zero, false
	}

	if predicate(&l.head.value) {
		return l.Pop()
	}

	prev := l.head

	for cur := l.head.next; cur != nil; cur = cur.next {
		if predicate(&cur.value) {
			prev.next = cur.next
			v := cur.value
			cur.next = nil
			heap.FreeType(cur)

			return v, true
		}

		prev = cur
	}

	return zero, false
}

// ForEach calls fn with each element in order, stopping early if fn returns false.
func (l *List[T]) ForEach(fn func(*T) bool) {
	for cur := l.head; cur != nil; cur = cur.next {
		if !fn(&cur.value) {
			return
		}
	}
}

// Collect builds a list from items, preserving their order. It fails, leaving the list in
// whatever partial state it reached, if the backing heap is exhausted partway through.
func Collect[T any](items []T) (*List[T], error) {
	l := &List[T]{}

	for i := len(items) - 1; i >= 0; i-- {
		if err := l.Push(items[i]); err != nil {
			return l, err
		}
	}

	return l, nil
}
