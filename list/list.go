// Package list implements the typed intrusive doubly-linked queues used by
// the protocol engine.  Every queued object embeds one Node by value, so the
// same allocation can move between lifecycle queues (outgoing, sent,
// dispatched) with O(1) removal and splicing and no per-move allocation.
//
// A List is a ring through a sentinel node.  The zero List is not ready for
// use; call Init (or use New) before inserting.  Lists are NOT threadsafe.
package list

// Node is a list element.  Value points back at the enclosing object so that
// iteration yields the object rather than the node.
type Node[T any] struct {
	next, prev *Node[T]
	Value      T
}

// Next returns the following node.  On the last element it returns the
// sentinel, which compares equal to List.End().
func (n *Node[T]) Next() *Node[T] { return n.next }

// Prev returns the preceding node.
func (n *Node[T]) Prev() *Node[T] { return n.prev }

// List is a doubly-linked queue of Nodes threaded through a sentinel.
type List[T any] struct {
	sentinel Node[T]
}

// New creates an initialized list.
func New[T any]() *List[T] {
	l := &List[T]{}
	l.Init()
	return l
}

// Init makes (or empties) the ring.  Any nodes still linked are abandoned.
func (l *List[T]) Init() {
	l.sentinel.next = &l.sentinel
	l.sentinel.prev = &l.sentinel
}

// Empty reports whether the list holds no elements.
func (l *List[T]) Empty() bool {
	return l.sentinel.next == &l.sentinel
}

// Len counts the elements.  O(n); the engine only uses it for diagnostics.
func (l *List[T]) Len() int {
	n := 0
	for it := l.Front(); it != l.End(); it = it.Next() {
		n++
	}
	return n
}

// Front returns the first node, or End() when empty.
func (l *List[T]) Front() *Node[T] { return l.sentinel.next }

// Back returns the last node, or End() when empty.
func (l *List[T]) Back() *Node[T] { return l.sentinel.prev }

// End returns the sentinel.  Iterate with
//
//	for n := l.Front(); n != l.End(); n = n.Next() { ... }
func (l *List[T]) End() *Node[T] { return &l.sentinel }

// InsertBefore links n immediately before at and returns n.  at may be the
// sentinel, in which case n becomes the last element.
func (l *List[T]) InsertBefore(at, n *Node[T]) *Node[T] {
	n.prev = at.prev
	n.next = at
	at.prev.next = n
	at.prev = n
	return n
}

// PushBack appends n.
func (l *List[T]) PushBack(n *Node[T]) *Node[T] {
	return l.InsertBefore(&l.sentinel, n)
}

// PushFront prepends n.
func (l *List[T]) PushFront(n *Node[T]) *Node[T] {
	return l.InsertBefore(l.sentinel.next, n)
}

// Remove unlinks n and returns its value.  n must be linked into some list;
// removing the sentinel is a caller bug.
func Remove[T any](n *Node[T]) T {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
	return n.Value
}

// Move splices the inclusive range [first, last] out of its current list and
// links it before at.  The range must be contiguous and must not contain at.
func Move[T any](at, first, last *Node[T]) {
	first.prev.next = last.next
	last.next.prev = first.prev

	first.prev = at.prev
	last.next = at
	at.prev.next = first
	at.prev = last
}
