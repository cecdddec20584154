package list_test

import (
	"testing"

	"github.com/snetproject/snet/list"
)

type item struct {
	node list.Node[*item]
	id   int
}

func newItem(id int) *item {
	it := &item{id: id}
	it.node.Value = it
	return it
}

func ids(l *list.List[*item]) []int {
	var out []int
	for n := l.Front(); n != l.End(); n = n.Next() {
		out = append(out, n.Value.id)
	}
	return out
}

func expectIDs(t *testing.T, l *list.List[*item], want ...int) {
	t.Helper()
	got := ids(l)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPushAndRemove(t *testing.T) {
	l := list.New[*item]()
	if !l.Empty() {
		t.Error("new list should be empty")
	}

	a, b, c := newItem(1), newItem(2), newItem(3)
	l.PushBack(&a.node)
	l.PushBack(&b.node)
	l.PushFront(&c.node)
	expectIDs(t, l, 3, 1, 2)

	if l.Len() != 3 {
		t.Errorf("Len() = %d, want 3", l.Len())
	}

	removed := list.Remove(&a.node)
	if removed.id != 1 {
		t.Errorf("Remove returned id %d, want 1", removed.id)
	}
	expectIDs(t, l, 3, 2)

	list.Remove(&c.node)
	list.Remove(&b.node)
	if !l.Empty() {
		t.Error("list should be empty after removing everything")
	}
}

func TestInsertBefore(t *testing.T) {
	l := list.New[*item]()
	a, b, c := newItem(1), newItem(2), newItem(3)
	l.PushBack(&a.node)
	l.PushBack(&c.node)
	l.InsertBefore(&c.node, &b.node)
	expectIDs(t, l, 1, 2, 3)

	// Insert before the sentinel appends.
	d := newItem(4)
	l.InsertBefore(l.End(), &d.node)
	expectIDs(t, l, 1, 2, 3, 4)
}

func TestMoveSplicesRange(t *testing.T) {
	src := list.New[*item]()
	dst := list.New[*item]()

	items := make([]*item, 5)
	for i := range items {
		items[i] = newItem(i)
		src.PushBack(&items[i].node)
	}
	d := newItem(99)
	dst.PushBack(&d.node)

	// Move [1, 3] to the end of dst.
	list.Move(dst.End(), &items[1].node, &items[3].node)

	expectIDs(t, src, 0, 4)
	expectIDs(t, dst, 99, 1, 2, 3)
}

func TestMoveSingleElement(t *testing.T) {
	src := list.New[*item]()
	dst := list.New[*item]()
	a := newItem(7)
	src.PushBack(&a.node)

	list.Move(dst.End(), &a.node, &a.node)

	if !src.Empty() {
		t.Error("source should be empty")
	}
	expectIDs(t, dst, 7)
}

func TestMoveToFrontOfSameList(t *testing.T) {
	l := list.New[*item]()
	a, b, c := newItem(1), newItem(2), newItem(3)
	l.PushBack(&a.node)
	l.PushBack(&b.node)
	l.PushBack(&c.node)

	// Retransmission path: move the tail element back to the head.
	list.Move(l.Front(), &c.node, &c.node)
	expectIDs(t, l, 3, 1, 2)
}
