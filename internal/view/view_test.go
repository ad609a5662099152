package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_SortsAndDeduplicates(t *testing.T) {
	v := New(3, "c:1", "a:1", "b:1", "a:1")
	assert.Equal(t, []Address{"a:1", "b:1", "c:1"}, v.Members)
	assert.Equal(t, 2, v.Quorum())
	assert.True(t, v.Contains("b:1"))
	assert.False(t, v.Contains("d:1"))
	assert.Equal(t, 2, v.Index("c:1"))
	assert.Equal(t, -1, v.Index("z:1"))
}

func TestView_Ordering(t *testing.T) {
	a := New(1, "a", "b", "c")
	b := New(2, "a")
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))

	small := New(1, "a", "b")
	assert.Equal(t, -1, small.Compare(a))

	x := New(1, "a", "b", "d")
	assert.Equal(t, -1, a.Compare(x))
	assert.Equal(t, 0, a.Compare(New(1, "c", "b", "a")))
}

func TestView_Equivalence(t *testing.T) {
	a := New(1, "a", "b")
	b := New(7, "b", "a")
	assert.True(t, a.Equivalent(b))
	assert.False(t, a.Equal(b))
}

func TestView_AddedRemoved(t *testing.T) {
	old := New(1, "a", "b", "c")
	next := New(2, "a", "c", "d", "e")
	assert.Equal(t, []Address{"d", "e"}, old.Added(next))
	assert.Equal(t, []Address{"b"}, old.Removed(next))
}

func TestView_Predecessor(t *testing.T) {
	old := New(1, "a", "b", "c")
	next := New(2, "a", "b", "c", "d")

	p, ok := next.Predecessor("d", old.Contains)
	assert.True(t, ok)
	assert.Equal(t, Address("c"), p)

	wrap := New(2, "0", "a", "b", "c")
	p, ok = wrap.Predecessor("0", old.Contains)
	assert.True(t, ok)
	assert.Equal(t, Address("c"), p)

	_, ok = New(1, "a").Predecessor("a", old.Contains)
	assert.False(t, ok)
}
