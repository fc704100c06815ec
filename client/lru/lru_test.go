package lru_test

import (
	"testing"

	"github.com/nicescale/ceph/client/lru"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictOneSkipsPinned(t *testing.T) {
	idx := lru.New()

	a := idx.InsertMid("a")
	b := idx.InsertMid("b")
	idx.InsertMid("c")

	a.Pin()
	b.Pin()

	// a and b are pinned; only "c" is evictable.
	got := idx.EvictOne()
	require.Equal(t, "c", got)

	// Now nothing is left to evict.
	assert.Nil(t, idx.EvictOne())
}

func TestTouchPromotesToFront(t *testing.T) {
	idx := lru.New()

	idx.InsertMid("old")
	mid := idx.InsertMid("middle")
	idx.InsertMid("new")

	mid.Touch()

	// The least-recently-used of the remaining two should now be "old",
	// since "middle" was promoted to the front.
	got := idx.EvictOne()
	assert.Equal(t, "old", got)
}

func TestPinUnpinRoundTrip(t *testing.T) {
	idx := lru.New()
	e := idx.InsertMid("x")

	e.Pin()
	assert.True(t, e.Pinned())
	assert.Nil(t, idx.EvictOne())

	e.Unpin()
	assert.False(t, e.Pinned())
	assert.Equal(t, "x", idx.EvictOne())
}

func TestRemoveShrinksSize(t *testing.T) {
	idx := lru.New()
	e := idx.InsertTop("only")
	require.Equal(t, 1, idx.Size())

	e.Remove()
	assert.Equal(t, 0, idx.Size())
}

func TestTieBreakIsInsertionOrder(t *testing.T) {
	idx := lru.New()
	idx.InsertMid("first")
	idx.InsertMid("second")

	// Neither was touched; eviction should take the earliest-inserted
	// (least-recently-used) first.
	assert.Equal(t, "first", idx.EvictOne())
	assert.Equal(t, "second", idx.EvictOne())
}

func TestCheckInvariantsAcceptsMatchingSize(t *testing.T) {
	idx := lru.New()
	idx.InsertMid("a")
	idx.InsertMid("b")

	assert.NotPanics(t, func() { idx.CheckInvariants(2) })
}

func TestCheckInvariantsPanicsOnMismatch(t *testing.T) {
	idx := lru.New()
	idx.InsertMid("a")

	assert.Panics(t, func() { idx.CheckInvariants(2) })
}
