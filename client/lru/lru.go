// Package lru implements the cache's recency index: a doubly linked list
// with top and mid insertion (there is no bottom insertion). Pinned
// elements stay where they are in the list and are skipped by eviction;
// there is no separate pinned segment. It knows nothing about inodes, dentries, or
// any other cache entity — it exposes the trimmable element identity only
// and leaves dismantling a victim to the caller.
package lru

import (
	"container/list"
	"fmt"
)

// Elem is the opaque handle an Index hands back on Insert. Callers store it
// alongside whatever they actually cache (typically a *inode.Dentry) and
// pass it back to Touch/Remove/Pin/Unpin.
type Elem struct {
	list *list.List
	el   *list.Element
}

// entry is the payload stored in the underlying container/list element.
type entry struct {
	value  interface{}
	pinned bool
}

// Index is a recency list whose elements may be pinned in place. It is not safe for
// concurrent use; callers serialize access (the client's coarse lock, in
// this module's case).
type Index struct {
	order *list.List // front = most recently touched / top
	max   int
}

// New returns an Index with no size bound (the cache graph's TrimCache
// never evicts until SetMax is called with a positive value).
func New() *Index {
	return &Index{order: list.New()}
}

// SetMax sets the soft size bound consulted by the cache graph's
// TrimCache loop. A value <= 0 disables the bound.
func (idx *Index) SetMax(max int) {
	idx.max = max
}

// Size returns the number of elements currently tracked, pinned or not.
func (idx *Index) Size() int {
	return idx.order.Len()
}

// Max returns the configured soft bound.
func (idx *Index) Max() int {
	return idx.max
}

// InsertTop inserts value at the most-recently-used end.
func (idx *Index) InsertTop(value interface{}) *Elem {
	el := idx.order.PushFront(&entry{value: value})
	return &Elem{list: idx.order, el: el}
}

// InsertMid inserts value at the middle of the list. Used when splicing a
// fresh trace from the MDS: the entry hasn't earned top-of-LRU priority
// yet, but shouldn't be evicted as readily as a pure placeholder either.
func (idx *Index) InsertMid(value interface{}) *Elem {
	mid := idx.middle()
	var el *list.Element
	if mid == nil {
		el = idx.order.PushFront(&entry{value: value})
	} else {
		el = idx.order.InsertBefore(&entry{value: value}, mid)
	}
	return &Elem{list: idx.order, el: el}
}

// middle returns the list.Element nearest the structural midpoint, or nil
// for an empty list. Walking two cursors at different speeds avoids a
// second pass to count length.
func (idx *Index) middle() *list.Element {
	if idx.order.Len() == 0 {
		return nil
	}
	slow := idx.order.Front()
	fast := idx.order.Front()
	for fast.Next() != nil && fast.Next().Next() != nil {
		slow = slow.Next()
		fast = fast.Next().Next()
	}
	return slow
}

// Touch moves e to the most-recently-used end. Pinned elements are still
// promoted on touch, so relative recency is preserved for when they are
// later unpinned.
func (e *Elem) Touch() {
	e.list.MoveToFront(e.el)
}

// Remove drops e from the index entirely, pinned or not.
func (e *Elem) Remove() {
	e.list.Remove(e.el)
}

// Pin excludes e from eviction without changing its position.
func (e *Elem) Pin() {
	e.el.Value.(*entry).pinned = true
}

// Unpin makes e eligible for eviction again.
func (e *Elem) Unpin() {
	e.el.Value.(*entry).pinned = false
}

// Pinned reports whether e is currently excluded from eviction.
func (e *Elem) Pinned() bool {
	return e.el.Value.(*entry).pinned
}

// Value returns the value stored at Insert time.
func (e *Elem) Value() interface{} {
	return e.el.Value.(*entry).value
}

// EvictOne removes and returns the value of the least-recently-used
// unpinned element, or nil if every remaining element is pinned (or the
// index is empty). Ties among equally stale unpinned entries are broken by
// insertion order, which falls out naturally from list traversal back to
// front.
func (idx *Index) EvictOne() interface{} {
	for el := idx.order.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*entry)
		if ent.pinned {
			continue
		}
		idx.order.Remove(el)
		return ent.value
	}
	return nil
}

// CheckInvariants panics if idx's tracked size diverges from expected, the
// count the caller maintains independently of this package (e.g. the cache
// graph's own count of linked dentries). A mismatch means some Insert or
// Remove happened without a matching update on one side.
func (idx *Index) CheckInvariants(expected int) {
	if got := idx.order.Len(); got != expected {
		panic(fmt.Sprintf("lru: index holds %d elements, caller expected %d", got, expected))
	}
}
