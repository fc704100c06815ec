package inode

import "sort"

// OpenMode is the bitmask of POSIX open() mode flags relevant to capability
// "wanted" derivation: whether the handle was opened for reading, writing,
// or both.
type OpenMode uint8

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
)

// Fh is a small per-open file-handle record. The MDS field records which
// MDS serviced the open; operations on this handle must address the same
// MDS while the cap backing it is held.
type Fh struct {
	ID    HandleID
	Inode *Inode
	MDS   MDSID
	Mode  OpenMode
}

// HandleTable allocates, looks up, and releases Fh identifiers. Allocation
// always returns the smallest currently-unused id, keeping ids small and
// dense rather than monotonically increasing: a free-list tracks released
// ids below the high-water mark so they get reused instead of burning
// through the id space.
type HandleTable struct {
	handles map[HandleID]*Fh
	// free holds ids below nextNew that have been released and can be
	// reused; kept sorted (Release inserts with a binary search plus an
	// O(n) shift) so allocation of the smallest free id just takes free[0],
	// which is fine at the scale of open handles on a single client.
	free    []HandleID
	nextNew HandleID
}

// NewHandleTable returns an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{handles: make(map[HandleID]*Fh)}
}

// Alloc installs fh under the smallest unused id and returns it.
func (t *HandleTable) Alloc(fh *Fh) HandleID {
	var id HandleID
	if len(t.free) > 0 {
		id = t.free[0]
		t.free = t.free[1:]
	} else {
		id = t.nextNew
		t.nextNew++
	}

	fh.ID = id
	t.handles[id] = fh
	return id
}

// Lookup returns the Fh registered under id, if any.
func (t *HandleTable) Lookup(id HandleID) (*Fh, bool) {
	fh, ok := t.handles[id]
	return fh, ok
}

// Release reclaims id. It is an invariant violation to release an id that
// isn't currently allocated — that would indicate a double-close.
func (t *HandleTable) Release(id HandleID) {
	if _, ok := t.handles[id]; !ok {
		violation("release of unallocated handle %d", id)
	}
	delete(t.handles, id)

	i := sort.Search(len(t.free), func(i int) bool { return t.free[i] >= id })
	t.free = append(t.free, 0)
	copy(t.free[i+1:], t.free[i:])
	t.free[i] = id
}

// Len returns the number of currently live handles.
func (t *HandleTable) Len() int {
	return len(t.handles)
}
