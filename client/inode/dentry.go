package inode

import "github.com/nicescale/ceph/client/lru"

// Dentry is a named edge from a Dir to an Inode. It is also a member of
// the global LRU (its lruElem), and is pinned in the LRU — excluded from
// eviction, per invariant 3 — iff its target Inode currently has an open
// Dir beneath it.
type Dentry struct {
	Name  string
	Dir   *Dir
	Inode *Inode

	// pinned mirrors invariant 3 (dentry.ref == 1 <=> inode.dir != nil).
	// It is bookkeeping only; the actual LRU pin lives on lruElem.
	pinned bool

	lruElem *lru.Elem
}

// Pinned reports whether the dentry is currently pinned against eviction
// because its target inode has an open Dir.
func (d *Dentry) Pinned() bool { return d.pinned }
