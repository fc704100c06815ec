package inode

import "github.com/nicescale/ceph/client/lru"

// Graph is the cache's entity graph: the inode index, the global LRU, and
// the mutation primitives (Link/Unlink/Relink/OpenDir/CloseDir/PutInode)
// that must remain atomic relative to each other. Every method assumes the
// caller holds the client's single coarse lock; Graph itself does no
// locking.
type Graph struct {
	lru    *lru.Index
	inodes map[ID]*Inode
	root   *Inode
}

// NewGraph returns an empty graph with the LRU's soft size bound set to
// maxSize (<=0 disables the bound).
func NewGraph(maxSize int) *Graph {
	idx := lru.New()
	idx.SetMax(maxSize)
	return &Graph{
		lru:    idx,
		inodes: make(map[ID]*Inode),
	}
}

// IndexInode registers in under its Ino. It is an invariant violation to
// index an ino that's already present.
func (g *Graph) IndexInode(in *Inode) {
	if _, ok := g.inodes[in.Ino]; ok {
		violation("re-indexing live ino %d", in.Ino)
	}
	g.inodes[in.Ino] = in
}

// LookupIno returns the indexed inode for ino, if any.
func (g *Graph) LookupIno(ino ID) (*Inode, bool) {
	in, ok := g.inodes[ino]
	return in, ok
}

// SetRoot installs in as the root inode, held by the dedicated root
// reference described in invariant 5 (the root has no parent dentry).
func (g *Graph) SetRoot(in *Inode) {
	g.root = in
	in.Ref++
}

// Root returns the root inode, or nil if unmounted / never set.
func (g *Graph) Root() *Inode { return g.root }

// Link creates a new Dentry under dir named name pointing at in. Fails
// (invariant violation) if the name is already taken in dir, or if in
// already has a parent dentry — an inode may have at most one dentry in a
// tree cache.
func (g *Graph) Link(dir *Dir, name string, in *Inode) *Dentry {
	if _, exists := dir.Dentries[name]; exists {
		violation("Link: name %q already present in dir", name)
	}
	if in.Dn != nil {
		violation("Link: inode %d already has a parent dentry", in.Ino)
	}

	d := &Dentry{Name: name, Dir: dir, Inode: in}
	dir.Dentries[name] = d
	in.Dn = d
	in.Ref++
	d.lruElem = g.lru.InsertMid(d)

	return d
}

// DetachEdge clears d's inode back-reference, drops the inode's ref
// (possibly destroying it), removes d from its Dir's map, and removes d
// from the LRU — but, unlike Unlink, never closes the Dir even if this
// empties it. Callers that are about to install a replacement edge into
// the same Dir in the same atomic step (Relink and insert_trace's
// rename-onto-an-existing-name case) must use this instead of Unlink:
// closing the Dir mid-step would detach it from its parent inode (and
// drop the parent's ref) out from under the edge being installed next.
func (g *Graph) DetachEdge(d *Dentry) {
	in := d.Inode
	in.Dn = nil

	g.PutInode(in)

	delete(d.Dir.Dentries, d.Name)
	d.lruElem.Remove()
}

// Unlink dismantles d: DetachEdge, then closes its Dir if that left it
// empty.
func (g *Graph) Unlink(d *Dentry) {
	dir := d.Dir
	g.DetachEdge(d)
	if dir.IsEmpty() {
		g.CloseDir(dir)
	}
}

// Relink atomically moves d to (newDir, newName) without touching the
// target inode's ref count. The order matters: install under the new
// name before erasing the old one, and only rename d itself after the
// old Dir has potentially been closed. A destination-name collision
// (POSIX rename-overwrite) is resolved with DetachEdge, not Unlink — the
// replacement edge is about to occupy newDir, so newDir must not be torn
// down by CloseDir in between.
func (g *Graph) Relink(d *Dentry, newDir *Dir, newName string) {
	if existing, ok := newDir.Dentries[newName]; ok && existing != d {
		g.DetachEdge(existing)
	}

	oldDir := d.Dir
	oldName := d.Name

	newDir.Dentries[newName] = d

	if oldDir != newDir || oldName != newName {
		delete(oldDir.Dentries, oldName)
	}
	if oldDir != newDir && oldDir.IsEmpty() {
		g.CloseDir(oldDir)
	}

	d.Name = newName
	d.Dir = newDir
}

// OpenDir idempotently ensures in has a resident Dir, pinning in's parent
// dentry (if any) on the transition from none to one.
func (g *Graph) OpenDir(in *Inode) *Dir {
	if in.Dir != nil {
		return in.Dir
	}

	if in.Dn != nil {
		in.Dn.pinned = true
		in.Dn.lruElem.Pin()
	}
	in.Ref++
	in.Dir = newDir(in)
	return in.Dir
}

// CloseDir tears down an empty Dir, unpinning the parent dentry and
// dropping the parent inode's ref.
func (g *Graph) CloseDir(d *Dir) {
	if !d.IsEmpty() {
		violation("CloseDir: dir is not empty")
	}

	parent := d.Parent
	parent.Dir = nil

	if parent.Dn != nil {
		parent.Dn.pinned = false
		// No Touch here: Pin never moved the element, so unpinning leaves
		// the dentry at the recency it had (including promotions while
		// pinned).
		parent.Dn.lruElem.Unpin()
	}

	g.PutInode(parent)
}

// PutInode decrements in's ref count and, if it has reached zero, removes
// in from the inode index (and clears the root pointer, if in was root).
func (g *Graph) PutInode(in *Inode) {
	in.Ref--
	if in.Ref < 0 {
		violation("ino %d ref went negative", in.Ino)
	}

	if in.Ref == 0 {
		delete(g.inodes, in.Ino)
		if g.root == in {
			g.root = nil
		}
	}
}

// Touch promotes d to the most-recently-used end of the LRU, on a
// successful lookup.
func (g *Graph) Touch(d *Dentry) {
	d.lruElem.Touch()
}

// Lookup is a pure map lookup: dir.Dentries[name]. It never blocks and
// never contacts the MDS.
func (g *Graph) Lookup(dir *Dir, name string) (*Dentry, bool) {
	d, ok := dir.Dentries[name]
	return d, ok
}

// TrimCache evicts from the LRU bottom upward until Size <= Max,
// dismantling each victim via Unlink. If every remaining entry is pinned,
// the loop stops even if the bound is still exceeded (invariant 7).
func (g *Graph) TrimCache() {
	max := g.lru.Max()
	if max <= 0 {
		return
	}

	for g.lru.Size() > max {
		v := g.lru.EvictOne()
		if v == nil {
			// Everything left is pinned.
			return
		}
		g.Unlink(v.(*Dentry))
	}
}

// LRUSize exposes the LRU's current size, mainly for tests and metrics.
func (g *Graph) LRUSize() int { return g.lru.Size() }

// SetMax adjusts the LRU's soft size bound after construction.
func (g *Graph) SetMax(max int) { g.lru.SetMax(max) }

// DebugInodes returns the live inode index. Intended for invariant
// checking and unmount bookkeeping in the facade package, not general use.
func (g *Graph) DebugInodes() map[ID]*Inode { return g.inodes }

// CheckInvariants panics if the LRU's tracked size disagrees with the
// number of linked dentries this graph actually knows about: every linked
// inode (in.Dn != nil) owns exactly one lruElem, so the two counts must
// always match.
func (g *Graph) CheckInvariants() {
	linked := 0
	for _, in := range g.inodes {
		if in.Dn != nil {
			linked++
		}
	}
	g.lru.CheckInvariants(linked)
}

// Teardown discards the entire graph: the inode index, the LRU, and the
// root pointer are cleared unconditionally (the LRU keeps its size bound).
// Only valid once every handle is closed and every buffer flushed — it does
// not run Unlink on anything, since by that point there is nothing left to
// keep consistent.
func (g *Graph) Teardown() {
	g.inodes = make(map[ID]*Inode)
	max := g.lru.Max()
	g.lru = lru.New()
	g.lru.SetMax(max)
	g.root = nil
}
