// Package inode implements the core of the client: the in-memory entity
// graph (Inode/Dir/Dentry), its reference-counting and LRU pinning
// discipline, and the handle table. Every exported method here assumes the
// caller already holds the client's single coarse lock — nothing in this
// package takes its own lock.
package inode

import (
	"fmt"
	"time"
)

// ID is a stable 64-bit inode number, as assigned by the MDS.
type ID uint64

// MDSID names a metadata server within the cluster.
type MDSID int

// HandleID is a file-handle identifier, deliberately small and dense (see
// Fh / HandleTable) rather than a monotonically increasing counter.
type HandleID uint32

// Attr is the cached POSIX metadata block for an inode.
type Attr struct {
	Mode  uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Uid   uint32
	Gid   uint32
}

// CapMask is a bitfield over the capability bits the MDS can grant.
type CapMask uint32

const (
	CapRD CapMask = 1 << iota
	CapRDCACHE
	CapWR
	CapWRBUFFER
	CapEXCL
)

func (m CapMask) Has(bits CapMask) bool { return m&bits == bits }

// InodeCap is the per-MDS capability record.
type InodeCap struct {
	Mask CapMask
	Seq  uint64
}

// waitSet is a collection of waiters for a single predicate, each
// represented by a channel that is closed to wake it. It is not a general
// condition variable: multiple waiters with different predicates coexist
// on the same inode, so each predicate gets its own waitSet rather than
// sharing one broadcast channel.
type waitSet struct {
	waiters []chan struct{}
}

// Add registers a new waiter and returns the channel it should block on
// (with the caller's lock dropped) until it is closed.
func (w *waitSet) Add() <-chan struct{} {
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	return ch
}

// Broadcast wakes every current waiter and clears the set.
func (w *waitSet) Broadcast() {
	for _, ch := range w.waiters {
		close(ch)
	}
	w.waiters = nil
}

// Inode is the cached metadata record for a filesystem object: a file,
// directory, or symlink known to the client.
type Inode struct {
	Ino  ID
	Attr Attr

	// SymlinkTarget is non-nil only for symlink inodes.
	SymlinkTarget *string

	// Dir is non-nil iff this inode has an open, resident child table.
	Dir *Dir

	// Dn is the weak back-reference to the parent Dentry: nulled when the
	// Dentry is destroyed, never itself adjusting Ref.
	Dn *Dentry

	// Caps and StaleCaps are keyed by MDS id and are disjoint: a given MDS
	// id appears in at most one of the two maps (invariant 6).
	Caps      map[MDSID]*InodeCap
	StaleCaps map[MDSID]*InodeCap

	// Contacts is the replica hint: MDSes known to hold a copy of this
	// inode's metadata.
	Contacts map[MDSID]struct{}

	// DirAuth is the authoritative MDS for this inode's directory, if
	// known. Consulted by the request pipeline's authority walk.
	DirAuth *MDSID

	LastUpdated time.Time

	// Writer state.
	MaxWriteOffset uint64
	LastWriteTime  time.Time

	Readers int
	Writers int

	// Ref counts: dentry edges (at most one) + open Fh count + (1 if Dir
	// != nil). The inode is dropped from the index when this hits zero.
	Ref int

	// InflightBuffers tracks buffer-cache handles currently in flight for
	// this inode (written by the flush coordinator, read by nothing in
	// this package — it only needs to exist so the flush coordinator has
	// somewhere to park state per inode without a separate side table).
	InflightBuffers map[uint64]struct{}

	waitRead    waitSet
	waitWrite   waitSet
	waitFlushed waitSet
}

// NewInode constructs an inode with zero ref and no caps. It is not yet
// indexed or linked; callers do that via Graph.
func NewInode(ino ID, attr Attr) *Inode {
	return &Inode{
		Ino:             ino,
		Attr:            attr,
		Caps:            make(map[MDSID]*InodeCap),
		StaleCaps:       make(map[MDSID]*InodeCap),
		Contacts:        make(map[MDSID]struct{}),
		InflightBuffers: make(map[uint64]struct{}),
	}
}

// IsDir reports whether the inode's cached mode bits mark it a directory.
// Mode follows POSIX encoding; os.ModeDir's bit position is avoided here
// deliberately since this package has no fuse/os dependency — callers at
// the facade boundary translate raw POSIX mode bits.
const sIFDIR = 0o040000
const sIFMT = 0o170000

func (in *Inode) IsDir() bool { return in.Attr.Mode&sIFMT == sIFDIR }

// WaitRead/WaitWrite/WaitFlushed return a channel the caller should select
// on (after dropping the client lock) to be woken once the corresponding
// condition is signaled by WakeReaders/WakeWriters/WakeFlushed.
func (in *Inode) WaitRead() <-chan struct{}    { return in.waitRead.Add() }
func (in *Inode) WaitWrite() <-chan struct{}   { return in.waitWrite.Add() }
func (in *Inode) WaitFlushed() <-chan struct{} { return in.waitFlushed.Add() }

func (in *Inode) WakeReaders()  { in.waitRead.Broadcast() }
func (in *Inode) WakeWriters()  { in.waitWrite.Broadcast() }
func (in *Inode) WakeFlushed()  { in.waitFlushed.Broadcast() }

// violation panics: a cache invariant violation means the in-memory graph
// has already diverged from reality, so there is nothing safe left to do
// but stop before it corrupts further.
func violation(format string, args ...interface{}) {
	panic(fmt.Sprintf("inode: invariant violation: "+format, args...))
}
