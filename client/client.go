// Package client wires the cache graph, capability manager, request
// pipeline, and flush coordinator together behind a POSIX-like facade, all
// serialized under a single coarse lock.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/nicescale/ceph/client/capcache"
	"github.com/nicescale/ceph/client/filer"
	"github.com/nicescale/ceph/client/flush"
	"github.com/nicescale/ceph/client/inode"
	"github.com/nicescale/ceph/client/mds"
	"github.com/nicescale/ceph/client/ratelimit"
)

// rootIno is CephFS's fixed root inode number, which this client bootstraps
// locally at Mount rather than resolving through an MDS round trip — the
// root's identity is cluster-wide convention, not something to discover.
const rootIno inode.ID = 1

// Config bundles the policy parameters left to deployment choice rather
// than fixed by the protocol itself.
type Config struct {
	MaxCacheSize int

	// StaleCapGrace bounds how long a stale_caps entry may still serve
	// reads. Client does not drop expired entries from stale_caps itself;
	// only capcache.Manager.EvictExpiredStale does, and Client never calls it.
	StaleCapGrace time.Duration

	FlushTTL      time.Duration
	DirtySize     int64
	WritebackHz   float64
	WritebackBurst int
}

// DefaultConfig returns reasonable policy defaults for the parameters above.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:   10000,
		StaleCapGrace:  60 * time.Second,
		FlushTTL:       5 * time.Second,
		DirtySize:      64 << 20,
		WritebackHz:    50,
		WritebackBurst: 50,
	}
}

// Client is the top-level facade: every exported POSIX-like method
// acquires mu for its duration, dropping it only across the documented
// suspension points (MDS RPC, buffered writes, cap upgrades).
type Client struct {
	mu   syncutil.InvariantMutex
	cond *sync.Cond

	cfg   Config
	clock timeutil.Clock

	graph    *inode.Graph
	caps     *capcache.Manager
	pipeline *mds.Pipeline
	flushC   *flush.Coordinator
	filer    filer.Filer
	handles  *inode.HandleTable
	metrics  *Metrics

	unmounting bool
}

// New assembles a Client against msgr (the MDS transport) and f (the
// object-storage facade). The client is not mounted until Mount is called.
func New(cfg Config, msgr mds.Messenger, f filer.Filer) *Client {
	c := &Client{
		cfg:      cfg,
		clock:    timeutil.RealClock(),
		graph:    inode.NewGraph(cfg.MaxCacheSize),
		pipeline: mds.NewPipeline(msgr),
		filer:    f,
		handles:  inode.NewHandleTable(),
		metrics:  NewMetrics(),
	}
	throttle := ratelimit.NewThrottle(cfg.WritebackHz, cfg.WritebackBurst)
	// capcache.Manager and flush.Coordinator each hold a narrow interface
	// to the other (FlushKicker / DowngradeNotifier) rather than a
	// concrete type, so they can be wired up in either order without an
	// import cycle; the flush coordinator is built first since the
	// manager needs it as its kicker.
	c.flushC = flush.NewCoordinator(c.clock, f, throttle, nil)
	c.caps = capcache.NewManager(cfg.StaleCapGrace, c.flushC)
	c.flushC.SetNotifier(c.caps)
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	c.cond = sync.NewCond(&c.mu)
	return c
}

// checkInvariants is run by the InvariantMutex around Lock/Unlock whenever
// syncutil's invariant checking is enabled: caps and stale_caps must stay disjoint
// for every live inode, and the graph's own structural invariants must hold.
func (c *Client) checkInvariants() {
	for ino, in := range c.graphInodesForCheck() {
		for mdsID := range in.Caps {
			if _, alsoStale := in.StaleCaps[mdsID]; alsoStale {
				panic(fmt.Sprintf("client: ino %d: mds %d present in both caps and stale_caps", ino, mdsID))
			}
		}
	}
	c.graph.CheckInvariants()
}

func (c *Client) graphInodesForCheck() map[inode.ID]*inode.Inode {
	return c.graph.DebugInodes()
}

// Mount bootstraps the cache with CephFS's fixed root inode and opens its
// directory.
func (c *Client) Mount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := inode.NewInode(rootIno, inode.Attr{Mode: 0o040755})
	c.graph.IndexInode(root)
	c.graph.SetRoot(root)
	c.graph.OpenDir(root)
	return nil
}

// Unmount marks the client unmounting, blocks until every open handle has
// closed, flushes all dirty buffers, releases all caps, and tears the
// cache down. Returns once root == nil.
func (c *Client) Unmount(ctx context.Context) int {
	c.mu.Lock()
	c.unmounting = true
	for c.handles.Len() > 0 {
		c.cond.Wait()
	}
	live := c.graph.DebugInodes()
	c.mu.Unlock()

	if err := c.flushC.FlushAll(ctx); err != nil {
		return ToErrno(NewError("unmount", KindTransportDown, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, in := range live {
		c.caps.ReleaseCaps(in, 0)
	}
	c.graph.Teardown()
	c.unmounting = false
	return 0
}

// Lstat resolves path, contacting the MDS only for the unresolved suffix
// once the cached prefix runs out.
func (c *Client) Lstat(ctx context.Context, path string) (inode.Attr, int) {
	c.mu.Lock()
	root := c.graph.Root()
	components := splitPath(path)
	hit, tail, ok := inode.Resolve(c.graph, root, components)
	c.mu.Unlock()

	if ok {
		return hit.Inode.Attr, 0
	}

	parent := root
	if hit != nil {
		parent = hit.Inode
	}

	for _, name := range tail {
		reply, err := c.pipeline.MakeRequest(ctx, parent, mds.ClientRequest{Op: "lookup", Ino: parent.Ino, Name: name}, true, 0, false)
		if err != nil {
			return inode.Attr{}, ToErrno(NewError("lstat", KindTransportDown, err))
		}
		if reply.Errno != 0 {
			return inode.Attr{}, reply.Errno
		}

		c.mu.Lock()
		mds.InsertTrace(c.graph, root, reply.Trace)
		d, found := c.graph.Lookup(parent.Dir, name)
		c.mu.Unlock()
		if !found {
			return inode.Attr{}, ToErrno(NewError("lstat", KindNotFound, nil))
		}
		parent = d.Inode
	}

	return parent.Attr, 0
}

// Mkdir creates a directory named name under the directory at parentPath.
func (c *Client) Mkdir(ctx context.Context, parentPath, name string, mode uint32) int {
	c.mu.Lock()
	root := c.graph.Root()
	parentDentry, _, ok := inode.Resolve(c.graph, root, splitPath(parentPath))
	parent := root
	if ok && parentDentry != nil {
		parent = parentDentry.Inode
	}
	c.mu.Unlock()

	reply, err := c.pipeline.MakeRequest(ctx, parent, mds.ClientRequest{
		Op: "mkdir", Ino: parent.Ino, Name: name, Attr: inode.Attr{Mode: mode | 0o040000},
	}, true, 0, false)
	if err != nil {
		return ToErrno(NewError("mkdir", KindTransportDown, err))
	}
	if reply.Errno != 0 {
		return reply.Errno
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	mds.InsertTrace(c.graph, root, reply.Trace)
	c.metrics.cacheInserts.Inc()
	return 0
}

// Rmdir removes the empty directory named name under parentPath from the
// local cache. No request is sent to the MDS.
func (c *Client) Rmdir(ctx context.Context, parentPath, name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.graph.Root()
	parentDentry, _, ok := inode.Resolve(c.graph, root, splitPath(parentPath))
	parent := root
	if ok && parentDentry != nil {
		parent = parentDentry.Inode
	}

	d, found := c.graph.Lookup(parent.Dir, name)
	if !found {
		return ToErrno(NewError("rmdir", KindNotFound, nil))
	}
	if !d.Inode.IsDir() {
		return ToErrno(NewError("rmdir", KindNotDir, nil))
	}
	if d.Inode.Dir != nil && !d.Inode.Dir.IsEmpty() {
		return ToErrno(NewError("rmdir", KindExists, nil))
	}

	c.graph.Unlink(d)
	return 0
}

// Rename moves the entry at (oldParentPath, oldName) to (newParentPath,
// newName), including across directories, in the local cache only. No
// request is sent to the MDS.
func (c *Client) Rename(ctx context.Context, oldParentPath, oldName, newParentPath, newName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.graph.Root()
	oldParentDentry, _, _ := inode.Resolve(c.graph, root, splitPath(oldParentPath))
	oldParent := root
	if oldParentDentry != nil {
		oldParent = oldParentDentry.Inode
	}
	newParentDentry, _, _ := inode.Resolve(c.graph, root, splitPath(newParentPath))
	newParent := root
	if newParentDentry != nil {
		newParent = newParentDentry.Inode
	}

	d, found := c.graph.Lookup(oldParent.Dir, oldName)
	if !found {
		return ToErrno(NewError("rename", KindNotFound, nil))
	}

	newDir := c.graph.OpenDir(newParent)
	c.graph.Relink(d, newDir, newName)
	return 0
}

// Unlink removes the non-directory entry named name under parentPath from
// the local cache. No request is sent to the MDS.
func (c *Client) Unlink(ctx context.Context, parentPath, name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.graph.Root()
	parentDentry, _, _ := inode.Resolve(c.graph, root, splitPath(parentPath))
	parent := root
	if parentDentry != nil {
		parent = parentDentry.Inode
	}

	d, found := c.graph.Lookup(parent.Dir, name)
	if !found {
		return ToErrno(NewError("unlink", KindNotFound, nil))
	}
	if d.Inode.IsDir() {
		return ToErrno(NewError("unlink", KindIsDir, nil))
	}

	c.graph.Unlink(d)
	return 0
}

// Getdir lists the names resident in the open directory at path.
func (c *Client) Getdir(ctx context.Context, path string) ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.graph.Root()
	d, _, ok := inode.Resolve(c.graph, root, splitPath(path))
	target := root
	if ok && d != nil {
		target = d.Inode
	}
	dir := target.Dir
	if dir == nil {
		if target.IsDir() {
			// A directory with no resident children has no Dir.
			return []string{}, 0
		}
		return nil, ToErrno(NewError("getdir", KindNotDir, nil))
	}

	names := make([]string, 0, len(dir.Dentries))
	for name := range dir.Dentries {
		names = append(names, name)
	}
	return names, 0
}

// requestCapsWantedLocked recomputes in's wanted cap mask and sends it to
// in's authority MDS, so the MDS's record of what this client wants never
// drifts from in.Readers/in.Writers. Caller must hold c.mu; it is dropped
// across the RPC and reacquired before this returns. Best-effort: a
// transport failure here only costs a metric, since the client still
// serves from whatever caps it already holds.
func (c *Client) requestCapsWantedLocked(ctx context.Context, in *inode.Inode) {
	wanted := capcache.UpdateCapsWanted(in)

	c.mu.Unlock()
	err := c.pipeline.SendCapsWanted(ctx, in, wanted)
	c.mu.Lock()

	if err != nil {
		c.metrics.capMessagesDropped.Inc()
	}
}

// Open resolves path and returns a new Fh in mode, updating readers/
// writers, then asking in's authority MDS for the resulting wanted mask.
func (c *Client) Open(ctx context.Context, path string, mode inode.OpenMode) (inode.HandleID, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.graph.Root()
	d, _, ok := inode.Resolve(c.graph, root, splitPath(path))
	if !ok {
		return 0, ToErrno(NewError("open", KindNotFound, nil))
	}
	in := d.Inode

	if mode == inode.OpenRead {
		in.Readers++
	} else {
		in.Writers++
	}
	in.Ref++

	fh := &inode.Fh{Inode: in, Mode: mode}
	id := c.handles.Alloc(fh)
	fh.ID = id

	c.requestCapsWantedLocked(ctx, in)
	return id, 0
}

// Close releases an Fh, decrementing readers/writers and the inode ref,
// then reporting the recomputed wanted mask to the MDS.
func (c *Client) Close(ctx context.Context, id inode.HandleID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, ok := c.handles.Lookup(id)
	if !ok {
		return ToErrno(NewError("close", KindNotFound, nil))
	}

	in := fh.Inode
	if fh.Mode == inode.OpenRead {
		in.Readers--
	} else {
		in.Writers--
	}
	c.handles.Release(id)
	c.graph.PutInode(in)

	c.requestCapsWantedLocked(ctx, in)

	if c.unmounting && c.handles.Len() == 0 {
		c.cond.Broadcast()
	}
	return 0
}

// Read serves a read through fh from the Filer. If in's cap from primaryMDS
// is stale and past its grace window, Read sends a cap_wanted request and
// checks once more; if the cap is still stale it fails with ESTALE. No check
// is made that a current cap from primaryMDS is held.
func (c *Client) Read(ctx context.Context, id inode.HandleID, p []byte, offset int64, primaryMDS inode.MDSID) (int, int) {
	c.mu.Lock()
	fh, ok := c.handles.Lookup(id)
	if !ok {
		c.mu.Unlock()
		return 0, ToErrno(NewError("read", KindNotFound, nil))
	}
	in := fh.Inode

	if _, stale := in.StaleCaps[primaryMDS]; stale {
		if !c.caps.MayUseStaleRead(in.Ino, primaryMDS) {
			c.requestCapsWantedLocked(ctx, in)
			// Retry once: the round trip may have brought a re-issued cap
			// back out of stale_caps.
			if _, stillStale := in.StaleCaps[primaryMDS]; stillStale {
				c.mu.Unlock()
				return 0, ToErrno(NewError("read", KindStaleCap, nil))
			}
		}
	}
	c.mu.Unlock()

	res := <-c.filer.ReadAt(ctx, in.Ino, p, offset)
	if res.Err != nil {
		return 0, ToErrno(NewError("read", KindTransportDown, res.Err))
	}
	return res.N, 0
}

// Write buffers p at offset through fh, marking the inode dirty.
func (c *Client) Write(ctx context.Context, id inode.HandleID, p []byte, offset int64) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, ok := c.handles.Lookup(id)
	if !ok {
		return 0, ToErrno(NewError("write", KindNotFound, nil))
	}
	in := fh.Inode

	handle := uint64(offset)<<32 | uint64(len(p))
	c.flushC.MarkDirty(in, flush.Buffer{Handle: handle, Offset: offset, Data: append([]byte(nil), p...)})

	end := uint64(offset) + uint64(len(p))
	if end > in.MaxWriteOffset {
		in.MaxWriteOffset = end
	}
	in.LastWriteTime = c.clock.Now()

	return len(p), 0
}

// Fsync synchronously drains fh's inode's dirty buffers.
func (c *Client) Fsync(ctx context.Context, id inode.HandleID) int {
	c.mu.Lock()
	fh, ok := c.handles.Lookup(id)
	if !ok {
		c.mu.Unlock()
		return ToErrno(NewError("fsync", KindNotFound, nil))
	}
	in := fh.Inode
	c.mu.Unlock()

	if err := c.flushC.FlushInodeBuffers(ctx, in); err != nil {
		return ToErrno(NewError("fsync", KindTransportDown, err))
	}
	return 0
}

// HandleFileCaps processes an asynchronous cap message from an MDS,
// dispatching it to the capability manager.
func (c *Client) HandleFileCaps(msg mds.ClientFileCaps) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in, ok := c.graph.LookupIno(msg.Ino)
	if !ok {
		return
	}
	c.caps.HandleCapMessage(in, msg.MDS, msg.Mask, msg.Seq)
	c.metrics.capMessages.Inc()
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
