// Package flush implements the flush coordinator: the state machine
// driving the interaction between the buffer cache and the capability
// manager. A per-inode state machine tracks clean/dirtying/flushing; a cap
// downgrade that strips WRBUFFER blocks its acknowledgement until the
// inode's buffers have drained.
package flush

import (
	"context"
	"sort"
	"sync"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/errgroup"

	"github.com/nicescale/ceph/client/filer"
	"github.com/nicescale/ceph/client/inode"
	"github.com/nicescale/ceph/client/ratelimit"
)

// State is a per-inode flush state.
type State int

const (
	// Clean: no dirty buffers outstanding.
	Clean State = iota
	// Dirtying: writes are occurring.
	Dirtying
	// Flushing: writeback in flight; further writes are still permitted.
	Flushing
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirtying:
		return "dirtying"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Buffer is one dirty region pending writeback for an inode.
type Buffer struct {
	Handle    uint64
	Offset    int64
	Data      []byte
	DirtiedAt int64 // unix nanos, per Coordinator's clock
}

// DowngradeNotifier is the narrow slice of capcache.Manager the
// coordinator needs once a buffer drain completes, to avoid an import
// cycle between client/flush and client/capcache.
type DowngradeNotifier interface {
	ApplyDrainedFlush(in *inode.Inode, mds inode.MDSID) (mask inode.CapMask, seq uint64, ok bool)
}

// Coordinator owns per-inode flush state and drives writeback against a
// Filer, throttled by a ratelimit.Throttle.
type Coordinator struct {
	mu sync.Mutex

	clock    timeutil.Clock
	f        filer.Filer
	throttle ratelimit.Throttle
	notifier DowngradeNotifier

	states  map[inode.ID]State
	buffers map[inode.ID][]*Buffer
	// tracked maps an ino back to the *Inode that owns its dirty buffers,
	// so Sweep can recover it without the coordinator holding a direct
	// reference to the cache graph.
	tracked map[inode.ID]*inode.Inode
	// pendingDowngrade records the MDS a queued cap downgrade is waiting
	// on, per inode, so FlushInodeBuffers knows who to notify on drain.
	pendingDowngrade map[inode.ID]inode.MDSID
}

// NewCoordinator returns a Coordinator writing through f, throttled by
// throttle, timestamping dirty buffers with clock.
func NewCoordinator(clock timeutil.Clock, f filer.Filer, throttle ratelimit.Throttle, notifier DowngradeNotifier) *Coordinator {
	return &Coordinator{
		clock:            clock,
		f:                f,
		throttle:         throttle,
		notifier:         notifier,
		states:           make(map[inode.ID]State),
		buffers:          make(map[inode.ID][]*Buffer),
		tracked:          make(map[inode.ID]*inode.Inode),
		pendingDowngrade: make(map[inode.ID]inode.MDSID),
	}
}

// SetNotifier installs the DowngradeNotifier after construction, for
// callers that must build a Coordinator before its notifier exists (e.g.
// a capcache.Manager that itself depends on this Coordinator as its
// FlushKicker).
func (c *Coordinator) SetNotifier(notifier DowngradeNotifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = notifier
}

// StateOf reports the current flush state for ino (Clean if untracked).
func (c *Coordinator) StateOf(ino inode.ID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[ino]
}

// MarkDirty records a new dirty buffer for in and transitions it to
// Dirtying if it was Clean.
func (c *Coordinator) MarkDirty(in *inode.Inode, buf Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf.DirtiedAt = c.clock.Now().UnixNano()
	c.buffers[in.Ino] = append(c.buffers[in.Ino], &buf)
	c.tracked[in.Ino] = in
	in.InflightBuffers[buf.Handle] = struct{}{}

	if c.states[in.Ino] == Clean {
		c.states[in.Ino] = Dirtying
	}
}

// Kick implements capcache.FlushKicker: it records which MDS is awaiting a
// drained-buffer acknowledgement and transitions Dirtying -> Flushing,
// then starts draining in the background.
func (c *Coordinator) Kick(in *inode.Inode, mds inode.MDSID) {
	c.mu.Lock()
	c.pendingDowngrade[in.Ino] = mds
	if c.states[in.Ino] == Dirtying {
		c.states[in.Ino] = Flushing
	}
	c.mu.Unlock()

	go c.FlushInodeBuffers(context.Background(), in)
}

// FlushInodeBuffers synchronously drains every dirty buffer for in,
// offset-ascending within the inode, waking waitfor_flushed when the
// inode has none left. Required before releasing WRBUFFER.
func (c *Coordinator) FlushInodeBuffers(ctx context.Context, in *inode.Inode) error {
	c.mu.Lock()
	bufs := c.buffers[in.Ino]
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].Offset < bufs[j].Offset })
	c.mu.Unlock()

	for _, b := range bufs {
		if c.throttle != nil {
			if err := c.throttle.WaitN(ctx, 1); err != nil {
				return err
			}
		}
		if err := <-c.f.WriteAt(ctx, in.Ino, b.Data, b.Offset); err != nil {
			return err
		}
		if err := <-c.f.Sync(ctx, in.Ino); err != nil {
			return err
		}

		c.mu.Lock()
		delete(in.InflightBuffers, b.Handle)
		c.mu.Unlock()
	}

	c.mu.Lock()
	delete(c.buffers, in.Ino)
	c.states[in.Ino] = Clean
	mds, hadPending := c.pendingDowngrade[in.Ino]
	delete(c.pendingDowngrade, in.Ino)
	c.mu.Unlock()

	in.WakeFlushed()

	if hadPending && c.notifier != nil {
		c.notifier.ApplyDrainedFlush(in, mds)
	}
	return nil
}

// ReleaseInodeBuffers invalidates clean cached reads for in. Required
// before releasing RDCACHE.
func (c *Coordinator) ReleaseInodeBuffers(in *inode.Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, in.Ino)
}

// FlushAll drains every inode with outstanding dirty buffers, regardless
// of age or size. Used by the client facade's unmount sequence, which
// must flush everything before tearing the cache down.
func (c *Coordinator) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	due := make([]*inode.Inode, 0, len(c.buffers))
	for ino := range c.buffers {
		if in, ok := c.inodeByIno(ino); ok {
			due = append(due, in)
		}
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, in := range due {
		in := in
		g.Go(func() error { return c.FlushInodeBuffers(ctx, in) })
	}
	return g.Wait()
}

// Sweep is the periodic background policy: any dirty
// buffer older than ttlNanos, or any inode whose total dirty size exceeds
// dirtySize, is scheduled for writeback. Writeback for distinct inodes
// runs concurrently, one errgroup goroutine per inode with no limit on
// their number; the throttle limits the rate of buffer writes.
func (c *Coordinator) Sweep(ctx context.Context, ttlNanos int64, dirtySize int64) error {
	now := c.clock.Now().UnixNano()

	c.mu.Lock()
	var due []*inode.Inode
	for ino, bufs := range c.buffers {
		var total int64
		stale := false
		for _, b := range bufs {
			total += int64(len(b.Data))
			if now-b.DirtiedAt > ttlNanos {
				stale = true
			}
		}
		if stale || total > dirtySize {
			if in, ok := c.inodeByIno(ino); ok {
				due = append(due, in)
			}
		}
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, in := range due {
		in := in
		g.Go(func() error { return c.FlushInodeBuffers(ctx, in) })
	}
	return g.Wait()
}

// inodeByIno resolves an ino back to the *inode.Inode that owns buffers
// for it, as recorded by MarkDirty. Callers must hold c.mu.
func (c *Coordinator) inodeByIno(ino inode.ID) (*inode.Inode, bool) {
	in, ok := c.tracked[ino]
	return in, ok
}
