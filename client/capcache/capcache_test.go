package capcache_test

import (
	"testing"
	"time"

	"github.com/nicescale/ceph/client/capcache"
	"github.com/nicescale/ceph/client/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKicker struct {
	kicked []inode.MDSID
}

func (k *fakeKicker) Kick(in *inode.Inode, mds inode.MDSID) {
	k.kicked = append(k.kicked, mds)
}

func TestWantedDerivesFromOpenCounts(t *testing.T) {
	in := inode.NewInode(1, inode.Attr{})
	assert.Equal(t, inode.CapMask(0), capcache.Wanted(in))

	in.Readers = 1
	assert.Equal(t, inode.CapRD|inode.CapRDCACHE, capcache.Wanted(in))

	in.Writers = 1
	assert.Equal(t, inode.CapRD|inode.CapRDCACHE|inode.CapWR|inode.CapWRBUFFER, capcache.Wanted(in))
}

func TestFileCapsOnlyCountsCurrentCaps(t *testing.T) {
	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD, Seq: 1}
	in.StaleCaps[20] = &inode.InodeCap{Mask: 0, Seq: 1}

	assert.Equal(t, inode.CapRD, capcache.FileCaps(in))
}

func TestHandleCapMessageDropsStaleSeq(t *testing.T) {
	m := capcache.NewManager(time.Minute, nil)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD | inode.CapRDCACHE, Seq: 5}

	queued := m.HandleCapMessage(in, 10, inode.CapRD, 5)
	assert.False(t, queued)
	assert.Equal(t, uint64(5), in.Caps[10].Seq)
	assert.Equal(t, inode.CapRD|inode.CapRDCACHE, in.Caps[10].Mask, "stale message must be dropped, not applied")
}

func TestHandleCapMessageAppliesInPlaceWhenNoDirtyState(t *testing.T) {
	m := capcache.NewManager(time.Minute, nil)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD | inode.CapRDCACHE | inode.CapWR | inode.CapWRBUFFER, Seq: 1}

	queued := m.HandleCapMessage(in, 10, inode.CapRD, 2)
	assert.False(t, queued)
	require.NotNil(t, in.Caps[10])
	assert.Equal(t, inode.CapRD, in.Caps[10].Mask)
	assert.Equal(t, uint64(2), in.Caps[10].Seq)
}

func TestHandleCapMessageQueuesDowngradeWithDirtyBuffers(t *testing.T) {
	kicker := &fakeKicker{}
	m := capcache.NewManager(time.Minute, kicker)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapWR | inode.CapWRBUFFER, Seq: 1}
	in.InflightBuffers[0x1000] = struct{}{}

	queued := m.HandleCapMessage(in, 10, inode.CapWR, 2)
	assert.True(t, queued)
	assert.Equal(t, []inode.MDSID{10}, kicker.kicked)

	// Not applied yet: the old mask must still be in force.
	assert.Equal(t, inode.CapWR|inode.CapWRBUFFER, in.Caps[10].Mask)

	mask, seq, ok := m.ApplyDrainedFlush(in, 10)
	require.True(t, ok)
	assert.Equal(t, inode.CapWR, mask)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, inode.CapWR, in.Caps[10].Mask)
}

func TestHandleCapMessageMovesToStaleCapsOnZeroMask(t *testing.T) {
	m := capcache.NewManager(time.Minute, nil)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD, Seq: 1}

	m.HandleCapMessage(in, 10, 0, 2)

	_, stillCurrent := in.Caps[10]
	assert.False(t, stillCurrent)
	require.Contains(t, in.StaleCaps, inode.MDSID(10))
	assert.True(t, m.MayUseStaleRead(1, 10))
}

func TestStaleCapGraceExpires(t *testing.T) {
	m := capcache.NewManager(20*time.Millisecond, nil)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD, Seq: 1}
	m.HandleCapMessage(in, 10, 0, 2)

	assert.True(t, m.MayUseStaleRead(1, 10))
	time.Sleep(60 * time.Millisecond)
	assert.False(t, m.MayUseStaleRead(1, 10))

	m.EvictExpiredStale(in)
	assert.NotContains(t, in.StaleCaps, inode.MDSID(10))
}

func TestReleaseCapsDropsUnwantedBits(t *testing.T) {
	m := capcache.NewManager(time.Minute, nil)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD | inode.CapRDCACHE | inode.CapWR | inode.CapWRBUFFER, Seq: 1}

	m.ReleaseCaps(in, inode.CapRD|inode.CapRDCACHE)

	require.NotNil(t, in.Caps[10])
	assert.Equal(t, inode.CapRD|inode.CapRDCACHE, in.Caps[10].Mask)
}

func TestReleaseCapsToZeroGoesStale(t *testing.T) {
	m := capcache.NewManager(time.Minute, nil)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD, Seq: 1}

	m.ReleaseCaps(in, 0)

	_, stillCurrent := in.Caps[10]
	assert.False(t, stillCurrent)
	assert.Contains(t, in.StaleCaps, inode.MDSID(10))
}

func TestCapDisjointness(t *testing.T) {
	m := capcache.NewManager(time.Minute, nil)
	defer m.Close()

	in := inode.NewInode(1, inode.Attr{})
	in.Caps[10] = &inode.InodeCap{Mask: inode.CapRD, Seq: 1}

	m.HandleCapMessage(in, 10, 0, 2)
	_, inCaps := in.Caps[10]
	_, inStale := in.StaleCaps[10]
	assert.False(t, inCaps && inStale, "invariant 6: a given MDS id appears in at most one of caps or stale_caps")

	m.HandleCapMessage(in, 10, inode.CapRD, 3)
	_, inCaps = in.Caps[10]
	_, inStale = in.StaleCaps[10]
	assert.True(t, inCaps && !inStale, "re-grant after stale must move the record back out of stale_caps")
}
