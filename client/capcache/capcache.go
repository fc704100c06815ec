// Package capcache implements the client's per-MDS capability bookkeeping:
// current vs. stale caps, the "wanted" mask derived from open readers and
// writers, the cap-message state machine, and the stale-cap grace window.
// Every exported method assumes the caller already holds the client's
// single coarse lock — this package takes no lock of its own.
package capcache

import (
	"time"

	"github.com/nicescale/ceph/client/inode"
	"github.com/nicescale/ceph/ttlcache"
)

// FlushKicker is implemented by the flush coordinator (client/flush). The
// capability manager depends only on this narrow interface, not on the
// flush package itself, so the two can be wired together by the facade
// without an import cycle.
type FlushKicker interface {
	// Kick schedules a drain of in's inflight buffers and arranges for
	// Manager.ApplyDrainedFlush to be called once they are empty.
	Kick(in *inode.Inode, mds inode.MDSID)
}

type reapKey struct {
	Ino inode.ID
	MDS inode.MDSID
}

// reapEntry is a cap downgrade that arrived while dirty buffers covered by
// the dropped bits still existed. It is held here, unacknowledged, until
// the flush coordinator reports the buffers drained.
type reapEntry struct {
	Mask inode.CapMask
	Seq  uint64
}

// Manager owns the cap reap queue and the stale-cap grace cache. One
// Manager serves the whole client; it is not per-inode.
type Manager struct {
	kicker FlushKicker

	reapQueue map[reapKey]reapEntry

	// grace retains a presence marker for (ino, mds) pairs that were just
	// moved to stale_caps, for graceWindow. While present, the client may
	// still serve reads from cached state under that stale cap; graceWindow
	// is a configurable policy parameter (cmd/cephmount's --stale-cap-grace
	// flag).
	grace *ttlcache.Cache[reapKey, struct{}]
}

// NewManager returns a Manager whose stale caps are usable for reads for
// graceWindow after going stale. kicker may be nil in tests that never
// exercise the dirty-downgrade path.
func NewManager(graceWindow time.Duration, kicker FlushKicker) *Manager {
	return &Manager{
		kicker:    kicker,
		reapQueue: make(map[reapKey]reapEntry),
		grace:     ttlcache.New[reapKey, struct{}](graceWindow, graceWindow),
	}
}

// Close releases the grace cache's background goroutine.
func (m *Manager) Close() { m.grace.Stop() }

// FileCaps returns the bitwise OR of every currently-held (non-stale) cap
// mask across all MDSes for in. Stale caps never contribute permission
// bits — they are retained only to serve reads from already-cached state.
func FileCaps(in *inode.Inode) inode.CapMask {
	var mask inode.CapMask
	for _, c := range in.Caps {
		mask |= c.Mask
	}
	return mask
}

// Wanted derives the cap mask the client currently desires from in's open
// reader/writer counts: readers > 0 wants {RD, RDCACHE}; writers > 0 wants
// {WR, WRBUFFER}.
func Wanted(in *inode.Inode) inode.CapMask {
	var w inode.CapMask
	if in.Readers > 0 {
		w |= inode.CapRD | inode.CapRDCACHE
	}
	if in.Writers > 0 {
		w |= inode.CapWR | inode.CapWRBUFFER
	}
	return w
}

// UpdateCapsWanted recomputes Wanted(in) and reports it. The caller (the
// facade, via the mds pipeline's SendCapsWanted) is responsible for
// actually sending the update to the authoritative MDS; this package only
// tracks desired state, since it has no transport dependency of its own.
func UpdateCapsWanted(in *inode.Inode) inode.CapMask {
	return Wanted(in)
}

// HandleCapMessage processes an incoming cap message from mds carrying a
// new mask and seq for in. It returns true if the downgrade was queued
// pending a buffer drain (not yet applied), and false if it was applied
// immediately (including the no-op "stale message dropped" case).
func (m *Manager) HandleCapMessage(in *inode.Inode, mds inode.MDSID, newMask inode.CapMask, seq uint64) bool {
	old, wasStale := in.StaleCaps[mds]
	if !wasStale {
		old = in.Caps[mds]
	}

	if old != nil && seq <= old.Seq {
		// Step 1: stale message, drop.
		return false
	}

	if old != nil && !wasStale && isStrictSubset(newMask, old.Mask) && m.hasDirtyStateUnder(in, old.Mask, newMask) {
		// Step 2: downgrade strips bits covering dirty state. Queue it and
		// kick the flush coordinator; do not ack (apply) until drained.
		key := reapKey{Ino: in.Ino, MDS: mds}
		m.reapQueue[key] = reapEntry{Mask: newMask, Seq: seq}
		if m.kicker != nil {
			m.kicker.Kick(in, mds)
		}
		return true
	}

	// Step 3: apply in place.
	m.apply(in, mds, newMask, seq)
	return false
}

// apply installs (mask, seq) for mds on in, moving the record between Caps
// and StaleCaps as needed (invariant 6: the two maps stay disjoint), and
// arms the grace window when a cap goes fully stale (mask == 0).
func (m *Manager) apply(in *inode.Inode, mds inode.MDSID, mask inode.CapMask, seq uint64) {
	delete(in.Caps, mds)
	delete(in.StaleCaps, mds)

	rec := &inode.InodeCap{Mask: mask, Seq: seq}
	if mask == 0 {
		in.StaleCaps[mds] = rec
		m.grace.Set(reapKey{Ino: in.Ino, MDS: mds}, struct{}{})
		return
	}
	in.Caps[mds] = rec
}

// ApplyDrainedFlush is called by the flush coordinator once in's inflight
// buffers for mds have drained, applying a previously queued downgrade and
// reporting the mask/seq that should now be acknowledged to the MDS. ok is
// false if nothing was queued for (in, mds).
func (m *Manager) ApplyDrainedFlush(in *inode.Inode, mds inode.MDSID) (mask inode.CapMask, seq uint64, ok bool) {
	key := reapKey{Ino: in.Ino, MDS: mds}
	entry, queued := m.reapQueue[key]
	if !queued {
		return 0, 0, false
	}
	delete(m.reapQueue, key)
	m.apply(in, mds, entry.Mask, entry.Seq)
	return entry.Mask, entry.Seq, true
}

// ReleaseCaps drops, for every MDS, any held cap bits not in retainMask —
// used on close/truncate-to-release paths that no longer need the full
// grant. A cap that drops to 0 this way moves to stale_caps exactly as an
// MDS-initiated revocation would.
func (m *Manager) ReleaseCaps(in *inode.Inode, retainMask inode.CapMask) {
	for mds, c := range in.Caps {
		kept := c.Mask & retainMask
		if kept == c.Mask {
			continue
		}
		m.apply(in, mds, kept, c.Seq)
	}
}

// MayUseStaleRead reports whether a stale cap for (ino, mds) is still
// within its grace window and may serve cached reads.
func (m *Manager) MayUseStaleRead(ino inode.ID, mds inode.MDSID) bool {
	_, ok := m.grace.Get(reapKey{Ino: ino, MDS: mds})
	return ok
}

// EvictExpiredStale drops every stale_caps entry on in whose grace window
// has elapsed. Intended to run alongside the flush coordinator's periodic
// sweep; the exact cadence is a policy parameter left to the caller.
func (m *Manager) EvictExpiredStale(in *inode.Inode) {
	for mds := range in.StaleCaps {
		if !m.MayUseStaleRead(in.Ino, mds) {
			delete(in.StaleCaps, mds)
		}
	}
}

func isStrictSubset(newMask, oldMask inode.CapMask) bool {
	return newMask&oldMask == newMask && newMask != oldMask
}

// hasDirtyStateUnder reports whether dropping (oldMask &^ newMask) would
// strip WRBUFFER while in still has inflight buffers, i.e. dirty state the
// dropped bits cover.
func (m *Manager) hasDirtyStateUnder(in *inode.Inode, oldMask, newMask inode.CapMask) bool {
	dropped := oldMask &^ newMask
	return dropped.Has(inode.CapWRBUFFER) && len(in.InflightBuffers) > 0
}
