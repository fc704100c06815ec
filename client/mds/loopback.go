package mds

import (
	"context"
	"sync"

	"github.com/nicescale/ceph/client/inode"
)

type childKey struct {
	parent inode.ID
	name   string
}

// CapWantedCall records one cap_wanted request the loopback has received,
// for tests asserting that update_caps_wanted actually reached the wire.
type CapWantedCall struct {
	Ino    inode.ID
	Wanted inode.CapMask
}

// Loopback is an in-process Messenger for tests and the cmd/cephmount
// demo binary: it holds a tiny in-memory namespace and answers requests
// directly, with no real network hop. It is not a reference MDS
// implementation — only enough behavior to drive the client's pipeline
// and trace-splicing logic end to end, including multi-level traces for
// nested directories.
type Loopback struct {
	mu       sync.Mutex
	nextIno  inode.ID
	attrs    map[inode.ID]inode.Attr
	children map[childKey]inode.ID
	parentOf map[inode.ID]inode.ID
	nameOf   map[inode.ID]string
	down     map[inode.MDSID]bool
	capCalls []CapWantedCall
}

// NewLoopback returns a Loopback seeded with a root directory at ino 1.
func NewLoopback() *Loopback {
	return &Loopback{
		nextIno:  2,
		attrs:    map[inode.ID]inode.Attr{1: {Mode: 0o040755}},
		children: map[childKey]inode.ID{},
		parentOf: map[inode.ID]inode.ID{},
		nameOf:   map[inode.ID]string{},
		down:     map[inode.MDSID]bool{},
	}
}

// CapWantedCalls returns every cap_wanted request received so far.
func (l *Loopback) CapWantedCalls() []CapWantedCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CapWantedCall, len(l.capCalls))
	copy(out, l.capCalls)
	return out
}

// SetDown simulates an MDS going silent: every Send to it fails until
// cleared.
func (l *Loopback) SetDown(mds inode.MDSID, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[mds] = down
}

// traceTo builds the root-to-ino InodeInfo sequence insert_trace expects,
// walking parentOf back to the root.
func (l *Loopback) traceTo(ino inode.ID) []InodeInfo {
	var chain []InodeInfo
	for cur := ino; ; {
		name := l.nameOf[cur]
		chain = append([]InodeInfo{{Ino: cur, Attr: l.attrs[cur], Name: name}}, chain...)
		parent, ok := l.parentOf[cur]
		if !ok {
			break
		}
		cur = parent
	}
	return chain
}

// Send implements Messenger.
func (l *Loopback) Send(ctx context.Context, req ClientRequest) (ClientReply, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.down[req.MDS] {
		return ClientReply{}, ErrNoCandidates
	}

	switch req.Op {
	case "mkdir", "create":
		ino := l.nextIno
		l.nextIno++
		l.attrs[ino] = req.Attr
		l.children[childKey{req.Ino, req.Name}] = ino
		l.parentOf[ino] = req.Ino
		l.nameOf[ino] = req.Name
		return ClientReply{ID: req.ID, Trace: l.traceTo(ino)}, nil

	case "lookup":
		ino, ok := l.children[childKey{req.Ino, req.Name}]
		if !ok {
			return ClientReply{ID: req.ID, Errno: -2}, nil // -ENOENT
		}
		return ClientReply{ID: req.ID, Trace: l.traceTo(ino)}, nil

	case "getattr":
		if _, ok := l.attrs[req.Ino]; !ok {
			return ClientReply{ID: req.ID, Errno: -2}, nil // -ENOENT
		}
		return ClientReply{ID: req.ID, Trace: l.traceTo(req.Ino)}, nil

	case OpCapWanted:
		// The reference loopback has no cap-granting policy of its own; it
		// just records the request so tests can observe it, and
		// acknowledges so callers see a successful round trip.
		l.capCalls = append(l.capCalls, CapWantedCall{Ino: req.Ino, Wanted: req.Mask})
		return ClientReply{ID: req.ID}, nil

	default:
		return ClientReply{ID: req.ID, Trace: l.traceTo(1)}, nil
	}
}
