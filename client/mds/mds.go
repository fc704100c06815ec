// Package mds implements the client's request pipeline against the
// metadata server cluster: routing a request to the right MDS candidate,
// retrying across candidates on transport failure, and splicing the
// returned trace into the cache graph. The transport itself is a narrow
// interface (Messenger) — this package ships only a loopback reference
// implementation for tests; a real TCP/RPC transport is a deployment
// concern outside this package.
package mds

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nicescale/ceph/client/inode"
)

// ClientRequest is a metadata operation sent to an MDS.
type ClientRequest struct {
	ID    string
	MDS   inode.MDSID
	Op    string
	Ino   inode.ID
	Name  string
	Attr  inode.Attr
	Mask  inode.CapMask
	Extra map[string]string
}

// OpCapWanted is the request an MDS expects when the client's desired cap
// mask for an inode changes — the wire counterpart of update_caps_wanted.
const OpCapWanted = "cap_wanted"

// InodeInfo is one entry of a reply trace: a refreshed/new inode's
// metadata plus the name of the dentry edge leading to it.
type InodeInfo struct {
	Ino  inode.ID
	Attr inode.Attr
	Name string
}

// ClientReply is the MDS's answer to a ClientRequest.
type ClientReply struct {
	ID    string
	Errno int
	// Trace walks from the filesystem root down to the subject inode.
	// Index 0 is always the root.
	Trace []InodeInfo
}

// ClientFileCaps is an asynchronous cap message pushed by an MDS,
// independent of any outstanding ClientRequest.
type ClientFileCaps struct {
	MDS  inode.MDSID
	Ino  inode.ID
	Mask inode.CapMask
	Seq  uint64
}

// Messenger is the transport contract between the client and one MDS
// cluster member. Implementations may be in-process (loopback, tests) or
// network-backed; this package only consumes the interface.
type Messenger interface {
	// Send delivers req to the named MDS and returns its reply, or an
	// error if the transport to that MDS is unavailable.
	Send(ctx context.Context, req ClientRequest) (ClientReply, error)
}

// ErrNoCandidates is returned when routing finds no MDS to try.
var ErrNoCandidates = fmt.Errorf("mds: no candidate MDS available")

// Pipeline drives make_request and insert_trace against a cluster of
// MDSes reachable through a Messenger.
type Pipeline struct {
	msgr Messenger
}

// NewPipeline returns a Pipeline that sends requests through msgr.
func NewPipeline(msgr Messenger) *Pipeline {
	return &Pipeline{msgr: msgr}
}

// candidates computes the ordered list of MDSes to try for req: useAuth
// pins a specific MDS; authBest asks the target inode's (or nearest
// ancestor's) authority; otherwise any known replica is acceptable,
// defaulting to MDS 0.
func candidates(in *inode.Inode, authBest bool, useAuth inode.MDSID, useAuthSet bool) []inode.MDSID {
	if useAuthSet {
		return []inode.MDSID{useAuth}
	}

	if authBest {
		return []inode.MDSID{ChooseAuthority(in)}
	}

	if in != nil && len(in.Contacts) > 0 {
		out := make([]inode.MDSID, 0, len(in.Contacts))
		for mds := range in.Contacts {
			out = append(out, mds)
		}
		return out
	}

	return []inode.MDSID{0}
}

// ChooseAuthority walks in.DirAuth, falling back to the parent inode via
// the dentry back-pointer chain, ultimately defaulting to MDS 0. The MDS 0
// fallback is a heuristic (noted in DESIGN.md), not a lookup in any
// cluster-wide authority map.
func ChooseAuthority(in *inode.Inode) inode.MDSID {
	for cur := in; cur != nil; {
		if cur.DirAuth != nil {
			return *cur.DirAuth
		}
		if cur.Dn == nil || cur.Dn.Dir == nil {
			break
		}
		cur = cur.Dn.Dir.Parent
	}
	return 0
}

// MakeRequest sends req, routed per the rule above, blocking the caller
// until a reply arrives or every candidate has failed. On a transport
// failure it retries against the next candidate; retries are bounded by
// the candidate set.
func (p *Pipeline) MakeRequest(ctx context.Context, in *inode.Inode, req ClientRequest, authBest bool, useAuth inode.MDSID, useAuthSet bool) (ClientReply, error) {
	cands := candidates(in, authBest, useAuth, useAuthSet)
	if len(cands) == 0 {
		return ClientReply{}, ErrNoCandidates
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var lastErr error
	for _, mds := range cands {
		r := req
		r.MDS = mds
		reply, err := p.msgr.Send(ctx, r)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}
	return ClientReply{}, fmt.Errorf("mds: all %d candidates failed, last error: %w", len(cands), lastErr)
}

// SendCapsWanted tells in's authority MDS the client now wants wanted,
// blocking until the MDS acknowledges or every candidate fails. This is
// the wire path update_caps_wanted uses to request an upgrade (or report a
// downgrade) instead of only recomputing the mask locally.
func (p *Pipeline) SendCapsWanted(ctx context.Context, in *inode.Inode, wanted inode.CapMask) error {
	_, err := p.MakeRequest(ctx, in, ClientRequest{Op: OpCapWanted, Ino: in.Ino, Mask: wanted}, true, 0, false)
	return err
}

// Broadcast fans a read-only request out to every candidate concurrently
// (used by replica-tolerant lookups that want the fastest answer), bounded
// by errgroup so a single hung candidate cannot stall the others
// indefinitely once ctx is canceled.
func (p *Pipeline) Broadcast(ctx context.Context, reqs []ClientRequest) ([]ClientReply, error) {
	replies := make([]ClientReply, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			reply, err := p.msgr.Send(ctx, req)
			if err != nil {
				return err
			}
			replies[i] = reply
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return replies, nil
}

// InsertTrace splices reply.Trace into the graph: the only path by which
// the cache learns of new inodes. It is expressed against the Grapher
// interface (IndexInode/Link/Unlink/Relink) rather than importing
// client/inode's Graph directly, keeping the trace-splicing *algorithm*
// testable against a fake graph.
func InsertTrace(g Grapher, root *inode.Inode, trace []InodeInfo) {
	if len(trace) == 0 {
		return
	}

	parent := root
	for i, info := range trace {
		if i == 0 {
			refresh(g, parent, info)
			continue
		}

		child, exists := g.LookupIno(info.Ino)
		if !exists {
			child = inode.NewInode(info.Ino, info.Attr)
			g.IndexInode(child)
		} else {
			refresh(g, child, info)
		}

		installEdge(g, parent, info.Name, child)
		parent = child
	}
}

// refresh copies freshly learned attributes onto an existing inode in
// place, preserving ref count, caps, and any open Dir.
func refresh(g Grapher, in *inode.Inode, info InodeInfo) {
	in.Attr = info.Attr
}

// installEdge ensures a dentry named name under parent's Dir points at
// child, resolving two collision cases: a same-name dentry pointing
// elsewhere is detached first; a different dentry already pointing at
// child is relinked into place.
func installEdge(g Grapher, parent *inode.Inode, name string, child *inode.Inode) {
	dir := g.OpenDir(parent)

	if existing, ok := g.Lookup(dir, name); ok {
		if existing.Inode == child {
			return
		}
		// A replacement edge is about to occupy dir under name: detach
		// the stale one without closing dir, which Unlink would do if
		// this happened to be dir's last entry (see Graph.DetachEdge).
		g.DetachEdge(existing)
	}

	if child.Dn != nil {
		g.Relink(child.Dn, dir, name)
		return
	}

	g.Link(dir, name, child)
}

// Grapher is the subset of *inode.Graph that InsertTrace needs. Declaring
// it here (rather than depending on the concrete type) keeps this
// package's trace-splicing logic unit-testable against a minimal fake.
type Grapher interface {
	LookupIno(ino inode.ID) (*inode.Inode, bool)
	IndexInode(in *inode.Inode)
	OpenDir(in *inode.Inode) *inode.Dir
	Lookup(dir *inode.Dir, name string) (*inode.Dentry, bool)
	Link(dir *inode.Dir, name string, in *inode.Inode) *inode.Dentry
	Unlink(d *inode.Dentry)
	DetachEdge(d *inode.Dentry)
	Relink(d *inode.Dentry, newDir *inode.Dir, newName string)
}
