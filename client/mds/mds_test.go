package mds_test

import (
	"context"
	"testing"

	"github.com/nicescale/ceph/client/inode"
	"github.com/nicescale/ceph/client/mds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRootGraph() (*inode.Graph, *inode.Inode) {
	g := inode.NewGraph(0)
	root := inode.NewInode(1, inode.Attr{Mode: 0o040755})
	g.IndexInode(root)
	g.SetRoot(root)
	g.OpenDir(root)
	return g, root
}

func TestMakeRequestUsesPinnedMDSWhenUseAuthSet(t *testing.T) {
	lb := mds.NewLoopback()
	p := mds.NewPipeline(lb)

	reply, err := p.MakeRequest(context.Background(), nil, mds.ClientRequest{Op: "mkdir", Name: "a"}, false, 3, true)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Trace)
}

func TestMakeRequestRetriesNextCandidateOnTransportFailure(t *testing.T) {
	lb := mds.NewLoopback()
	lb.SetDown(0, true)
	p := mds.NewPipeline(lb)

	in := inode.NewInode(1, inode.Attr{})
	in.Contacts[0] = struct{}{}
	in.Contacts[1] = struct{}{}

	reply, err := p.MakeRequest(context.Background(), in, mds.ClientRequest{Op: "mkdir", Name: "a"}, false, 0, false)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Trace)
}

func TestMakeRequestFailsWhenAllCandidatesDown(t *testing.T) {
	lb := mds.NewLoopback()
	lb.SetDown(0, true)
	p := mds.NewPipeline(lb)

	_, err := p.MakeRequest(context.Background(), nil, mds.ClientRequest{Op: "mkdir", Name: "a"}, false, 0, false)
	assert.Error(t, err)
}

func TestInsertTraceCreatesNewInodesAndLinks(t *testing.T) {
	g, root := newRootGraph()

	trace := []mds.InodeInfo{
		{Ino: 1, Attr: root.Attr, Name: ""},
		{Ino: 2, Attr: inode.Attr{Mode: 0o100644}, Name: "f"},
	}
	mds.InsertTrace(g, root, trace)

	d, ok := g.Lookup(root.Dir, "f")
	require.True(t, ok)
	assert.Equal(t, inode.ID(2), d.Inode.Ino)
}

func TestInsertTraceRefreshesExistingInodeInPlace(t *testing.T) {
	g, root := newRootGraph()
	child := inode.NewInode(2, inode.Attr{Mode: 0o100644, Size: 10})
	g.IndexInode(child)
	g.Link(root.Dir, "f", child)
	refBefore := child.Ref

	trace := []mds.InodeInfo{
		{Ino: 1, Attr: root.Attr, Name: ""},
		{Ino: 2, Attr: inode.Attr{Mode: 0o100644, Size: 999}, Name: "f"},
	}
	mds.InsertTrace(g, root, trace)

	assert.Equal(t, uint64(999), child.Attr.Size)
	assert.Equal(t, refBefore, child.Ref, "refresh must not touch ref count")
	assert.Same(t, child, root.Dir.Dentries["f"].Inode)
}

func TestInsertTraceUnlinksStaleNameCollision(t *testing.T) {
	g, root := newRootGraph()
	oldChild := inode.NewInode(2, inode.Attr{Mode: 0o100644})
	g.IndexInode(oldChild)
	g.Link(root.Dir, "f", oldChild)

	trace := []mds.InodeInfo{
		{Ino: 1, Attr: root.Attr, Name: ""},
		{Ino: 3, Attr: inode.Attr{Mode: 0o100644}, Name: "f"},
	}
	mds.InsertTrace(g, root, trace)

	d, ok := g.Lookup(root.Dir, "f")
	require.True(t, ok)
	assert.Equal(t, inode.ID(3), d.Inode.Ino)
	assert.Nil(t, oldChild.Dn)
}

func TestInsertTraceOverwritesSoleEntryOfNonRootDir(t *testing.T) {
	g, root := newRootGraph()
	dirA := inode.NewInode(2, inode.Attr{Mode: 0o040755})
	g.IndexInode(dirA)
	dA := g.Link(root.Dir, "a", dirA)
	g.OpenDir(dirA)

	oldChild := inode.NewInode(3, inode.Attr{Mode: 0o100644})
	g.IndexInode(oldChild)
	g.Link(dirA.Dir, "f", oldChild) // dirA.Dir's sole entry

	// The MDS reports a new inode 4 now resident at a/f, replacing the one
	// the cache had resident there.
	trace := []mds.InodeInfo{
		{Ino: 1, Attr: root.Attr, Name: ""},
		{Ino: 2, Attr: dirA.Attr, Name: "a"},
		{Ino: 4, Attr: inode.Attr{Mode: 0o100644}, Name: "f"},
	}
	mds.InsertTrace(g, root, trace)

	require.NotNil(t, dirA.Dir, "overwriting a/f must not close dirA's directory")
	d, ok := g.Lookup(dirA.Dir, "f")
	require.True(t, ok)
	assert.Equal(t, inode.ID(4), d.Inode.Ino)
	assert.Nil(t, oldChild.Dn)
	assert.True(t, dA.Pinned(), "dirA's dentry must still be pinned by its open directory")
}

func TestInsertTraceRelinksInodeThatMoved(t *testing.T) {
	g, root := newRootGraph()
	dirA := inode.NewInode(2, inode.Attr{Mode: 0o040755})
	g.IndexInode(dirA)
	g.Link(root.Dir, "a", dirA)
	g.OpenDir(dirA)

	f := inode.NewInode(3, inode.Attr{Mode: 0o100644})
	g.IndexInode(f)
	g.Link(dirA.Dir, "f", f)

	// The MDS reports f now living directly under root, named "g".
	trace := []mds.InodeInfo{
		{Ino: 1, Attr: root.Attr, Name: ""},
		{Ino: 3, Attr: f.Attr, Name: "g"},
	}
	aDir := dirA.Dir // closed by the move, since f was its only entry
	mds.InsertTrace(g, root, trace)

	_, stillUnderA := g.Lookup(aDir, "f")
	assert.False(t, stillUnderA)
	d, ok := g.Lookup(root.Dir, "g")
	require.True(t, ok)
	assert.Same(t, f, d.Inode)
}
