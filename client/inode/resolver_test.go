package inode_test

import (
	"testing"

	"github.com/nicescale/ceph/client/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveHit(t *testing.T) {
	g, root := newRootGraph()
	a := inode.NewInode(2, inode.Attr{Mode: 0o040755})
	g.IndexInode(a)
	g.Link(root.Dir, "a", a)
	g.OpenDir(a)

	b := inode.NewInode(3, inode.Attr{Mode: 0o100644})
	g.IndexInode(b)
	g.Link(a.Dir, "b", b)

	hit, tail, ok := inode.Resolve(g, root, []string{"a", "b"})
	require.True(t, ok)
	assert.Nil(t, tail)
	assert.Equal(t, b, hit.Inode)
}

func TestResolvePartialMiss(t *testing.T) {
	g, root := newRootGraph()
	a := inode.NewInode(2, inode.Attr{Mode: 0o040755})
	g.IndexInode(a)
	g.Link(root.Dir, "a", a)
	g.OpenDir(a)

	hit, tail, ok := inode.Resolve(g, root, []string{"a", "missing", "tail"})
	assert.False(t, ok)
	assert.Equal(t, []string{"missing", "tail"}, tail)
	assert.Equal(t, a, hit.Inode)
}

func TestResolveMissAtRoot(t *testing.T) {
	g, root := newRootGraph()

	hit, tail, ok := inode.Resolve(g, root, []string{"nope"})
	assert.False(t, ok)
	assert.Nil(t, hit)
	assert.Equal(t, []string{"nope"}, tail)
}
