package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicescale/ceph/client"
	"github.com/nicescale/ceph/client/filer"
	"github.com/nicescale/ceph/client/inode"
	"github.com/nicescale/ceph/client/mds"
)

func newMountedClient(t *testing.T) (*client.Client, *mds.Loopback) {
	t.Helper()
	lb := mds.NewLoopback()
	cfg := client.DefaultConfig()
	cfg.StaleCapGrace = 50 * time.Millisecond
	c := client.New(cfg, lb, filer.NewMem())
	require.NoError(t, c.Mount(context.Background()))
	return c, lb
}

func TestLstatResolveMissThenHit(t *testing.T) {
	c, lb := newMountedClient(t)

	// Create /a on the MDS side only, so the client's cache does not hold it.
	_, err := lb.Send(context.Background(), mds.ClientRequest{Op: "mkdir", Ino: 1, Name: "a", Attr: inode.Attr{Mode: 0o040755}})
	require.NoError(t, err)

	// First lookup misses the cache and asks the MDS.
	attr, errno := c.Lstat(context.Background(), "/a")
	require.Equal(t, 0, errno)
	assert.True(t, attr.Mode&0o040000 != 0)

	// Second lookup is a pure cache hit; re-running must not error either.
	attr2, errno2 := c.Lstat(context.Background(), "/a")
	require.Equal(t, 0, errno2)
	assert.Equal(t, attr.Mode, attr2.Mode)
}

func TestLstatMissingPathReturnsENOENT(t *testing.T) {
	c, _ := newMountedClient(t)
	_, errno := c.Lstat(context.Background(), "/nope")
	assert.NotEqual(t, 0, errno)
}

func TestRenameAcrossDirs(t *testing.T) {
	c, _ := newMountedClient(t)

	require.Equal(t, 0, c.Mkdir(context.Background(), "/", "x", 0o755))
	require.Equal(t, 0, c.Mkdir(context.Background(), "/", "y", 0o755))
	require.Equal(t, 0, c.Mkdir(context.Background(), "/x", "f", 0o755))

	rc := c.Rename(context.Background(), "/x", "f", "/y", "f")
	require.Equal(t, 0, rc)

	names, errno := c.Getdir(context.Background(), "/y")
	require.Equal(t, 0, errno)
	assert.Contains(t, names, "f")

	namesX, errno := c.Getdir(context.Background(), "/x")
	require.Equal(t, 0, errno)
	assert.NotContains(t, namesX, "f")
}

func TestOpenWriteCloseRoundTripsRef(t *testing.T) {
	c, _ := newMountedClient(t)
	require.Equal(t, 0, c.Mkdir(context.Background(), "/", "f", 0o644))

	id, errno := c.Open(context.Background(), "/f", inode.OpenWrite)
	require.Equal(t, 0, errno)

	n, errno := c.Write(context.Background(), id, []byte("hello"), 0)
	require.Equal(t, 0, errno)
	assert.Equal(t, 5, n)

	require.Equal(t, 0, c.Fsync(context.Background(), id))
	require.Equal(t, 0, c.Close(context.Background(), id))
}

func TestUnmountBlocksUntilHandlesClose(t *testing.T) {
	c, _ := newMountedClient(t)
	require.Equal(t, 0, c.Mkdir(context.Background(), "/", "f", 0o644))

	id, errno := c.Open(context.Background(), "/f", inode.OpenWrite)
	require.Equal(t, 0, errno)
	_, errno = c.Write(context.Background(), id, []byte("dirty"), 0)
	require.Equal(t, 0, errno)

	done := make(chan int, 1)
	go func() {
		done <- c.Unmount(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("unmount must block while a handle is still open")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, 0, c.Close(context.Background(), id))

	select {
	case rc := <-done:
		assert.Equal(t, 0, rc)
	case <-time.After(2 * time.Second):
		t.Fatal("unmount did not complete after handle closed")
	}
}

func TestHandleFileCapsMovesToStaleAndReadFailsAfterGrace(t *testing.T) {
	c, lb := newMountedClient(t)
	require.Equal(t, 0, c.Mkdir(context.Background(), "/", "f", 0o644))

	id, errno := c.Open(context.Background(), "/f", inode.OpenRead)
	require.Equal(t, 0, errno)

	// Simulate the MDS revoking every cap for this inode.
	c.HandleFileCaps(mds.ClientFileCaps{MDS: 0, Ino: 2, Mask: 0, Seq: 1})

	time.Sleep(120 * time.Millisecond)

	// Open already sent a cap_wanted for this inode; only count later ones.
	callsBefore := len(lb.CapWantedCalls())

	_, errno = c.Read(context.Background(), id, make([]byte, 4), 0, 0)
	assert.NotEqual(t, 0, errno, "read through a cap gone stale past its grace window must fail")

	var sawReacquire bool
	for _, call := range lb.CapWantedCalls()[callsBefore:] {
		if call.Ino == 2 {
			sawReacquire = true
		}
	}
	assert.True(t, sawReacquire, "a stale-cap read past grace must trigger a cap_wanted re-acquire request")
}
