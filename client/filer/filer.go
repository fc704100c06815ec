// Package filer names the external contract between the client and the
// object-storage pool it reads/writes file content through. The object-I/O
// engine itself is out of scope — only its contract is named here, for the
// flush coordinator and buffer cache to depend on.
package filer

import (
	"context"

	"github.com/nicescale/ceph/client/inode"
)

// Filer is the non-blocking object-I/O facade a concrete backend (RADOS,
// an erasure-coded pool, a local disk stand-in for tests) implements.
// Every method must return promptly; long-running I/O is represented by
// the returned channel closing on completion, matching the
// condition-list suspension points the caller blocks on.
type Filer interface {
	// ReadAt schedules a read of len(p) bytes at offset for ino, returning
	// a channel that is closed once n and err are valid to read.
	ReadAt(ctx context.Context, ino inode.ID, p []byte, offset int64) <-chan ReadResult

	// WriteAt schedules a write of p at offset for ino, returning a
	// channel that is closed once the write has been accepted by the
	// storage pool (not necessarily durable — durability is the flush
	// coordinator's concern via Sync).
	WriteAt(ctx context.Context, ino inode.ID, p []byte, offset int64) <-chan error

	// Sync durably flushes any writes previously accepted for ino.
	Sync(ctx context.Context, ino inode.ID) <-chan error
}

// ReadResult is delivered on the channel returned by Filer.ReadAt.
type ReadResult struct {
	N   int
	Err error
}
