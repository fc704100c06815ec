package filer

import (
	"context"
	"sync"

	"github.com/nicescale/ceph/client/inode"
)

// Mem is an in-memory Filer for tests and the cephmount demo binary: it
// never touches real storage, and
// completes every operation synchronously before closing the returned
// channel. It is not a production backend.
type Mem struct {
	mu   sync.Mutex
	data map[inode.ID][]byte
}

// NewMem returns an empty Mem.
func NewMem() *Mem {
	return &Mem{data: make(map[inode.ID][]byte)}
}

func (m *Mem) ReadAt(ctx context.Context, ino inode.ID, p []byte, offset int64) <-chan ReadResult {
	ch := make(chan ReadResult, 1)
	m.mu.Lock()
	buf := m.data[ino]
	m.mu.Unlock()

	n := 0
	if offset < int64(len(buf)) {
		n = copy(p, buf[offset:])
	}
	ch <- ReadResult{N: n}
	close(ch)
	return ch
}

func (m *Mem) WriteAt(ctx context.Context, ino inode.ID, p []byte, offset int64) <-chan error {
	ch := make(chan error, 1)
	m.mu.Lock()
	buf := m.data[ino]
	end := offset + int64(len(p))
	if end > int64(len(buf)) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], p)
	m.data[ino] = buf
	m.mu.Unlock()

	ch <- nil
	close(ch)
	return ch
}

func (m *Mem) Sync(ctx context.Context, ino inode.ID) <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	close(ch)
	return ch
}
