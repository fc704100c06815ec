package logger

import (
	"fmt"
	"io"
	"os"
)

// AsyncLogger decouples log writers from the underlying sink (typically a
// rotating file) so a slow disk never blocks the goroutine emitting a log
// line. Writes are copied into a bounded channel and drained by a single
// background goroutine; a full channel means the sink has fallen behind, so
// the write is dropped rather than blocking the caller.
type AsyncLogger struct {
	out    io.Writer
	lines  chan []byte
	done   chan struct{}
	closed chan struct{}
}

// NewAsyncLogger wraps out (normally a *lumberjack.Logger) with a buffer of
// bufSize pending writes.
func NewAsyncLogger(out io.Writer, bufSize int) *AsyncLogger {
	a := &AsyncLogger{
		out:    out,
		lines:  make(chan []byte, bufSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.closed)
	for {
		select {
		case b, ok := <-a.lines:
			if !ok {
				return
			}
			a.out.Write(b)
		case <-a.done:
			for {
				select {
				case b := <-a.lines:
					a.out.Write(b)
				default:
					return
				}
			}
		}
	}
}

// Write copies p (the caller may reuse its buffer) and enqueues it for the
// background writer. It never blocks: a full buffer means the sink can't
// keep up, and the line is dropped rather than stalling the logger's
// caller.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)

	select {
	case a.lines <- b:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

// Close stops accepting new writes, flushes whatever is already queued, and
// closes the underlying sink if it implements io.Closer.
func (a *AsyncLogger) Close() error {
	close(a.done)
	<-a.closed

	if c, ok := a.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
