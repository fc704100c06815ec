// Package logger provides the leveled, structured logging used throughout
// the client. It is a thin wrapper around log/slog with a severity level
// below slog's built-in levels (Trace) and a switchable text/JSON handler.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity below slog.LevelDebug so Trace-level messages can be filtered
// independently of Go's own Debug level.
const LevelTrace slog.Level = slog.LevelDebug - 4

// Format selects the on-disk representation of log records.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

var (
	mu             sync.Mutex
	defaultLogger  = slog.New(newHandler(os.Stderr, FormatText, slog.LevelInfo))
	defaultFormat  = FormatText
	defaultLevel   = new(slog.LevelVar)
	defaultPrefix  string
)

func init() {
	defaultLevel.Set(slog.LevelInfo)
}

// Init reconfigures the package-level logger. Safe to call more than once
// (e.g. once the CLI has parsed flags).
func Init(w io.Writer, format Format, level slog.Level, prefix string) {
	mu.Lock()
	defer mu.Unlock()

	defaultLevel.Set(level)
	defaultFormat = format
	defaultPrefix = prefix
	defaultLogger = slog.New(newHandlerLeveled(w, format, defaultLevel, prefix))
}

// FileOptions configures the rotating file sink InitWithFile wraps around
// an AsyncLogger. Zero values fall back to lumberjack's own defaults
// (100MB per file, no age/backup limit, no compression).
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	BufSize    int
}

// InitWithFile is Init, but logs to a lumberjack-rotated file through an
// AsyncLogger instead of writing w directly — for a long-running mount
// where logging must survive rotation without blocking request-handling
// goroutines on disk I/O. Returns the AsyncLogger so callers can Close it
// (flushing pending lines) during shutdown.
func InitWithFile(opts FileOptions, format Format, level slog.Level, prefix string) *AsyncLogger {
	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	bufSize := opts.BufSize
	if bufSize <= 0 {
		bufSize = 256
	}
	a := NewAsyncLogger(lj, bufSize)
	Init(a, format, level, prefix)
	return a
}

func newHandler(w io.Writer, format Format, level slog.Level) slog.Handler {
	lv := new(slog.LevelVar)
	lv.Set(level)
	return newHandlerLeveled(w, format, lv, "")
}

func newHandlerLeveled(w io.Writer, format Format, level *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				a.Value = slog.StringValue(severityString(a.Value.Any().(slog.Level)))
			}
			if a.Key == slog.MessageKey {
				a.Value = slog.StringValue(prefix + a.Value.String())
			}
			return a
		},
	}

	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func severityString(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "TRACE"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func log(ctx context.Context, level slog.Level, format string, args ...interface{}) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	l.Log(ctx, level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	log(context.Background(), LevelTrace, format, args...)
}

func Debugf(format string, args ...interface{}) {
	log(context.Background(), slog.LevelDebug, format, args...)
}

func Infof(format string, args ...interface{}) {
	log(context.Background(), slog.LevelInfo, format, args...)
}

func Warnf(format string, args ...interface{}) {
	log(context.Background(), slog.LevelWarn, format, args...)
}

func Errorf(format string, args ...interface{}) {
	log(context.Background(), slog.LevelError, format, args...)
}
