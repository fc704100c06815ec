package client

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind classifies a client-level error.
type Kind int

const (
	KindNotFound Kind = iota
	KindExists
	KindNotDir
	KindIsDir
	KindPerm
	KindStaleCap
	KindTransportDown
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindExists:
		return "Exists"
	case KindNotDir:
		return "NotDir"
	case KindIsDir:
		return "IsDir"
	case KindPerm:
		return "Perm"
	case KindStaleCap:
		return "StaleCap"
	case KindTransportDown:
		return "TransportDown"
	case KindInvariant:
		return "Invariant"
	default:
		return "Unknown"
	}
}

// Error is the client's typed error value. Kind is always set; Op and Err
// add context the way fmt.Errorf("%w") chains do elsewhere in the module.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error, the usual way errors are raised in this
// module.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. Returns false if no Kind could be found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// ToErrno maps a client error to the POSIX errno the facade returns to the
// calling process. Invariant errors are never mapped — they are fatal and
// must already have panicked before reaching here.
func ToErrno(err error) int {
	if err == nil {
		return 0
	}

	kind, ok := KindOf(err)
	if !ok {
		return -int(unix.EIO)
	}

	switch kind {
	case KindNotFound:
		return -int(unix.ENOENT)
	case KindExists:
		return -int(unix.EEXIST)
	case KindNotDir:
		return -int(unix.ENOTDIR)
	case KindIsDir:
		return -int(unix.EISDIR)
	case KindPerm:
		return -int(unix.EACCES)
	case KindStaleCap:
		return -int(unix.ESTALE)
	case KindTransportDown:
		return -int(unix.EIO)
	case KindInvariant:
		panic(fmt.Sprintf("invariant violation reached ToErrno: %v", err))
	default:
		return -int(unix.EIO)
	}
}
