package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"

	"github.com/jacktea/xblob/pkg/wire"
)

// Kind classifies protocol failures.
type Kind int

const (
	KindInvalid Kind = iota
	KindMalformedFrame
	KindNotFound
	KindInvalidState
	KindNoCapacity
	KindConflict
	KindBackendFailure
	KindTimeout
)

func (k Kind) String() string { return kindString(k) }

// ErrInvalidSession marks a session id that is unknown or already closed.
var ErrInvalidSession = errors.New("invalid session")

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindMalformedFrame:
		return "malformed frame"
	case KindNotFound:
		return "not found"
	case KindInvalidState:
		return "invalid state"
	case KindNoCapacity:
		return "no capacity"
	case KindConflict:
		return "conflict"
	case KindBackendFailure:
		return "backend failure"
	case KindTimeout:
		return "timeout"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// kinded is implemented by errors that carry their own Kind, such as
// client-side remote errors.
type kinded interface {
	ErrorKind() Kind
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	var fe *wire.FrameError
	switch {
	case errors.As(err, &fe):
		return KindMalformedFrame
	case errors.Is(err, ErrInvalidSession),
		errors.Is(err, iofs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindBackendFailure
	}
}

// CodeFor converts a failure into the completion code sent on the wire.
func CodeFor(err error) wire.Code {
	if err == nil {
		return wire.CodeSuccess
	}
	var fe *wire.FrameError
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, ErrInvalidSession) {
		return wire.CodeInvalidSession
	}
	switch KindOf(err) {
	case KindMalformedFrame:
		return wire.CodeMalformed
	case KindNotFound:
		return wire.CodeNotFound
	case KindInvalidState:
		return wire.CodeInvalidState
	case KindNoCapacity:
		return wire.CodeNoCapacity
	case KindConflict:
		return wire.CodeConflict
	case KindTimeout:
		return wire.CodeTimeout
	default:
		return wire.CodeBackendFailure
	}
}

// KindForCode maps a completion code received from a peer to a Kind.
func KindForCode(code wire.Code) Kind {
	switch code {
	case wire.CodeSuccess:
		return KindInvalid
	case wire.CodeMalformed, wire.CodeInvalidCommand:
		return KindMalformedFrame
	case wire.CodeNotFound, wire.CodeInvalidSession:
		return KindNotFound
	case wire.CodeInvalidState:
		return KindInvalidState
	case wire.CodeNoCapacity:
		return KindNoCapacity
	case wire.CodeConflict:
		return KindConflict
	case wire.CodeTimeout:
		return KindTimeout
	default:
		return KindBackendFailure
	}
}
