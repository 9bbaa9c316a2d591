package xerrors

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"testing"

	"github.com/jacktea/xblob/pkg/wire"
)

type remoteStub struct{ kind Kind }

func (r remoteStub) Error() string   { return "remote" }
func (r remoteStub) ErrorKind() Kind { return r.kind }

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindConflict, "open", "/flash/a", errors.New("boom"))
	_, frameErr := wire.DecodeRequest(nil)

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindConflict},
		{name: "double wrapped", err: fmt.Errorf("outer: %w", wrapped), kind: KindConflict},
		{name: "frame error", err: frameErr, kind: KindMalformedFrame},
		{name: "invalid session", err: ErrInvalidSession, kind: KindNotFound},
		{name: "iofs not exist", err: iofs.ErrNotExist, kind: KindNotFound},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindTimeout},
		{name: "kinded error", err: remoteStub{kind: KindNoCapacity}, kind: KindNoCapacity},
		{name: "unknown error defaults backend", err: errors.New("other"), kind: KindBackendFailure},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestCodeFor(t *testing.T) {
	_, badCmd := wire.DecodeRequest([]byte{0x7f})

	testcases := []struct {
		name string
		err  error
		code wire.Code
	}{
		{name: "nil", err: nil, code: wire.CodeSuccess},
		{name: "unknown command", err: badCmd, code: wire.CodeInvalidCommand},
		{name: "stale session", err: fmt.Errorf("read: %w", ErrInvalidSession), code: wire.CodeInvalidSession},
		{name: "not found", err: E(KindNotFound, "stat", "/x"), code: wire.CodeNotFound},
		{name: "state", err: E(KindInvalidState, "write", ""), code: wire.CodeInvalidState},
		{name: "capacity", err: E(KindNoCapacity, "open", ""), code: wire.CodeNoCapacity},
		{name: "conflict", err: E(KindConflict, "open", ""), code: wire.CodeConflict},
		{name: "opaque", err: errors.New("disk on fire"), code: wire.CodeBackendFailure},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeFor(tc.err); got != tc.code {
				t.Fatalf("CodeFor() = %#02x, want %#02x", got, tc.code)
			}
		})
	}
}

func TestKindForCodeMatchesCodeFor(t *testing.T) {
	for _, kind := range []Kind{KindNotFound, KindInvalidState, KindNoCapacity, KindConflict, KindBackendFailure, KindTimeout} {
		code := CodeFor(E(kind, "op", ""))
		if got := KindForCode(code); got != kind {
			t.Fatalf("KindForCode(CodeFor(%v)) = %v", kind, got)
		}
	}
	if got := KindForCode(wire.Code(0x42)); got != KindBackendFailure {
		t.Fatalf("unknown code kind = %v", got)
	}
}
