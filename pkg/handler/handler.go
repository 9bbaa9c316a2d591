// Package handler defines the contract between the session manager and the
// backends that own blob identifiers.
package handler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Handler owns a namespace of blob identifiers and their storage.
//
// Session-scoped methods are only called with session ids the handler
// accepted in Open, and never concurrently for the same session.
// Implementations report refusals with xerrors.KindConflict, operations
// illegal for the current state with xerrors.KindInvalidState and storage
// faults with xerrors.KindBackendFailure.
type Handler interface {
	CanHandleBlob(id string) bool
	BlobIDs() []string
	DeleteBlob(ctx context.Context, id string) error
	Stat(ctx context.Context, id string) (wire.BlobMeta, error)

	Open(ctx context.Context, session uint16, flags wire.OpenFlags, id string) error
	Read(ctx context.Context, session uint16, offset, size uint32) ([]byte, error)
	Write(ctx context.Context, session uint16, offset uint32, data []byte) error
	WriteMeta(ctx context.Context, session uint16, offset uint32, data []byte) error
	// Commit must not block on slow work; it returns once the commit is
	// started and SessionStat reports progress.
	Commit(ctx context.Context, session uint16, data []byte) error
	Close(ctx context.Context, session uint16) error
	SessionStat(ctx context.Context, session uint16) (wire.BlobMeta, error)
	// Expire force-closes an idle session. Returning false refuses and the
	// session is kept for a later attempt.
	Expire(ctx context.Context, session uint16) bool
}

var errSessionInUse = errors.New("session id already in use")

// Sessions is a concurrency-safe table of per-session handler state.
type Sessions[T any] struct {
	mu sync.Mutex
	m  map[uint16]T
}

// Add records state for session, failing if the id is already present.
func (s *Sessions[T]) Add(op string, session uint16, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[uint16]T)
	}
	if _, ok := s.m[session]; ok {
		return xerrors.Wrap(xerrors.KindConflict, op, "", errSessionInUse)
	}
	s.m[session] = v
	return nil
}

// Get returns the state for session or an invalid-session error.
func (s *Sessions[T]) Get(op string, session uint16) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[session]
	if !ok {
		var zero T
		return zero, xerrors.Wrap(xerrors.KindNotFound, op, "", xerrors.ErrInvalidSession)
	}
	return v, nil
}

// Remove drops session and returns its state.
func (s *Sessions[T]) Remove(session uint16) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[session]
	delete(s.m, session)
	return v, ok
}

// Any reports whether some session state satisfies fn.
func (s *Sessions[T]) Any(fn func(T) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.m {
		if fn(v) {
			return true
		}
	}
	return false
}

// Len returns the number of live sessions.
func (s *Sessions[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// SortedIDs returns ids sorted lexically; handlers use it to keep BlobIDs stable.
func SortedIDs(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
