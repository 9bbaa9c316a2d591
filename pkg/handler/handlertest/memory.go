// Package handlertest provides an in-memory handler for exercising the
// session manager, dispatcher and client without a real backing store.
package handlertest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Memory claims every id under Prefix and keeps blob contents in memory.
type Memory struct {
	Prefix string
	// CommitPolls is the number of SessionStat calls that observe
	// "committing" before a commit completes. Zero commits synchronously.
	CommitPolls int
	// RefuseExpire makes Expire refuse forced closure.
	RefuseExpire bool
	// RefuseOpen makes Open fail with a conflict.
	RefuseOpen bool
	// PanicOnRead, PanicOnOpen and PanicOnClose make the matching call panic.
	PanicOnRead  bool
	PanicOnOpen  bool
	PanicOnClose bool
	// FailClose makes Close return a backend failure.
	FailClose bool

	mu       sync.Mutex
	blobs    map[string][]byte
	calls    []string
	sessions handler.Sessions[*memSession]
}

type memSession struct {
	id      string
	flags   wire.OpenFlags
	data    []byte
	meta    []byte
	state   wire.StateFlags
	pending int
}

var _ handler.Handler = (*Memory)(nil)

// NewMemory returns a handler claiming ids with prefix, seeded with ids.
func NewMemory(prefix string, ids ...string) *Memory {
	m := &Memory{Prefix: prefix, blobs: make(map[string][]byte)}
	for _, id := range ids {
		m.blobs[id] = nil
	}
	return m
}

// Calls returns the recorded method names in call order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Contents returns the committed bytes of id.
func (m *Memory) Contents(id string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[id]
	return append([]byte(nil), data...), ok
}

func (m *Memory) record(name string) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
}

func (m *Memory) CanHandleBlob(id string) bool { return strings.HasPrefix(id, m.Prefix) }

func (m *Memory) BlobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{}, len(m.blobs))
	for id := range m.blobs {
		set[id] = struct{}{}
	}
	return handler.SortedIDs(set)
}

func (m *Memory) DeleteBlob(ctx context.Context, id string) error {
	m.record("delete")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return xerrors.E(xerrors.KindNotFound, "delete", id)
	}
	delete(m.blobs, id)
	return nil
}

func (m *Memory) Stat(ctx context.Context, id string) (wire.BlobMeta, error) {
	m.record("stat")
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[id]
	if !ok {
		return wire.BlobMeta{}, xerrors.E(xerrors.KindNotFound, "stat", id)
	}
	return wire.BlobMeta{State: wire.StateCommitted, Size: uint32(len(data))}, nil
}

func (m *Memory) Open(ctx context.Context, session uint16, flags wire.OpenFlags, id string) error {
	m.record("open")
	if m.PanicOnOpen {
		panic("memory handler: open exploded")
	}
	if m.RefuseOpen {
		return xerrors.E(xerrors.KindConflict, "open", id)
	}
	m.mu.Lock()
	data, ok := m.blobs[id]
	if !ok && !flags.Has(wire.OpenWrite) {
		m.mu.Unlock()
		return xerrors.E(xerrors.KindNotFound, "open", id)
	}
	m.mu.Unlock()
	return m.sessions.Add("open", session, &memSession{
		id:    id,
		flags: flags,
		data:  append([]byte(nil), data...),
		state: wire.StateFromOpen(flags),
	})
}

func (m *Memory) Read(ctx context.Context, session uint16, offset, size uint32) ([]byte, error) {
	m.record("read")
	if m.PanicOnRead {
		panic("memory handler: read exploded")
	}
	s, err := m.sessions.Get("read", session)
	if err != nil {
		return nil, err
	}
	if int(offset) >= len(s.data) {
		return nil, nil
	}
	end := int(offset) + int(size)
	if end > len(s.data) {
		end = len(s.data)
	}
	return append([]byte(nil), s.data[offset:end]...), nil
}

func (m *Memory) Write(ctx context.Context, session uint16, offset uint32, data []byte) error {
	m.record("write")
	s, err := m.sessions.Get("write", session)
	if err != nil {
		return err
	}
	s.data = writeAt(s.data, offset, data)
	return nil
}

func (m *Memory) WriteMeta(ctx context.Context, session uint16, offset uint32, data []byte) error {
	m.record("writemeta")
	s, err := m.sessions.Get("writemeta", session)
	if err != nil {
		return err
	}
	s.meta = writeAt(s.meta, offset, data)
	return nil
}

func (m *Memory) Commit(ctx context.Context, session uint16, data []byte) error {
	m.record("commit")
	s, err := m.sessions.Get("commit", session)
	if err != nil {
		return err
	}
	if !s.flags.Has(wire.OpenWrite) {
		return xerrors.E(xerrors.KindInvalidState, "commit", s.id)
	}
	s.state |= wire.StateCommitting
	s.pending = m.CommitPolls
	if s.pending == 0 {
		m.finish(s)
	}
	return nil
}

func (m *Memory) finish(s *memSession) {
	m.mu.Lock()
	m.blobs[s.id] = append([]byte(nil), s.data...)
	m.mu.Unlock()
	s.state = s.state&^wire.StateCommitting | wire.StateCommitted
}

func (m *Memory) Close(ctx context.Context, session uint16) error {
	m.record("close")
	if _, ok := m.sessions.Remove(session); !ok {
		return xerrors.Wrap(xerrors.KindNotFound, "close", "", xerrors.ErrInvalidSession)
	}
	if m.PanicOnClose {
		panic("memory handler: close exploded")
	}
	if m.FailClose {
		return xerrors.Wrap(xerrors.KindBackendFailure, "close", "", errors.New("flush failed"))
	}
	return nil
}

func (m *Memory) SessionStat(ctx context.Context, session uint16) (wire.BlobMeta, error) {
	m.record("sessionstat")
	s, err := m.sessions.Get("sessionstat", session)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	if s.state.Has(wire.StateCommitting) {
		if s.pending > 0 {
			s.pending--
		} else {
			m.finish(s)
		}
	}
	return wire.BlobMeta{State: s.state, Size: uint32(len(s.data)), Metadata: append([]byte(nil), s.meta...)}, nil
}

func (m *Memory) Expire(ctx context.Context, session uint16) bool {
	m.record("expire")
	if m.RefuseExpire {
		return false
	}
	m.sessions.Remove(session)
	return true
}

func writeAt(buf []byte, offset uint32, data []byte) []byte {
	end := int(offset) + len(data)
	if end > len(buf) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	return buf
}
