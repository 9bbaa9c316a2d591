// Package session owns session ids and the per-session state machine.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// DefaultIdleTimeout is the inactivity window after which a session may be expired.
const DefaultIdleTimeout = 10 * time.Minute

var (
	errNoFlags     = errors.New("open requires read or write")
	errBlobInUse   = errors.New("blob has open sessions")
	errPoolFull    = errors.New("all session ids are in use")
	errNotReadable = errors.New("session not opened for read")
	errNotWritable = errors.New("session not opened for write")
)

// Options configures a Manager.
type Options struct {
	Registry    *registry.Registry
	IdleTimeout time.Duration
	Now         func() time.Time
	Logger      *zerolog.Logger

	// MaxRead caps the bytes returned by one read; zero means no cap.
	MaxRead uint32
	// Capacity bounds the number of live sessions (default MaxSessions).
	Capacity int
	// Reserved ids are never handed out.
	Reserved []uint16
	// Seed, when non-zero, is the first id candidate; otherwise it is
	// derived from the clock.
	Seed uint16
}

// Session is the manager's record of one open blob.
type Session struct {
	ID     uint16
	BlobID string
	Flags  wire.OpenFlags

	handler handler.Handler

	// mu serialises operations on this session; close and expire hold it
	// too, so they never overlap an in-flight operation.
	mu     sync.Mutex
	closed bool

	// guarded by Manager.mu
	lastActivity time.Time
	retryExpire  bool
}

// Manager allocates session ids and routes per-session calls to the
// handler that accepted the open.
type Manager struct {
	registry *registry.Registry
	idle     time.Duration
	maxRead  uint32
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.Mutex
	pool     *idPool
	sessions map[uint16]*Session
}

// NewManager wires a manager to its registry.
func NewManager(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint16(now().UnixNano())
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	return &Manager{
		registry: reg,
		idle:     idle,
		maxRead:  opts.MaxRead,
		now:      now,
		log:      logging.OrNop(opts.Logger).With().Str("component", "session").Logger(),
		pool:     newIDPool(opts.Capacity, seed, opts.Reserved),
		sessions: make(map[uint16]*Session),
	}
}

// Registry returns the registry sessions are resolved against.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// IdleTimeout returns the inactivity window.
func (m *Manager) IdleTimeout() time.Duration { return m.idle }

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Open resolves blobID, allocates a session id and asks the owning handler
// to open it.
func (m *Manager) Open(ctx context.Context, flags wire.OpenFlags, blobID string) (uint16, error) {
	if !flags.Has(wire.OpenRead) && !flags.Has(wire.OpenWrite) {
		return 0, xerrors.Wrap(xerrors.KindInvalidState, "open", blobID, errNoFlags)
	}
	h, err := m.registry.Resolve(blobID)
	if err != nil {
		return 0, err
	}
	m.expireStale(ctx, h)

	m.mu.Lock()
	id, ok := m.pool.acquire()
	m.mu.Unlock()
	if !ok {
		return 0, xerrors.Wrap(xerrors.KindNoCapacity, "open", blobID, errPoolFull)
	}
	recorded := false
	defer func() {
		// also runs when the handler panics
		if !recorded {
			m.mu.Lock()
			m.pool.release(id)
			m.mu.Unlock()
		}
	}()
	if err := h.Open(ctx, id, flags, blobID); err != nil {
		return 0, err
	}
	s := &Session{ID: id, BlobID: blobID, Flags: flags, handler: h}
	m.mu.Lock()
	s.lastActivity = m.now()
	m.sessions[id] = s
	recorded = true
	m.mu.Unlock()
	m.log.Debug().Uint16("session", id).Str("blob", blobID).Uint16("flags", uint16(flags)).Msg("session opened")
	return id, nil
}

// Read returns up to size bytes from offset. Reads past the end of the
// blob yield a short or empty result.
func (m *Manager) Read(ctx context.Context, id uint16, offset, size uint32) ([]byte, error) {
	s, err := m.acquire("read", id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	if !s.Flags.Has(wire.OpenRead) {
		return nil, xerrors.Wrap(xerrors.KindInvalidState, "read", s.BlobID, errNotReadable)
	}
	if m.maxRead > 0 && size > m.maxRead {
		size = m.maxRead
	}
	m.touch(s)
	data, err := s.handler.Read(ctx, id, offset, size)
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) > size {
		data = data[:size]
	}
	return data, nil
}

// Write stores data at offset in the blob payload.
func (m *Manager) Write(ctx context.Context, id uint16, offset uint32, data []byte) error {
	s, err := m.writable("write", id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.handler.Write(ctx, id, offset, data)
}

// WriteMeta stores data at offset in the blob metadata.
func (m *Manager) WriteMeta(ctx context.Context, id uint16, offset uint32, data []byte) error {
	s, err := m.writable("writemeta", id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.handler.WriteMeta(ctx, id, offset, data)
}

// Commit starts finalising the session's writes. Completion is observed
// through SessionStat.
func (m *Manager) Commit(ctx context.Context, id uint16, data []byte) error {
	s, err := m.writable("commit", id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.handler.Commit(ctx, id, data)
}

func (m *Manager) writable(op string, id uint16) (*Session, error) {
	s, err := m.acquire(op, id)
	if err != nil {
		return nil, err
	}
	if !s.Flags.Has(wire.OpenWrite) {
		s.mu.Unlock()
		return nil, xerrors.Wrap(xerrors.KindInvalidState, op, s.BlobID, errNotWritable)
	}
	m.touch(s)
	return s, nil
}

// SessionStat reports the session-level view. It is not activity and does
// not hold off expiry.
func (m *Manager) SessionStat(ctx context.Context, id uint16) (wire.BlobMeta, error) {
	s, err := m.acquire("sessionstat", id)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	defer s.mu.Unlock()
	return s.handler.SessionStat(ctx, id)
}

// Stat reports the blob-level view of blobID.
func (m *Manager) Stat(ctx context.Context, blobID string) (wire.BlobMeta, error) {
	return m.registry.Stat(ctx, blobID)
}

// Delete removes blobID unless a live session holds it.
func (m *Manager) Delete(ctx context.Context, blobID string) error {
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.BlobID == blobID {
			m.mu.Unlock()
			return xerrors.Wrap(xerrors.KindConflict, "delete", blobID, errBlobInUse)
		}
	}
	m.mu.Unlock()
	return m.registry.Delete(ctx, blobID)
}

// Close ends the session. The session is removed and its id released even
// when the handler reports a failure, which is then returned.
func (m *Manager) Close(ctx context.Context, id uint16) error {
	s, err := m.acquire("close", id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	defer m.remove(s)
	herr := s.handler.Close(ctx, id)
	if herr != nil {
		m.log.Warn().Err(herr).Uint16("session", id).Str("blob", s.BlobID).Msg("handler close failed; session removed")
		return herr
	}
	m.log.Debug().Uint16("session", id).Str("blob", s.BlobID).Msg("session closed")
	return nil
}

// Expire force-closes an idle session. It reports false when the session
// saw activity since it went idle, or when the handler refuses; a refused
// session stays and is offered again by IdleSessions.
func (m *Manager) Expire(ctx context.Context, id uint16) (bool, error) {
	s, err := m.acquire("expire", id)
	if err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if !m.stillIdle(s) {
		return false, nil
	}
	if !s.handler.Expire(ctx, id) {
		m.mu.Lock()
		s.retryExpire = true
		m.mu.Unlock()
		m.log.Warn().Uint16("session", id).Str("blob", s.BlobID).Msg("handler refused expiry; will retry")
		return false, nil
	}
	m.remove(s)
	m.log.Debug().Uint16("session", id).Str("blob", s.BlobID).Msg("session expired")
	return true, nil
}

// IdleSessions lists sessions past the inactivity window plus sessions
// whose previous expiry was refused.
func (m *Manager) IdleSessions() []uint16 {
	return m.idleWhere(func(*Session) bool { return true })
}

func (m *Manager) idleWhere(match func(*Session) bool) []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var ids []uint16
	for id, s := range m.sessions {
		if match(s) && m.idleAt(s, now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// idleAt reports whether s may be expired; the caller holds m.mu.
func (m *Manager) idleAt(s *Session, now time.Time) bool {
	return s.retryExpire || now.Sub(s.lastActivity) >= m.idle
}

// stillIdle rechecks idleness once the caller holds s.mu, since activity
// may have landed after the session was listed.
func (m *Manager) stillIdle(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleAt(s, m.now())
}

// expireStale expires idle sessions owned by h before a new open on it.
func (m *Manager) expireStale(ctx context.Context, h handler.Handler) {
	for _, id := range m.idleWhere(func(s *Session) bool { return s.handler == h }) {
		if _, err := m.Expire(ctx, id); err != nil && !errors.Is(err, xerrors.ErrInvalidSession) {
			m.log.Warn().Err(err).Uint16("session", id).Msg("stale session cleanup")
		}
	}
}

// acquire looks up id and returns it with its mutex held.
func (m *Manager) acquire(op string, id uint16) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, xerrors.Wrap(xerrors.KindNotFound, op, "", xerrors.ErrInvalidSession)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, xerrors.Wrap(xerrors.KindNotFound, op, "", xerrors.ErrInvalidSession)
	}
	return s, nil
}

func (m *Manager) touch(s *Session) {
	m.mu.Lock()
	s.lastActivity = m.now()
	s.retryExpire = false
	m.mu.Unlock()
}

// remove drops s from the table; the caller holds s.mu.
func (m *Manager) remove(s *Session) {
	s.closed = true
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.pool.release(s.ID)
	m.mu.Unlock()
}
