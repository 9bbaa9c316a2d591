// Package hashblob digests uploaded payloads. A commit hashes the payload
// in the background with BLAKE3 and derives a CIDv1 of it; progress is
// visible through session stat.
package hashblob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/meta"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// DefaultPrefix is the id prefix used when Options.Prefix is empty.
const DefaultPrefix = "/hash/"

const hashStep = 64 << 10

// DefaultMaxSize bounds a staged payload when Options.MaxSize is zero.
const DefaultMaxSize = 64 << 20

var (
	errNotCommitted = errors.New("no digest committed")
	errBusy         = errors.New("digest already in progress")
	errPending      = errors.New("digest not ready")
	errTooLarge     = errors.New("payload exceeds size limit")
)

// Options configures a Handler.
type Options struct {
	Prefix string
	Names  []string
	// Store keeps committed digests; nil keeps them in memory.
	Store meta.Store
	// MaxSize bounds the staged payload in bytes; zero selects DefaultMaxSize.
	MaxSize uint64
	Now     func() time.Time
	Logger  *zerolog.Logger
}

// Result is a committed digest.
type Result struct {
	Digest [32]byte
	CID    string
	Size   uint32
}

type session struct {
	name   string
	flags  wire.OpenFlags
	buf    []byte
	state  wire.StateFlags
	result *Result
}

// Handler implements handler.Handler for hash blobs.
type Handler struct {
	prefix  string
	names   map[string]struct{}
	store   meta.Store
	maxSize uint64
	now     func() time.Time
	log     zerolog.Logger

	// beforeDigest runs at the start of every background digest.
	beforeDigest func()

	mu       sync.Mutex
	sessions handler.Sessions[*session]
	running  sync.WaitGroup
}

var _ handler.Handler = (*Handler)(nil)

// New returns a handler serving prefix+name for every configured name.
func New(opts Options) *Handler {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	store := opts.Store
	if store == nil {
		store = meta.NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	names := make(map[string]struct{}, len(opts.Names))
	for _, n := range opts.Names {
		names[n] = struct{}{}
	}
	return &Handler{
		prefix:  prefix,
		names:   names,
		store:   store,
		maxSize: maxSize,
		now:     now,
		log:     logging.OrNop(opts.Logger).With().Str("component", "hashblob").Logger(),
	}
}

// Wait blocks until background digests started so far have finished.
func (h *Handler) Wait() { h.running.Wait() }

func (h *Handler) name(id string) (string, bool) {
	if !strings.HasPrefix(id, h.prefix) {
		return "", false
	}
	n := strings.TrimPrefix(id, h.prefix)
	_, ok := h.names[n]
	return n, ok
}

func (h *Handler) CanHandleBlob(id string) bool {
	_, ok := h.name(id)
	return ok
}

func (h *Handler) BlobIDs() []string {
	set := make(map[string]struct{}, len(h.names))
	for n := range h.names {
		set[h.prefix+n] = struct{}{}
	}
	return handler.SortedIDs(set)
}

// DeleteBlob forgets the committed digest of id.
func (h *Handler) DeleteBlob(ctx context.Context, id string) error {
	if _, ok := h.name(id); !ok {
		return xerrors.E(xerrors.KindNotFound, "delete", id)
	}
	if err := h.store.Delete(ctx, id); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "delete", id, err)
	}
	return nil
}

// Stat reports the last committed digest; a name never committed is
// reported with no state bits.
func (h *Handler) Stat(ctx context.Context, id string) (wire.BlobMeta, error) {
	if _, ok := h.name(id); !ok {
		return wire.BlobMeta{}, xerrors.E(xerrors.KindNotFound, "stat", id)
	}
	res, err := h.lookup(ctx, id)
	if errors.Is(err, meta.ErrNotFound) {
		return wire.BlobMeta{}, nil
	}
	if err != nil {
		return wire.BlobMeta{}, err
	}
	return wire.BlobMeta{State: wire.StateCommitted, Size: uint32(len(res.CID)), Metadata: res.Digest[:]}, nil
}

func (h *Handler) lookup(ctx context.Context, id string) (*Result, error) {
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &Result{CID: string(rec.Data), Size: rec.Size}
	copy(res.Digest[:], rec.Digest)
	return res, nil
}

// Open starts a new payload when writing. A read-only open serves the
// last committed digest and fails if there is none.
func (h *Handler) Open(ctx context.Context, sid uint16, flags wire.OpenFlags, id string) error {
	name, ok := h.name(id)
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "open", id)
	}
	s := &session{name: name, flags: flags, state: wire.StateFromOpen(flags)}
	if !flags.Has(wire.OpenWrite) {
		res, err := h.lookup(ctx, id)
		if err != nil {
			return xerrors.Wrap(xerrors.KindNotFound, "open", id, errNotCommitted)
		}
		s.result = res
		s.state |= wire.StateCommitted
	}
	return h.sessions.Add("open", sid, s)
}

// Read returns the CID string of the session's digest.
func (h *Handler) Read(ctx context.Context, sid uint16, offset, size uint32) ([]byte, error) {
	s, err := h.sessions.Get("read", sid)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	res := s.result
	h.mu.Unlock()
	if res == nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidState, "read", h.prefix+s.name, errPending)
	}
	text := res.CID
	if uint64(offset) >= uint64(len(text)) {
		return nil, nil
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(len(text)) {
		end = uint64(len(text))
	}
	return []byte(text[offset:end]), nil
}

func (h *Handler) Write(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	s, err := h.sessions.Get("write", sid)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.state.Has(wire.StateCommitting) {
		return xerrors.Wrap(xerrors.KindInvalidState, "write", h.prefix+s.name, errBusy)
	}
	if uint64(offset)+uint64(len(data)) > h.maxSize {
		return xerrors.Wrap(xerrors.KindInvalidState, "write", h.prefix+s.name, errTooLarge)
	}
	end := int(offset) + len(data)
	if end > len(s.buf) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[offset:], data)
	s.state &^= wire.StateCommitted | wire.StateCommitError
	s.result = nil
	return nil
}

// WriteMeta is not supported: the metadata of a hash blob is its digest.
func (h *Handler) WriteMeta(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	s, err := h.sessions.Get("writemeta", sid)
	if err != nil {
		return err
	}
	return xerrors.E(xerrors.KindInvalidState, "writemeta", h.prefix+s.name)
}

// Commit starts digesting the payload and returns immediately.
func (h *Handler) Commit(ctx context.Context, sid uint16, data []byte) error {
	s, err := h.sessions.Get("commit", sid)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !s.flags.Has(wire.OpenWrite) {
		return xerrors.E(xerrors.KindInvalidState, "commit", h.prefix+s.name)
	}
	if s.state.Has(wire.StateCommitting) {
		return xerrors.Wrap(xerrors.KindConflict, "commit", h.prefix+s.name, errBusy)
	}
	s.state = s.state&^(wire.StateCommitted|wire.StateCommitError) | wire.StateCommitting
	payload := append([]byte(nil), s.buf...)
	h.running.Add(1)
	go h.digest(context.WithoutCancel(ctx), s, payload)
	return nil
}

func (h *Handler) digest(ctx context.Context, s *session, payload []byte) {
	defer h.running.Done()
	if h.beforeDigest != nil {
		h.beforeDigest()
	}
	res, err := Digest(payload)
	id := h.prefix + s.name
	if err == nil {
		err = h.store.Put(ctx, meta.Record{
			Key:     id,
			State:   uint16(wire.StateCommitted),
			Size:    res.Size,
			Data:    []byte(res.CID),
			Digest:  res.Digest[:],
			Updated: h.now(),
		})
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s.state &^= wire.StateCommitting
	if err != nil {
		s.state |= wire.StateCommitError
		h.log.Error().Err(err).Str("blob", id).Msg("digest failed")
		return
	}
	s.state |= wire.StateCommitted
	s.result = res
	h.log.Debug().Str("blob", id).Str("cid", res.CID).Msg("digest committed")
}

// Digest computes the BLAKE3-256 digest and CIDv1 (raw, sha2-256) of payload.
func Digest(payload []byte) (*Result, error) {
	hasher := blake3.New()
	for off := 0; off < len(payload); off += hashStep {
		end := off + hashStep
		if end > len(payload) {
			end = len(payload)
		}
		hasher.Write(payload[off:end])
	}
	res := &Result{Size: uint32(len(payload))}
	copy(res.Digest[:], hasher.Sum(nil))
	sum, err := multihash.Sum(payload, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("hashblob: multihash: %w", err)
	}
	res.CID = cid.NewCidV1(cid.Raw, sum).String()
	return res, nil
}

func (h *Handler) Close(ctx context.Context, sid uint16) error {
	if _, ok := h.sessions.Remove(sid); !ok {
		return xerrors.Wrap(xerrors.KindNotFound, "close", "", xerrors.ErrInvalidSession)
	}
	return nil
}

func (h *Handler) SessionStat(ctx context.Context, sid uint16) (wire.BlobMeta, error) {
	s, err := h.sessions.Get("sessionstat", sid)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := wire.BlobMeta{State: s.state, Size: uint32(len(s.buf))}
	if s.result != nil {
		m.Size = s.result.Size
		m.Metadata = append([]byte(nil), s.result.Digest[:]...)
	}
	return m, nil
}

// Expire refuses while a digest is being computed for the session.
func (h *Handler) Expire(ctx context.Context, sid uint16) bool {
	s, err := h.sessions.Get("expire", sid)
	if err != nil {
		return true
	}
	h.mu.Lock()
	busy := s.state.Has(wire.StateCommitting)
	h.mu.Unlock()
	if busy {
		return false
	}
	h.sessions.Remove(sid)
	return true
}
