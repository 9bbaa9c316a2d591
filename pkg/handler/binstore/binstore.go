// Package binstore keeps small binary blobs grouped under base ids and
// persists them as records in a meta.Store on commit.
package binstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/meta"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// CommitState is reported in the handler-specific bits of the state flags.
type CommitState uint16

const (
	// Dirty means the in-memory copy may differ from what is persisted.
	Dirty CommitState = 1 << 8
	// Clean means the in-memory copy matches what is persisted.
	Clean CommitState = 1 << 9
	// Uninitialized means nothing was persisted for the base id yet.
	Uninitialized CommitState = 1 << 10
	// CommitError means the last commit failed.
	CommitError CommitState = 1 << 11
)

var (
	errNeedRead     = errors.New("binstore requires read access")
	errOtherBlob    = errors.New("base id is serving a different blob")
	errBlobOpen     = errors.New("blob is open")
	errGap          = errors.New("write would leave a gap")
	errNotWritable  = errors.New("session is read-only")
	errBaseID       = errors.New("base id cannot be opened")
	errMetaTooLarge = errors.New("metadata exceeds stat capacity")
)

// Options configures a Handler.
type Options struct {
	Store   meta.Store
	BaseIDs []string // e.g. "/binstore/smbios/"
	Now     func() time.Time
	Logger  *zerolog.Logger
}

type entry struct {
	data []byte
	meta []byte
}

// base is the working state of one base id.
type base struct {
	id      string
	blobs   map[string]*entry
	state   CommitState
	current string
	opened  int
	write   bool
}

// entry returns the working copy of id, creating an empty one if a
// reload dropped it.
func (b *base) entry(id string) *entry {
	e, ok := b.blobs[id]
	if !ok {
		e = &entry{}
		b.blobs[id] = e
	}
	return e
}

type session struct {
	base     *base
	blobID   string
	writable bool
}

// Handler implements handler.Handler for a set of base ids.
type Handler struct {
	store meta.Store
	now   func() time.Time
	log   zerolog.Logger

	mu       sync.Mutex
	bases    []*base
	sessions handler.Sessions[*session]
}

var _ handler.Handler = (*Handler)(nil)

// New loads what is persisted under every base id.
func New(ctx context.Context, opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("binstore: store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	h := &Handler{
		store: opts.Store,
		now:   now,
		log:   logging.OrNop(opts.Logger).With().Str("component", "binstore").Logger(),
	}
	for _, id := range opts.BaseIDs {
		if id == "" {
			return nil, fmt.Errorf("binstore: empty base id")
		}
		b := &base{id: id}
		if err := h.load(ctx, b); err != nil {
			return nil, err
		}
		h.bases = append(h.bases, b)
	}
	return h, nil
}

// load replaces b's working copy with what is persisted, discarding
// uncommitted changes.
func (h *Handler) load(ctx context.Context, b *base) error {
	keys, err := h.store.List(ctx, b.id)
	if err != nil {
		return xerrors.Wrap(xerrors.KindBackendFailure, "load", b.id, err)
	}
	b.blobs = make(map[string]*entry, len(keys))
	for _, key := range keys {
		rec, err := h.store.Get(ctx, key)
		if err != nil {
			return xerrors.Wrap(xerrors.KindBackendFailure, "load", key, err)
		}
		b.blobs[key] = &entry{data: rec.Data, meta: rec.Metadata}
	}
	if len(keys) == 0 {
		b.state = Uninitialized
	} else {
		b.state = Clean
	}
	return nil
}

func (h *Handler) baseFor(id string) *base {
	for _, b := range h.bases {
		if strings.HasPrefix(id, b.id) {
			return b
		}
	}
	return nil
}

func (h *Handler) CanHandleBlob(id string) bool { return h.baseFor(id) != nil }

// BlobIDs lists every base id followed by its blobs.
func (h *Handler) BlobIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, b := range h.bases {
		ids = append(ids, b.id)
		set := make(map[string]struct{}, len(b.blobs))
		for id := range b.blobs {
			set[id] = struct{}{}
		}
		ids = append(ids, handler.SortedIDs(set)...)
	}
	return ids
}

func (h *Handler) DeleteBlob(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.baseFor(id)
	if b == nil || b.id == id {
		return xerrors.E(xerrors.KindNotFound, "delete", id)
	}
	if b.current == id {
		return xerrors.Wrap(xerrors.KindConflict, "delete", id, errBlobOpen)
	}
	if err := h.store.Delete(ctx, id); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "delete", id, err)
	}
	delete(b.blobs, id)
	return nil
}

// Stat reports the persisted view of id.
func (h *Handler) Stat(ctx context.Context, id string) (wire.BlobMeta, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.baseFor(id)
	if b == nil {
		return wire.BlobMeta{}, xerrors.E(xerrors.KindNotFound, "stat", id)
	}
	if b.id == id {
		return wire.BlobMeta{State: wire.StateFlags(b.state), Size: uint32(len(b.blobs))}, nil
	}
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return wire.BlobMeta{}, xerrors.Wrap(xerrors.KindOf(err), "stat", id, err)
	}
	return wire.BlobMeta{
		State:    wire.StateCommitted | wire.StateFlags(Clean),
		Size:     rec.Size,
		Metadata: rec.Metadata,
	}, nil
}

// Open requires read access. A base id serves one blob at a time;
// reopening discards uncommitted changes.
func (h *Handler) Open(ctx context.Context, sid uint16, flags wire.OpenFlags, id string) error {
	if !flags.Has(wire.OpenRead) {
		return xerrors.Wrap(xerrors.KindInvalidState, "open", id, errNeedRead)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.baseFor(id)
	if b == nil {
		return xerrors.E(xerrors.KindNotFound, "open", id)
	}
	if b.id == id {
		return xerrors.Wrap(xerrors.KindInvalidState, "open", id, errBaseID)
	}
	if b.current != "" && b.current != id {
		return xerrors.Wrap(xerrors.KindConflict, "open", id, errOtherBlob)
	}
	if b.state == Dirty || b.state == CommitError {
		if err := h.load(ctx, b); err != nil {
			return err
		}
	}
	if _, ok := b.blobs[id]; !ok {
		b.blobs[id] = &entry{}
		b.state = Dirty
		h.log.Info().Str("blob", id).Msg("created blob")
	}
	s := &session{base: b, blobID: id, writable: flags.Has(wire.OpenWrite)}
	if err := h.sessions.Add("open", sid, s); err != nil {
		return err
	}
	b.current = id
	b.opened++
	b.write = b.write || s.writable
	return nil
}

func (h *Handler) Read(ctx context.Context, sid uint16, offset, size uint32) ([]byte, error) {
	s, err := h.sessions.Get("read", sid)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	data := s.base.entry(s.blobID).data
	if uint64(offset) >= uint64(len(data)) {
		return nil, nil
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (h *Handler) Write(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	return h.edit("write", sid, offset, data, func(e *entry) *[]byte { return &e.data }, 0)
}

func (h *Handler) WriteMeta(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	return h.edit("writemeta", sid, offset, data, func(e *entry) *[]byte { return &e.meta }, wire.MaxMetadata)
}

// edit overwrites or extends the selected buffer; offsets past its end are
// refused so no undefined bytes appear.
func (h *Handler) edit(op string, sid uint16, offset uint32, data []byte, field func(*entry) *[]byte, limit int) error {
	s, err := h.sessions.Get(op, sid)
	if err != nil {
		return err
	}
	if !s.writable {
		return xerrors.Wrap(xerrors.KindInvalidState, op, s.blobID, errNotWritable)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := field(s.base.entry(s.blobID))
	if uint64(offset) > uint64(len(*buf)) {
		return xerrors.Wrap(xerrors.KindInvalidState, op, s.blobID, errGap)
	}
	end := int(offset) + len(data)
	if limit > 0 && end > limit {
		return xerrors.Wrap(xerrors.KindInvalidState, op, s.blobID, errMetaTooLarge)
	}
	if end > len(*buf) {
		grown := make([]byte, end)
		copy(grown, *buf)
		*buf = grown
	}
	copy((*buf)[offset:], data)
	s.base.state = Dirty
	return nil
}

// Commit persists the session's blob before returning.
func (h *Handler) Commit(ctx context.Context, sid uint16, data []byte) error {
	s, err := h.sessions.Get("commit", sid)
	if err != nil {
		return err
	}
	if !s.writable {
		return xerrors.Wrap(xerrors.KindInvalidState, "commit", s.blobID, errNotWritable)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e := s.base.entry(s.blobID)
	rec := meta.Record{
		Key:      s.blobID,
		State:    uint16(wire.StateCommitted),
		Size:     uint32(len(e.data)),
		Metadata: e.meta,
		Data:     e.data,
		Updated:  h.now(),
	}
	if err := h.store.Put(ctx, rec); err != nil {
		s.base.state = CommitError
		h.log.Error().Err(err).Str("blob", s.blobID).Msg("commit failed")
		return xerrors.Wrap(xerrors.KindBackendFailure, "commit", s.blobID, err)
	}
	s.base.state = Clean
	return nil
}

// Close releases the session. When the last session of a base closes,
// the base forgets its current blob and reloads on the next open.
func (h *Handler) Close(ctx context.Context, sid uint16) error {
	s, ok := h.sessions.Remove(sid)
	if !ok {
		return xerrors.Wrap(xerrors.KindNotFound, "close", "", xerrors.ErrInvalidSession)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.release(s)
	return nil
}

func (h *Handler) release(s *session) {
	b := s.base
	b.opened--
	if b.opened > 0 {
		return
	}
	b.opened = 0
	b.current = ""
	b.write = false
	if b.state != Clean && b.state != Uninitialized {
		b.state = Dirty
	}
}

func (h *Handler) SessionStat(ctx context.Context, sid uint16) (wire.BlobMeta, error) {
	s, err := h.sessions.Get("sessionstat", sid)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := s.base
	state := wire.StateOpenRead
	if b.write {
		state |= wire.StateOpenWrite
	}
	switch b.state {
	case Clean:
		state |= wire.StateCommitted
	case CommitError:
		state |= wire.StateCommitError
	}
	state |= wire.StateFlags(b.state)
	e := b.entry(s.blobID)
	return wire.BlobMeta{State: state, Size: uint32(len(e.data)), Metadata: append([]byte(nil), e.meta...)}, nil
}

// Expire always succeeds; uncommitted changes are discarded.
func (h *Handler) Expire(ctx context.Context, sid uint16) bool {
	if s, ok := h.sessions.Remove(sid); ok {
		h.mu.Lock()
		h.release(s)
		h.mu.Unlock()
	}
	return true
}
