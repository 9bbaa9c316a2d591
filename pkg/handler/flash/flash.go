// Package flash stages firmware images in memory and persists committed
// images as shards in a blob.Store, with a manifest record per image.
package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/cache"
	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/meta"
	"github.com/jacktea/xblob/pkg/sharder"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// DefaultPrefix is the id prefix used when Options.Prefix is empty.
const DefaultPrefix = "/flash/"

// maxImage bounds a staged image; sizes travel as u32.
const maxImage = 1<<32 - 1

// DefaultMaxSize bounds a staged image when Options.MaxSize is zero.
const DefaultMaxSize = 256 << 20

var (
	errWriterActive = errors.New("image already has a writer")
	errPersisting   = errors.New("image is being persisted")
	errTooLarge     = errors.New("image exceeds size limit")
	errMetaTooLarge = errors.New("metadata exceeds stat capacity")
)

// Options configures a Handler.
type Options struct {
	Prefix string
	Meta   meta.Store
	Blobs  blob.Store
	Writer sharder.WriterOptions
	Reader sharder.ReaderOptions
	// MaxSize bounds a staged image in bytes; zero selects DefaultMaxSize
	// and values above 4 GiB are clamped.
	MaxSize uint64
	// CacheEntries bounds the loaded-image cache; zero uses 16, negative disables it.
	CacheEntries int
	CacheTTL     time.Duration
	Now          func() time.Time
	Logger       *zerolog.Logger
}

type session struct {
	id       string
	flags    wire.OpenFlags
	buf      []byte
	meta     []byte
	state    wire.StateFlags
	closed   bool
	persists int
}

// Handler implements handler.Handler for flash images.
type Handler struct {
	prefix string
	meta   meta.Store
	blobs  blob.Store
	refs   *meta.RefTracker
	writer sharder.WriterOptions
	reader sharder.ReaderOptions
	limit  uint64
	images *cache.Cache[string, []byte]
	now    func() time.Time
	log    zerolog.Logger

	// beforePersist runs at the start of every background persist.
	beforePersist func()

	mu       sync.Mutex
	writers  map[string]*session
	sessions handler.Sessions[*session]
	running  sync.WaitGroup
}

var _ handler.Handler = (*Handler)(nil)

// New validates opts and returns a handler.
func New(opts Options) (*Handler, error) {
	if opts.Meta == nil || opts.Blobs == nil {
		return nil, fmt.Errorf("flash: meta and blob stores are required")
	}
	if err := opts.Writer.Put.Encryption.Validate(); err != nil {
		return nil, fmt.Errorf("flash: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limit := opts.MaxSize
	switch {
	case limit == 0:
		limit = DefaultMaxSize
	case limit > maxImage:
		limit = maxImage
	}
	h := &Handler{
		prefix:  prefix,
		limit:   limit,
		meta:    opts.Meta,
		blobs:   opts.Blobs,
		refs:    &meta.RefTracker{Store: opts.Meta},
		writer:  opts.Writer,
		reader:  opts.Reader,
		now:     now,
		log:     logging.OrNop(opts.Logger).With().Str("component", "flash").Logger(),
		writers: make(map[string]*session),
	}
	if opts.Reader.Key == nil {
		h.reader.Key = opts.Writer.Put.Encryption.Key
	}
	if opts.CacheEntries >= 0 {
		entries := opts.CacheEntries
		if entries == 0 {
			entries = 16
		}
		h.images = cache.New[string, []byte](cache.Options{Capacity: entries, TTL: opts.CacheTTL, Now: opts.Now})
	}
	return h, nil
}

// Shutdown waits for running persists and releases the image cache.
func (h *Handler) Shutdown() error {
	h.running.Wait()
	if h.images != nil {
		return h.images.Close()
	}
	return nil
}

// Wait blocks until background persists started so far have finished.
func (h *Handler) Wait() { h.running.Wait() }

func (h *Handler) CanHandleBlob(id string) bool {
	return strings.HasPrefix(id, h.prefix) && len(id) > len(h.prefix)
}

// BlobIDs lists committed images.
func (h *Handler) BlobIDs() []string {
	ids, err := h.meta.List(context.Background(), h.prefix)
	if err != nil {
		h.log.Warn().Err(err).Msg("list images")
		return nil
	}
	return ids
}

// DeleteBlob drops the manifest and releases its shards for collection.
func (h *Handler) DeleteBlob(ctx context.Context, id string) error {
	h.mu.Lock()
	_, writing := h.writers[id]
	h.mu.Unlock()
	if writing {
		return xerrors.Wrap(xerrors.KindConflict, "delete", id, errWriterActive)
	}
	rec, err := h.meta.Get(ctx, id)
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "delete", id, err)
	}
	if err := h.meta.Delete(ctx, id); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "delete", id, err)
	}
	h.forget(id)
	if err := h.refs.Release(ctx, rec.ShardIDs()); err != nil {
		return xerrors.Wrap(xerrors.KindBackendFailure, "delete", id, err)
	}
	return nil
}

// Stat reports the committed image, flagged committing while a writer persists.
func (h *Handler) Stat(ctx context.Context, id string) (wire.BlobMeta, error) {
	var state wire.StateFlags
	h.mu.Lock()
	if w, ok := h.writers[id]; ok && w.persists > 0 {
		state |= wire.StateCommitting
	}
	h.mu.Unlock()
	rec, err := h.meta.Get(ctx, id)
	if err != nil {
		if state != 0 && errors.Is(err, meta.ErrNotFound) {
			return wire.BlobMeta{State: state}, nil
		}
		return wire.BlobMeta{}, xerrors.Wrap(xerrors.KindOf(err), "stat", id, err)
	}
	return wire.BlobMeta{State: state | wire.StateCommitted, Size: rec.Size, Metadata: rec.Metadata}, nil
}

// Open stages a new image for writers; readers get the committed image.
// An id has at most one writer.
func (h *Handler) Open(ctx context.Context, sid uint16, flags wire.OpenFlags, id string) error {
	if !h.CanHandleBlob(id) {
		return xerrors.E(xerrors.KindNotFound, "open", id)
	}
	s := &session{id: id, flags: flags, state: wire.StateFromOpen(flags)}
	if !flags.Has(wire.OpenWrite) {
		rec, err := h.meta.Get(ctx, id)
		if err != nil {
			return xerrors.Wrap(xerrors.KindOf(err), "open", id, err)
		}
		image, err := h.load(ctx, rec)
		if err != nil {
			return err
		}
		s.buf = image
		s.meta = rec.Metadata
		s.state |= wire.StateCommitted
		return h.sessions.Add("open", sid, s)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.writers[id]; ok {
		return xerrors.Wrap(xerrors.KindConflict, "open", id, errWriterActive)
	}
	if err := h.sessions.Add("open", sid, s); err != nil {
		return err
	}
	h.writers[id] = s
	return nil
}

func (h *Handler) load(ctx context.Context, rec meta.Record) ([]byte, error) {
	if h.images != nil {
		if image, ok := h.images.Get(rec.Key); ok {
			return image, nil
		}
	}
	image, err := sharder.Load(ctx, h.blobs, toShards(rec.Shards), h.reader)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindBackendFailure, "load", rec.Key, err)
	}
	if h.images != nil {
		h.images.Set(rec.Key, image)
	}
	return image, nil
}

func (h *Handler) forget(id string) {
	if h.images != nil {
		h.images.Delete(id)
	}
}

// Read serves the committed image to readers and the staged bytes to writers.
func (h *Handler) Read(ctx context.Context, sid uint16, offset, size uint32) ([]byte, error) {
	s, err := h.sessions.Get("read", sid)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if uint64(offset) >= uint64(len(s.buf)) {
		return nil, nil
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(len(s.buf)) {
		end = uint64(len(s.buf))
	}
	return append([]byte(nil), s.buf[offset:end]...), nil
}

// Write stages data at offset; a gap is filled with zeros.
func (h *Handler) Write(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	return h.stage("write", sid, offset, data, false)
}

func (h *Handler) WriteMeta(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	return h.stage("writemeta", sid, offset, data, true)
}

func (h *Handler) stage(op string, sid uint16, offset uint32, data []byte, metadata bool) error {
	s, err := h.sessions.Get(op, sid)
	if err != nil {
		return err
	}
	if !s.flags.Has(wire.OpenWrite) {
		return xerrors.E(xerrors.KindInvalidState, op, s.id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.persists > 0 {
		return xerrors.Wrap(xerrors.KindInvalidState, op, s.id, errPersisting)
	}
	end := uint64(offset) + uint64(len(data))
	buf := &s.buf
	if metadata {
		if end > wire.MaxMetadata {
			return xerrors.Wrap(xerrors.KindInvalidState, op, s.id, errMetaTooLarge)
		}
		buf = &s.meta
	} else if end > h.limit {
		return xerrors.Wrap(xerrors.KindInvalidState, op, s.id, errTooLarge)
	}
	if end > uint64(len(*buf)) {
		grown := make([]byte, end)
		copy(grown, *buf)
		*buf = grown
	}
	copy((*buf)[offset:], data)
	s.state &^= wire.StateCommitted | wire.StateCommitError
	return nil
}

// Commit snapshots the staged image and persists it in the background.
func (h *Handler) Commit(ctx context.Context, sid uint16, data []byte) error {
	s, err := h.sessions.Get("commit", sid)
	if err != nil {
		return err
	}
	if !s.flags.Has(wire.OpenWrite) {
		return xerrors.E(xerrors.KindInvalidState, "commit", s.id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.persists > 0 {
		return xerrors.Wrap(xerrors.KindConflict, "commit", s.id, errPersisting)
	}
	s.persists++
	s.state = s.state&^(wire.StateCommitted|wire.StateCommitError) | wire.StateCommitting
	image := append([]byte(nil), s.buf...)
	metadata := append([]byte(nil), s.meta...)
	h.running.Add(1)
	go h.persist(context.WithoutCancel(ctx), s, image, metadata)
	return nil
}

func (h *Handler) persist(ctx context.Context, s *session, image, metadata []byte) {
	defer h.running.Done()
	if h.beforePersist != nil {
		h.beforePersist()
	}
	start := time.Now()
	err := h.store(ctx, s.id, image, metadata)

	h.mu.Lock()
	defer h.mu.Unlock()
	s.persists--
	s.state &^= wire.StateCommitting
	if err != nil {
		s.state |= wire.StateCommitError
		h.log.Error().Err(err).Str("blob", s.id).Msg("persist failed")
	} else {
		s.state |= wire.StateCommitted
		h.log.Debug().Str("blob", s.id).Int("bytes", len(image)).Dur("took", time.Since(start)).Msg("image committed")
	}
	if s.closed && h.writers[s.id] == s {
		delete(h.writers, s.id)
	}
}

// store writes the shards and manifest, then moves references from the
// previous image to the new one.
func (h *Handler) store(ctx context.Context, id string, image, metadata []byte) error {
	shards, err := sharder.ChunkAndStore(ctx, h.blobs, bytes.NewReader(image), h.writer)
	if err != nil {
		return err
	}
	refs := make([]meta.ShardRef, len(shards))
	for i, sh := range shards {
		refs[i] = meta.ShardRef{
			ShardID:     string(sh.ID),
			Offset:      sh.Offset,
			Size:        sh.Size,
			Checksum:    sh.Checksum,
			Compression: uint8(sh.Compression),
			Sealed:      string(sh.Sealed),
		}
	}
	rec := meta.Record{
		Key:      id,
		State:    uint16(wire.StateCommitted),
		Size:     uint32(len(image)),
		Metadata: metadata,
		Shards:   refs,
		Updated:  h.now(),
	}
	if err := h.refs.Retain(ctx, rec.ShardIDs()); err != nil {
		return err
	}
	prev, prevErr := h.meta.Get(ctx, id)
	if err := h.meta.Put(ctx, rec); err != nil {
		if rerr := h.refs.Release(ctx, rec.ShardIDs()); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return err
	}
	h.forget(id)
	if prevErr == nil {
		return h.refs.Release(ctx, prev.ShardIDs())
	}
	return nil
}

func toShards(refs []meta.ShardRef) []sharder.Shard {
	out := make([]sharder.Shard, len(refs))
	for i, r := range refs {
		out[i] = sharder.Shard{
			ID:          blob.ID(r.ShardID),
			Offset:      r.Offset,
			Size:        r.Size,
			Checksum:    r.Checksum,
			Compression: blob.Compression(r.Compression),
			Sealed:      encryption.Method(r.Sealed),
		}
	}
	return out
}

// Close ends the session. A persist already started keeps running and
// holds the writer slot until it finishes.
func (h *Handler) Close(ctx context.Context, sid uint16) error {
	s, ok := h.sessions.Remove(sid)
	if !ok {
		return xerrors.Wrap(xerrors.KindNotFound, "close", "", xerrors.ErrInvalidSession)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(s)
	return nil
}

// detach releases the writer slot of s unless a persist still needs it.
// The caller holds h.mu.
func (h *Handler) detach(s *session) {
	s.closed = true
	if h.writers[s.id] == s && s.persists == 0 {
		delete(h.writers, s.id)
	}
}

func (h *Handler) SessionStat(ctx context.Context, sid uint16) (wire.BlobMeta, error) {
	s, err := h.sessions.Get("sessionstat", sid)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return wire.BlobMeta{State: s.state, Size: uint32(len(s.buf)), Metadata: append([]byte(nil), s.meta...)}, nil
}

// Expire refuses while the session's image is being persisted.
func (h *Handler) Expire(ctx context.Context, sid uint16) bool {
	s, err := h.sessions.Get("expire", sid)
	if err != nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.persists > 0 {
		return false
	}
	h.sessions.Remove(sid)
	h.detach(s)
	return true
}
