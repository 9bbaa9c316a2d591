// Package static serves read-only blobs from files listed in a TOML
// manifest.
package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

var errReadOnly = errors.New("static blobs are read-only")

// Entry maps one blob id to a file.
type Entry struct {
	ID       string `toml:"id"`
	Path     string `toml:"path"`
	Metadata string `toml:"metadata"`
}

// Manifest lists the blobs a Handler serves.
type Manifest struct {
	Blobs []Entry `toml:"blob"`
}

// LoadManifest reads and validates a TOML manifest from fsys.
func LoadManifest(fsys billy.Filesystem, name string) (Manifest, error) {
	data, err := util.ReadFile(fsys, name)
	if err != nil {
		return Manifest{}, fmt.Errorf("static: manifest load failed (%s): %w", name, err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("static: manifest parse failed (%s): %w", name, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate rejects blank or duplicate entries.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Blobs))
	for i, e := range m.Blobs {
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Path) == "" {
			return fmt.Errorf("static: blob[%d] needs id and path", i)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("static: blob[%d] duplicates id %s", i, e.ID)
		}
		if len(e.Metadata) > wire.MaxMetadata {
			return fmt.Errorf("static: blob[%d] metadata exceeds %d bytes", i, wire.MaxMetadata)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

type session struct {
	entry Entry
	file  billy.File
}

// Handler implements handler.Handler over a billy filesystem.
type Handler struct {
	fs       billy.Filesystem
	entries  map[string]Entry
	log      zerolog.Logger
	sessions handler.Sessions[*session]
}

var _ handler.Handler = (*Handler)(nil)

// New serves the entries of m from fsys.
func New(fsys billy.Filesystem, m Manifest, logger *zerolog.Logger) (*Handler, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	entries := make(map[string]Entry, len(m.Blobs))
	for _, e := range m.Blobs {
		entries[e.ID] = e
	}
	return &Handler{
		fs:      fsys,
		entries: entries,
		log:     logging.OrNop(logger).With().Str("component", "static").Logger(),
	}, nil
}

func (h *Handler) CanHandleBlob(id string) bool {
	_, ok := h.entries[id]
	return ok
}

func (h *Handler) BlobIDs() []string {
	set := make(map[string]struct{}, len(h.entries))
	for id := range h.entries {
		set[id] = struct{}{}
	}
	return handler.SortedIDs(set)
}

func (h *Handler) DeleteBlob(ctx context.Context, id string) error {
	return xerrors.Wrap(xerrors.KindConflict, "delete", id, errReadOnly)
}

func (h *Handler) Stat(ctx context.Context, id string) (wire.BlobMeta, error) {
	e, ok := h.entries[id]
	if !ok {
		return wire.BlobMeta{}, xerrors.E(xerrors.KindNotFound, "stat", id)
	}
	fi, err := h.fs.Stat(e.Path)
	if err != nil {
		return wire.BlobMeta{}, fileError("stat", id, err)
	}
	return wire.BlobMeta{State: wire.StateCommitted, Size: uint32(fi.Size()), Metadata: []byte(e.Metadata)}, nil
}

// Open only accepts readers.
func (h *Handler) Open(ctx context.Context, sid uint16, flags wire.OpenFlags, id string) error {
	e, ok := h.entries[id]
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "open", id)
	}
	if flags.Has(wire.OpenWrite) {
		return xerrors.Wrap(xerrors.KindConflict, "open", id, errReadOnly)
	}
	f, err := h.fs.Open(e.Path)
	if err != nil {
		return fileError("open", id, err)
	}
	if err := h.sessions.Add("open", sid, &session{entry: e, file: f}); err != nil {
		f.Close()
		return err
	}
	return nil
}

func (h *Handler) Read(ctx context.Context, sid uint16, offset, size uint32) ([]byte, error) {
	s, err := h.sessions.Get("read", sid)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := s.file.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fileError("read", s.entry.ID, err)
	}
	return buf[:n], nil
}

func (h *Handler) Write(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	return h.refuse("write", sid)
}

func (h *Handler) WriteMeta(ctx context.Context, sid uint16, offset uint32, data []byte) error {
	return h.refuse("writemeta", sid)
}

func (h *Handler) Commit(ctx context.Context, sid uint16, data []byte) error {
	return h.refuse("commit", sid)
}

func (h *Handler) refuse(op string, sid uint16) error {
	s, err := h.sessions.Get(op, sid)
	if err != nil {
		return err
	}
	return xerrors.Wrap(xerrors.KindInvalidState, op, s.entry.ID, errReadOnly)
}

func (h *Handler) Close(ctx context.Context, sid uint16) error {
	s, ok := h.sessions.Remove(sid)
	if !ok {
		return xerrors.Wrap(xerrors.KindNotFound, "close", "", xerrors.ErrInvalidSession)
	}
	if err := s.file.Close(); err != nil {
		return xerrors.Wrap(xerrors.KindBackendFailure, "close", s.entry.ID, err)
	}
	return nil
}

func (h *Handler) SessionStat(ctx context.Context, sid uint16) (wire.BlobMeta, error) {
	s, err := h.sessions.Get("sessionstat", sid)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	m, err := h.Stat(ctx, s.entry.ID)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	m.State |= wire.StateOpenRead
	return m, nil
}

func (h *Handler) Expire(ctx context.Context, sid uint16) bool {
	if s, ok := h.sessions.Remove(sid); ok {
		if err := s.file.Close(); err != nil {
			h.log.Warn().Err(err).Str("blob", s.entry.ID).Msg("close on expire")
		}
	}
	return true
}

func fileError(op, id string, err error) error {
	if errors.Is(err, iofs.ErrNotExist) {
		return xerrors.Wrap(xerrors.KindNotFound, op, id, err)
	}
	return xerrors.Wrap(xerrors.KindBackendFailure, op, id, err)
}
