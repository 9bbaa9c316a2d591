package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Restorer is implemented by stores that accept an already encoded
// payload under a known id.
type Restorer interface {
	Restore(ctx context.Context, id ID, payload []byte) error
}

// HybridOptions controls how the two tiers of a HybridStore interact.
type HybridOptions struct {
	// MirrorSecondary copies every new shard to the secondary tier.
	MirrorSecondary bool
	// CacheOnRead copies shards fetched from the secondary back into the
	// primary when the primary is a Restorer.
	CacheOnRead bool
	Logger      *zerolog.Logger
}

// HybridStore serves shards from a primary tier (usually local disk) and
// falls back to a secondary tier (usually S3).
type HybridStore struct {
	primary   Store
	secondary Store
	opts      HybridOptions
	log       zerolog.Logger
}

func NewHybridStore(primary, secondary Store, opts HybridOptions) (*HybridStore, error) {
	if primary == nil || secondary == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "hybrid.new", "store")
	}
	return &HybridStore{
		primary:   primary,
		secondary: secondary,
		opts:      opts,
		log:       logging.OrNop(opts.Logger).With().Str("component", "hybrid").Logger(),
	}, nil
}

// Put writes to the primary and, when mirroring, to the secondary. A shard
// is only reported stored once every tier holds it.
func (h *HybridStore) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	if !h.opts.MirrorSecondary {
		return h.primary.Put(ctx, r, size, opts)
	}
	plain, err := readPayload(r, size)
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindBackendFailure, "hybrid.put", "", err)
	}
	id, n, err := h.primary.Put(ctx, bytes.NewReader(plain), int64(len(plain)), opts)
	if err != nil {
		return "", 0, err
	}
	if _, _, err := h.secondary.Put(ctx, bytes.NewReader(plain), int64(len(plain)), opts); err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindBackendFailure, "hybrid.mirror", string(id), err)
	}
	return id, n, nil
}

func (h *HybridStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	rc, size, perr := h.primary.Get(ctx, id)
	if perr == nil {
		return rc, size, nil
	}
	if !errors.Is(perr, fs.ErrNotExist) {
		h.log.Warn().Err(perr).Str("shard", string(id)).Msg("primary read failed; trying secondary")
	}
	rc, _, serr := h.secondary.Get(ctx, id)
	if serr != nil {
		return nil, 0, errors.Join(perr, serr)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindBackendFailure, "hybrid.get", string(id), err)
	}
	if restorer, ok := h.primary.(Restorer); ok && h.opts.CacheOnRead {
		if err := restorer.Restore(ctx, id, payload); err != nil {
			h.log.Warn().Err(err).Str("shard", string(id)).Msg("restore into primary failed")
		}
	}
	return io.NopCloser(bytes.NewReader(payload)), int64(len(payload)), nil
}

// Delete removes the shard from both tiers. It reports fs.ErrNotExist only
// when neither tier held it.
func (h *HybridStore) Delete(ctx context.Context, id ID) error {
	perr := h.primary.Delete(ctx, id)
	serr := h.secondary.Delete(ctx, id)
	if errors.Is(perr, fs.ErrNotExist) && serr == nil || perr == nil && errors.Is(serr, fs.ErrNotExist) {
		return nil
	}
	return errors.Join(perr, serr)
}

func (h *HybridStore) Exists(ctx context.Context, id ID) (bool, error) {
	if ok, err := h.primary.Exists(ctx, id); err != nil || ok {
		return ok, err
	}
	return h.secondary.Exists(ctx, id)
}
