// Package registry keeps the ordered list of blob handlers.
package registry

import (
	"context"
	"sync"

	"github.com/jacktea/xblob/pkg/handler"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Registry routes identifier-scoped operations to the first handler that
// claims the identifier. Registration order is precedence order: register
// specific handlers ahead of catch-all ones.
type Registry struct {
	mu       sync.RWMutex
	handlers []handler.Handler
}

// New returns a registry holding hs in order.
func New(hs ...handler.Handler) *Registry {
	r := &Registry{}
	for _, h := range hs {
		r.Register(h)
	}
	return r
}

// Register appends h. No de-duplication is performed.
func (r *Registry) Register(h handler.Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// Handlers returns a snapshot of the registered handlers.
func (r *Registry) Handlers() []handler.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]handler.Handler(nil), r.handlers...)
}

// ListAllBlobIDs concatenates every handler's ids in registration order.
// Duplicates reported by misbehaving handlers are passed through.
func (r *Registry) ListAllBlobIDs() []string {
	var ids []string
	for _, h := range r.Handlers() {
		ids = append(ids, h.BlobIDs()...)
	}
	return ids
}

// Resolve returns the first handler claiming id.
func (r *Registry) Resolve(id string) (handler.Handler, error) {
	for _, h := range r.Handlers() {
		if h.CanHandleBlob(id) {
			return h, nil
		}
	}
	return nil, xerrors.E(xerrors.KindNotFound, "resolve", id)
}

// Stat returns the blob-level view of id.
func (r *Registry) Stat(ctx context.Context, id string) (wire.BlobMeta, error) {
	h, err := r.Resolve(id)
	if err != nil {
		return wire.BlobMeta{}, err
	}
	return h.Stat(ctx, id)
}

// Delete asks the owning handler to remove id. Callers that track open
// sessions must check them first; see session.Manager.Delete.
func (r *Registry) Delete(ctx context.Context, id string) error {
	h, err := r.Resolve(id)
	if err != nil {
		return err
	}
	return h.DeleteBlob(ctx, id)
}
