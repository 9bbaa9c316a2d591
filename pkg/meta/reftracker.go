package meta

import "context"

// RefTracker keeps shard reference counts in sync with records.
type RefTracker struct {
	Store Store
}

// Retain increments the refcount of every shard id.
func (r *RefTracker) Retain(ctx context.Context, shardIDs []string) error {
	for _, id := range shardIDs {
		if id == "" {
			continue
		}
		if _, err := r.Store.IncRef(ctx, id, 1); err != nil {
			return err
		}
	}
	return nil
}

// Release decrements refcounts and queues shards no longer in use for GC.
func (r *RefTracker) Release(ctx context.Context, shardIDs []string) error {
	for _, id := range shardIDs {
		if id == "" {
			continue
		}
		refs, err := r.Store.IncRef(ctx, id, -1)
		if err != nil {
			return err
		}
		if err := r.Store.DecideGC(ctx, id, refs); err != nil {
			return err
		}
	}
	return nil
}
