package gc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/meta"
)

func TestSweeperRemovesPendingShards(t *testing.T) {
	ctx := context.Background()
	store := meta.NewMemoryStore()
	stub := &stubBlobStore{missing: map[blob.ID]bool{"shard-2": true}}
	refs := &meta.RefTracker{Store: store}
	if err := refs.Retain(ctx, []string{"shard-1", "shard-2", "shard-3"}); err != nil {
		t.Fatalf("retain: %v", err)
	}
	if err := refs.Release(ctx, []string{"shard-1", "shard-2"}); err != nil {
		t.Fatalf("release: %v", err)
	}

	sweeper := NewShardSweeper(SweeperOptions{Store: store, Blob: stub, BatchSize: 1})
	count, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 deletions, got %d", count)
	}
	if len(stub.deleted) != 2 || stub.deleted[0] != "shard-1" || stub.deleted[1] != "shard-2" {
		t.Fatalf("unexpected deletions %v", stub.deleted)
	}
	pending, err := store.ListZeroRef(ctx, 0)
	if err != nil {
		t.Fatalf("list zero: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty pending queue, got %v", pending)
	}
}

func TestSweeperKeepsQueueOnDeleteFailure(t *testing.T) {
	ctx := context.Background()
	store := meta.NewMemoryStore()
	if err := store.DecideGC(ctx, "shard-x", 0); err != nil {
		t.Fatalf("decide gc: %v", err)
	}
	stub := &stubBlobStore{fail: errors.New("disk on fire")}
	sweeper := NewShardSweeper(SweeperOptions{Store: store, Blob: stub})
	if _, err := sweeper.Sweep(ctx); err == nil {
		t.Fatalf("expected sweep error")
	}
	pending, _ := store.ListZeroRef(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("shard dropped from queue after failed delete: %v", pending)
	}
}

func TestSweeperRequiresStores(t *testing.T) {
	if _, err := NewShardSweeper(SweeperOptions{}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

type stubBlobStore struct {
	mu      sync.Mutex
	deleted []blob.ID
	missing map[blob.ID]bool
	fail    error
}

func (s *stubBlobStore) Put(context.Context, io.Reader, int64, blob.PutOptions) (blob.ID, int64, error) {
	return "", 0, errors.New("put not supported")
}

func (s *stubBlobStore) Get(context.Context, blob.ID) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("get not supported")
}

func (s *stubBlobStore) Delete(ctx context.Context, id blob.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.deleted = append(s.deleted, id)
	if s.missing[id] {
		return os.ErrNotExist
	}
	return nil
}

func (s *stubBlobStore) Exists(context.Context, blob.ID) (bool, error) {
	return false, fmt.Errorf("exists not supported")
}
