// Package gc runs the background loops that reclaim resources: the idle
// session reaper and the zero-ref shard sweeper.
package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/meta"
)

// SweeperOptions configures a ShardSweeper.
type SweeperOptions struct {
	Store     meta.Store
	Blob      blob.Store
	BatchSize int
	Logger    *zerolog.Logger
}

// ShardSweeper deletes shards whose reference count dropped to zero.
type ShardSweeper struct {
	store     meta.Store
	blob      blob.Store
	batchSize int
	log       zerolog.Logger
}

// NewShardSweeper wires metadata and blob stores for garbage collection.
func NewShardSweeper(opts SweeperOptions) *ShardSweeper {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 128
	}
	return &ShardSweeper{
		store:     opts.Store,
		blob:      opts.Blob,
		batchSize: batch,
		log:       logging.OrNop(opts.Logger).With().Str("component", "gc").Logger(),
	}
}

// Sweep performs a best-effort pass, returning the number of shards deleted.
func (s *ShardSweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil || s.blob == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		shards, err := s.store.ListZeroRef(ctx, s.batchSize)
		if err != nil {
			return total, err
		}
		if len(shards) == 0 {
			return total, nil
		}
		for _, shardID := range shards {
			if err := s.removeShard(ctx, shardID); err != nil {
				return total, fmt.Errorf("gc: shard %s: %w", shardID, err)
			}
			total++
		}
		if len(shards) < s.batchSize {
			return total, nil
		}
	}
}

// Start launches a background sweep loop until ctx is canceled.
func (s *ShardSweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	return loop(ctx, interval, func(ctx context.Context) {
		n, err := s.Sweep(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Int("deleted", n).Msg("shard sweep")
			return
		}
		if n > 0 {
			s.log.Debug().Int("deleted", n).Msg("shard sweep")
		}
	})
}

func (s *ShardSweeper) removeShard(ctx context.Context, shardID string) error {
	if err := s.blob.Delete(ctx, blob.ID(shardID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.store.MarkGCComplete(ctx, shardID)
}

// loop runs fn immediately and then on every tick until ctx is canceled.
func loop(ctx context.Context, interval time.Duration, fn func(context.Context)) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			fn(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
