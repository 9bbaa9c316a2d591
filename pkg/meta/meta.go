// Package meta persists handler records and shard reference counts.
package meta

import (
	"context"
	"fmt"
	iofs "io/fs"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned for missing records. It matches fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("meta: record not found: %w", iofs.ErrNotExist)

// Record is the persisted state of one committed blob.
type Record struct {
	Key      string     `cbor:"1,keyasint"`
	State    uint16     `cbor:"2,keyasint"`
	Size     uint32     `cbor:"3,keyasint"`
	Metadata []byte     `cbor:"4,keyasint,omitempty"`
	Data     []byte     `cbor:"5,keyasint,omitempty"` // inline payload for small blobs
	Digest   []byte     `cbor:"6,keyasint,omitempty"`
	Shards   []ShardRef `cbor:"7,keyasint,omitempty"`
	Updated  time.Time  `cbor:"8,keyasint"`
}

// ShardRef ties a record to stored data.
type ShardRef struct {
	ShardID     string `cbor:"1,keyasint"`
	Offset      int64  `cbor:"2,keyasint"`
	Size        int64  `cbor:"3,keyasint"`
	Checksum    string `cbor:"4,keyasint,omitempty"`
	Compression uint8  `cbor:"5,keyasint,omitempty"`
	Sealed      string `cbor:"6,keyasint,omitempty"`
}

// ShardIDs returns the shard ids referenced by r.
func (r Record) ShardIDs() []string {
	ids := make([]string, 0, len(r.Shards))
	for _, s := range r.Shards {
		ids = append(ids, s.ShardID)
	}
	return ids
}

// Store persists records.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	// List returns the sorted keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	IncRef(ctx context.Context, shardID string, delta int) (int, error)
	DecideGC(ctx context.Context, shardID string, refs int) error
	ListZeroRef(ctx context.Context, limit int) ([]string, error)
	MarkGCComplete(ctx context.Context, shardID string) error
}

// MemoryStore is an in-memory Store used when no database path is
// configured and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	shards    map[string]int
	pendingGC map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		shards:    make(map[string]int),
		pendingGC: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("meta: record key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) IncRef(ctx context.Context, shardID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.shards[shardID] + delta
	if refs <= 0 {
		delete(m.shards, shardID)
		return 0, nil
	}
	m.shards[shardID] = refs
	delete(m.pendingGC, shardID)
	return refs, nil
}

func (m *MemoryStore) DecideGC(ctx context.Context, shardID string, refs int) error {
	if refs > 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingGC[shardID] = struct{}{}
	return nil
}

func (m *MemoryStore) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pendingGC))
	for shardID := range m.pendingGC {
		out = append(out, shardID)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkGCComplete(ctx context.Context, shardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingGC, shardID)
	return nil
}

func cloneRecord(r Record) Record {
	r.Metadata = append([]byte(nil), r.Metadata...)
	r.Data = append([]byte(nil), r.Data...)
	r.Digest = append([]byte(nil), r.Digest...)
	r.Shards = append([]ShardRef(nil), r.Shards...)
	return r
}
