package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"sync"
	"testing"
)

// tierStore is an in-memory tier holding encoded payloads. Deleting a
// missing id reports fs.ErrNotExist when strict is set.
type tierStore struct {
	mu       sync.Mutex
	payloads map[ID][]byte
	strict   bool
	failGet  error
}

func newTier() *tierStore { return &tierStore{payloads: make(map[ID][]byte)} }

func (s *tierStore) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	id := IDFor(plain, opts)
	payload, err := Encode(plain, id, opts)
	if err != nil {
		return "", 0, err
	}
	return id, int64(len(plain)), s.Restore(ctx, id, payload)
}

func (s *tierStore) Restore(ctx context.Context, id ID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[id] = bytes.Clone(payload)
	return nil
}

func (s *tierStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, 0, s.failGet
	}
	payload, ok := s.payloads[id]
	if !ok {
		return nil, 0, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(payload))), int64(len(payload)), nil
}

func (s *tierStore) Delete(ctx context.Context, id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payloads[id]; !ok && s.strict {
		return fs.ErrNotExist
	}
	delete(s.payloads, id)
	return nil
}

func (s *tierStore) Exists(ctx context.Context, id ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.payloads[id]
	return ok, nil
}

func (s *tierStore) has(id ID) bool {
	ok, _ := s.Exists(context.Background(), id)
	return ok
}

func TestHybridStorePutTiers(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mirror bool
	}{
		{"mirrored", true},
		{"primary only", false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			primary, secondary := newTier(), newTier()
			hybrid, err := NewHybridStore(primary, secondary, HybridOptions{MirrorSecondary: tc.mirror})
			if err != nil {
				t.Fatalf("new hybrid: %v", err)
			}
			id, n, err := hybrid.Put(context.Background(), bytes.NewReader([]byte("bios")), 4, PutOptions{Compression: CompressionZstd})
			if err != nil || n != 4 {
				t.Fatalf("put = %d, %v", n, err)
			}
			if !primary.has(id) {
				t.Fatalf("primary missing shard")
			}
			if secondary.has(id) != tc.mirror {
				t.Fatalf("secondary holds shard = %v, want %v", secondary.has(id), tc.mirror)
			}
		})
	}
}

func TestHybridStoreFallsBackAndRestores(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name        string
		cacheOnRead bool
		primaryErr  error
	}{
		{"restore after loss", true, nil},
		{"no restore", false, nil},
		{"primary failing", false, errors.New("disk offline")},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			primary, secondary := newTier(), newTier()
			hybrid, err := NewHybridStore(primary, secondary, HybridOptions{MirrorSecondary: true, CacheOnRead: tc.cacheOnRead})
			if err != nil {
				t.Fatalf("new hybrid: %v", err)
			}
			opts := PutOptions{Compression: CompressionLZ4}
			plain := bytes.Repeat([]byte("image "), 64)
			id, _, err := hybrid.Put(ctx, bytes.NewReader(plain), int64(len(plain)), opts)
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			primary.Delete(ctx, id)
			primary.failGet = tc.primaryErr

			rc, _, err := hybrid.Get(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			stored, _ := io.ReadAll(rc)
			rc.Close()
			if got, err := Decode(stored, id, opts); err != nil || !bytes.Equal(got, plain) {
				t.Fatalf("decode = %v", err)
			}
			if primary.has(id) != tc.cacheOnRead {
				t.Fatalf("restored into primary = %v, want %v", primary.has(id), tc.cacheOnRead)
			}
		})
	}
}

func TestHybridStoreGetMissingEverywhere(t *testing.T) {
	hybrid, err := NewHybridStore(newTier(), newTier(), HybridOptions{})
	if err != nil {
		t.Fatalf("new hybrid: %v", err)
	}
	if _, _, err := hybrid.Get(context.Background(), "nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if _, err := NewHybridStore(nil, newTier(), HybridOptions{}); err == nil {
		t.Fatalf("expected error for missing primary")
	}
}

func TestHybridStoreDelete(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newTier(), newTier()
	primary.strict, secondary.strict = true, true
	hybrid, err := NewHybridStore(primary, secondary, HybridOptions{MirrorSecondary: true})
	if err != nil {
		t.Fatalf("new hybrid: %v", err)
	}
	mirrored, _, _ := hybrid.Put(ctx, bytes.NewReader([]byte("both")), 4, PutOptions{})
	local, _, _ := primary.Put(ctx, bytes.NewReader([]byte("local")), 5, PutOptions{})

	if err := hybrid.Delete(ctx, mirrored); err != nil {
		t.Fatalf("delete mirrored: %v", err)
	}
	if primary.has(mirrored) || secondary.has(mirrored) {
		t.Fatalf("shard left behind after delete")
	}
	if err := hybrid.Delete(ctx, local); err != nil {
		t.Fatalf("delete held by one tier: %v", err)
	}
	if err := hybrid.Delete(ctx, local); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("delete missing everywhere = %v", err)
	}
}
