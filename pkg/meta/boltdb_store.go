package meta

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketShards  = []byte("shards")
	bucketGCQueue = []byte("gc_queue")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("meta: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("meta: cbor decoder: " + err.Error())
	}
}

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists records in BoltDB, cbor-encoded.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (creating if needed) a Bolt-backed store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketShards, bucketGCQueue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		if err := decMode.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("boltdb: decode %s: %w", key, err)
		}
		return nil
	})
	return rec, err
}

func (b *BoltStore) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("meta: record key required")
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("boltdb: encode %s: %w", rec.Key, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(rec.Key), data)
	})
}

func (b *BoltStore) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		if bkt.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return bkt.Delete([]byte(key))
	})
}

func (b *BoltStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (b *BoltStore) IncRef(ctx context.Context, shardID string, delta int) (int, error) {
	var refs int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketShards)
		key := []byte(shardID)
		cur := decodeInt(bkt.Get(key)) + delta
		if cur <= 0 {
			refs = 0
			return bkt.Delete(key)
		}
		refs = cur
		if err := bkt.Put(key, encodeInt(cur)); err != nil {
			return err
		}
		return tx.Bucket(bucketGCQueue).Delete(key)
	})
	return refs, err
}

func (b *BoltStore) DecideGC(ctx context.Context, shardID string, refs int) error {
	if refs > 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGCQueue).Put([]byte(shardID), []byte{})
	})
}

func (b *BoltStore) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGCQueue).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			out = append(out, string(k))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) MarkGCComplete(ctx context.Context, shardID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGCQueue).Delete([]byte(shardID))
	})
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func encodeInt(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(int64(v)))
	return buf
}

func decodeInt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(int64(binary.BigEndian.Uint64(b)))
}
