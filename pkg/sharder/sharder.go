// Package sharder splits committed images into content-addressed shards
// and reassembles them.
package sharder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	mh "github.com/multiformats/go-multihash"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/encryption"
)

// DefaultChunkSize is used when WriterOptions.ChunkSize is unset.
const DefaultChunkSize = 1 << 20

// ErrChecksum is returned when a reassembled shard does not match its
// recorded multihash.
var ErrChecksum = errors.New("sharder: shard checksum mismatch")

// Shard describes one stored chunk of an image.
type Shard struct {
	ID          blob.ID
	Offset      int64
	Size        int64
	Checksum    string // base58 sha2-256 multihash of the plain chunk
	Compression blob.Compression
	Sealed      encryption.Method
}

// WriterOptions controls chunking behaviour.
type WriterOptions struct {
	ChunkSize   int64
	Concurrency int
	Put         blob.PutOptions
}

// ReaderOptions controls reassembly.
type ReaderOptions struct {
	Concurrency int
	// Key opens sealed shards.
	Key []byte
}

// ChunkAndStore splits r into shards and persists them.
func ChunkAndStore(ctx context.Context, store blob.Store, r io.Reader, opts WriterOptions) ([]Shard, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	var chunks [][]byte
	for {
		buf := make([]byte, opts.ChunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	shards := make([]Shard, len(chunks))
	var offset int64
	for i, chunk := range chunks {
		shards[i].Offset = offset
		offset += int64(len(chunk))
	}
	err := parallel(ctx, len(chunks), opts.Concurrency, func(ctx context.Context, i int) error {
		shard, err := persistChunk(ctx, store, chunks[i], opts.Put)
		if err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		shard.Offset = shards[i].Offset
		shards[i] = shard
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shards, nil
}

// Concat fetches shards and writes them at their offsets into w,
// returning the total plain size.
func Concat(ctx context.Context, store blob.Store, shards []Shard, w io.WriterAt, opts ReaderOptions) (int64, error) {
	var mu sync.Mutex
	var total int64
	err := parallel(ctx, len(shards), opts.Concurrency, func(ctx context.Context, i int) error {
		data, err := fetchShard(ctx, store, shards[i], opts.Key)
		if err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.WriteAt(data, shards[i].Offset); err != nil {
			return err
		}
		total += int64(len(data))
		return nil
	})
	return total, err
}

// Load reassembles shards into a single buffer.
func Load(ctx context.Context, store blob.Store, shards []Shard, opts ReaderOptions) ([]byte, error) {
	var size int64
	for _, s := range shards {
		if end := s.Offset + s.Size; end > size {
			size = end
		}
	}
	buf := &bufferAt{buf: make([]byte, size)}
	if _, err := Concat(ctx, store, shards, buf, opts); err != nil {
		return nil, err
	}
	return buf.buf, nil
}

// Checksum returns the base58 sha2-256 multihash of data.
func Checksum(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return sum.B58String(), nil
}

func persistChunk(ctx context.Context, store blob.Store, chunk []byte, put blob.PutOptions) (Shard, error) {
	sum, err := Checksum(chunk)
	if err != nil {
		return Shard{}, err
	}
	id, written, err := store.Put(ctx, bytes.NewReader(chunk), int64(len(chunk)), put)
	if err != nil {
		return Shard{}, err
	}
	method := encryption.MethodNone
	if put.Encryption.Enabled() {
		method = put.Encryption.Method
	}
	return Shard{
		ID:          id,
		Size:        written,
		Checksum:    sum,
		Compression: put.Compression,
		Sealed:      method,
	}, nil
}

func fetchShard(ctx context.Context, store blob.Store, shard Shard, key []byte) ([]byte, error) {
	rc, _, err := store.Get(ctx, shard.ID)
	if err != nil {
		return nil, err
	}
	stored, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	data, err := blob.Decode(stored, shard.ID, blob.PutOptions{
		Compression: shard.Compression,
		Encryption:  encryption.Options{Method: shard.Sealed, Key: key},
	})
	if err != nil {
		return nil, err
	}
	if shard.Checksum != "" {
		sum, err := Checksum(data)
		if err != nil {
			return nil, err
		}
		if sum != shard.Checksum {
			return nil, fmt.Errorf("%w: %s", ErrChecksum, shard.ID)
		}
	}
	return data, nil
}

// parallel runs fn for 0..n-1 on at most workers goroutines and returns
// the first error, cancelling the rest.
func parallel(ctx context.Context, n, workers int, fn func(context.Context, int) error) error {
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := fn(ctx, i); err != nil {
					once.Do(func() {
						firstErr = err
						cancel()
					})
				}
			}
		}()
	}
feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

type bufferAt struct{ buf []byte }

func (b *bufferAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b.buf)) {
		return 0, fmt.Errorf("sharder: write [%d,%d) outside image of %d bytes", off, off+int64(len(p)), len(b.buf))
	}
	return copy(b.buf[off:], p), nil
}
