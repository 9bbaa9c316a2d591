// Package blob stores content-addressed shard payloads.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/jacktea/xblob/pkg/encryption"
)

// ID is the logical identifier for a shard.
type ID string

// Store is the minimal interface required by higher layers. Get returns
// the stored payload as written; callers reverse the encoding with Decode.
type Store interface {
	Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error)
	Get(ctx context.Context, id ID) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, id ID) error
	Exists(ctx context.Context, id ID) (bool, error)
}

// PutOptions controls how a payload is encoded before it is stored.
type PutOptions struct {
	Compression Compression
	Encryption  encryption.Options
}

// IDFor derives the content address of plain under opts. Payloads encoded
// differently never share an id.
func IDFor(plain []byte, opts PutOptions) ID {
	h := sha256.New()
	if opts.Compression != CompressionNone || opts.Encryption.Enabled() {
		h.Write([]byte(opts.Compression.String()))
		h.Write([]byte{0})
		h.Write([]byte(opts.Encryption.Method))
		h.Write([]byte{0})
	}
	h.Write(plain)
	return ID(hex.EncodeToString(h.Sum(nil)))
}

// Encode compresses then seals plain. Sealing is bound to id.
func Encode(plain []byte, id ID, opts PutOptions) ([]byte, error) {
	if opts.Compression == CompressionNone && !opts.Encryption.Enabled() {
		return plain, nil
	}
	framed, err := compress(plain, opts.Compression)
	if err != nil {
		return nil, err
	}
	enc := opts.Encryption
	enc.Context = []byte(id)
	return encryption.Encrypt(framed, enc)
}

// Decode reverses Encode for a payload stored under id.
func Decode(stored []byte, id ID, opts PutOptions) ([]byte, error) {
	if opts.Compression == CompressionNone && !opts.Encryption.Enabled() {
		return stored, nil
	}
	enc := opts.Encryption
	enc.Context = []byte(id)
	framed, err := encryption.Decrypt(stored, enc)
	if err != nil {
		return nil, err
	}
	return decompress(framed)
}
