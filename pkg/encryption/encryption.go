// Package encryption seals stored shards at rest.
package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Method enumerates supported sealing algorithms.
type Method string

const (
	// MethodNone stores payloads as-is.
	MethodNone Method = "none"
	// MethodXChaCha20Poly1305 seals each payload under a key derived from
	// the master key and the payload's binding context.
	MethodXChaCha20Poly1305 Method = "xchacha20-poly1305"
)

// KeySize is the length of master and derived keys.
const KeySize = 32

// version is authenticated with every sealed payload.
const version byte = 0x01

// Overhead is the per-payload growth: version, nonce and tag.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfo = []byte("xblob.shard.v1")

// ErrAuthentication is returned when a sealed payload fails to open.
var ErrAuthentication = errors.New("encryption: authentication failed")

// Options describes how payloads are sealed.
type Options struct {
	Method Method
	Key    []byte
	// Context binds a sealed payload to its owner (for shards, the
	// plaintext checksum). Opening with a different context fails.
	Context []byte
}

// Enabled reports whether sealing should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodXChaCha20Poly1305:
		if len(o.Key) != KeySize {
			return fmt.Errorf("encryption: %s requires %d-byte key, got %d", o.Method, KeySize, len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// Encrypt seals data. The result is version || nonce || ciphertext+tag.
func Encrypt(data []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	key, err := deriveKey(opts.Key, opts.Context)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("encryption: nonce: %w", err)
	}
	out := make([]byte, 1, Overhead+len(data))
	out[0] = version
	out = append(out, nonce[:]...)
	return aead.Seal(out, nonce[:], data, aad(opts.Context)), nil
}

// Decrypt reverses Encrypt using opts.
func Decrypt(sealed []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return sealed, nil
	}
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("encryption: sealed payload is %d bytes, minimum %d", len(sealed), Overhead)
	}
	if sealed[0] != version {
		return nil, fmt.Errorf("encryption: unsupported payload version %d", sealed[0])
	}
	key, err := deriveKey(opts.Key, opts.Context)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], aad(opts.Context))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plain, nil
}

func deriveKey(master, context []byte) ([]byte, error) {
	info := make([]byte, 0, len(hkdfInfo)+len(context))
	info = append(append(info, hkdfInfo...), context...)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), key); err != nil {
		return nil, fmt.Errorf("encryption: derive key: %w", err)
	}
	return key, nil
}

func aad(context []byte) []byte {
	return append([]byte{version}, context...)
}
