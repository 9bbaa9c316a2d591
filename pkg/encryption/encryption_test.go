package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func testOptions(context string) Options {
	return Options{
		Method:  MethodXChaCha20Poly1305,
		Key:     bytes.Repeat([]byte{0x42}, KeySize),
		Context: []byte(context),
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	opts := testOptions("shard-1")
	sealed, err := Encrypt([]byte("top-secret"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(sealed) != len("top-secret")+Overhead {
		t.Fatalf("sealed length %d, want %d", len(sealed), len("top-secret")+Overhead)
	}
	plaintext, err := Decrypt(sealed, opts)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "top-secret" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	opts := testOptions("shard-1")
	a, err := Encrypt([]byte("same"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := Encrypt([]byte("same"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same payload are identical")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	opts := testOptions("shard-1")
	sealed, err := Encrypt([]byte("payload"), opts)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	flipped := append([]byte(nil), sealed...)
	flipped[len(flipped)-1] ^= 0x01
	if _, err := Decrypt(flipped, opts); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("tampered payload: %v", err)
	}
	if _, err := Decrypt(sealed, testOptions("shard-2")); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong context: %v", err)
	}
	if _, err := Decrypt(sealed[:Overhead-1], opts); err == nil {
		t.Fatalf("expected short payload error")
	}
}

func TestDisabledIsPassthrough(t *testing.T) {
	out, err := Encrypt([]byte("plain"), Options{Method: MethodNone})
	if err != nil || string(out) != "plain" {
		t.Fatalf("encrypt none = %q, %v", out, err)
	}
}

func TestValidateRejectsBadKey(t *testing.T) {
	err := (Options{Method: MethodXChaCha20Poly1305, Key: []byte("short")}).Validate()
	if err == nil {
		t.Fatalf("expected validation failure for short key")
	}
	if err := (Options{Method: "rot13", Key: make([]byte, KeySize)}).Validate(); err == nil {
		t.Fatalf("expected unsupported method error")
	}
}
