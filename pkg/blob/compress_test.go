package blob

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("abcd"), 1024)
	random := make([]byte, 512)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand: %v", err)
	}
	cases := []struct {
		name string
		c    Compression
		data []byte
		tag  Compression
	}{
		{"none", CompressionNone, compressible, CompressionNone},
		{"lz4", CompressionLZ4, compressible, CompressionLZ4},
		{"zstd", CompressionZstd, compressible, CompressionZstd},
		{"zstd incompressible", CompressionZstd, random, CompressionNone},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			framed, err := compress(tc.data, tc.c)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if Compression(framed[0]) != tc.tag {
				t.Fatalf("tag = %v, want %v", Compression(framed[0]), tc.tag)
			}
			got, err := decompress(framed)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(got, tc.data) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestDecompressRejectsCorruptFrames(t *testing.T) {
	framed, err := compress(bytes.Repeat([]byte("z"), 256), CompressionZstd)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := decompress(framed[:1]); err == nil {
		t.Fatalf("expected short frame error")
	}
	bad := append([]byte(nil), framed...)
	bad[0] = 9
	if _, err := decompress(bad); err == nil {
		t.Fatalf("expected unknown tag error")
	}
	if _, err := decompress([]byte{byte(CompressionNone), 5, 'a'}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "LZ4": CompressionLZ4, "zstd": CompressionZstd} {
		got, err := ParseCompression(name)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Fatalf("expected error for unknown compression")
	}
}
