package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/client"
	"github.com/jacktea/xblob/pkg/encryption"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

func TestBuildBlobStoreLocal(t *testing.T) {
	store, err := buildBlobStore("local", storageOptions{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*blob.PathStore); !ok {
		t.Fatalf("expected path store, got %T", store)
	}
	if _, err := buildBlobStore("local", storageOptions{}); err == nil {
		t.Fatalf("expected missing root error")
	}
}

func TestBuildBlobStoreS3(t *testing.T) {
	if _, err := buildBlobStore("s3", storageOptions{}); err == nil {
		t.Fatalf("expected validation error")
	}
	store, err := buildBlobStore("s3", storageOptions{
		Endpoint:  "https://s3.example.com",
		Bucket:    "bucket",
		Region:    "us-east-1",
		AccessKey: "ak",
		SecretKey: "sk",
	})
	if err != nil || store == nil {
		t.Fatalf("s3 store = %v, %v", store, err)
	}
	if _, err := buildBlobStore("oss", storageOptions{}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestBuildShardStoreHybrid(t *testing.T) {
	cfg := serveConfig{
		Provider:       "local",
		Storage:        storageOptions{Root: t.TempDir()},
		HybridProvider: "local",
		Hybrid:         storageOptions{Root: t.TempDir()},
	}
	store, err := buildShardStore(cfg)
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if _, ok := store.(*blob.HybridStore); !ok {
		t.Fatalf("expected hybrid store, got %T", store)
	}
}

func TestBuildWriterOptions(t *testing.T) {
	key := strings.Repeat("ab", encryption.KeySize)
	opts, err := buildWriterOptions(serveConfig{Compression: "zstd", Key: key, ChunkKiB: 64})
	if err != nil {
		t.Fatalf("writer options: %v", err)
	}
	if opts.ChunkSize != 64<<10 || opts.Put.Compression != blob.CompressionZstd {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.Put.Encryption.Method != encryption.MethodXChaCha20Poly1305 || len(opts.Put.Encryption.Key) != encryption.KeySize {
		t.Fatalf("encryption = %+v", opts.Put.Encryption)
	}

	for _, tc := range []serveConfig{
		{Compression: "brotli"},
		{Key: "zz"},
		{Key: "abcd"},
	} {
		if _, err := buildWriterOptions(tc); err == nil {
			t.Fatalf("expected error for %+v", tc)
		}
	}
}

func TestFormatState(t *testing.T) {
	cases := []struct {
		in   wire.StateFlags
		want string
	}{
		{0, "none"},
		{wire.StateOpenRead | wire.StateCommitted, "open_read,committed"},
		{wire.StateCommitError | 0x0800, "commit_error,0x0800"},
	}
	for _, tc := range cases {
		if got := formatState(tc.in); got != tc.want {
			t.Fatalf("formatState(%#x) = %q, want %q", uint16(tc.in), got, tc.want)
		}
	}
}

func newLoopback(t *testing.T) *client.Client {
	t.Helper()
	cfg := serveConfig{
		Provider:    "local",
		Storage:     storageOptions{Root: t.TempDir()},
		ChunkKiB:    1,
		BinstoreIDs: []string{"/binstore/default/"},
		HashNames:   []string{"image"},
	}
	st, err := buildStack(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	t.Cleanup(st.close)
	ex := client.ExchangerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return st.dispatch.Handle(ctx, req), nil
	})
	return client.New(ex, client.Options{})
}

func TestPutCatRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newLoopback(t)
	payload := bytes.Repeat([]byte("firmware"), 400)

	if err := doPut(ctx, c, "/flash/fw", bytes.NewReader(payload), putOptions{Chunk: 500}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out bytes.Buffer
	if err := doCat(ctx, c, "/flash/fw", 700, &out); err != nil {
		t.Fatalf("cat: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Fatalf("cat returned %d bytes, want %d", out.Len(), len(payload))
	}

	out.Reset()
	if err := doStat(ctx, c, "/flash/fw", &out); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !strings.Contains(out.String(), "committed") || !strings.Contains(out.String(), "3200 bytes") {
		t.Fatalf("stat output %q", out.String())
	}

	out.Reset()
	if err := doList(ctx, c, &out); err != nil {
		t.Fatalf("ls: %v", err)
	}
	for _, id := range []string{"/binstore/default/", "/hash/image", "/flash/fw"} {
		if !strings.Contains(out.String(), id+"\n") {
			t.Fatalf("ls output %q missing %s", out.String(), id)
		}
	}

	if err := c.Delete(ctx, "/flash/fw"); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if err := doStat(ctx, c, "/flash/fw", &out); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("stat after rm = %v", err)
	}
}

func TestCatUnknownBlob(t *testing.T) {
	c := newLoopback(t)
	var out bytes.Buffer
	if err := doCat(context.Background(), c, "/nowhere", 0, &out); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("cat unknown = %v", err)
	}
}
