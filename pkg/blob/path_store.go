package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jacktea/xblob/pkg/xerrors"
)

// PathStore keeps encoded shards as files under root. A shard id "abcd..."
// lives at root/ab/cd/abcd... so no directory grows too large.
type PathStore struct {
	root string
}

// NewPathStore creates root if needed.
func NewPathStore(root string) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "pathstore.new", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindBackendFailure, "pathstore.new", root, err)
	}
	return &PathStore{root: root}, nil
}

// Put stores plain under its content id. Storing an id that is already
// present is a no-op.
func (p *PathStore) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	plain, err := readPayload(r, size)
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindBackendFailure, "pathstore.put", "", err)
	}
	id := IDFor(plain, opts)
	switch ok, err := p.Exists(ctx, id); {
	case err != nil:
		return "", 0, err
	case ok:
		return id, int64(len(plain)), nil
	}
	payload, err := Encode(plain, id, opts)
	if err != nil {
		return "", 0, err
	}
	if err := p.Restore(ctx, id, payload); err != nil {
		return "", 0, err
	}
	return id, int64(len(plain)), nil
}

// Restore writes an already encoded payload under id.
func (p *PathStore) Restore(ctx context.Context, id ID, payload []byte) error {
	dst := p.shardPath(id)
	if err := writeAtomic(dst, payload); err != nil {
		return xerrors.Wrap(xerrors.KindBackendFailure, "pathstore.write", string(id), err)
	}
	return nil
}

// writeAtomic writes payload next to dst and renames it into place, so a
// reader never sees a partial shard.
func writeAtomic(dst string, payload []byte) (err error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".shard-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(payload); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (p *PathStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	f, err := os.Open(p.shardPath(id))
	if err != nil {
		return nil, 0, p.fail("pathstore.get", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, p.fail("pathstore.get", id, err)
	}
	return f, info.Size(), nil
}

// Delete removes the shard. A missing shard reports fs.ErrNotExist.
func (p *PathStore) Delete(ctx context.Context, id ID) error {
	if err := os.Remove(p.shardPath(id)); err != nil {
		return p.fail("pathstore.delete", id, err)
	}
	return nil
}

func (p *PathStore) Exists(ctx context.Context, id ID) (bool, error) {
	_, err := os.Stat(p.shardPath(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, p.fail("pathstore.stat", id, err)
	}
}

func (p *PathStore) fail(op string, id ID, err error) error {
	kind := xerrors.KindBackendFailure
	if errors.Is(err, fs.ErrNotExist) {
		kind = xerrors.KindNotFound
	}
	return xerrors.Wrap(kind, op, string(id), err)
}

func (p *PathStore) shardPath(id ID) string {
	name := string(id)
	if len(name) < 4 {
		return filepath.Join(p.root, name)
	}
	return filepath.Join(p.root, name[:2], name[2:4], name)
}

// readPayload drains r, using size as a capacity hint.
func readPayload(r io.Reader, size int64) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, max(size, 0)))
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
