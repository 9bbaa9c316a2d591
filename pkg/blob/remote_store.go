package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/xblob/pkg/cache"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// DefaultRemotePrefix is the object key prefix used when RemoteConfig.Prefix
// is empty.
const DefaultRemotePrefix = "shards/"

// RemoteConfig is the provider-independent part of a remote store.
type RemoteConfig struct {
	Endpoint string
	Bucket   string
	// Prefix is prepended to every object key.
	Prefix       string
	Client       *http.Client
	CacheEntries int // zero selects 512, negative disables
	CacheTTL     time.Duration
}

// Signer authenticates a request before it is sent.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// StatusError is an unexpected HTTP status from the object store.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s: %d %s: %s", e.Op, e.Status, http.StatusText(e.Status), e.Body)
}

// ErrorKind classifies the status for xerrors.KindOf.
func (e *StatusError) ErrorKind() xerrors.Kind {
	if e.Status == http.StatusNotFound {
		return xerrors.KindNotFound
	}
	return xerrors.KindBackendFailure
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// RemoteStore keeps shards as objects in an S3-compatible bucket, addressed
// path-style as endpoint/bucket/prefix+id. Fetched shards are cached.
type RemoteStore struct {
	client *http.Client
	base   string
	signer Signer
	shards *cache.Cache[ID, []byte]
}

func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	bucket := strings.Trim(cfg.Bucket, "/")
	switch {
	case cfg.Endpoint == "":
		return nil, xerrors.E(xerrors.KindInvalid, "remote.new", "endpoint")
	case bucket == "":
		return nil, xerrors.E(xerrors.KindInvalid, "remote.new", "bucket")
	case signer == nil:
		return nil, xerrors.E(xerrors.KindInvalid, "remote.new", "signer")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRemotePrefix
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	s := &RemoteStore{
		client: client,
		base:   strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket + "/" + strings.Trim(prefix, "/") + "/",
		signer: signer,
	}
	entries := cfg.CacheEntries
	if entries == 0 {
		entries = 512
	}
	if entries > 0 {
		s.shards = cache.New[ID, []byte](cache.Options{Capacity: entries, TTL: cfg.CacheTTL})
	}
	return s, nil
}

// Put uploads the encoded shard unless the bucket already holds its id.
func (r *RemoteStore) Put(ctx context.Context, src io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	plain, err := readPayload(src, size)
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindBackendFailure, "remote.put", "", err)
	}
	id := IDFor(plain, opts)
	if ok, err := r.Exists(ctx, id); err != nil {
		return "", 0, err
	} else if ok {
		return id, int64(len(plain)), nil
	}
	payload, err := Encode(plain, id, opts)
	if err != nil {
		return "", 0, err
	}
	if err := r.expect(ctx, "put", http.MethodPut, id, payload); err != nil {
		return "", 0, err
	}
	return id, int64(len(plain)), nil
}

func (r *RemoteStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	if r.shards != nil {
		if payload, ok := r.shards.Get(id); ok {
			return io.NopCloser(bytes.NewReader(payload)), int64(len(payload)), nil
		}
	}
	resp, err := r.do(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, xerrors.Wrap(xerrors.KindNotFound, "remote.get", string(id), fs.ErrNotExist)
	case resp.StatusCode >= 300:
		return nil, 0, statusError("get", resp)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindBackendFailure, "remote.get", string(id), err)
	}
	if r.shards != nil && len(payload) > 0 {
		r.shards.Set(id, payload)
	}
	return io.NopCloser(bytes.NewReader(payload)), int64(len(payload)), nil
}

// Delete removes the object. S3 answers deletes of missing keys with
// success, so a missing shard is not reported.
func (r *RemoteStore) Delete(ctx context.Context, id ID) error {
	if r.shards != nil {
		r.shards.Delete(id)
	}
	err := r.expect(ctx, "delete", http.MethodDelete, id, nil)
	if xerrors.KindOf(err) == xerrors.KindNotFound {
		return nil
	}
	return err
}

func (r *RemoteStore) Exists(ctx context.Context, id ID) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, id, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &StatusError{Op: "head", Status: resp.StatusCode}
	}
}

// expect sends the request and turns any non-2xx status into a StatusError.
func (r *RemoteStore) expect(ctx context.Context, op, method string, id ID, payload []byte) error {
	resp, err := r.do(ctx, method, id, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	return nil
}

func (r *RemoteStore) do(ctx context.Context, method string, id ID, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+string(id), body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindBackendFailure, "remote."+strings.ToLower(method), string(id), err)
	}
	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])
	if payload != nil {
		md5Sum := md5.Sum(payload)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
		req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	}
	req.Header.Set("x-amz-content-sha256", payloadHash)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return nil, xerrors.Wrap(xerrors.KindBackendFailure, "remote.sign", string(id), err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), "remote."+strings.ToLower(method), string(id), err)
	}
	return resp, nil
}

// S3Config adds AWS SigV4 credentials to RemoteConfig.
type S3Config struct {
	RemoteConfig
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3Store builds a RemoteStore that signs requests with SigV4.
func NewS3Store(cfg S3Config) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 store requires access key, secret key, and region")
	}
	return NewRemoteStore(cfg.RemoteConfig, &sigV4{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
		now:       time.Now,
	})
}
