// Package client issues protocol requests over an Exchanger and decodes
// the replies into typed values and errors.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Exchanger carries one request frame to a server and returns its response frame.
type Exchanger interface {
	Exchange(ctx context.Context, request []byte) ([]byte, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f ExchangerFunc) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// RemoteError is a non-success completion code. Its message is the fixed
// text of the code.
type RemoteError struct {
	Code wire.Code
	// Err is the transport failure behind a locally detected timeout.
	Err error
}

func (e *RemoteError) Error() string { return e.Code.String() }

func (e *RemoteError) Unwrap() error { return e.Err }

// ErrorKind classifies the code for xerrors.KindOf.
func (e *RemoteError) ErrorKind() xerrors.Kind { return xerrors.KindForCode(e.Code) }

// Options configures a Client.
type Options struct {
	// Timeout bounds each exchange; zero leaves it to the caller's context.
	Timeout time.Duration
}

// Client speaks the blob protocol through an Exchanger.
type Client struct {
	ex      Exchanger
	timeout time.Duration
}

// New returns a client using ex.
func New(ex Exchanger, opts Options) *Client {
	return &Client{ex: ex, timeout: opts.Timeout}
}

// BlobCount asks the server to snapshot its identifiers and returns how many there are.
func (c *Client) BlobCount(ctx context.Context) (uint32, error) {
	p, err := c.call(ctx, wire.Request{Cmd: wire.CmdGetCount})
	if err != nil {
		return 0, err
	}
	return wire.DecodeCount(p)
}

// Enumerate returns the identifier at index of the last snapshot.
func (c *Client) Enumerate(ctx context.Context, index uint32) (string, error) {
	p, err := c.call(ctx, wire.Request{Cmd: wire.CmdEnumerate, Index: index})
	if err != nil {
		return "", err
	}
	return wire.DecodeBlobID(p)
}

// BlobIDs lists every identifier the server knows.
func (c *Client) BlobIDs(ctx context.Context) ([]string, error) {
	n, err := c.BlobCount(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := c.Enumerate(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("enumerate %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) Open(ctx context.Context, flags wire.OpenFlags, id string) (uint16, error) {
	p, err := c.call(ctx, wire.Request{Cmd: wire.CmdOpen, Flags: flags, BlobID: id})
	if err != nil {
		return 0, err
	}
	return wire.DecodeSession(p)
}

func (c *Client) Read(ctx context.Context, session uint16, offset, size uint32) ([]byte, error) {
	return c.call(ctx, wire.Request{Cmd: wire.CmdRead, Session: session, Offset: offset, Length: size})
}

func (c *Client) Write(ctx context.Context, session uint16, offset uint32, data []byte) error {
	_, err := c.call(ctx, wire.Request{Cmd: wire.CmdWrite, Session: session, Offset: offset, Data: data})
	return err
}

func (c *Client) WriteMeta(ctx context.Context, session uint16, offset uint32, data []byte) error {
	_, err := c.call(ctx, wire.Request{Cmd: wire.CmdWriteMeta, Session: session, Offset: offset, Data: data})
	return err
}

// Commit starts the commit. Poll SessionStat to observe completion.
func (c *Client) Commit(ctx context.Context, session uint16, data []byte) error {
	if len(data) > wire.MaxCommitData {
		return xerrors.Wrap(xerrors.KindMalformedFrame, "commit", "",
			fmt.Errorf("commit data is %d bytes, limit %d", len(data), wire.MaxCommitData))
	}
	_, err := c.call(ctx, wire.Request{Cmd: wire.CmdCommit, Session: session, Data: data})
	return err
}

func (c *Client) Close(ctx context.Context, session uint16) error {
	_, err := c.call(ctx, wire.Request{Cmd: wire.CmdClose, Session: session})
	return err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.call(ctx, wire.Request{Cmd: wire.CmdDelete, BlobID: id})
	return err
}

func (c *Client) Stat(ctx context.Context, id string) (wire.BlobMeta, error) {
	p, err := c.call(ctx, wire.Request{Cmd: wire.CmdStat, BlobID: id})
	if err != nil {
		return wire.BlobMeta{}, err
	}
	return wire.DecodeMeta(p)
}

func (c *Client) SessionStat(ctx context.Context, session uint16) (wire.BlobMeta, error) {
	p, err := c.call(ctx, wire.Request{Cmd: wire.CmdSessionStat, Session: session})
	if err != nil {
		return wire.BlobMeta{}, err
	}
	return wire.DecodeMeta(p)
}

func (c *Client) call(ctx context.Context, req wire.Request) ([]byte, error) {
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.ex.Exchange(ctx, frame)
	if err != nil {
		return nil, transportError(req.Cmd, err)
	}
	code, payload, err := wire.DecodeResponse(resp)
	if err != nil {
		return nil, err
	}
	if code != wire.CodeSuccess {
		return nil, &RemoteError{Code: code}
	}
	return payload, nil
}

func transportError(cmd wire.Command, err error) error {
	if isTimeout(err) {
		return &RemoteError{Code: wire.CodeTimeout, Err: err}
	}
	return xerrors.Wrap(xerrors.KindBackendFailure, cmd.String(), "", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.DeadlineExceeded {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Retryable reports whether err from cmd may be retried as is. Timeouts
// are retried only for commands that do not change server state.
func Retryable(cmd wire.Command, err error) bool {
	if xerrors.KindOf(err) != xerrors.KindTimeout {
		return false
	}
	switch cmd {
	case wire.CmdGetCount, wire.CmdEnumerate, wire.CmdRead, wire.CmdStat, wire.CmdSessionStat:
		return true
	}
	return false
}
