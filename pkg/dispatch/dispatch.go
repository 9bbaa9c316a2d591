// Package dispatch turns request frames into calls on the session manager
// and encodes the outcome as a response frame.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jacktea/xblob/pkg/logging"
	"github.com/jacktea/xblob/pkg/session"
	"github.com/jacktea/xblob/pkg/wire"
	"github.com/jacktea/xblob/pkg/xerrors"
)

// Options configures a Dispatcher.
type Options struct {
	Manager *session.Manager
	Logger  *zerolog.Logger
}

// Dispatcher answers every request frame with a response frame.
type Dispatcher struct {
	mgr *session.Manager
	log zerolog.Logger

	mu  sync.Mutex
	ids []string // snapshot taken by the last get-count
}

// New returns a dispatcher over opts.Manager.
func New(opts Options) *Dispatcher {
	mgr := opts.Manager
	if mgr == nil {
		mgr = session.NewManager(session.Options{Logger: opts.Logger})
	}
	return &Dispatcher{
		mgr: mgr,
		log: logging.OrNop(opts.Logger).With().Str("component", "dispatch").Logger(),
	}
}

// Manager returns the session manager requests are routed to.
func (d *Dispatcher) Manager() *session.Manager { return d.mgr }

// Handle decodes request, executes it and encodes the result. It never
// panics: a failing handler is reported as a backend failure.
func (d *Dispatcher) Handle(ctx context.Context, request []byte) (response []byte) {
	req, err := wire.DecodeRequest(request)
	if err != nil {
		d.log.Debug().Err(err).Int("len", len(request)).Msg("rejected request")
		return wire.EncodeResponse(xerrors.CodeFor(err), nil)
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("cmd", req.Cmd.String()).Interface("panic", r).Msg("handler panic")
			response = wire.EncodeResponse(wire.CodeBackendFailure, nil)
		}
	}()
	payload, err := d.exec(ctx, req)
	if err != nil {
		code := xerrors.CodeFor(err)
		d.log.Debug().Err(err).Str("cmd", req.Cmd.String()).Str("code", code.String()).Msg("request failed")
		return wire.EncodeResponse(code, nil)
	}
	return wire.EncodeResponse(wire.CodeSuccess, payload)
}

func (d *Dispatcher) exec(ctx context.Context, req wire.Request) ([]byte, error) {
	switch req.Cmd {
	case wire.CmdGetCount:
		ids := d.mgr.Registry().ListAllBlobIDs()
		d.mu.Lock()
		d.ids = ids
		d.mu.Unlock()
		return wire.EncodeCount(uint32(len(ids))), nil
	case wire.CmdEnumerate:
		d.mu.Lock()
		var id string
		if int64(req.Index) < int64(len(d.ids)) {
			id = d.ids[req.Index]
		}
		d.mu.Unlock()
		if id == "" {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "enumerate", "", fmt.Errorf("index %d out of range", req.Index))
		}
		return wire.EncodeBlobID(id)
	case wire.CmdOpen:
		id, err := d.mgr.Open(ctx, req.Flags, req.BlobID)
		if err != nil {
			return nil, err
		}
		return wire.EncodeSession(id), nil
	case wire.CmdRead:
		return d.mgr.Read(ctx, req.Session, req.Offset, req.Length)
	case wire.CmdWrite:
		return nil, d.mgr.Write(ctx, req.Session, req.Offset, req.Data)
	case wire.CmdWriteMeta:
		return nil, d.mgr.WriteMeta(ctx, req.Session, req.Offset, req.Data)
	case wire.CmdCommit:
		return nil, d.mgr.Commit(ctx, req.Session, req.Data)
	case wire.CmdClose:
		return nil, d.mgr.Close(ctx, req.Session)
	case wire.CmdDelete:
		return nil, d.mgr.Delete(ctx, req.BlobID)
	case wire.CmdStat:
		m, err := d.mgr.Stat(ctx, req.BlobID)
		if err != nil {
			return nil, err
		}
		return wire.EncodeMeta(m), nil
	case wire.CmdSessionStat:
		m, err := d.mgr.SessionStat(ctx, req.Session)
		if err != nil {
			return nil, err
		}
		return wire.EncodeMeta(m), nil
	default:
		return nil, &wire.FrameError{Code: wire.CodeInvalidCommand, Reason: "unknown command " + req.Cmd.String()}
	}
}
