package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/jacktea/xblob/pkg/handler/handlertest"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/session"
	"github.com/jacktea/xblob/pkg/wire"
)

func newDispatcher(hs ...*handlertest.Memory) *Dispatcher {
	reg := registry.New()
	for _, h := range hs {
		reg.Register(h)
	}
	return New(Options{Manager: session.NewManager(session.Options{Registry: reg, Seed: 100})})
}

func call(t *testing.T, d *Dispatcher, req wire.Request) (wire.Code, []byte) {
	t.Helper()
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode %s: %v", req.Cmd, err)
	}
	code, payload, err := wire.DecodeResponse(d.Handle(context.Background(), frame))
	if err != nil {
		t.Fatalf("decode %s response: %v", req.Cmd, err)
	}
	return code, payload
}

func mustOK(t *testing.T, d *Dispatcher, req wire.Request) []byte {
	t.Helper()
	code, payload := call(t, d, req)
	if code != wire.CodeSuccess {
		t.Fatalf("%s: %s", req.Cmd, code)
	}
	return payload
}

func TestWriteCommitPollRead(t *testing.T) {
	mem := handlertest.NewMemory("/m/")
	mem.CommitPolls = 1
	d := newDispatcher(mem)

	sess, err := wire.DecodeSession(mustOK(t, d, wire.Request{Cmd: wire.CmdOpen, Flags: wire.OpenWrite, BlobID: "/m/fw"}))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	mustOK(t, d, wire.Request{Cmd: wire.CmdWrite, Session: sess, Data: []byte("hello")})
	mustOK(t, d, wire.Request{Cmd: wire.CmdWriteMeta, Session: sess, Data: []byte{0xaa}})
	mustOK(t, d, wire.Request{Cmd: wire.CmdCommit, Session: sess})

	var states []wire.StateFlags
	for i := 0; i < 3; i++ {
		m, err := wire.DecodeMeta(mustOK(t, d, wire.Request{Cmd: wire.CmdSessionStat, Session: sess}))
		if err != nil {
			t.Fatalf("meta: %v", err)
		}
		states = append(states, m.State)
		if m.State.Has(wire.StateCommitted) {
			if m.Size != 5 || !bytes.Equal(m.Metadata, []byte{0xaa}) {
				t.Fatalf("unexpected session stat %+v", m)
			}
			break
		}
	}
	if !states[0].Has(wire.StateCommitting) || !states[len(states)-1].Has(wire.StateCommitted) {
		t.Fatalf("commit never observed: %v", states)
	}
	mustOK(t, d, wire.Request{Cmd: wire.CmdClose, Session: sess})

	rsess, _ := wire.DecodeSession(mustOK(t, d, wire.Request{Cmd: wire.CmdOpen, Flags: wire.OpenRead, BlobID: "/m/fw"}))
	got := mustOK(t, d, wire.Request{Cmd: wire.CmdRead, Session: rsess, Offset: 1, Length: 100})
	if string(got) != "ello" {
		t.Fatalf("read = %q", got)
	}
	if got := mustOK(t, d, wire.Request{Cmd: wire.CmdRead, Session: rsess, Offset: 50, Length: 4}); len(got) != 0 {
		t.Fatalf("read past end = %q", got)
	}
	if code, _ := call(t, d, wire.Request{Cmd: wire.CmdDelete, BlobID: "/m/fw"}); code != wire.CodeConflict {
		t.Fatalf("delete with open session = %s", code)
	}
	mustOK(t, d, wire.Request{Cmd: wire.CmdClose, Session: rsess})
	mustOK(t, d, wire.Request{Cmd: wire.CmdDelete, BlobID: "/m/fw"})
	if code, _ := call(t, d, wire.Request{Cmd: wire.CmdStat, BlobID: "/m/fw"}); code != wire.CodeNotFound {
		t.Fatalf("stat after delete = %s", code)
	}
}

func TestGetCountAndEnumerate(t *testing.T) {
	first := handlertest.NewMemory("/a/", "/a/1", "/a/2")
	second := handlertest.NewMemory("/b/", "/b/1")
	d := newDispatcher(first, second)

	// enumerate before any get-count sees an empty snapshot
	if code, _ := call(t, d, wire.Request{Cmd: wire.CmdEnumerate, Index: 0}); code != wire.CodeNotFound {
		t.Fatalf("enumerate without count = %s", code)
	}
	n, err := wire.DecodeCount(mustOK(t, d, wire.Request{Cmd: wire.CmdGetCount}))
	if err != nil || n != 3 {
		t.Fatalf("count = %d, %v", n, err)
	}
	want := []string{"/a/1", "/a/2", "/b/1"}
	for i, w := range want {
		id, err := wire.DecodeBlobID(mustOK(t, d, wire.Request{Cmd: wire.CmdEnumerate, Index: uint32(i)}))
		if err != nil || id != w {
			t.Fatalf("enumerate %d = %q, %v", i, id, err)
		}
	}
	if code, _ := call(t, d, wire.Request{Cmd: wire.CmdEnumerate, Index: 3}); code != wire.CodeNotFound {
		t.Fatalf("enumerate out of range = %s", code)
	}
}

func TestHandleErrorCodes(t *testing.T) {
	mem := handlertest.NewMemory("/m/", "/m/a")
	d := newDispatcher(mem)
	ctx := context.Background()

	tests := []struct {
		name    string
		request []byte
		want    wire.Code
	}{
		{name: "empty", request: nil, want: wire.CodeMalformed},
		{name: "two bytes", request: []byte{byte(wire.CmdStat), 0x01}, want: wire.CodeMalformed},
		{name: "unknown command", request: []byte{0x42}, want: wire.CodeInvalidCommand},
		{name: "bad crc", request: []byte{byte(wire.CmdClose), 0x00, 0x00, 0x01, 0x00}, want: wire.CodeMalformed},
		{name: "unknown session", request: mustEncode(t, wire.Request{Cmd: wire.CmdClose, Session: 9}), want: wire.CodeInvalidSession},
		{name: "unknown blob", request: mustEncode(t, wire.Request{Cmd: wire.CmdStat, BlobID: "/zz"}), want: wire.CodeNotFound},
		{name: "no flags", request: mustEncode(t, wire.Request{Cmd: wire.CmdOpen, BlobID: "/m/a"}), want: wire.CodeInvalidState},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp := d.Handle(ctx, tc.request)
			if len(resp) != 1 || wire.Code(resp[0]) != tc.want {
				t.Fatalf("response % x, want code %s", resp, tc.want)
			}
		})
	}
}

func TestHandleRecoversHandlerPanic(t *testing.T) {
	mem := handlertest.NewMemory("/m/", "/m/a")
	mem.PanicOnRead = true
	d := newDispatcher(mem)

	sess, _ := wire.DecodeSession(mustOK(t, d, wire.Request{Cmd: wire.CmdOpen, Flags: wire.OpenRead, BlobID: "/m/a"}))
	if code, _ := call(t, d, wire.Request{Cmd: wire.CmdRead, Session: sess, Length: 4}); code != wire.CodeBackendFailure {
		t.Fatalf("panicking read = %s", code)
	}
	// the session lock was released by the unwinding
	mustOK(t, d, wire.Request{Cmd: wire.CmdClose, Session: sess})
}

func TestPanickingCloseStillEndsSession(t *testing.T) {
	mem := handlertest.NewMemory("/m/", "/m/a")
	mem.PanicOnClose = true
	d := newDispatcher(mem)

	sess, _ := wire.DecodeSession(mustOK(t, d, wire.Request{Cmd: wire.CmdOpen, Flags: wire.OpenRead, BlobID: "/m/a"}))
	if code, _ := call(t, d, wire.Request{Cmd: wire.CmdClose, Session: sess}); code != wire.CodeBackendFailure {
		t.Fatalf("panicking close = %s", code)
	}
	if n := d.Manager().Count(); n != 0 {
		t.Fatalf("live sessions after close = %d", n)
	}
	if code, _ := call(t, d, wire.Request{Cmd: wire.CmdSessionStat, Session: sess}); code != wire.CodeInvalidSession {
		t.Fatalf("sessionstat after close = %s", code)
	}
}

func mustEncode(t *testing.T, req wire.Request) []byte {
	t.Helper()
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frame
}
