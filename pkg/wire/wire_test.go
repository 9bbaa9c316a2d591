package wire

import (
	"errors"
	"reflect"
	"testing"
)

func TestChecksum16Vectors(t *testing.T) {
	testcases := []struct {
		name string
		in   string
		want uint16
	}{
		{name: "empty", in: "", want: 0xffff},
		{name: "single byte", in: "A", want: 0xb915},
		{name: "check string", in: "123456789", want: 0x29b1},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := Checksum16([]byte(tc.in)); got != tc.want {
				t.Fatalf("Checksum16(%q) = %#04x, want %#04x", tc.in, got, tc.want)
			}
			if !Verify([]byte(tc.in), tc.want) {
				t.Fatalf("Verify(%q) = false", tc.in)
			}
		})
	}
}

func TestChecksum16DetectsBitFlips(t *testing.T) {
	data := []byte("/flash/image firmware payload")
	sum := Checksum16(data)
	for i := range data {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), data...)
			mutated[i] ^= 1 << bit
			if Verify(mutated, sum) {
				t.Fatalf("flip of byte %d bit %d not detected", i, bit)
			}
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	testcases := []Request{
		{Cmd: CmdGetCount},
		{Cmd: CmdEnumerate, Index: 7},
		{Cmd: CmdOpen, Flags: OpenRead | OpenWrite | 0x0100, BlobID: "/flash/bios"},
		{Cmd: CmdRead, Session: 0xbeef, Offset: 1024, Length: 54},
		{Cmd: CmdWrite, Session: 3, Offset: 5, Data: []byte("hello")},
		{Cmd: CmdWriteMeta, Session: 3, Offset: 0, Data: []byte{0x01}},
		{Cmd: CmdCommit, Session: 9},
		{Cmd: CmdCommit, Session: 9, Data: []byte{0xaa, 0xbb}},
		{Cmd: CmdClose, Session: 65535},
		{Cmd: CmdDelete, BlobID: "/binstore/a"},
		{Cmd: CmdStat, BlobID: "/hash/x"},
		{Cmd: CmdSessionStat, Session: 1},
	}
	for _, want := range testcases {
		want := want
		t.Run(want.Cmd.String(), func(t *testing.T) {
			buf, err := EncodeRequest(want)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := DecodeRequest(buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip = %+v, want %+v", got, want)
			}
		})
	}
}

func TestEncodeRequestLayout(t *testing.T) {
	buf, err := EncodeRequest(Request{Cmd: CmdClose, Session: 0x1234})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload := []byte{0x34, 0x12}
	sum := Checksum16(payload)
	want := []byte{byte(CmdClose), byte(sum), byte(sum >> 8), 0x34, 0x12}
	if !reflect.DeepEqual(buf, want) {
		t.Fatalf("layout = % x, want % x", buf, want)
	}
	bare, _ := EncodeRequest(Request{Cmd: CmdGetCount})
	if len(bare) != 1 {
		t.Fatalf("get-count frame = % x, want a single byte", bare)
	}
}

func withCRC(cmd Command, payload []byte) []byte {
	return frame(byte(cmd), payload)
}

func TestDecodeRequestMalformed(t *testing.T) {
	badCRC := withCRC(CmdClose, []byte{1, 0})
	badCRC[1] ^= 0xff

	testcases := []struct {
		name string
		buf  []byte
		code Code
	}{
		{name: "empty", buf: nil, code: CodeMalformed},
		{name: "unknown command", buf: []byte{0x42}, code: CodeInvalidCommand},
		{name: "truncated checksum", buf: []byte{byte(CmdClose), 0x00}, code: CodeMalformed},
		{name: "checksum mismatch", buf: badCRC, code: CodeMalformed},
		{name: "close missing payload", buf: []byte{byte(CmdClose)}, code: CodeMalformed},
		{name: "read short", buf: withCRC(CmdRead, []byte{1, 0, 0, 0}), code: CodeMalformed},
		{name: "write without data", buf: withCRC(CmdWrite, []byte{1, 0, 0, 0, 0, 0}), code: CodeMalformed},
		{name: "commit length too long", buf: withCRC(CmdCommit, []byte{1, 0, 4, 0xaa}), code: CodeMalformed},
		{name: "commit length too short", buf: withCRC(CmdCommit, []byte{1, 0, 0, 0xaa}), code: CodeMalformed},
		{name: "open without terminator", buf: withCRC(CmdOpen, []byte{1, 0, 'a', 'b'}), code: CodeMalformed},
		{name: "stat empty id", buf: withCRC(CmdStat, []byte{0}), code: CodeMalformed},
		{name: "delete trailing bytes", buf: withCRC(CmdDelete, []byte{'a', 0, 'b'}), code: CodeMalformed},
		{name: "get-count with payload", buf: withCRC(CmdGetCount, []byte{1}), code: CodeMalformed},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRequest(tc.buf)
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("DecodeRequest() error = %v, want *FrameError", err)
			}
			if fe.Code != tc.code {
				t.Fatalf("code = %#02x, want %#02x", fe.Code, tc.code)
			}
		})
	}
}

func TestEncodeRequestRejectsInvalidArgs(t *testing.T) {
	testcases := []struct {
		name string
		req  Request
	}{
		{name: "commit too long", req: Request{Cmd: CmdCommit, Data: make([]byte, MaxCommitData+1)}},
		{name: "empty id", req: Request{Cmd: CmdStat}},
		{name: "id with nul", req: Request{Cmd: CmdOpen, Flags: OpenRead, BlobID: "a\x00b"}},
		{name: "write without data", req: Request{Cmd: CmdWrite}},
		{name: "unknown", req: Request{Cmd: Command(99)}},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := EncodeRequest(tc.req); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestResponseFraming(t *testing.T) {
	meta := BlobMeta{State: StateCommitted | StateOpenRead, Size: 5, Metadata: []byte("digest")}
	buf := EncodeResponse(CodeSuccess, EncodeMeta(meta))
	code, payload, err := DecodeResponse(buf)
	if err != nil || code != CodeSuccess {
		t.Fatalf("decode response code=%v err=%v", code, err)
	}
	got, err := DecodeMeta(payload)
	if err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if !got.Equal(meta) {
		t.Fatalf("meta = %+v, want %+v", got, meta)
	}

	if buf := EncodeResponse(CodeNotFound, []byte("ignored")); len(buf) != 1 || Code(buf[0]) != CodeNotFound {
		t.Fatalf("error response = % x", buf)
	}
	if buf := EncodeResponse(CodeSuccess, nil); len(buf) != 1 {
		t.Fatalf("empty success response = % x", buf)
	}

	corrupt := EncodeResponse(CodeSuccess, EncodeSession(7))
	corrupt[len(corrupt)-1] ^= 0x01
	if _, _, err := DecodeResponse(corrupt); err == nil {
		t.Fatalf("expected checksum failure")
	}
}

func TestDecodeMetaLengthMismatch(t *testing.T) {
	p := EncodeMeta(BlobMeta{Size: 1, Metadata: []byte("ab")})
	p = append(p, 'c')
	if _, err := DecodeMeta(p); err == nil {
		t.Fatalf("expected metadata length mismatch")
	}
}

func TestEncodeMetaTruncatesMetadata(t *testing.T) {
	long := make([]byte, MaxMetadata+10)
	got, err := DecodeMeta(EncodeMeta(BlobMeta{Metadata: long}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Metadata) != MaxMetadata {
		t.Fatalf("metadata length = %d, want %d", len(got.Metadata), MaxMetadata)
	}
}
