package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// FrameError reports a request or response that cannot be decoded.
type FrameError struct {
	Code   Code
	Reason string
}

func (e *FrameError) Error() string { return "wire: " + e.Reason }

func malformed(format string, args ...any) error {
	return &FrameError{Code: CodeMalformed, Reason: fmt.Sprintf(format, args...)}
}

// Request is a decoded protocol request. Only the fields used by Cmd are meaningful.
type Request struct {
	Cmd     Command
	Index   uint32
	Flags   OpenFlags
	BlobID  string
	Session uint16
	Offset  uint32
	Length  uint32
	Data    []byte
}

// EncodeRequest lays out req as a request frame.
func EncodeRequest(req Request) ([]byte, error) {
	var payload []byte
	switch req.Cmd {
	case CmdGetCount:
	case CmdEnumerate:
		payload = le.AppendUint32(nil, req.Index)
	case CmdOpen:
		id, err := encodeID(req.BlobID)
		if err != nil {
			return nil, err
		}
		payload = append(le.AppendUint16(nil, uint16(req.Flags)), id...)
	case CmdRead:
		payload = le.AppendUint16(nil, req.Session)
		payload = le.AppendUint32(payload, req.Offset)
		payload = le.AppendUint32(payload, req.Length)
	case CmdWrite, CmdWriteMeta:
		if len(req.Data) == 0 {
			return nil, malformed("%s requires data", req.Cmd)
		}
		payload = le.AppendUint16(nil, req.Session)
		payload = le.AppendUint32(payload, req.Offset)
		payload = append(payload, req.Data...)
	case CmdCommit:
		if len(req.Data) > MaxCommitData {
			return nil, malformed("commit data %d bytes exceeds %d", len(req.Data), MaxCommitData)
		}
		payload = le.AppendUint16(nil, req.Session)
		payload = append(payload, byte(len(req.Data)))
		payload = append(payload, req.Data...)
	case CmdClose, CmdSessionStat:
		payload = le.AppendUint16(nil, req.Session)
	case CmdDelete, CmdStat:
		id, err := encodeID(req.BlobID)
		if err != nil {
			return nil, err
		}
		payload = id
	default:
		return nil, &FrameError{Code: CodeInvalidCommand, Reason: fmt.Sprintf("unknown command %d", uint8(req.Cmd))}
	}
	return frame(byte(req.Cmd), payload), nil
}

// DecodeRequest parses a request frame. Failures are *FrameError values.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) == 0 {
		return Request{}, malformed("empty request")
	}
	cmd := Command(buf[0])
	if !cmd.Valid() {
		return Request{}, &FrameError{Code: CodeInvalidCommand, Reason: fmt.Sprintf("unknown command %d", buf[0])}
	}
	payload, err := unframe(buf[1:])
	if err != nil {
		return Request{}, err
	}
	req := Request{Cmd: cmd}
	switch cmd {
	case CmdGetCount:
		if len(payload) != 0 {
			return Request{}, malformed("get-count takes no payload")
		}
	case CmdEnumerate:
		if len(payload) != 4 {
			return Request{}, malformed("enumerate payload is %d bytes, want 4", len(payload))
		}
		req.Index = le.Uint32(payload)
	case CmdOpen:
		if len(payload) < 2+2 {
			return Request{}, malformed("open payload too short")
		}
		req.Flags = OpenFlags(le.Uint16(payload))
		if req.BlobID, err = decodeID(payload[2:]); err != nil {
			return Request{}, err
		}
	case CmdRead:
		if len(payload) != 2+4+4 {
			return Request{}, malformed("read payload is %d bytes, want 10", len(payload))
		}
		req.Session = le.Uint16(payload)
		req.Offset = le.Uint32(payload[2:])
		req.Length = le.Uint32(payload[6:])
	case CmdWrite, CmdWriteMeta:
		if len(payload) < 2+4+1 {
			return Request{}, malformed("%s payload too short", cmd)
		}
		req.Session = le.Uint16(payload)
		req.Offset = le.Uint32(payload[2:])
		req.Data = append([]byte(nil), payload[6:]...)
	case CmdCommit:
		if len(payload) < 2+1 {
			return Request{}, malformed("commit payload too short")
		}
		req.Session = le.Uint16(payload)
		n := int(payload[2])
		if n != len(payload)-3 {
			return Request{}, malformed("commit length %d does not match %d remaining bytes", n, len(payload)-3)
		}
		if n > 0 {
			req.Data = append([]byte(nil), payload[3:]...)
		}
	case CmdClose, CmdSessionStat:
		if len(payload) != 2 {
			return Request{}, malformed("%s payload is %d bytes, want 2", cmd, len(payload))
		}
		req.Session = le.Uint16(payload)
	case CmdDelete, CmdStat:
		if req.BlobID, err = decodeID(payload); err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// frame prefixes payload with its checksum. An empty payload is sent bare.
func frame(lead byte, payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{lead}
	}
	out := make([]byte, 0, 3+len(payload))
	out = append(out, lead)
	out = le.AppendUint16(out, Checksum16(payload))
	return append(out, payload...)
}

// unframe checks the checksum that precedes a payload.
func unframe(rest []byte) ([]byte, error) {
	if len(rest) == 0 {
		return nil, nil
	}
	if len(rest) < 2 {
		return nil, malformed("truncated checksum")
	}
	payload := rest[2:]
	if !Verify(payload, le.Uint16(rest)) {
		return nil, malformed("checksum mismatch")
	}
	return payload, nil
}

func encodeID(id string) ([]byte, error) {
	if id == "" {
		return nil, malformed("empty blob id")
	}
	if bytes.IndexByte([]byte(id), 0) >= 0 {
		return nil, malformed("blob id contains NUL")
	}
	return append([]byte(id), 0), nil
}

func decodeID(b []byte) (string, error) {
	end := bytes.IndexByte(b, 0)
	switch {
	case end < 0:
		return "", malformed("blob id not NUL-terminated")
	case end == 0:
		return "", malformed("empty blob id")
	case end != len(b)-1:
		return "", malformed("%d trailing bytes after blob id", len(b)-1-end)
	}
	return string(b[:end]), nil
}
