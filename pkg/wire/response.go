package wire

import "fmt"

// EncodeResponse builds a response frame. Error codes never carry a payload.
func EncodeResponse(code Code, payload []byte) []byte {
	if code != CodeSuccess {
		return []byte{byte(code)}
	}
	return frame(byte(code), payload)
}

// DecodeResponse splits a response frame into its completion code and payload.
// The payload of a non-success response is discarded.
func DecodeResponse(buf []byte) (Code, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, malformed("empty response")
	}
	code := Code(buf[0])
	if code != CodeSuccess {
		return code, nil, nil
	}
	payload, err := unframe(buf[1:])
	if err != nil {
		return code, nil, err
	}
	return code, payload, nil
}

// EncodeCount encodes a get-count reply.
func EncodeCount(n uint32) []byte { return le.AppendUint32(nil, n) }

// DecodeCount decodes a get-count reply.
func DecodeCount(p []byte) (uint32, error) {
	if len(p) != 4 {
		return 0, malformed("count reply is %d bytes, want 4", len(p))
	}
	return le.Uint32(p), nil
}

// EncodeBlobID encodes an enumerate reply.
func EncodeBlobID(id string) ([]byte, error) { return encodeID(id) }

// DecodeBlobID decodes an enumerate reply.
func DecodeBlobID(p []byte) (string, error) { return decodeID(p) }

// EncodeSession encodes an open reply.
func EncodeSession(id uint16) []byte { return le.AppendUint16(nil, id) }

// DecodeSession decodes an open reply.
func DecodeSession(p []byte) (uint16, error) {
	if len(p) != 2 {
		return 0, malformed("session reply is %d bytes, want 2", len(p))
	}
	return le.Uint16(p), nil
}

// EncodeMeta encodes a stat reply. Metadata beyond MaxMetadata bytes is dropped.
func EncodeMeta(m BlobMeta) []byte {
	meta := m.Metadata
	if len(meta) > MaxMetadata {
		meta = meta[:MaxMetadata]
	}
	out := make([]byte, 0, 7+len(meta))
	out = le.AppendUint16(out, uint16(m.State))
	out = le.AppendUint32(out, m.Size)
	out = append(out, byte(len(meta)))
	return append(out, meta...)
}

// DecodeMeta decodes a stat reply.
func DecodeMeta(p []byte) (BlobMeta, error) {
	if len(p) < 7 {
		return BlobMeta{}, malformed("stat reply is %d bytes, want at least 7", len(p))
	}
	m := BlobMeta{
		State: StateFlags(le.Uint16(p)),
		Size:  le.Uint32(p[2:]),
	}
	n := int(p[6])
	if n != len(p)-7 {
		return BlobMeta{}, &FrameError{
			Code:   CodeMalformed,
			Reason: fmt.Sprintf("metadata length %d did not match actual length %d", n, len(p)-7),
		}
	}
	if n > 0 {
		m.Metadata = append([]byte(nil), p[7:]...)
	}
	return m, nil
}
