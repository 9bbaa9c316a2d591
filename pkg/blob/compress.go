package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how shard payloads are compressed before storage.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a config value to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("blob: unknown compression %q", name)
	}
}

var errIncompressible = errors.New("blob: payload incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blob: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blob: zstd decoder: " + err.Error())
	}
}

// compress frames data as tag || uvarint(len(data)) || body. Payloads the
// algorithm cannot shrink are stored with the none tag.
func compress(data []byte, c Compression) ([]byte, error) {
	var body []byte
	var err error
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		body, err = compressLZ4(data)
	case CompressionZstd:
		body, err = compressZstd(data)
	default:
		return nil, fmt.Errorf("blob: unsupported compression %v", c)
	}
	if c == CompressionNone || errors.Is(err, errIncompressible) {
		c, body = CompressionNone, data
	} else if err != nil {
		return nil, err
	}
	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	out[0] = byte(c)
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, body...), nil
}

func decompress(framed []byte) ([]byte, error) {
	if len(framed) < 2 {
		return nil, errors.New("blob: compressed frame too short")
	}
	size, n := binary.Uvarint(framed[1:])
	if n <= 0 {
		return nil, errors.New("blob: bad compressed frame length")
	}
	body := framed[1+n:]
	switch Compression(framed[0]) {
	case CompressionNone:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("blob: stored %d bytes, expected %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		dst := make([]byte, size)
		read, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("blob: lz4 decompress: %w", err)
		}
		if uint64(read) != size {
			return nil, fmt.Errorf("blob: lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("blob: zstd decompress: %w", err)
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("blob: zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("blob: unknown compression tag %d", framed[0])
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
