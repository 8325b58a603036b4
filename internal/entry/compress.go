package entry

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression tags the algorithm applied to a stored payload. Values are
// persisted; do not renumber.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
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
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("entry: unknown compression %q", s)
	}
}

var errIncompressible = errors.New("entry: incompressible")

// Encoder and decoder are safe for concurrent use.
var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	zstdDec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(DefaultMaxPayload))
)

func compress(c Compression, p []byte) ([]byte, error) {
	var out []byte
	switch c {
	case CompressionNone:
		return p, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(p)))
		n, err := lz4.CompressBlock(p, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		out = dst[:n]
	case CompressionZstd:
		out = zstdEnc.EncodeAll(p, nil)
	default:
		return nil, fmt.Errorf("entry: unsupported compression %s", c)
	}
	if len(out) == 0 || len(out) >= len(p) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompress(c Compression, p []byte, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(p) != rawLen {
			return nil, ErrCorrupt
		}
		return p, nil
	case CompressionLZ4:
		// an lz4 block expands at most ~255x
		if rawLen > 255*len(p)+16 {
			return nil, ErrCorrupt
		}
		dst := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(p, dst)
		if err != nil || n != rawLen {
			return nil, ErrCorrupt
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDec.DecodeAll(p, make([]byte, 0, rawLen))
		if err != nil || len(out) != rawLen {
			return nil, ErrCorrupt
		}
		return out, nil
	default:
		return nil, ErrCorrupt
	}
}
