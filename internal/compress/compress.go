// Package compress provides the compression codec registry shared by block
// writers and record readers. The algorithm set is fixed; asking for an
// unknown codec is an eager error raised before any network traffic.
package compress

import (
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a compression codec negotiated per session.
type Algorithm string

const (
	None   Algorithm = ""
	Zlib   Algorithm = "zlib"
	Snappy Algorithm = "snappy"
	Zstd   Algorithm = "zstd"
	LZ4    Algorithm = "lz4"
)

// Validate reports whether algo names a known codec.
func Validate(algo Algorithm) error {
	switch algo {
	case None, Zlib, Snappy, Zstd, LZ4:
		return nil
	default:
		return fmt.Errorf("compress: unknown compression algorithm %q", algo)
	}
}

// Encoding returns the content-encoding header value for the algorithm, or
// "" for no compression.
func Encoding(algo Algorithm) string {
	switch algo {
	case Zlib:
		return "deflate"
	case Snappy:
		return "x-snappy-framed"
	case Zstd:
		return "zstd"
	case LZ4:
		return "x-lz4-frame"
	default:
		return ""
	}
}

// ByEncoding resolves a content-encoding header value back to an algorithm.
func ByEncoding(enc string) (Algorithm, error) {
	switch enc {
	case "":
		return None, nil
	case "deflate":
		return Zlib, nil
	case "x-snappy-framed":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "x-lz4-frame":
		return LZ4, nil
	default:
		return None, fmt.Errorf("compress: unknown content encoding %q", enc)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with the named codec. The None algorithm returns a
// pass-through writer.
func NewWriter(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case None:
		return nopWriteCloser{w}, nil
	case Zlib:
		return zlib.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("compress: zstd writer: %w", err)
		}
		return enc, nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("compress: unknown compression algorithm %q", algo)
	}
}

// NewReader wraps r with the named codec's decompressor.
func NewReader(r io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case None:
		return io.NopCloser(r), nil
	case Zlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: zlib reader: %w", err)
		}
		return zr, nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("compress: zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("compress: unknown compression algorithm %q", algo)
	}
}
