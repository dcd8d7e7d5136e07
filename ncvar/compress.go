package ncvar

import (
	"compress/gzip"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compressor wraps catalog files in a compression format. Catalogs listing
// thousands of members compress well; data files are untouched (codec
// concerns belong to the format binding, not this layer).
type Compressor interface {
	// Name returns the compressor identifier ("gzip", "zstd", "noop").
	Name() string

	// Extension returns the file extension (".gz", ".zst", "").
	Extension() string

	// Compress wraps a writer with compression.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// compressorForPath picks a compressor from a catalog path's extension.
func compressorForPath(path string) Compressor {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return NewGzipCompressor()
	case strings.HasSuffix(path, ".zst"):
		return NewZstdCompressor()
	}
	return NewNoOpCompressor()
}

// gzipCompressor implements Compressor using standard gzip framing.
type gzipCompressor struct{}

// NewGzipCompressor creates a gzip compressor.
func NewGzipCompressor() Compressor { return &gzipCompressor{} }

func (g *gzipCompressor) Name() string { return "gzip" }

func (g *gzipCompressor) Extension() string { return ".gz" }

func (g *gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (g *gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// zstdCompressor implements Compressor using Zstandard.
type zstdCompressor struct{}

// NewZstdCompressor creates a zstd compressor.
func NewZstdCompressor() Compressor { return &zstdCompressor{} }

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Extension() string { return ".zst" }

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (z *zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// noopCompressor passes data through unchanged.
type noopCompressor struct{}

// NewNoOpCompressor creates the pass-through compressor.
func NewNoOpCompressor() Compressor { return &noopCompressor{} }

func (n *noopCompressor) Name() string { return "noop" }

func (n *noopCompressor) Extension() string { return "" }

func (n *noopCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (n *noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
