// Package codec implements the compression codecs the volume readers and
// writers plug into core.CompressorRegistry.
package codec

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"coldvault/internal/core"
)

// ZstdCompressor is the default block/index/file-list payload codec.
type ZstdCompressor struct {
	level zstd.EncoderLevel
}

// NewZstdCompressor builds a ZstdCompressor at the given level (e.g.
// zstd.SpeedDefault). A zero value falls back to the library default.
func NewZstdCompressor(level zstd.EncoderLevel) *ZstdCompressor {
	return &ZstdCompressor{level: level}
}

func (z *ZstdCompressor) Name() string { return "zstd" }

func (z *ZstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	opts := []zstd.EOption{}
	if z.level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(z.level))
	}
	return zstd.NewWriter(w, opts...)
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func (z *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zstdReadCloser{dec}, nil
}

var _ core.Compressor = (*ZstdCompressor)(nil)
