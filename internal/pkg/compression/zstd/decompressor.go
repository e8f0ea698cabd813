package zstd

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/unbasical/doras-installer/internal/pkg/utils/compressionutils"
	"github.com/unbasical/doras-installer/pkg/algorithm/compression"
)

// NewDecompressor returns a zstd compression.Decompressor. The decoder runs single-threaded,
// payloads are small and decoded one after another.
func NewDecompressor() compression.Decompressor {
	return &compressionutils.Decompressor{
		Func: func(reader io.Reader) (io.Reader, error) {
			dec, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return dec.IOReadCloser(), nil
		},
		Algo: "zstd",
	}
}
