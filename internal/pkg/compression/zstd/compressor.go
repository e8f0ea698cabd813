package zstd

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/unbasical/doras-installer/internal/pkg/utils/compressionutils"
	"github.com/unbasical/doras-installer/internal/pkg/utils/readerutils"
	"github.com/unbasical/doras-installer/pkg/algorithm/compression"
)

// NewCompressor returns a zstd compression.Compressor.
func NewCompressor() compression.Compressor {
	return &compressionutils.Compressor{
		Func: func(reader io.ReadCloser) (io.ReadCloser, error) {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return nil, err
			}
			r := readerutils.WriterToReader(reader, func(writer io.Writer) io.WriteCloser {
				enc.Reset(writer)
				return enc
			})
			return readerutils.ChainedCloser(io.NopCloser(r), reader), nil
		},
		Algo: "zstd",
	}
}
