package gzip

import (
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/unbasical/doras-installer/internal/pkg/utils/compressionutils"
	"github.com/unbasical/doras-installer/internal/pkg/utils/readerutils"
	"github.com/unbasical/doras-installer/pkg/algorithm/compression"
)

// NewCompressor returns a gzip compression.Compressor.
func NewCompressor() compression.Compressor {
	return &compressionutils.Compressor{
		Func: func(reader io.ReadCloser) (io.ReadCloser, error) {
			r := readerutils.WriterToReader(reader, func(writer io.Writer) io.WriteCloser {
				return gzip.NewWriter(writer)
			})
			return readerutils.ChainedCloser(io.NopCloser(r), reader), nil
		},
		Algo: "gzip",
	}
}
