package gzip

import (
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/unbasical/doras-installer/internal/pkg/utils/compressionutils"
	"github.com/unbasical/doras-installer/pkg/algorithm/compression"
)

// NewDecompressor returns a gzip compression.Decompressor.
func NewDecompressor() compression.Decompressor {
	return &compressionutils.Decompressor{
		Func: func(reader io.Reader) (io.Reader, error) {
			return gzip.NewReader(reader)
		},
		Algo: "gzip",
	}
}
