package compressionutils

import (
	"io"

	"github.com/unbasical/doras-installer/pkg/algorithm/compression"
)

type noCompression struct {
}

// NewNopDecompressor returns a compression.Decompressor that passes its input through.
func NewNopDecompressor() compression.Decompressor {
	return &noCompression{}
}

func (n noCompression) Decompress(in io.Reader) (io.Reader, error) {
	return in, nil
}

func (n noCompression) Name() string {
	return ""
}
