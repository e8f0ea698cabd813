// Package compression selects the decompressor of a file by its name.
package compression

import (
	"strings"

	"github.com/unbasical/doras-installer/internal/pkg/compression/gzip"
	"github.com/unbasical/doras-installer/internal/pkg/compression/zstd"
	"github.com/unbasical/doras-installer/internal/pkg/utils/compressionutils"
	"github.com/unbasical/doras-installer/pkg/algorithm/compression"
)

// ForName returns the decompressor matching the extension of name and name without that
// extension. Unknown extensions yield a pass-through decompressor.
func ForName(name string) (compression.Decompressor, string) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zst"):
		return zstd.NewDecompressor(), name[:len(name)-len(".zst")]
	case strings.HasSuffix(lower, ".tgz"):
		return gzip.NewDecompressor(), name[:len(name)-len(".tgz")] + ".tar"
	case strings.HasSuffix(lower, ".gz"):
		return gzip.NewDecompressor(), name[:len(name)-len(".gz")]
	}
	return compressionutils.NewNopDecompressor(), name
}

// CompressorFor returns the compressor of an algorithm name as used in file extensions.
func CompressorFor(algo string) (compression.Compressor, string, bool) {
	switch strings.ToLower(algo) {
	case "zstd", "zst":
		return zstd.NewCompressor(), ".zst", true
	case "gzip", "gz":
		return gzip.NewCompressor(), ".gz", true
	}
	return nil, "", false
}
