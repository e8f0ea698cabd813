package tarutils

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/compression"
	"github.com/unbasical/doras-installer/internal/pkg/utils/writerutils"
)

// Create writes the content of srcDir to a tar archive. A .zst, .gz or .tgz extension of archive
// selects the compression.
func Create(fs afero.Fs, srcDir, archive string) (err error) {
	out, err := fs.OpenFile(archive, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w := writerutils.NewSafeFileWriter(out)
	defer func() {
		err = errors.Join(err, w.Close())
	}()

	pr, pw := io.Pipe()
	go func() {
		_ = pw.CloseWithError(writeTar(fs, srcDir, pw))
	}()
	var r io.ReadCloser = pr
	if compressor, _, ok := compression.CompressorFor(compressionOf(archive)); ok {
		if r, err = compressor.Compress(pr); err != nil {
			return err
		}
	}
	defer func() {
		err = errors.Join(err, r.Close())
	}()
	_, err = io.Copy(w, r)
	return err
}

func compressionOf(archive string) string {
	lower := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(lower, ".zst"):
		return "zstd"
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".tgz"):
		return "gzip"
	}
	return ""
}

func writeTar(fs afero.Fs, srcDir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := afero.Walk(fs, srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil || rel == "." {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		return errors.Join(err, f.Close())
	})
	return errors.Join(err, tw.Close())
}
