// Package tarutils is the default archive codec of update packages: tar files, optionally gzip or
// zstd compressed.
package tarutils

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/compression"
	"github.com/unbasical/doras-installer/internal/pkg/utils/funcutils"
	"github.com/unbasical/doras-installer/internal/pkg/utils/writerutils"
	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
)

// Extractor extracts archives from a filesystem into a directory of the same filesystem.
type Extractor struct {
	fs afero.Fs
}

func NewExtractor(fs afero.Fs) *Extractor {
	return &Extractor{fs: fs}
}

// Extract extracts the archive into dir. The compression is chosen by the archive extension.
// progress, if set, is called after every extracted file with its archive name.
func (x *Extractor) Extract(ctx context.Context, archive, dir string, progress func(name string)) (err error) {
	fp, err := x.fs.Open(archive)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := fp.Close()
		if err == nil {
			err = closeErr
		}
	}()
	decom, _ := compression.ForName(archive)
	r, err := decom.Decompress(fp)
	if err != nil {
		return fmt.Errorf("%s: %w", archive, err)
	}
	if rc, ok := r.(io.Closer); ok {
		defer funcutils.PanicOrLogOnErr(rc.Close, false, "failed to close decompressor")
	}
	if err := x.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return x.extractTarDirectory(ctx, dir, r, progress)
}

// extractTarDirectory extracts tar file to a directory specified by the `dir` parameter.
func (x *Extractor) extractTarDirectory(ctx context.Context, dir string, r io.Reader, progress func(string)) error {
	tr := tar.NewReader(r)
	var total int64
	for {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		header, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debugf("extracted %s to %s", humanize.Bytes(uint64(total)), dir)
				return nil
			}
			return err
		}

		path, err := x.ensureBasePath(dir, header.Name)
		if err != nil {
			return err
		}
		path = filepath.Join(dir, path)

		switch header.Typeflag {
		case tar.TypeReg:
			err = x.writeFile(path, tr, header.FileInfo().Mode())
			total += header.Size
		case tar.TypeDir:
			err = x.fs.MkdirAll(path, header.FileInfo().Mode()|0700)
		default:
			return fmt.Errorf("unsupported file type %v of %q", header.Typeflag, header.Name)
		}
		if err != nil {
			return err
		}

		// Change access time and modification time if possible (error ignored)
		_ = x.fs.Chtimes(path, header.AccessTime, header.ModTime)
		if progress != nil && header.Typeflag == tar.TypeReg {
			progress(header.Name)
		}
	}
}

// ensureBasePath ensures the target path is in the base path,
// returning its relative path to the base path.
func (x *Extractor) ensureBasePath(base, target string) (string, error) {
	cleanPath := filepath.ToSlash(filepath.Clean(filepath.FromSlash(target)))
	if filepath.IsAbs(target) || strings.HasPrefix(target, "/") || cleanPath == ".." || strings.HasPrefix(cleanPath, "../") {
		return "", fmt.Errorf("%q is outside of %q", target, base)
	}
	path := filepath.FromSlash(cleanPath)

	// No symbolic link allowed in the relative path
	lstater, ok := x.fs.(afero.Lstater)
	if !ok {
		return path, nil
	}
	dir := filepath.Dir(path)
	for dir != "." {
		if info, _, err := lstater.LstatIfPossible(filepath.Join(base, dir)); err != nil {
			if !os.IsNotExist(err) {
				return "", err
			}
		} else if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("no symbolic link allowed between %q and %q", base, target)
		}
		dir = filepath.Dir(dir)
	}
	return path, nil
}

// writeFile writes content to the file specified by the `path` parameter.
func (x *Extractor) writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := x.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := x.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	w := writerutils.NewSafeFileWriter(file)
	_, err = io.Copy(w, r)
	return errors.Join(err, w.Close())
}
