package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/compression"
	"github.com/unbasical/doras-installer/internal/pkg/delta/bsdiff"
	"github.com/unbasical/doras-installer/internal/pkg/utils/funcutils"
	"github.com/unbasical/doras-installer/internal/pkg/utils/tarutils"
	"github.com/unbasical/doras-installer/pkg/manifest"
)

// pack validates the manifest of a package directory and archives the directory.
func (args *cliArgs) pack() error {
	src := args.Pack.Source
	yamlPath := filepath.Join(src, manifest.YAMLFileName)
	m, err := readYAMLManifest(args.fs, yamlPath)
	if err != nil {
		return err
	}
	if args.Pack.BinaryOnly {
		if err := writeBinaryManifest(args.fs, m, filepath.Join(src, manifest.FileName)); err != nil {
			return err
		}
		if err := args.fs.Remove(yamlPath); err != nil {
			return err
		}
	}
	if err := tarutils.Create(args.fs, src, args.Pack.Out); err != nil {
		return err
	}
	if info, err := args.fs.Stat(args.Pack.Out); err == nil {
		log.WithField("version", m.Version).Infof("package written to %s (%s)", args.Pack.Out, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

func (args *cliArgs) convertManifest() error {
	m, err := readYAMLManifest(args.fs, args.Manifest.In)
	if err != nil {
		return err
	}
	return writeBinaryManifest(args.fs, m, args.Manifest.Out)
}

func readYAMLManifest(fs afero.Fs, path string) (*manifest.Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	m, err := manifest.ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %q: %w", path, err)
	}
	return m, nil
}

func writeBinaryManifest(fs afero.Fs, m *manifest.Manifest, path string) error {
	var buf bytes.Buffer
	if err := manifest.Encode(&buf, m); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, buf.Bytes(), 0644)
}

// diff writes a bsdiff patch from the installed to the new version of a file.
func (args *cliArgs) diff() (err error) {
	from, err := args.fs.Open(args.Diff.From)
	if err != nil {
		return err
	}
	defer funcutils.PanicOrLogOnErr(from.Close, false, "failed to close file")
	to, err := args.fs.Open(args.Diff.To)
	if err != nil {
		return err
	}
	defer funcutils.PanicOrLogOnErr(to.Close, false, "failed to close file")

	patch, err := bsdiff.NewCreator().Diff(from, to)
	if err != nil {
		return err
	}
	out := args.Diff.Out
	if compressor, ext, ok := compression.CompressorFor(args.Diff.Compress); ok {
		patch, err = compressor.Compress(patch)
		if err != nil {
			return err
		}
		if filepath.Ext(out) != ext {
			out += ext
		}
	}
	defer funcutils.PanicOrLogOnErr(patch.Close, false, "failed to close patch")

	f, err := args.fs.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	n, err := io.Copy(f, patch)
	if err != nil {
		return err
	}
	log.Infof("bsdiff patch written to %s (%s)", out, humanize.Bytes(uint64(n)))
	return nil
}
