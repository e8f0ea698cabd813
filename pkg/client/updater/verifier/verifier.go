// Package verifier checks files against the digests of the manifest.
package verifier

import (
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrChecksumMismatch is matched by every MismatchError.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// MismatchError names the file whose content does not match its expected digest.
type MismatchError struct {
	Path     string
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// Verifier ensures file integrity before a file is deployed.
type Verifier interface {
	// Verify checks the file at path against expected. An empty expected digest always verifies.
	Verify(path string, expected digest.Digest) error
}

type digestVerifier struct {
	fs afero.Fs
}

// New returns a Verifier that reads files from fs.
func New(fs afero.Fs) Verifier {
	return &digestVerifier{fs: fs}
}

func (v *digestVerifier) Verify(path string, expected digest.Digest) error {
	if expected == "" {
		return nil
	}
	if err := expected.Validate(); err != nil {
		return err
	}
	f, err := v.fs.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.WithError(err).Debug("failed to close verified file")
		}
	}()
	actual, err := expected.Algorithm().FromReader(f)
	if err != nil {
		return err
	}
	if actual != expected {
		return &MismatchError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}

// Writer hashes everything written through it.
type Writer struct {
	w        io.Writer
	expected digest.Digest
	digester digest.Digester
}

// NewWriter returns a Writer that forwards to w and checks the written stream against expected.
// Streams without an expected digest are hashed with the canonical algorithm.
func NewWriter(w io.Writer, expected digest.Digest) *Writer {
	algo := digest.Canonical
	if expected != "" && expected.Validate() == nil {
		algo = expected.Algorithm()
	}
	d := algo.Digester()
	return &Writer{w: io.MultiWriter(w, d.Hash()), expected: expected, digester: d}
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

// Digest returns the digest of the data written so far.
func (w *Writer) Digest() digest.Digest {
	return w.digester.Digest()
}

// Verify compares the written stream against the expected digest. name is used in the error.
func (w *Writer) Verify(name string) error {
	if w.expected == "" {
		return nil
	}
	if err := w.expected.Validate(); err != nil {
		return err
	}
	if actual := w.Digest(); actual != w.expected {
		return &MismatchError{Path: name, Expected: w.expected, Actual: actual}
	}
	return nil
}
