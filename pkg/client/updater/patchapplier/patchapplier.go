// Package patchapplier reconstructs files of an update package from the installed prior version
// and a delta.
package patchapplier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/compression"
	"github.com/unbasical/doras-installer/internal/pkg/delta/bsdiff"
	"github.com/unbasical/doras-installer/internal/pkg/utils/funcutils"
	"github.com/unbasical/doras-installer/pkg/algorithm/delta"
	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/client/updater/verifier"
	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/manifest"
)

var (
	// ErrPatchFailed is matched by every PatchError.
	ErrPatchFailed = errors.New("patch application failed")
	// ErrChecksumMismatch is returned by a Codec whose output does not match the expected digest.
	ErrChecksumMismatch = verifier.ErrChecksumMismatch
)

// PatchError is the failure to reconstruct one file. It is kept apart from other I/O errors because
// a full package may still be applied after it.
type PatchError struct {
	Path string
	Err  error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrPatchFailed, e.Path, e.Err)
}

func (e *PatchError) Is(target error) bool {
	return target == ErrPatchFailed
}

func (e *PatchError) Unwrap() error {
	return e.Err
}

// Codec decodes a delta. Decode returns nil, an error matching ErrChecksumMismatch or an I/O error.
type Codec interface {
	Decode(ctx context.Context, base, diff io.Reader, out io.Writer, expected digest.Digest) error
}

type codec struct {
	patcher delta.Patcher
}

// NewCodec returns a Codec on top of a delta.Patcher that hashes its output while it is written.
func NewCodec(p delta.Patcher) Codec {
	return &codec{patcher: p}
}

// NewBsdiffCodec returns the default Codec.
func NewBsdiffCodec() Codec {
	return NewCodec(bsdiff.NewPatcher())
}

func (c *codec) Decode(ctx context.Context, base, diff io.Reader, out io.Writer, expected digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := c.patcher.Patch(base, diff)
	if err != nil {
		return err
	}
	if rc, ok := r.(io.Closer); ok {
		defer funcutils.PanicOrLogOnErr(rc.Close, false, "failed to close patch reader")
	}
	w := verifier.NewWriter(out, expected)
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("%s: %w", c.patcher.Name(), err)
	}
	return w.Verify("patched output")
}

// Job reconstructs one file.
type Job struct {
	// Base is the installed prior version.
	Base string
	// Diff is the delta payload. A .zst or .gz suffix marks it as compressed.
	Diff string
	// Output is written once the reconstructed file verified.
	Output   string
	Expected digest.Digest
}

// Applier runs patch jobs against a filesystem.
type Applier struct {
	fs     afero.Fs
	codec  Codec
	policy lockwait.Policy
}

type Option func(*Applier)

// WithCodec replaces the bsdiff codec.
func WithCodec(c Codec) Option {
	return func(a *Applier) {
		a.codec = c
	}
}

// WithPolicy sets how long a locked base file is waited for.
func WithPolicy(p lockwait.Policy) Option {
	return func(a *Applier) {
		a.policy = p
	}
}

func New(fs afero.Fs, options ...Option) *Applier {
	a := &Applier{
		fs:     fs,
		codec:  NewBsdiffCodec(),
		policy: lockwait.DefaultPolicy(),
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// Jobs returns one job per manifest entry with a delta. The output of each job is the location of the
// entry in the extracted package, so that the file engine picks it up like any full file.
func Jobs(m *manifest.Manifest, env *environment.Environment, packageDir string) ([]Job, error) {
	var jobs []Job
	for _, e := range m.PatchedFiles() {
		base, err := env.Resolve(e.QualifiedPath())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, Job{
			Base:     base,
			Diff:     filepath.Join(packageDir, filepath.FromSlash(e.Patch)),
			Output:   e.SourcePath(packageDir),
			Expected: e.Checksum,
		})
	}
	return jobs, nil
}

// Apply runs the jobs in order and stops at the first failure. Failures are returned as *PatchError
// unless the session was cancelled.
func (a *Applier) Apply(ctx context.Context, jobs []Job) error {
	for i, job := range jobs {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		logger := log.WithField("file", job.Base).WithField("job", fmt.Sprintf("%d/%d", i+1, len(jobs)))
		if err := a.apply(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			logger.WithError(err).Error("failed to apply patch")
			return &PatchError{Path: job.Base, Err: err}
		}
		logger.Debug("patch applied")
	}
	return nil
}

func (a *Applier) apply(ctx context.Context, job Job) (err error) {
	var base afero.File
	err = a.policy.Do(ctx, job.Base, func() error {
		var openErr error
		base, openErr = a.fs.Open(job.Base)
		return openErr
	})
	if err != nil {
		return err
	}
	defer funcutils.PanicOrLogOnErr(base.Close, false, "failed to close base file")

	diffFile, err := a.fs.Open(job.Diff)
	if err != nil {
		return err
	}
	defer funcutils.PanicOrLogOnErr(diffFile.Close, false, "failed to close diff file")
	if info, statErr := diffFile.Stat(); statErr == nil {
		log.Debugf("applying %s delta to %s", humanize.Bytes(uint64(info.Size())), job.Base)
	}
	decompressor, _ := compression.ForName(job.Diff)
	diff, err := decompressor.Decompress(diffFile)
	if err != nil {
		return err
	}
	if rc, ok := diff.(io.Closer); ok {
		defer funcutils.PanicOrLogOnErr(rc.Close, false, "failed to close decompressor")
	}

	if err := a.fs.MkdirAll(filepath.Dir(job.Output), 0755); err != nil {
		return err
	}
	part := job.Output + ".part"
	out, err := a.fs.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = a.fs.Remove(part)
		}
	}()
	if err := a.codec.Decode(ctx, base, diff, out, job.Expected); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if info, statErr := base.Stat(); statErr == nil {
		_ = a.fs.Chmod(part, info.Mode().Perm())
	}
	return a.fs.Rename(part, job.Output)
}
