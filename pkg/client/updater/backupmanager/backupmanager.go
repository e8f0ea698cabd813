// Package backupmanager deploys the files of an update package into their install locations.
// Every file that is overwritten is first copied into a backup mirror of its location, every
// file or folder that did not exist before is recorded so that a failed session can be undone.
package backupmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// Location is one logical deployment root of a package.
type Location struct {
	// Name is the logical root, e.g. "app".
	Name string
	// Source is the folder of the root inside the extracted package.
	Source string
	// Destination is the install location on the host.
	Destination string
	// Backup is the mirror of Destination that receives the pre-update copies.
	Backup string
}

// Recorder receives the undo records of mutations. The engine flushes a record before it performs
// the mutation the record undoes, so a crash at any point leaves a log that covers the host.
type Recorder interface {
	Append(records ...recoverylog.Record)
	Flush() error
}

// partSuffix marks a backup copy that is still being written. Restores skip such files.
const partSuffix = ".doras-part"

func record(rec Recorder, records ...recoverylog.Record) error {
	rec.Append(records...)
	if err := rec.Flush(); err != nil {
		return fmt.Errorf("flushing rollback log: %w", err)
	}
	return nil
}

// Engine backs up and replaces files. An Engine serves a single session.
type Engine struct {
	fs       afero.Fs
	attrs    Attributes
	policy   lockwait.Policy
	progress func(done, total int)
	mirrors  map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the retry policy for locked files.
func WithPolicy(p lockwait.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithProgress registers a callback that receives the number of processed files.
func WithProgress(f func(done, total int)) Option {
	return func(e *Engine) {
		e.progress = f
	}
}

// WithAttributes overrides the platform attribute handling.
func WithAttributes(a Attributes) Option {
	return func(e *Engine) {
		e.attrs = a
	}
}

// New returns an Engine working on fs.
func New(fs afero.Fs, options ...Option) *Engine {
	e := &Engine{
		fs:       fs,
		policy:   lockwait.DefaultPolicy(),
		progress: func(int, int) {},
		mirrors:  map[string]bool{},
	}
	for _, option := range options {
		option(e)
	}
	if e.attrs == nil {
		e.attrs = NewAttributes(fs)
	}
	return e
}

// Install deploys every location in order. Cancellation is observed between files.
func (e *Engine) Install(ctx context.Context, locations []Location, rec Recorder) error {
	total := 0
	for _, loc := range locations {
		n, size, err := e.count(loc.Source)
		if err != nil {
			return err
		}
		log.WithField("root", loc.Name).Debugf("deploying %d files (%s)", n, humanize.Bytes(size))
		total += n
	}
	done := 0
	e.progress(done, total)
	for _, loc := range locations {
		exists, _, err := fileutils.ExistsAndIsDirectory(e.fs, loc.Source)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := e.createDir(loc.Destination, rec); err != nil {
			return err
		}
		if err := e.ensureMirror(loc, rec); err != nil {
			return err
		}
		err = afero.Walk(e.fs, loc.Source, func(src string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(loc.Source, src)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			dst := filepath.Join(loc.Destination, rel)
			if info.IsDir() {
				return e.installDir(dst, filepath.Join(loc.Backup, rel), rec)
			}
			if err := checkpoint.Reached(ctx); err != nil {
				return err
			}
			if err := e.installFile(ctx, src, dst, filepath.Join(loc.Backup, rel), rec); err != nil {
				return err
			}
			done++
			e.progress(done, total)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) count(dir string) (files int, size uint64, err error) {
	exists, _, err := fileutils.ExistsAndIsDirectory(e.fs, dir)
	if err != nil || !exists {
		return 0, 0, err
	}
	err = afero.Walk(e.fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files++
			size += uint64(info.Size())
		}
		return nil
	})
	return files, size, err
}

// ensureMirror creates the backup mirror of loc and records it once per session.
func (e *Engine) ensureMirror(loc Location, rec Recorder) error {
	if e.mirrors[loc.Backup] {
		return nil
	}
	if err := e.fs.MkdirAll(loc.Backup, 0700); err != nil {
		return fmt.Errorf("creating backup mirror for %q: %w", loc.Name, err)
	}
	if err := record(rec, recoverylog.BackupRoot{Destination: loc.Destination, Backup: loc.Backup}); err != nil {
		return err
	}
	e.mirrors[loc.Backup] = true
	return nil
}

// createDir creates dir and all missing parents, recording each created folder.
func (e *Engine) createDir(dir string, rec Recorder) error {
	exists, isDir, err := fileutils.ExistsAndIsDirectory(e.fs, dir)
	if err != nil {
		return err
	}
	if exists {
		if !isDir {
			return fmt.Errorf("%q exists and is not a directory", dir)
		}
		return nil
	}
	if parent := filepath.Dir(dir); parent != dir {
		if err := e.createDir(parent, rec); err != nil {
			return err
		}
	}
	if err := record(rec, recoverylog.FolderToCreate{Path: dir}); err != nil {
		return err
	}
	if err := e.fs.Mkdir(dir, 0755); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

func (e *Engine) installDir(dst, backup string, rec Recorder) error {
	exists, isDir, err := fileutils.ExistsAndIsDirectory(e.fs, dst)
	if err != nil {
		return err
	}
	if !exists {
		if err := record(rec, recoverylog.FolderToCreate{Path: dst}); err != nil {
			return err
		}
		return e.fs.Mkdir(dst, 0755)
	}
	if !isDir {
		return fmt.Errorf("%q exists and is not a directory", dst)
	}
	return e.fs.MkdirAll(backup, 0700)
}

func (e *Engine) installFile(ctx context.Context, src, dst, backup string, rec Recorder) error {
	logger := log.WithField("file", dst)
	exists, isDir, err := fileutils.ExistsAndIsDirectory(e.fs, dst)
	if err != nil {
		return err
	}
	if isDir {
		return fmt.Errorf("%q exists and is a directory", dst)
	}
	if !exists {
		if err := record(rec, recoverylog.FileToDelete{Path: dst}); err != nil {
			return err
		}
		if err := e.policy.Do(ctx, dst, func() error { return fileutils.MoveFile(e.fs, src, dst) }); err != nil {
			return fmt.Errorf("moving %q into place: %w", dst, err)
		}
		logger.Debug("installed new file")
		return nil
	}
	if err := e.backup(ctx, dst, backup); err != nil {
		return err
	}
	if err := e.overwrite(ctx, src, dst); err != nil {
		return err
	}
	logger.Debug("replaced file")
	return nil
}

// backup copies dst with its attributes into the mirror. The mirror folder already exists. The
// copy only appears under its final name once it is complete.
func (e *Engine) backup(ctx context.Context, dst, backup string) error {
	part := backup + partSuffix
	err := e.policy.Do(ctx, dst, func() error { return fileutils.CopyFile(e.fs, dst, part) })
	if err != nil {
		_ = e.fs.Remove(part)
		return fmt.Errorf("backing up %q: %w", dst, err)
	}
	if err := e.attrs.Copy(dst, part); err != nil {
		log.WithError(err).WithField("file", dst).Debug("failed to copy attributes to backup")
	}
	if err := e.fs.Rename(part, backup); err != nil {
		return fmt.Errorf("backing up %q: %w", dst, err)
	}
	return nil
}

// overwrite replaces the content of dst with src. Read-only, hidden and system attributes of dst
// are cleared for the write and restored afterwards.
func (e *Engine) overwrite(ctx context.Context, src, dst string) error {
	restore, err := e.attrs.Clear(dst)
	if err != nil {
		return fmt.Errorf("clearing attributes of %q: %w", dst, err)
	}
	err = e.policy.Do(ctx, dst, func() error { return fileutils.CopyFile(e.fs, src, dst) })
	if rerr := restore(); rerr != nil {
		log.WithError(rerr).WithField("file", dst).Warn("failed to restore attributes")
	}
	if err != nil {
		return fmt.Errorf("replacing %q: %w", dst, err)
	}
	return nil
}
