package backupmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
)

// Remove deletes files of loc that the package marks for deletion. Paths are relative to
// loc.Destination. Each file is backed up first so that a rollback restores it.
func (e *Engine) Remove(ctx context.Context, loc Location, paths []string, rec Recorder) error {
	for _, p := range paths {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		dst := filepath.Join(loc.Destination, filepath.FromSlash(p))
		exists, isDir, err := fileutils.ExistsAndIsDirectory(e.fs, dst)
		if err != nil {
			return err
		}
		if !exists {
			log.WithField("file", dst).Debug("file marked for deletion does not exist")
			continue
		}
		if isDir {
			return fmt.Errorf("%q is a directory", dst)
		}
		if err := e.ensureMirror(loc, rec); err != nil {
			return err
		}
		backup := filepath.Join(loc.Backup, filepath.FromSlash(p))
		if err := e.fs.MkdirAll(filepath.Dir(backup), 0700); err != nil {
			return err
		}
		if err := e.backup(ctx, dst, backup); err != nil {
			return err
		}
		if err := e.remove(ctx, dst); err != nil {
			return err
		}
		log.WithField("file", dst).Debug("deleted file")
	}
	return nil
}

// RemoveFolders deletes whole folders of loc after copying their content into the mirror.
func (e *Engine) RemoveFolders(ctx context.Context, loc Location, folders []string, rec Recorder) error {
	for _, f := range folders {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		dir := filepath.Join(loc.Destination, filepath.FromSlash(f))
		exists, isDir, err := fileutils.ExistsAndIsDirectory(e.fs, dir)
		if err != nil {
			return err
		}
		if !exists || !isDir {
			continue
		}
		if err := e.ensureMirror(loc, rec); err != nil {
			return err
		}
		err = afero.Walk(e.fs, dir, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(loc.Destination, p)
			if err != nil {
				return err
			}
			backup := filepath.Join(loc.Backup, rel)
			if info.IsDir() {
				return e.fs.MkdirAll(backup, 0700)
			}
			return e.backup(ctx, p, backup)
		})
		if err != nil {
			return err
		}
		if err := e.policy.Do(ctx, dir, func() error { return e.fs.RemoveAll(dir) }); err != nil {
			return fmt.Errorf("deleting folder %q: %w", dir, err)
		}
		log.WithField("folder", dir).Debug("deleted folder")
	}
	return nil
}

func (e *Engine) remove(ctx context.Context, p string) error {
	restore, err := e.attrs.Clear(p)
	if err != nil {
		return err
	}
	err = e.policy.Do(ctx, p, func() error { return e.fs.Remove(p) })
	if err != nil {
		_ = restore()
		return fmt.Errorf("deleting %q: %w", p, err)
	}
	return nil
}
