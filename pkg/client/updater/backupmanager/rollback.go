package backupmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// Rollback undoes the file and folder records of a session: new files are deleted, created
// folders are removed deepest first and every backup mirror is restored over its destination.
// A failing step never stops the remaining ones, all errors are returned joined.
func (e *Engine) Rollback(ctx context.Context, records []recoverylog.Record) error {
	var errs []error
	for _, r := range recoverylog.Filter[recoverylog.FileToDelete](records) {
		err := e.remove(ctx, r.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	var folders []string
	for _, r := range records {
		switch r := r.(type) {
		case recoverylog.FolderToDelete:
			folders = append(folders, r.Path)
		case recoverylog.FolderToCreate:
			folders = append(folders, r.Path)
		}
	}
	for _, dir := range deepestFirst(folders) {
		if err := e.fs.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing folder %q: %w", dir, err))
		}
	}
	for _, r := range recoverylog.Filter[recoverylog.BackupRoot](records) {
		if err := e.restore(ctx, r.Backup, r.Destination); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.WithError(errors.Join(errs...)).Warnf("file rollback finished with %d errors", len(errs))
	}
	return errors.Join(errs...)
}

func deepestFirst(dirs []string) []string {
	sorted := append([]string(nil), dirs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		di := strings.Count(filepath.Clean(sorted[i]), string(filepath.Separator))
		dj := strings.Count(filepath.Clean(sorted[j]), string(filepath.Separator))
		return di > dj
	})
	return sorted
}

// restore copies every file of the mirror over destination, recreating missing folders.
func (e *Engine) restore(ctx context.Context, mirror, destination string) error {
	exists, _, err := fileutils.ExistsAndIsDirectory(e.fs, mirror)
	if err != nil || !exists {
		return err
	}
	var errs []error
	err = afero.Walk(e.fs, mirror, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		rel, err := filepath.Rel(mirror, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(destination, rel)
		if info.IsDir() {
			if rel == "." {
				return nil
			}
			if err := e.fs.MkdirAll(dst, 0755); err != nil {
				errs = append(errs, err)
			}
			return nil
		}
		if strings.HasSuffix(p, partSuffix) {
			return nil
		}
		if err := e.restoreFile(ctx, p, dst); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) restoreFile(ctx context.Context, backup, dst string) error {
	if exists, _, _ := fileutils.ExistsAndIsDirectory(e.fs, dst); exists {
		if _, err := e.attrs.Clear(dst); err != nil {
			return fmt.Errorf("clearing attributes of %q: %w", dst, err)
		}
	} else if err := e.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := e.policy.Do(ctx, dst, func() error { return fileutils.CopyFile(e.fs, backup, dst) }); err != nil {
		return fmt.Errorf("restoring %q: %w", dst, err)
	}
	if err := e.attrs.Copy(backup, dst); err != nil {
		return fmt.Errorf("restoring attributes of %q: %w", dst, err)
	}
	log.WithField("file", dst).Debug("restored file from backup")
	return nil
}
