// Package storage lays out the directories of the updater.
//
//	<temp>/session.lock
//	<temp>/sessions/<id>/extract          extracted package
//	<temp>/sessions/<id>/backup/<root>    backup mirror per logical root
//	<temp>/rollback/registry.rlog
//	<temp>/rollback/files.rlog
//	<temp>/self/<id>/                     temporary copies of the updater
//	<state>/client.json                   client record
//	<state>/uninstall.rlog                uninstall manifest
//
// The temp directory may be wiped after a failure, the state directory survives every session, also
// when it is placed inside temp.
package storage

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// ErrSessionActive is returned by Lock if another session holds the lock.
var ErrSessionActive = errors.New("another update session is running")

// Layout resolves the paths of the updater.
type Layout struct {
	fs       afero.Fs
	tempDir  string
	stateDir string
}

func New(fs afero.Fs, tempDir, stateDir string) *Layout {
	return &Layout{fs: fs, tempDir: tempDir, stateDir: stateDir}
}

func (l *Layout) TempDir() string {
	return l.tempDir
}

func (l *Layout) StateDir() string {
	return l.stateDir
}

// Lock acquires the single-session lock. The returned function releases it.
func (l *Layout) Lock() (func(), error) {
	if err := l.fs.MkdirAll(l.tempDir, 0755); err != nil {
		return nil, err
	}
	lock := fileutils.NewLocker(l.fs, filepath.Join(l.tempDir, "session.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionActive
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).Warn("failed to release session lock")
		}
	}, nil
}

// NewSession returns a new session id.
func NewSession() string {
	return uuid.NewString()
}

func (l *Layout) SessionDir(id string) string {
	return filepath.Join(l.tempDir, "sessions", id)
}

func (l *Layout) ExtractDir(id string) string {
	return filepath.Join(l.SessionDir(id), "extract")
}

func (l *Layout) BackupDir(id, root string) string {
	return filepath.Join(l.SessionDir(id), "backup", root)
}

func (l *Layout) RollbackDir() string {
	return filepath.Join(l.tempDir, "rollback")
}

// RegistryJournal returns the journal of registry inverses.
func (l *Layout) RegistryJournal() *recoverylog.Journal {
	return recoverylog.NewJournal(l.fs, recoverylog.MagicRegistry, filepath.Join(l.RollbackDir(), "registry.rlog"))
}

// FilesJournal returns the journal of file, folder, service and component records.
func (l *Layout) FilesJournal() *recoverylog.Journal {
	return recoverylog.NewJournal(l.fs, recoverylog.MagicFiles, filepath.Join(l.RollbackDir(), "files.rlog"))
}

// UninstallJournal returns the uninstall manifest.
func (l *Layout) UninstallJournal() *recoverylog.Journal {
	return recoverylog.NewJournal(l.fs, recoverylog.MagicUninstall, filepath.Join(l.stateDir, "uninstall.rlog"))
}

func (l *Layout) ClientRecord() string {
	return filepath.Join(l.stateDir, "client.json")
}

func (l *Layout) LogFile() string {
	return filepath.Join(l.stateDir, "update.log")
}

// RemoveSessions removes the working directories of all sessions. The rollback logs and anything
// else in the temp directory stay.
func (l *Layout) RemoveSessions() error {
	return l.fs.RemoveAll(filepath.Join(l.tempDir, "sessions"))
}

// Wipe removes the content of the temp directory except for the session lock, the updater
// copies, one of which may be running, and the state directory if it lies inside temp.
func (l *Layout) Wipe() error {
	return l.wipe(l.tempDir, func(name string) bool {
		return name == "session.lock" || name == "self"
	})
}

func (l *Layout) wipe(dir string, keep func(name string) bool) error {
	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		switch {
		case keep(e.Name()), environment.SamePath(p, l.stateDir):
		case e.IsDir() && environment.IsWithin(p, l.stateDir):
			errs = append(errs, l.wipe(p, func(string) bool { return false }))
		default:
			errs = append(errs, l.fs.RemoveAll(p))
		}
	}
	return errors.Join(errs...)
}
