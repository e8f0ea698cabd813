package fileutils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// getLockFile computes a unique lock file path based on the canonical absolute path of newPath.
func getLockFile(newPath string) string {
	abs, err := filepath.Abs(newPath)
	if err != nil {
		abs = newPath // Fallback to the provided path if an error occurs.
	}
	abs = filepath.Clean(abs)
	hash := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "update_lock_"+hex.EncodeToString(hash[:]))
}

// acquireLock creates a new flock based on lockPath and acquires an exclusive lock.
func acquireLock(lockPath string) (*flock.Flock, error) {
	lock := flock.New(lockPath)
	// Block until the lock is acquired
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	return lock, nil
}

// ReplaceFile atomically replaces the file at targetPath with the file at currentPath,
// using a unique lock file based on targetPath.
func ReplaceFile(fs afero.Fs, currentPath, targetPath string) error {
	lock, err := acquireLock(getLockFile(targetPath))
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return MoveFile(fs, currentPath, targetPath)
}

// CopyOver copies currentPath over targetPath while holding the lock of targetPath.
// Unlike ReplaceFile the source stays in place, which is what replacing an executable
// that may be mapped by another process needs.
func CopyOver(fs afero.Fs, currentPath, targetPath string) error {
	lock, err := acquireLock(getLockFile(targetPath))
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return CopyFile(fs, currentPath, targetPath)
}
