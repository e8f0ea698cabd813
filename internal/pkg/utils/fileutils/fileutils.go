package fileutils

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// SafeReadYAML reads the YAML file at the path into the targetPointer.
// Returns true if the file exists or an error if an error occurred.
func SafeReadYAML(fs afero.Fs, filePath string, targetPointer any) (yamlAvailable bool, err error) {
	fileBytes, err := SafeReadFile(fs, filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	if len(fileBytes) == 0 {
		return false, nil
	}
	return true, yaml.Unmarshal(fileBytes, targetPointer)
}

// SafeReadFile reads the file at the provided path into a byte slice.
func SafeReadFile(fs afero.Fs, filePath string) ([]byte, error) {
	file, err := fs.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %s, %w", filePath, err)
	}

	bytes, readErr := io.ReadAll(file)
	if err = file.Close(); err != nil {
		logrus.Errorf("Failed to close file: %s", filePath)
	}
	return bytes, readErr
}

// ReadOrPanic reads the entire file at the provided path or panics if it is not possible.
func ReadOrPanic(p string) []byte {
	data, err := os.ReadFile(p)
	if err != nil {
		panic(err)
	}
	return data
}

func ExistsAndIsDirectory(fs afero.Fs, path string) (exists, isDir bool, err error) {
	info, err := fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// CopyFile copies src to dst, creating or truncating dst. The permission bits and the
// modification time of src are carried over and dst is synced before it is closed.
func CopyFile(fs afero.Fs, src, dst string) error {
	info, err := fs.Stat(src)
	if err != nil {
		return err
	}
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := errors.Join(out.Sync(), out.Close()); err != nil {
		return err
	}
	// OpenFile only applies the mode to new files
	if err := fs.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return fs.Chtimes(dst, info.ModTime(), info.ModTime())
}

// MoveFile renames src to dst. If the rename is not possible, e.g. because both are on different
// volumes, the file is copied and src removed afterwards.
func MoveFile(fs afero.Fs, src, dst string) error {
	err := fs.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	logrus.WithError(err).Debugf("rename of %q failed, falling back to copy", src)
	if err := CopyFile(fs, src, dst); err != nil {
		return err
	}
	return fs.Remove(src)
}

// CompareDirectories checks if two directories have the same structure and content.
// Walks both folders and ensures the contents are identical (compares file hashes).
// Differences are reported as false with a nil error.
//
//nolint:revive // Disable complexity warning, this function should be understandable enough to people familiar with navigating trees.
func CompareDirectories(fs afero.Fs, dir1, dir2 string) (bool, error) {
	files1 := make(map[string][32]byte)

	// Walk through dir1 and store file hashes
	err := afero.Walk(fs, dir1, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, _ := filepath.Rel(dir1, path)
		if info.IsDir() {
			files1[relPath+string(filepath.Separator)] = [32]byte{}
			return nil
		}

		hash, err := hashFile(fs, path)
		if err != nil {
			return err
		}
		files1[relPath] = hash
		return nil
	})
	if err != nil {
		return false, err
	}

	errMismatch := errors.New("mismatch")
	// Walk through dir2 and compare with files1
	err = afero.Walk(fs, dir2, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, _ := filepath.Rel(dir2, path)
		var hash [32]byte
		if info.IsDir() {
			relPath += string(filepath.Separator)
		} else if hash, err = hashFile(fs, path); err != nil {
			return err
		}

		if hash1, exists := files1[relPath]; !exists || hash1 != hash {
			logrus.Debugf("file mismatch: %s", relPath)
			return errMismatch
		}

		delete(files1, relPath)
		return nil
	})
	if errors.Is(err, errMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// If files1 is not empty, it means dir1 had extra files
	if len(files1) > 0 {
		logrus.Debugf("directory contains %d extra entries", len(files1))
		return false, nil
	}

	return true, nil
}

// hashFile computes a SHA-256 hash of the file content
func hashFile(fs afero.Fs, path string) ([32]byte, error) {
	var hash [32]byte
	file, err := fs.Open(path)
	if err != nil {
		return hash, err
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	_, err = io.Copy(hasher, file)
	if err != nil {
		return hash, err
	}

	copy(hash[:], hasher.Sum(nil))
	return hash, nil
}

// CleanDirectory removes all files and subdirectories within dirPath,
// leaving the directory itself intact.
func CleanDirectory(fs afero.Fs, dirPath string) error {
	entries, err := afero.ReadDir(fs, dirPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		entryPath := filepath.Join(dirPath, entry.Name())
		if err := fs.RemoveAll(entryPath); err != nil {
			return err
		}
	}
	return nil
}
