package backupmanager

import (
	"github.com/spf13/afero"
)

// Attributes handles the file attributes that prevent a file from being overwritten.
type Attributes interface {
	// Clear makes path writable and returns a function that restores the previous attributes.
	Clear(path string) (restore func() error, err error)
	// Copy applies the attributes of src to dst.
	Copy(src, dst string) error
}

// modeAttributes maps the read-only attribute to the owner write bit.
type modeAttributes struct {
	fs afero.Fs
}

func (m modeAttributes) Clear(path string) (func() error, error) {
	info, err := m.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	mode := info.Mode().Perm()
	if mode&0200 != 0 {
		return func() error { return nil }, nil
	}
	if err := m.fs.Chmod(path, mode|0200); err != nil {
		return nil, err
	}
	return func() error { return m.fs.Chmod(path, mode) }, nil
}

func (m modeAttributes) Copy(src, dst string) error {
	info, err := m.fs.Stat(src)
	if err != nil {
		return err
	}
	return m.fs.Chmod(dst, info.Mode().Perm())
}
