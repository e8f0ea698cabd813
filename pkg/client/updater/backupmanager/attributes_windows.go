package backupmanager

import (
	"github.com/spf13/afero"
	"golang.org/x/sys/windows"
)

const protectedAttributes = windows.FILE_ATTRIBUTE_READONLY | windows.FILE_ATTRIBUTE_HIDDEN | windows.FILE_ATTRIBUTE_SYSTEM

// NewAttributes returns the attribute handling of the platform. File attributes are only
// accessible on the real filesystem, other filesystems fall back to mode bits.
func NewAttributes(fs afero.Fs) Attributes {
	if _, ok := fs.(*afero.OsFs); ok {
		return winAttributes{}
	}
	return modeAttributes{fs: fs}
}

type winAttributes struct{}

func getAttributes(path string) (uint32, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	return windows.GetFileAttributes(p)
}

func setAttributes(path string, attrs uint32) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, attrs)
}

func (winAttributes) Clear(path string) (func() error, error) {
	attrs, err := getAttributes(path)
	if err != nil {
		return nil, err
	}
	if attrs&protectedAttributes == 0 {
		return func() error { return nil }, nil
	}
	if err := setAttributes(path, attrs&^protectedAttributes); err != nil {
		return nil, err
	}
	return func() error { return setAttributes(path, attrs) }, nil
}

func (winAttributes) Copy(src, dst string) error {
	attrs, err := getAttributes(src)
	if err != nil {
		return err
	}
	return setAttributes(dst, attrs)
}
