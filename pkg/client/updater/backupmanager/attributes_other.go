//go:build !windows

package backupmanager

import "github.com/spf13/afero"

// NewAttributes returns the attribute handling of the platform.
func NewAttributes(fs afero.Fs) Attributes {
	return modeAttributes{fs: fs}
}
