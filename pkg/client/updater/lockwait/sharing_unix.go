//go:build unix

package lockwait

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsSharingViolation reports whether err was caused by another process holding the file.
// Unix has no mandatory locks, only busy mount points and running images come close.
func IsSharingViolation(err error) bool {
	return errors.Is(err, unix.ETXTBSY) || errors.Is(err, unix.EBUSY)
}
