package lockwait

import (
	"errors"

	"golang.org/x/sys/windows"
)

// IsSharingViolation reports whether err was caused by another process holding the file.
func IsSharingViolation(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
