//go:build unix

package lockwait

import (
	"os"

	"golang.org/x/sys/unix"
)

var errLocked error = &os.PathError{Op: "open", Path: "locked", Err: unix.ETXTBSY}
