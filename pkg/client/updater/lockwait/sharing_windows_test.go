package lockwait

import (
	"os"

	"golang.org/x/sys/windows"
)

var errLocked error = &os.PathError{Op: "open", Path: "locked", Err: windows.ERROR_SHARING_VIOLATION}
