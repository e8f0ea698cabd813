//go:build unix

package backupmanager

import "golang.org/x/sys/unix"

var errSharingViolation error = unix.ETXTBSY
