//go:build unix

package updater

import "golang.org/x/sys/unix"

var errSharingViolation error = unix.ETXTBSY
