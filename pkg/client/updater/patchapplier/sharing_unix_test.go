//go:build unix

package patchapplier

import "golang.org/x/sys/unix"

var errSharingViolation error = unix.ETXTBSY
