package backupmanager

import "golang.org/x/sys/windows"

var errSharingViolation error = windows.ERROR_SHARING_VIOLATION
