//go:build !unix && !windows

package lockwait

// IsSharingViolation always reports false on platforms without file sharing modes.
func IsSharingViolation(error) bool {
	return false
}
