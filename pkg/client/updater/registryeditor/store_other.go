//go:build !windows

package registryeditor

import (
	"errors"
	"runtime"
)

// NewSystemStore fails on hosts without a registry.
func NewSystemStore() (Store, error) {
	return nil, errors.New("no system registry on " + runtime.GOOS)
}
