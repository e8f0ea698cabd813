//go:build !windows

package gatekeeper

import (
	"context"
	"errors"
	"runtime"
)

var errNoServiceManager = errors.New("no service control manager on " + runtime.GOOS)

type noServices struct{}

// NewServiceManager returns a manager whose queries always fail, so every listed service is
// treated as already stopped.
func NewServiceManager() ServiceManager {
	return noServices{}
}

func (noServices) Query(string) (ServiceState, error)        { return StateUnknown, errNoServiceManager }
func (noServices) Stop(string) error                         { return errNoServiceManager }
func (noServices) WaitStopped(context.Context, string) error { return errNoServiceManager }
func (noServices) Start(string) error                        { return errNoServiceManager }
