package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/unbasical/doras-installer/pkg/client/updater/gatekeeper"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/client/updater/patchapplier"
	"github.com/unbasical/doras-installer/pkg/client/updater/selfupdate"
)

// UpdaterError is the terminal error of a session: the kind decides how the session is cleaned
// up, the cause is the original error.
type UpdaterError struct {
	cause error
	kind  error
}

func (u UpdaterError) Error() string {
	return fmt.Sprintf("kind: %q, cause: %q", u.kind.Error(), u.cause.Error())
}

// Kind returns one of the error kinds below.
func (u UpdaterError) Kind() error {
	return u.kind
}

func (u UpdaterError) Unwrap() []error {
	return []error{u.kind, u.cause}
}

func NewUpdaterError(kind error, cause error) error {
	return UpdaterError{
		cause: cause,
		kind:  kind,
	}
}

var (
	ErrFatalIO           = fmt.Errorf("fatal I/O error")
	ErrPatchApplication  = fmt.Errorf("patch application failed")
	ErrServiceControl    = fmt.Errorf("service control failed")
	ErrBlockingProcesses = fmt.Errorf("blocking processes")
	ErrCancelled         = fmt.Errorf("cancelled")
	ErrRelaunchRequired  = fmt.Errorf("relaunch from a temporary copy required")
	ErrInvalidPackage    = fmt.Errorf("invalid update package")
)

// classify maps an error of a session state to its kind.
func classify(err error) error {
	var blocking *gatekeeper.BlockingProcessesError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, lockwait.ErrAborted):
		return ErrCancelled
	case errors.Is(err, selfupdate.ErrImageLoaded):
		return ErrRelaunchRequired
	case errors.Is(err, patchapplier.ErrPatchFailed):
		return ErrPatchApplication
	case errors.Is(err, gatekeeper.ErrServiceControl):
		return ErrServiceControl
	case errors.As(err, &blocking):
		return ErrBlockingProcesses
	case errors.Is(err, ErrInvalidPackage):
		return ErrInvalidPackage
	default:
		return ErrFatalIO
	}
}
