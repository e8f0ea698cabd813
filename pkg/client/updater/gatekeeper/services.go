package gatekeeper

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// ErrServiceControl is matched by errors of services that could not be stopped.
var ErrServiceControl = errors.New("service control failed")

// ServiceState is the coarse state of a service.
type ServiceState int

const (
	StateUnknown ServiceState = iota
	StateStopped
	StateStartPending
	StateStopPending
	StateRunning
)

func (s ServiceState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStartPending:
		return "start pending"
	case StateStopPending:
		return "stop pending"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ServiceManager talks to the service control manager of the host.
type ServiceManager interface {
	Query(name string) (ServiceState, error)
	Stop(name string) error
	// WaitStopped blocks until the service reports StateStopped or ctx is done.
	WaitStopped(ctx context.Context, name string) error
	Start(name string) error
}

// StopServices stops every running service of names and records it. A service that cannot be
// queried is treated as already stopped. If the stop request fails the state is queried once more
// before the session fails, the service may have stopped on its own.
func (g *Gatekeeper) StopServices(ctx context.Context, names []string, rec Recorder) error {
	for _, name := range names {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		logger := log.WithField("service", name)
		state, err := g.services.Query(name)
		if err != nil {
			logger.WithError(err).Debug("failed to query service, treating it as stopped")
			continue
		}
		if state == StateStopped {
			logger.Debug("service is not running")
			continue
		}
		if stopErr := g.services.Stop(name); stopErr != nil {
			state, err = g.services.Query(name)
			switch {
			case err == nil && state == StateStopped:
			case err == nil && state == StateStopPending:
				if err := g.services.WaitStopped(ctx, name); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: stopping %q: %w", ErrServiceControl, name, stopErr)
			}
		} else if err := g.services.WaitStopped(ctx, name); err != nil {
			return err
		}
		rec.Append(recoverylog.StoppedService{Name: name})
		logger.Info("stopped service")
	}
	return nil
}

// RestartServices starts every service recorded by StopServices, in reverse order.
// Failures are logged and returned joined, the remaining services are still started.
func (g *Gatekeeper) RestartServices(_ context.Context, records []recoverylog.Record) error {
	stopped := recoverylog.Filter[recoverylog.StoppedService](records)
	var errs []error
	for i := len(stopped) - 1; i >= 0; i-- {
		name := stopped[i].Name
		if err := g.services.Start(name); err != nil {
			log.WithError(err).WithField("service", name).Warn("failed to restart service")
			errs = append(errs, fmt.Errorf("starting %q: %w", name, err))
			continue
		}
		log.WithField("service", name).Info("restarted service")
	}
	return errors.Join(errs...)
}
