package gatekeeper

import (
	"context"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

type windowsServices struct {
	pollInterval time.Duration
}

// NewServiceManager returns the service control manager of the host.
func NewServiceManager() ServiceManager {
	return windowsServices{pollInterval: 250 * time.Millisecond}
}

func withService(name string, f func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer func() {
		_ = m.Disconnect()
	}()
	s, err := m.OpenService(name)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	return f(s)
}

func toState(s svc.State) ServiceState {
	switch s {
	case svc.Stopped:
		return StateStopped
	case svc.StartPending:
		return StateStartPending
	case svc.StopPending:
		return StateStopPending
	case svc.Running:
		return StateRunning
	default:
		return StateUnknown
	}
}

func (w windowsServices) Query(name string) (ServiceState, error) {
	state := StateUnknown
	err := withService(name, func(s *mgr.Service) error {
		status, err := s.Query()
		if err != nil {
			return err
		}
		state = toState(status.State)
		return nil
	})
	return state, err
}

func (w windowsServices) Stop(name string) error {
	return withService(name, func(s *mgr.Service) error {
		_, err := s.Control(svc.Stop)
		return err
	})
}

// WaitStopped polls the service state. The wait is only bounded by ctx.
func (w windowsServices) WaitStopped(ctx context.Context, name string) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()
	for {
		state, err := w.Query(name)
		if err != nil {
			return err
		}
		if state == StateStopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (w windowsServices) Start(name string) error {
	return withService(name, func(s *mgr.Service) error {
		return s.Start()
	})
}
