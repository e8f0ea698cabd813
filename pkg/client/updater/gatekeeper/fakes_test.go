package gatekeeper

import (
	"context"
	"errors"
	"sync"

	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
)

type fakeService struct {
	state       ServiceState
	queryErr    error
	stopErr     error
	stateOnStop ServiceState
}

type fakeServices struct {
	mu       sync.Mutex
	services map[string]*fakeService
	started  []string
}

func (f *fakeServices) get(name string) (*fakeService, error) {
	s, ok := f.services[name]
	if !ok {
		return nil, errors.New("service does not exist")
	}
	return s, nil
}

func (f *fakeServices) Query(name string) (ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.get(name)
	if err != nil {
		return StateUnknown, err
	}
	return s.state, s.queryErr
}

func (f *fakeServices) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.get(name)
	if err != nil {
		return err
	}
	s.state = s.stateOnStop
	return s.stopErr
}

func (f *fakeServices) WaitStopped(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.get(name)
	if err != nil {
		return err
	}
	s.state = StateStopped
	return nil
}

func (f *fakeServices) Start(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.get(name)
	if err != nil {
		return err
	}
	s.state = StateRunning
	f.started = append(f.started, name)
	return nil
}

// fakeProcesses returns the listed processes until they exit after the given number of scans.
type fakeProcesses struct {
	procs     []lockwait.Process
	exitAfter int
	scans     int
	killed    []int32
}

func (f *fakeProcesses) List(context.Context) ([]lockwait.Process, error) {
	f.scans++
	if f.exitAfter > 0 && f.scans > f.exitAfter {
		return nil, nil
	}
	return f.procs, nil
}

func (f *fakeProcesses) Kill(_ context.Context, pid int32) error {
	f.killed = append(f.killed, pid)
	return nil
}
