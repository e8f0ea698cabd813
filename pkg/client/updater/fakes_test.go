package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/pkg/client/updater/gatekeeper"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
)

type fakeServices struct {
	mu     sync.Mutex
	states map[string]gatekeeper.ServiceState
	events []string
}

func newFakeServices(running ...string) *fakeServices {
	f := &fakeServices{states: map[string]gatekeeper.ServiceState{}}
	for _, name := range running {
		f.states[name] = gatekeeper.StateRunning
	}
	return f
}

func (f *fakeServices) Query(name string) (gatekeeper.ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[name]
	if !ok {
		return gatekeeper.StateUnknown, errors.New("service does not exist")
	}
	return s, nil
}

func (f *fakeServices) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = gatekeeper.StateStopped
	f.events = append(f.events, "stop "+name)
	return nil
}

func (f *fakeServices) WaitStopped(context.Context, string) error {
	return nil
}

func (f *fakeServices) Start(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = gatekeeper.StateRunning
	f.events = append(f.events, "start "+name)
	return nil
}

func (f *fakeServices) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeProcesses struct {
	procs []lockwait.Process
}

func (f *fakeProcesses) List(context.Context) ([]lockwait.Process, error) {
	return f.procs, nil
}

func (f *fakeProcesses) Kill(context.Context, int32) error {
	return nil
}

// fakeRunner records executed files by base name. fail makes the named file exit with an error,
// onRun is called before every run.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	onRun func(exe string)
}

func (f *fakeRunner) Run(_ context.Context, exe string, _ []string) error {
	if f.onRun != nil {
		f.onRun(exe)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := filepath.Base(exe)
	f.calls = append(f.calls, name)
	return f.fail[name]
}

// lockedFs refuses to open one file for writing, like a file held open by another process.
type lockedFs struct {
	afero.Fs
	locked string
}

func (l *lockedFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name == l.locked && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: errSharingViolation}
	}
	return l.Fs.OpenFile(name, flag, perm)
}

// crashingFs copies the filesystem as it is when a given file is about to be overwritten and then
// fails the write, like a process killed at that point.
type crashingFs struct {
	afero.Fs
	at    string
	image afero.Fs
}

func (c *crashingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name != c.at || flag&(os.O_WRONLY|os.O_RDWR) == 0 || c.image != nil {
		return c.Fs.OpenFile(name, flag, perm)
	}
	image := afero.NewMemMapFs()
	err := afero.Walk(c.Fs, string(filepath.Separator), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return image.MkdirAll(p, info.Mode().Perm())
		}
		data, err := afero.ReadFile(c.Fs, p)
		if err != nil {
			return err
		}
		return afero.WriteFile(image, p, data, info.Mode().Perm())
	})
	if err != nil {
		return nil, err
	}
	c.image = image
	return nil, errors.New("process killed")
}
