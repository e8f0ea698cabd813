package gatekeeper

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
)

type systemProcesses struct{}

// NewProcessLister returns the process table of the host.
func NewProcessLister() ProcessLister {
	return systemProcesses{}
}

// List skips processes whose image cannot be read, usually those of other users.
func (systemProcesses) List(ctx context.Context) ([]lockwait.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]lockwait.Process, 0, len(procs))
	for _, p := range procs {
		exe, err := p.ExeWithContext(ctx)
		if err != nil || exe == "" {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		out = append(out, lockwait.Process{PID: p.Pid, Name: name, Exe: exe})
	}
	return out, nil
}

func (systemProcesses) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}
