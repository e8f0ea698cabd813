package gatekeeper

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-installer/pkg/backoff"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/environment"
)

// ProcessLister reads the process table of the host.
type ProcessLister interface {
	List(ctx context.Context) ([]lockwait.Process, error)
	Kill(ctx context.Context, pid int32) error
}

// BlockingProcessesError lists the processes that kept running for the whole wait window.
type BlockingProcessesError struct {
	Processes []lockwait.Process
}

func (e *BlockingProcessesError) Error() string {
	names := lo.Map(e.Processes, func(p lockwait.Process, _ int) string { return p.String() })
	return fmt.Sprintf("processes still running from the install directory: %s", strings.Join(names, ", "))
}

// Blocking returns the processes whose image lies under installDir, except the updater itself.
func (g *Gatekeeper) Blocking(ctx context.Context, installDir string) ([]lockwait.Process, error) {
	procs, err := g.processes.List(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(procs, func(p lockwait.Process, _ int) bool {
		if p.PID == g.selfPID || (g.selfExe != "" && environment.SamePath(p.Exe, g.selfExe)) {
			return false
		}
		return environment.IsWithin(installDir, p.Exe)
	}), nil
}

// WaitForBlockingProcesses returns once no process runs from installDir. Unattended sessions poll
// for the configured window and then fail with a *BlockingProcessesError. Interactive sessions
// show the list to the operator until the processes are gone or the operator aborts.
func (g *Gatekeeper) WaitForBlockingProcesses(ctx context.Context, installDir string) error {
	attempts := uint(0)
	if g.pollInterval > 0 {
		attempts = uint(g.waitWindow / g.pollInterval)
	}
	if g.interactive {
		attempts = 0
	}
	strategy := backoff.NewConstant(g.pollInterval, attempts)
	for {
		blocking, err := g.Blocking(ctx, installDir)
		if err != nil {
			return err
		}
		if len(blocking) == 0 {
			return nil
		}
		log.WithField("count", len(blocking)).Infof("waiting for processes to exit: %v", blocking)
		if g.interactive && g.prompter != nil {
			if g.prompter.FilesInUse(ctx, lockwait.Event{Processes: blocking}) == lockwait.Abort {
				return lockwait.ErrAborted
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		if err := strategy.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &BlockingProcessesError{Processes: blocking}
		}
	}
}

// KillInstances terminates every process running exe except the updater itself.
func (g *Gatekeeper) KillInstances(ctx context.Context, exe string) error {
	procs, err := g.processes.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if p.PID == g.selfPID || !environment.SamePath(p.Exe, exe) {
			continue
		}
		log.WithField("pid", p.PID).Info("terminating running instance")
		if err := g.processes.Kill(ctx, p.PID); err != nil {
			return fmt.Errorf("terminating %s: %w", p, err)
		}
	}
	return nil
}
