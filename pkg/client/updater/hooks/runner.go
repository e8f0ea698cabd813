package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Runner executes a program and waits for it.
type Runner interface {
	Run(ctx context.Context, exe string, args []string) error
}

type execRunner struct{}

// NewExecRunner returns a Runner that starts processes. The working directory is the directory of
// the executable.
func NewExecRunner() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, exe string, args []string) error {
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = filepath.Dir(exe)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	logger := log.WithField("exe", exe).WithField("args", args)
	logger.Debug("executing")
	if err := cmd.Run(); err != nil {
		if output := strings.TrimSpace(out.String()); output != "" {
			logger = logger.WithField("output", output)
		}
		logger.WithError(err).Error("execution failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", filepath.Base(exe), err)
	}
	return nil
}

// Registrar registers components with the operating system.
type Registrar interface {
	Register(ctx context.Context, path string) error
	Unregister(ctx context.Context, path string) error
}

type commandRegistrar struct {
	runner  Runner
	command string
}

// NewRegistrar returns a Registrar that calls regsvr32 from systemDir.
func NewRegistrar(r Runner, systemDir string) Registrar {
	return &commandRegistrar{runner: r, command: filepath.Join(systemDir, "regsvr32.exe")}
}

func (c *commandRegistrar) Register(ctx context.Context, path string) error {
	return c.runner.Run(ctx, c.command, []string{"/s", path})
}

func (c *commandRegistrar) Unregister(ctx context.Context, path string) error {
	return c.runner.Run(ctx, c.command, []string{"/s", "/u", path})
}
