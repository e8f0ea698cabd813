// Package gatekeeper clears the way for an update: it stops the services the package lists and
// waits until no process runs an executable from the install tree.
package gatekeeper

import (
	"os"
	"time"

	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// Recorder receives a StoppedService record for every service the session stopped.
type Recorder interface {
	Append(records ...recoverylog.Record)
}

// Gatekeeper controls services and watches processes for one session.
type Gatekeeper struct {
	services     ServiceManager
	processes    ProcessLister
	prompter     lockwait.Prompter
	interactive  bool
	pollInterval time.Duration
	waitWindow   time.Duration
	selfPID      int32
	selfExe      string
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithServiceManager replaces the service control manager of the host.
func WithServiceManager(m ServiceManager) Option {
	return func(g *Gatekeeper) {
		g.services = m
	}
}

// WithProcessLister replaces the process table of the host.
func WithProcessLister(l ProcessLister) Option {
	return func(g *Gatekeeper) {
		g.processes = l
	}
}

// WithInteractive lets the operator decide how long blocking processes are waited for.
func WithInteractive(p lockwait.Prompter) Option {
	return func(g *Gatekeeper) {
		g.interactive = true
		g.prompter = p
	}
}

// WithProcessWait sets how often and, in unattended sessions, how long blocking processes are
// polled for before the session fails.
func WithProcessWait(interval, window time.Duration) Option {
	return func(g *Gatekeeper) {
		g.pollInterval = interval
		g.waitWindow = window
	}
}

// WithSelf sets the executable that never counts as blocking. It defaults to the running image.
func WithSelf(exe string) Option {
	return func(g *Gatekeeper) {
		g.selfExe = exe
	}
}

// New returns a Gatekeeper for the host.
func New(options ...Option) *Gatekeeper {
	g := &Gatekeeper{
		services:     NewServiceManager(),
		processes:    NewProcessLister(),
		pollInterval: time.Second,
		waitWindow:   30 * time.Second,
		selfPID:      int32(os.Getpid()),
	}
	if exe, err := os.Executable(); err == nil {
		g.selfExe = exe
	}
	for _, option := range options {
		option(g)
	}
	return g
}
