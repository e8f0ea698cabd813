// Package hooks runs the side steps of a session around the file and registry changes: executing
// package files, registering components and creating shortcuts.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/manifest"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// Recorder collects undo records.
type Recorder interface {
	Append(records ...recoverylog.Record)
}

// Hooks runs manifest hooks against the host described by an environment.
type Hooks struct {
	fs        afero.Fs
	env       *environment.Environment
	runner    Runner
	registrar Registrar
	shortcuts ShortcutWriter
}

type Option func(*Hooks)

func WithRunner(r Runner) Option {
	return func(h *Hooks) {
		h.runner = r
	}
}

func WithRegistrar(r Registrar) Option {
	return func(h *Hooks) {
		h.registrar = r
	}
}

func WithShortcutWriter(w ShortcutWriter) Option {
	return func(h *Hooks) {
		h.shortcuts = w
	}
}

func New(fs afero.Fs, env *environment.Environment, options ...Option) *Hooks {
	h := &Hooks{
		fs:        fs,
		env:       env,
		runner:    NewExecRunner(),
		shortcuts: NewShortcutWriter(fs),
	}
	for _, o := range options {
		o(h)
	}
	if h.registrar == nil {
		h.registrar = NewRegistrar(h.runner, env.SystemDir)
	}
	return h
}

// ExecuteBefore runs the package files flagged ExecuteBefore from the extracted package.
func (h *Hooks) ExecuteBefore(ctx context.Context, m *manifest.Manifest, packageDir string) error {
	for _, e := range m.FilesWith(manifest.ExecuteBefore) {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		if err := h.runner.Run(ctx, e.SourcePath(packageDir), e.Arguments); err != nil {
			return fmt.Errorf("pre-execute %s: %w", e.QualifiedPath(), err)
		}
	}
	return nil
}

// ExecuteAfter runs the deployed files flagged ExecuteAfter.
func (h *Hooks) ExecuteAfter(ctx context.Context, m *manifest.Manifest) error {
	for _, e := range m.FilesWith(manifest.ExecuteAfter) {
		if e.Flags.Has(manifest.Delete) {
			continue
		}
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		p, err := h.env.Resolve(e.QualifiedPath())
		if err != nil {
			return err
		}
		if err := h.runner.Run(ctx, p, e.Arguments); err != nil {
			return fmt.Errorf("post-execute %s: %w", e.QualifiedPath(), err)
		}
	}
	return nil
}

// RegisterComponents registers the deployed files flagged RegisterComponent. Each registered file
// is recorded so that it is unregistered on rollback.
func (h *Hooks) RegisterComponents(ctx context.Context, m *manifest.Manifest, rec Recorder) error {
	for _, e := range m.FilesWith(manifest.RegisterComponent) {
		if e.Flags.Has(manifest.Delete) {
			continue
		}
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		p, err := h.env.Resolve(e.QualifiedPath())
		if err != nil {
			return err
		}
		if err := h.registrar.Register(ctx, p); err != nil {
			return fmt.Errorf("register %s: %w", p, err)
		}
		rec.Append(recoverylog.UnregisteredComponent{Path: p})
		log.WithField("component", p).Info("registered component")
	}
	return nil
}

// UnregisterComponents undoes RegisterComponents in reverse order. Failures are collected.
func (h *Hooks) UnregisterComponents(ctx context.Context, records []recoverylog.Record) error {
	components := recoverylog.Filter[recoverylog.UnregisteredComponent](records)
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		p := components[i].Path
		if err := h.registrar.Unregister(ctx, p); err != nil {
			log.WithField("component", p).WithError(err).Warn("failed to unregister component")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateShortcuts writes the shortcuts of the manifest. New shortcut files and folders are recorded.
func (h *Hooks) CreateShortcuts(ctx context.Context, m *manifest.Manifest, rec Recorder) error {
	for _, s := range m.Shortcuts {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		dir, err := h.env.Resolve(s.Location)
		if err != nil {
			return err
		}
		if err := h.createFolders(dir, rec); err != nil {
			return err
		}
		p := filepath.Join(dir, s.Name+h.shortcuts.Extension())
		existed, err := afero.Exists(h.fs, p)
		if err != nil {
			return err
		}
		if err := h.shortcuts.Write(p, s); err != nil {
			return fmt.Errorf("shortcut %s: %w", p, err)
		}
		if !existed {
			rec.Append(recoverylog.FileToDelete{Path: p})
		}
	}
	return nil
}

// createFolders creates dir and its missing parents, recording each created folder.
func (h *Hooks) createFolders(dir string, rec Recorder) error {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		ok, err := afero.DirExists(h.fs, d)
		if err != nil {
			return err
		}
		if ok || filepath.Dir(d) == d {
			break
		}
		missing = append(missing, d)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := h.fs.Mkdir(missing[i], 0755); err != nil {
			return err
		}
		rec.Append(recoverylog.FolderToDelete{Path: missing[i]})
	}
	return nil
}
