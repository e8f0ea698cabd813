package updater

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/unbasical/doras-installer/internal/pkg/utils/observer"
	"github.com/unbasical/doras-installer/pkg/client/updater/backupmanager"
	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
	"github.com/unbasical/doras-installer/pkg/client/updater/gatekeeper"
	"github.com/unbasical/doras-installer/pkg/client/updater/hooks"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/client/updater/patchapplier"
	"github.com/unbasical/doras-installer/pkg/client/updater/registryeditor"
	"github.com/unbasical/doras-installer/pkg/client/updater/selfupdate"
	"github.com/unbasical/doras-installer/pkg/client/updater/statemanager"
	"github.com/unbasical/doras-installer/pkg/client/updater/storage"
	"github.com/unbasical/doras-installer/pkg/client/updater/updaterstate"
	"github.com/unbasical/doras-installer/pkg/client/updater/verifier"
	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// ErrNotInstalled is returned by Uninstall if no session was ever committed.
var ErrNotInstalled = errors.New("no installation recorded")

// Extractor unpacks an update package into a directory.
type Extractor interface {
	Extract(ctx context.Context, archive, dir string, progress func(name string)) error
}

// Client applies update packages to the host. A Client serves one session at a time, concurrent
// calls fail with storage.ErrSessionActive.
type Client struct {
	opts        clientOpts
	env         *environment.Environment
	policy      lockwait.Policy
	layout      *storage.Layout
	state       *statemanager.Manager[updaterstate.State]
	gatekeeper  *gatekeeper.Gatekeeper
	registry    *registryeditor.Editor
	hooks       *hooks.Hooks
	patcher     *patchapplier.Applier
	verifier    verifier.Verifier
	selfupdater *selfupdate.Bootstrapper
	gate        checkpoint.Gate
}

// Outcome is the terminal status of Apply.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCancelled
	// OutcomeRelaunch means the package replaces the running updater. The caller has to start a
	// temporary copy with RelaunchFromTemp and exit.
	OutcomeRelaunch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeRelaunch:
		return "relaunch"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result describes how a session ended.
type Result struct {
	Outcome Outcome
	// Version of the package, empty if the manifest could not be read.
	Version string
	// Err is an UpdaterError for failed sessions.
	Err error
	// FailedState is the state the session failed or was cancelled in.
	FailedState State
	// RolledBack lists the domains the unwind restored: components, registry, files, services.
	RolledBack []string
	// FallbackUsed is set if the package failed to patch and its full fallback was applied.
	FallbackUsed bool
	// Compilation is the background compilation of a replaced updater executable, if any.
	Compilation *selfupdate.Compilation

	fallback string
}

// Pause holds the running session at its next checkpoint.
func (c *Client) Pause() {
	c.gate.Pause()
}

// Resume continues a paused session.
func (c *Client) Resume() {
	c.gate.Resume()
}

// Installed returns the client record.
func (c *Client) Installed() (*updaterstate.State, error) {
	return c.state.Load()
}

// RelaunchFromTemp starts a temporary copy of the updater with args, see OutcomeRelaunch.
func (c *Client) RelaunchFromTemp(ctx context.Context, args []string) (string, error) {
	return c.selfupdater.RelaunchFromTemp(ctx, args)
}

// Apply runs an update session for the package at archive. If expected is set the package has to
// match it. A package whose deltas fail to apply is retried once with its fallback package.
// Cancellation and relaunch requests are reported through the Result, not as errors.
func (c *Client) Apply(ctx context.Context, archive string, expected digest.Digest) (*Result, error) {
	unlock, err := c.layout.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := c.recover(ctx); err != nil {
		return nil, fmt.Errorf("recovering an interrupted session: %w", err)
	}
	if err := c.selfupdater.CleanupStaleCopies(); err != nil {
		log.WithError(err).Warn("failed to remove stale updater copies")
	}

	res := c.run(ctx, archive, expected)
	if res.Outcome == OutcomeFailure && errors.Is(res.Err, ErrPatchApplication) && res.fallback != "" {
		fallback := filepath.Join(filepath.Dir(archive), filepath.FromSlash(res.fallback))
		log.WithError(res.Err).WithField("fallback", fallback).Warn("applying the fallback package")
		res = c.run(ctx, fallback, "")
		res.fallback = ""
		res.FallbackUsed = true
	}
	if res.Outcome != OutcomeFailure {
		return res, nil
	}
	if c.opts.Prompter == nil {
		c.recordFailure(res)
	}
	return res, res.Err
}

func (c *Client) recordFailure(res *Result) {
	var kind error = ErrFatalIO
	var uErr UpdaterError
	if errors.As(res.Err, &uErr) {
		kind = uErr.Kind()
	}
	err := c.state.ModifyState(func(st *updaterstate.State) error {
		st.RecordFailure(updaterstate.Failure{
			Version:    res.Version,
			At:         c.opts.Now(),
			State:      res.FailedState.String(),
			Kind:       kind.Error(),
			Message:    res.Err.Error(),
			RolledBack: res.RolledBack,
		})
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("failed to record the failed session")
	}
}

func (c *Client) newSession(archive string, expected digest.Digest) *session {
	id := storage.NewSession()
	return &session{
		id:         id,
		archive:    archive,
		expected:   expected,
		extractDir: c.layout.ExtractDir(id),
		files:      c.layout.FilesJournal(),
		registry:   c.layout.RegistryJournal(),
		tracker:    newTracker(),
	}
}

// run executes one session and reports progress while it runs.
func (c *Client) run(ctx context.Context, archive string, expected digest.Digest) *Result {
	s := c.newSession(archive, expected)
	log.WithField("session", s.id).WithField("package", archive).Info("starting update session")
	pumpCtx, stopPump := context.WithCancel(context.WithoutCancel(ctx))
	var g errgroup.Group
	if c.opts.Observer != nil {
		last := Progress{State: -1}
		o := &observer.IntervalObserver[*tracker]{
			Interval: c.opts.ProgressInterval,
			F: func(t *tracker) error {
				if p := t.Snapshot(); p != last {
					last = p
					c.opts.Observer(p)
				}
				return nil
			},
			Observable: s.tracker,
		}
		g.Go(func() error {
			return o.Observe(pumpCtx)
		})
	}
	state, err := c.execute(checkpoint.WithGate(ctx, &c.gate), s)
	res := &Result{Compilation: s.compilation}
	if s.manifest != nil {
		res.Version = s.manifest.Version
		res.fallback = s.manifest.Fallback
	}
	if err != nil {
		c.fail(ctx, s, state, err, res)
	} else {
		log.WithField("version", res.Version).Info("update session finished")
	}
	stopPump()
	_ = g.Wait()
	return res
}

// fail unwinds a session that did not commit and cleans up the temp directory according to the
// kind of error.
func (c *Client) fail(ctx context.Context, s *session, state State, err error, res *Result) {
	kind := classify(err)
	res.FailedState = state
	res.Err = NewUpdaterError(kind, err)
	switch kind {
	case ErrCancelled:
		res.Outcome = OutcomeCancelled
		log.WithField("state", state).Info("update session cancelled")
	case ErrRelaunchRequired:
		res.Outcome = OutcomeRelaunch
		log.Info("package replaces the running updater, a relaunch is required")
	default:
		res.Outcome = OutcomeFailure
		log.WithError(err).WithField("state", state).Error("update session failed")
	}
	if s.committed {
		return
	}
	rolledBack, uerr := c.unwind(context.WithoutCancel(ctx), s.files.Records(), s.registry.Records())
	res.RolledBack = rolledBack
	if uerr != nil {
		log.WithError(uerr).Error("rollback incomplete")
	}
	if err := errors.Join(s.files.Remove(), s.registry.Remove()); err != nil {
		log.WithError(err).Warn("failed to remove recovery logs")
	}
	var cerr error
	switch kind {
	case ErrPatchApplication, ErrRelaunchRequired, ErrCancelled:
		cerr = c.layout.RemoveSessions()
	default:
		cerr = c.layout.Wipe()
	}
	if cerr != nil {
		log.WithError(cerr).Warn("failed to clean up the temp directory")
	}
}

// unwind undoes the records of a session in a fixed order: components are unregistered, stopped
// services are started again, then the registry and the files are restored. A failing step does not
// stop the remaining ones. It returns the domains that had records and were restored without error.
func (c *Client) unwind(ctx context.Context, files, registry []recoverylog.Record) ([]string, error) {
	var rolledBack []string
	var errs []error
	domain := func(name string, present bool, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		if present {
			rolledBack = append(rolledBack, name)
		}
	}
	domain("components",
		len(recoverylog.Filter[recoverylog.UnregisteredComponent](files)) > 0,
		c.hooks.UnregisterComponents(ctx, files))
	domain("services",
		len(recoverylog.Filter[recoverylog.StoppedService](files)) > 0,
		c.gatekeeper.RestartServices(ctx, files))
	domain("registry", len(registry) > 0, c.registry.Rollback(ctx, registry))
	engine := backupmanager.New(c.opts.Fs, backupmanager.WithPolicy(c.policy))
	domain("files", lo.ContainsBy(files, isFileRecord), engine.Rollback(ctx, files))
	if len(rolledBack) > 0 {
		log.Infof("rolled back: %v", rolledBack)
	}
	return rolledBack, errors.Join(errs...)
}

func isFileRecord(r recoverylog.Record) bool {
	switch r.(type) {
	case recoverylog.FileToDelete, recoverylog.FolderToDelete, recoverylog.FolderToCreate, recoverylog.BackupRoot:
		return true
	}
	return false
}

// Recover undoes a session that was interrupted before it committed, e.g. by a crash. A corrupt
// recovery log is treated as if there was nothing to undo. Undo steps that fail are logged and
// skipped.
func (c *Client) Recover(ctx context.Context) ([]string, error) {
	unlock, err := c.layout.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.recover(ctx)
}

func (c *Client) recover(ctx context.Context) ([]string, error) {
	files, registry := c.layout.FilesJournal(), c.layout.RegistryJournal()
	if !files.Exists() && !registry.Exists() {
		return nil, nil
	}
	log.Warn("found recovery logs of an interrupted session")
	for _, j := range []*recoverylog.Journal{files, registry} {
		if err := j.Load(); err != nil {
			if !errors.Is(err, recoverylog.ErrCorrupt) {
				return nil, err
			}
			log.WithError(err).Warn("ignoring corrupt recovery log")
		}
	}
	rolledBack, err := c.unwind(context.WithoutCancel(ctx), files.Records(), registry.Records())
	if err != nil {
		log.WithError(err).Error("recovery incomplete")
	}
	if err := errors.Join(files.Remove(), registry.Remove(), c.layout.RemoveSessions()); err != nil {
		return rolledBack, err
	}
	return rolledBack, nil
}

// Uninstall removes everything the committed sessions created: files and folders, registry
// entries, component registrations and shortcuts. Files that existed before the first session are
// left in place.
func (c *Client) Uninstall(ctx context.Context) ([]string, error) {
	unlock, err := c.layout.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := c.recover(ctx); err != nil {
		return nil, err
	}
	journal := c.layout.UninstallJournal()
	if !journal.Exists() {
		return nil, ErrNotInstalled
	}
	if err := journal.Load(); err != nil {
		return nil, err
	}
	if err := c.gatekeeper.WaitForBlockingProcesses(ctx, c.env.InstallDir); err != nil {
		return nil, NewUpdaterError(classify(err), err)
	}
	records := journal.Records()
	var registry []recoverylog.Record
	for _, r := range records {
		if _, ok := r.(recoverylog.RegistryInverseOp); ok {
			registry = append(registry, r)
		}
	}
	removed, err := c.unwind(ctx, records, registry)
	if err != nil {
		return removed, err
	}
	if err := journal.Remove(); err != nil {
		return removed, err
	}
	if err := c.opts.Fs.Remove(c.layout.ClientRecord()); err != nil {
		log.WithError(err).Warn("failed to remove the client record")
	}
	log.Info("uninstalled")
	return removed, nil
}
