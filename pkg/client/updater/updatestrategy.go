package updater

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-installer/pkg/client/updater/backupmanager"
	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
	"github.com/unbasical/doras-installer/pkg/client/updater/patchapplier"
	"github.com/unbasical/doras-installer/pkg/client/updater/selfupdate"
	"github.com/unbasical/doras-installer/pkg/client/updater/updaterstate"
	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/manifest"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// State is one step of an update session. States run in declaration order.
type State int

const (
	StateExtract State = iota
	StateCloseBlockingProcesses
	StatePreExecuteHooks
	StateBackupAndInstallFiles
	StateModifyRegistry
	StateOptimizeAndPostExecute
	StateWriteClientRecord
	StateDeleteTemporaries
)

var stateNames = []string{
	"Extract",
	"CloseBlockingProcesses",
	"PreExecuteHooks",
	"BackupAndInstallFiles",
	"ModifyRegistry",
	"OptimizeAndPostExecute",
	"WriteClientRecord",
	"DeleteTemporaries",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// session is the mutable context of one run over one package.
type session struct {
	id         string
	archive    string
	expected   digest.Digest
	extractDir string
	manifest   *manifest.Manifest
	// files holds file, folder, service and component records, registry the registry inverses.
	files       *recoverylog.Journal
	registry    *recoverylog.Journal
	compilation *selfupdate.Compilation
	// committed is set once the client record and the uninstall manifest are written. From then
	// on the session can no longer be rolled back.
	committed bool
	tracker   *tracker
}

// task is the work of one State.
type task interface {
	State() State
	// Weight is the share of the state in the progress of the whole session.
	Weight() int
	// Applicable reports whether the session has work for the state.
	Applicable(s *session) bool
	Run(ctx context.Context, s *session) error
}

type step struct {
	state      State
	weight     int
	applicable func(s *session) bool
	run        func(ctx context.Context, s *session) error
}

func (st step) State() State {
	return st.state
}

func (st step) Weight() int {
	return st.weight
}

func (st step) Applicable(s *session) bool {
	return st.applicable == nil || st.applicable(s)
}

func (st step) Run(ctx context.Context, s *session) error {
	return st.run(ctx, s)
}

func (c *Client) tasks() []task {
	return []task{
		step{state: StateExtract, weight: 20, run: c.extract},
		step{state: StateCloseBlockingProcesses, weight: 5, run: c.closeBlockingProcesses},
		step{
			state:  StatePreExecuteHooks,
			weight: 5,
			applicable: func(s *session) bool {
				return len(s.manifest.FilesWith(manifest.ExecuteBefore)) > 0
			},
			run: func(ctx context.Context, s *session) error {
				return c.hooks.ExecuteBefore(ctx, s.manifest, s.extractDir)
			},
		},
		step{state: StateBackupAndInstallFiles, weight: 50, run: c.backupAndInstall},
		step{
			state:  StateModifyRegistry,
			weight: 5,
			applicable: func(s *session) bool {
				return len(s.manifest.Registry) > 0
			},
			run: func(ctx context.Context, s *session) error {
				return c.registry.Apply(ctx, s.manifest.Registry, s.registry)
			},
		},
		step{state: StateOptimizeAndPostExecute, weight: 10, run: c.postExecute},
		step{state: StateWriteClientRecord, weight: 3, run: c.writeClientRecord},
		step{state: StateDeleteTemporaries, weight: 2, run: c.deleteTemporaries},
	}
}

// execute runs the tasks of s in order. Each task runs on its own goroutine while the controller
// waits for it. Both recovery logs are flushed after every task until the session is committed.
// On failure the state that failed is returned with the error.
func (c *Client) execute(ctx context.Context, s *session) (State, error) {
	tasks := c.tasks()
	s.tracker.setTotal(lo.SumBy(tasks, task.Weight))
	for _, t := range tasks {
		if !t.Applicable(s) {
			log.WithField("state", t.State()).Debug("nothing to do")
			s.tracker.skip(t.State(), t.Weight())
			continue
		}
		if err := checkpoint.Reached(ctx); err != nil {
			return t.State(), err
		}
		log.WithField("state", t.State()).Info("entering state")
		s.tracker.begin(t.State(), t.Weight())
		done := make(chan error, 1)
		go func(t task) {
			done <- t.Run(ctx, s)
		}(t)
		err := <-done
		if !s.committed {
			if ferr := errors.Join(s.files.Flush(), s.registry.Flush()); ferr != nil {
				err = errors.Join(err, fmt.Errorf("persisting recovery logs: %w", ferr))
			}
		}
		if err != nil {
			return t.State(), err
		}
		s.tracker.finish()
	}
	return StateDeleteTemporaries, nil
}

func (c *Client) extract(ctx context.Context, s *session) error {
	if s.expected != "" {
		if err := c.verifier.Verify(s.archive, s.expected); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPackage, err)
		}
	}
	if err := c.opts.Fs.MkdirAll(s.extractDir, 0700); err != nil {
		return err
	}
	entries := 0
	err := c.opts.Extractor.Extract(ctx, s.archive, s.extractDir, func(string) {
		entries++
		s.tracker.update(entries, 0)
	})
	if err != nil {
		return err
	}
	m, err := manifest.Load(c.opts.Fs, s.extractDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPackage, err)
	}
	for _, e := range m.FullFiles() {
		if err := c.verifier.Verify(e.SourcePath(s.extractDir), e.Checksum); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPackage, err)
		}
	}
	m.Substitute(c.env)
	s.manifest = m
	log.WithField("version", m.Version).Infof("package contains %d files and %d registry changes", len(m.Files), len(m.Registry))
	if m.SelfUpdate != "" {
		return c.selfupdater.CheckLoaded(c.opts.SelfInstalled)
	}
	return nil
}

func (c *Client) closeBlockingProcesses(ctx context.Context, s *session) error {
	if err := c.gatekeeper.StopServices(ctx, s.manifest.Services, s.files); err != nil {
		return err
	}
	return c.gatekeeper.WaitForBlockingProcesses(ctx, c.env.InstallDir)
}

func (c *Client) location(s *session, root string) (backupmanager.Location, error) {
	dst, ok := c.env.Root(root)
	if !ok {
		return backupmanager.Location{}, fmt.Errorf("root %q is not available on this host", root)
	}
	return backupmanager.Location{
		Name:        root,
		Source:      filepath.Join(s.extractDir, root),
		Destination: dst,
		Backup:      c.layout.BackupDir(s.id, root),
	}, nil
}

// backupAndInstall reconstructs patched files, removes what the package deletes and deploys the
// package roots, backing up everything it touches.
func (c *Client) backupAndInstall(ctx context.Context, s *session) error {
	m := s.manifest
	jobs, err := patchapplier.Jobs(m, c.env, s.extractDir)
	if err != nil {
		return err
	}
	if err := c.patcher.Apply(ctx, jobs); err != nil {
		return err
	}
	engine := backupmanager.New(c.opts.Fs,
		backupmanager.WithPolicy(c.policy),
		backupmanager.WithProgress(s.tracker.update),
	)
	deletions := m.FilesWith(manifest.Delete)
	var locations []backupmanager.Location
	for _, root := range environment.RootNames() {
		files := lo.FilterMap(deletions, func(e manifest.FileEntry, _ int) (string, bool) {
			return e.Path, e.Root == root
		})
		folders := lo.FilterMap(m.DeleteFolders, func(d string, _ int) (string, bool) {
			r, rel, _ := strings.Cut(d, "/")
			return rel, r == root
		})
		deploy := lo.Contains(m.Roots(), root)
		if len(files) == 0 && len(folders) == 0 && !deploy {
			continue
		}
		loc, err := c.location(s, root)
		if err != nil {
			return err
		}
		if err := engine.Remove(ctx, loc, files, s.files); err != nil {
			return err
		}
		if err := engine.RemoveFolders(ctx, loc, folders, s.files); err != nil {
			return err
		}
		if deploy {
			locations = append(locations, loc)
		}
	}
	return engine.Install(ctx, locations, s.files)
}

func (c *Client) postExecute(ctx context.Context, s *session) error {
	m := s.manifest
	if err := c.hooks.RegisterComponents(ctx, m, s.files); err != nil {
		return err
	}
	if err := c.hooks.CreateShortcuts(ctx, m, s.files); err != nil {
		return err
	}
	if err := c.hooks.ExecuteAfter(ctx, m); err != nil {
		return err
	}
	if m.SelfUpdate != "" {
		dir := filepath.Join(s.extractDir, filepath.FromSlash(m.SelfUpdate))
		comp, err := c.selfupdater.Apply(ctx, dir, c.opts.SelfInstalled)
		if err != nil {
			return err
		}
		s.compilation = comp
	}
	if err := c.gatekeeper.RestartServices(ctx, s.files.Records()); err != nil {
		log.WithError(err).Error("not every stopped service could be restarted")
	}
	return nil
}

// writeClientRecord commits the session: the client record is updated, the undo records are
// merged into the uninstall manifest and the rollback logs are removed.
func (c *Client) writeClientRecord(_ context.Context, s *session) error {
	m := s.manifest
	fs := c.opts.Fs
	stateDir := c.layout.StateDir()
	hash, err := updaterstate.HashDirectory(fs, c.env.InstallDir, func(rel string) bool {
		return environment.IsWithin(stateDir, filepath.Join(c.env.InstallDir, filepath.FromSlash(rel)))
	})
	if err != nil {
		return err
	}
	uninstall := c.layout.UninstallJournal()
	if err := uninstall.Load(); err != nil {
		if !errors.Is(err, recoverylog.ErrCorrupt) {
			return err
		}
		log.WithError(err).Warn("uninstall manifest is corrupt, starting a new one")
	}
	keep := func(r recoverylog.Record, _ int) bool {
		switch r.(type) {
		case recoverylog.BackupRoot, recoverylog.StoppedService:
			return false
		}
		return true
	}
	uninstall.Append(lo.Filter(s.files.Records(), keep)...)
	uninstall.Append(s.registry.Records()...)
	if err := uninstall.Flush(); err != nil {
		return err
	}
	err = c.state.ModifyState(func(st *updaterstate.State) error {
		st.RecordSuccess(m.Version, hash, c.opts.Now())
		return nil
	})
	if err != nil {
		return err
	}
	s.committed = true
	log.WithField("version", m.Version).Info("update committed")
	if err := errors.Join(s.files.Remove(), s.registry.Remove()); err != nil {
		log.WithError(err).Warn("failed to remove recovery logs")
	}
	return nil
}

func (c *Client) deleteTemporaries(_ context.Context, _ *session) error {
	if err := c.layout.RemoveSessions(); err != nil {
		log.WithError(err).Warn("failed to remove temporary files")
	}
	return nil
}

// Progress is a snapshot of a running session.
type Progress struct {
	State State
	// Done and Total count the units of the current state. Total is 0 if unknown.
	Done  int
	Total int
	// Percent is the progress of the whole session.
	Percent float64
}

// tracker collects progress from the worker. It never blocks the worker on the observer.
type tracker struct {
	mu       sync.Mutex
	total    int
	finished int
	weight   int
	current  Progress
}

func newTracker() *tracker {
	return &tracker{}
}

func (t *tracker) setTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}

func (t *tracker) begin(state State, weight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.weight = weight
	t.current = Progress{State: state}
	t.current.Percent = t.percent()
}

func (t *tracker) skip(state State, weight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished += weight
	t.current = Progress{State: state}
	t.current.Percent = t.percent()
}

func (t *tracker) update(done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.Done = done
	t.current.Total = total
	t.current.Percent = t.percent()
}

func (t *tracker) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished += t.weight
	t.weight = 0
	t.current.Done = t.current.Total
	t.current.Percent = t.percent()
}

// percent must be called with mu held.
func (t *tracker) percent() float64 {
	if t.total == 0 {
		return 0
	}
	share := 0.0
	if t.current.Total > 0 {
		share = float64(t.weight) * float64(t.current.Done) / float64(t.current.Total)
	}
	return (float64(t.finished) + share) * 100 / float64(t.total)
}

// Snapshot returns the current progress.
func (t *tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
