package updater

import (
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/utils/tarutils"
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
)

type clientOpts struct {
	Fs               afero.Fs
	TempDir          string
	StateDir         string
	Prompter         lockwait.Prompter
	LockPolicy       *lockwait.Policy
	ProcessInterval  time.Duration
	ProcessWindow    time.Duration
	RegistryStore    registryeditor.Store
	ServiceManager   gatekeeper.ServiceManager
	ProcessLister    gatekeeper.ProcessLister
	Runner           hooks.Runner
	Registrar        hooks.Registrar
	ShortcutWriter   hooks.ShortcutWriter
	Extractor        Extractor
	PatchCodec       patchapplier.Codec
	Self             string
	SelfInstalled    string
	Compiler         selfupdate.Compiler
	Starter          selfupdate.Starter
	Observer         func(Progress)
	ProgressInterval time.Duration
	Now              func() time.Time
}

// NewClient creates an update client for the host described by env.
func NewClient(env *environment.Environment, options ...func(*Client)) (*Client, error) {
	client := &Client{
		env: env,
		opts: clientOpts{
			Fs:               afero.NewOsFs(),
			TempDir:          env.TempDir,
			ProcessInterval:  time.Second,
			ProcessWindow:    30 * time.Second,
			Self:             env.Executable,
			SelfInstalled:    env.Executable,
			ProgressInterval: 100 * time.Millisecond,
			Now:              time.Now,
		},
	}
	for _, option := range options {
		option(client)
	}
	opts := &client.opts
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(opts.TempDir, "state")
	}
	if opts.RegistryStore == nil {
		store, err := registryeditor.NewSystemStore()
		if err != nil {
			log.WithError(err).Warn("registry changes are kept in memory only")
			store = registryeditor.NewMemoryStore()
		}
		opts.RegistryStore = store
	}
	if opts.Extractor == nil {
		opts.Extractor = tarutils.NewExtractor(opts.Fs)
	}
	if opts.PatchCodec == nil {
		opts.PatchCodec = patchapplier.NewBsdiffCodec()
	}
	if opts.Runner == nil {
		opts.Runner = hooks.NewExecRunner()
	}
	if opts.Registrar == nil {
		opts.Registrar = hooks.NewRegistrar(opts.Runner, env.SystemDir)
	}
	if opts.ShortcutWriter == nil {
		opts.ShortcutWriter = hooks.NewShortcutWriter(opts.Fs)
	}

	policy := lockwait.DefaultPolicy()
	if opts.LockPolicy != nil {
		policy = *opts.LockPolicy
	}
	gkOpts := []gatekeeper.Option{
		gatekeeper.WithProcessWait(opts.ProcessInterval, opts.ProcessWindow),
		gatekeeper.WithSelf(opts.Self),
	}
	if opts.Prompter != nil {
		policy.Interactive = true
		policy.Prompter = opts.Prompter
		gkOpts = append(gkOpts, gatekeeper.WithInteractive(opts.Prompter))
	}
	if opts.ServiceManager != nil {
		gkOpts = append(gkOpts, gatekeeper.WithServiceManager(opts.ServiceManager))
	}
	if opts.ProcessLister != nil {
		gkOpts = append(gkOpts, gatekeeper.WithProcessLister(opts.ProcessLister))
	}
	client.policy = policy
	client.layout = storage.New(opts.Fs, opts.TempDir, opts.StateDir)
	client.gatekeeper = gatekeeper.New(gkOpts...)
	client.registry = registryeditor.New(opts.RegistryStore, registryeditor.WithExpander(env.Expand))
	client.hooks = hooks.New(opts.Fs, env,
		hooks.WithRunner(opts.Runner),
		hooks.WithRegistrar(opts.Registrar),
		hooks.WithShortcutWriter(opts.ShortcutWriter),
	)
	client.patcher = patchapplier.New(opts.Fs, patchapplier.WithCodec(opts.PatchCodec), patchapplier.WithPolicy(policy))
	client.verifier = verifier.New(opts.Fs)
	suOpts := []selfupdate.Option{
		selfupdate.WithSelf(opts.Self),
		selfupdate.WithKiller(client.gatekeeper),
		selfupdate.WithPolicy(policy),
	}
	if opts.Compiler != nil {
		suOpts = append(suOpts, selfupdate.WithCompiler(opts.Compiler))
	}
	if opts.Starter != nil {
		suOpts = append(suOpts, selfupdate.WithStarter(opts.Starter))
	}
	client.selfupdater = selfupdate.New(opts.Fs, opts.TempDir, suOpts...)
	state, err := statemanager.NewFromDisk(opts.Fs, updaterstate.State{}, client.layout.ClientRecord())
	if err != nil {
		return nil, err
	}
	client.state = state
	return client, nil
}

// WithFs replaces the file system the client works on.
func WithFs(fs afero.Fs) func(*Client) {
	return func(c *Client) {
		c.opts.Fs = fs
	}
}

// WithDirectories sets the staging directory, which may be wiped after a failure, and the state
// directory holding the client record and the uninstall manifest.
func WithDirectories(tempDir, stateDir string) func(*Client) {
	return func(c *Client) {
		c.opts.TempDir = tempDir
		c.opts.StateDir = stateDir
	}
}

// WithInteractive makes the session ask p whenever files or processes block it instead of
// failing after the unattended wait window.
func WithInteractive(p lockwait.Prompter) func(*Client) {
	return func(c *Client) {
		c.opts.Prompter = p
	}
}

// WithLockPolicy overrides the retry policy for locked files.
func WithLockPolicy(p lockwait.Policy) func(*Client) {
	return func(c *Client) {
		c.opts.LockPolicy = &p
	}
}

// WithProcessWait sets the poll interval and the unattended wait window for blocking processes.
func WithProcessWait(interval, window time.Duration) func(*Client) {
	return func(c *Client) {
		c.opts.ProcessInterval = interval
		c.opts.ProcessWindow = window
	}
}

// WithRegistryStore replaces the host registry.
func WithRegistryStore(s registryeditor.Store) func(*Client) {
	return func(c *Client) {
		c.opts.RegistryStore = s
	}
}

func WithServiceManager(m gatekeeper.ServiceManager) func(*Client) {
	return func(c *Client) {
		c.opts.ServiceManager = m
	}
}

func WithProcessLister(l gatekeeper.ProcessLister) func(*Client) {
	return func(c *Client) {
		c.opts.ProcessLister = l
	}
}

// WithRunner replaces the runner of execute hooks. The default registrar uses it as well.
func WithRunner(r hooks.Runner) func(*Client) {
	return func(c *Client) {
		c.opts.Runner = r
	}
}

func WithRegistrar(r hooks.Registrar) func(*Client) {
	return func(c *Client) {
		c.opts.Registrar = r
	}
}

func WithShortcutWriter(w hooks.ShortcutWriter) func(*Client) {
	return func(c *Client) {
		c.opts.ShortcutWriter = w
	}
}

func WithExtractor(x Extractor) func(*Client) {
	return func(c *Client) {
		c.opts.Extractor = x
	}
}

func WithPatchCodec(codec patchapplier.Codec) func(*Client) {
	return func(c *Client) {
		c.opts.PatchCodec = codec
	}
}

// WithSelf sets the running updater image and the installed updater executable. They differ when
// the updater was relaunched from a temporary copy.
func WithSelf(running, installed string) func(*Client) {
	return func(c *Client) {
		c.opts.Self = running
		c.opts.SelfInstalled = installed
	}
}

func WithCompiler(comp selfupdate.Compiler) func(*Client) {
	return func(c *Client) {
		c.opts.Compiler = comp
	}
}

func WithStarter(s selfupdate.Starter) func(*Client) {
	return func(c *Client) {
		c.opts.Starter = s
	}
}

// WithObserver registers a callback that receives the progress of a session every interval.
func WithObserver(f func(Progress), interval time.Duration) func(*Client) {
	return func(c *Client) {
		c.opts.Observer = f
		if interval > 0 {
			c.opts.ProgressInterval = interval
		}
	}
}

// WithClock replaces the clock used for the client record.
func WithClock(now func() time.Time) func(*Client) {
	return func(c *Client) {
		c.opts.Now = now
	}
}
