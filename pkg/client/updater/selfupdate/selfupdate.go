// Package selfupdate replaces the updater's own executable.
//
// A running executable cannot overwrite its loaded image. An updater that finds a self-update in its
// package relaunches itself from a temporary copy, passing the installed path with SelfCopyFlag,
// and the copy then replaces the installed executable.
package selfupdate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/environment"
)

// SelfCopyFlag names the flag a temporary copy is started with. Its value is the installed path.
const SelfCopyFlag = "self-copy-of"

// ErrImageLoaded is returned when the executable to replace is the running image.
var ErrImageLoaded = errors.New("cannot replace a loaded executable image")

// ErrNoReplacement is returned if the self-update package does not contain the executable.
var ErrNoReplacement = errors.New("self-update package does not contain the executable")

// InstanceKiller terminates other processes running an executable.
type InstanceKiller interface {
	KillInstances(ctx context.Context, exe string) error
}

// Compiler runs the ahead-of-time compilation of a newly placed executable.
type Compiler interface {
	Compile(ctx context.Context, exe string) error
}

// Starter starts a detached process.
type Starter func(exe string, args []string) error

// Bootstrapper replaces the installed updater executable.
type Bootstrapper struct {
	fs       afero.Fs
	tempDir  string
	self     string
	killer   InstanceKiller
	policy   lockwait.Policy
	compiler Compiler
	start    Starter
}

type Option func(*Bootstrapper)

// WithSelf overrides the path of the running image.
func WithSelf(exe string) Option {
	return func(b *Bootstrapper) {
		b.self = exe
	}
}

func WithKiller(k InstanceKiller) Option {
	return func(b *Bootstrapper) {
		b.killer = k
	}
}

func WithPolicy(p lockwait.Policy) Option {
	return func(b *Bootstrapper) {
		b.policy = p
	}
}

// WithCompiler enables the compile step after a replacement.
func WithCompiler(c Compiler) Option {
	return func(b *Bootstrapper) {
		b.compiler = c
	}
}

func WithStarter(s Starter) Option {
	return func(b *Bootstrapper) {
		b.start = s
	}
}

// New returns a Bootstrapper that keeps its temporary copies below tempDir.
func New(fs afero.Fs, tempDir string, options ...Option) *Bootstrapper {
	b := &Bootstrapper{
		fs:      fs,
		tempDir: tempDir,
		policy:  lockwait.DefaultPolicy(),
		start:   startDetached,
	}
	if exe, err := os.Executable(); err == nil {
		b.self = exe
	}
	for _, o := range options {
		o(b)
	}
	return b
}

func startDetached(exe string, args []string) error {
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func (b *Bootstrapper) copiesDir() string {
	return filepath.Join(b.tempDir, "self")
}

// CheckLoaded returns ErrImageLoaded if installedExe is the running image.
func (b *Bootstrapper) CheckLoaded(installedExe string) error {
	if environment.SamePath(b.self, installedExe) {
		return fmt.Errorf("%w: %s", ErrImageLoaded, installedExe)
	}
	return nil
}

// RelaunchFromTemp copies the running executable into the temp directory and starts the copy with
// args and SelfCopyFlag. The caller is expected to exit afterwards.
func (b *Bootstrapper) RelaunchFromTemp(ctx context.Context, args []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(b.copiesDir(), uuid.NewString())
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	copyPath := filepath.Join(dir, filepath.Base(b.self))
	if err := fileutils.CopyFile(b.fs, b.self, copyPath); err != nil {
		return "", err
	}
	args = append(withoutSelfCopyFlag(args), fmt.Sprintf("--%s=%s", SelfCopyFlag, b.self))
	log.WithField("copy", copyPath).Info("relaunching from temporary copy")
	if err := b.start(copyPath, args); err != nil {
		return "", err
	}
	return copyPath, nil
}

func withoutSelfCopyFlag(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for _, a := range args {
		if !strings.HasPrefix(a, "--"+SelfCopyFlag+"=") {
			out = append(out, a)
		}
	}
	return out
}

// Locate searches dir breadth-first for a file with the base name of installedExe.
func (b *Bootstrapper) Locate(dir, installedExe string) (string, error) {
	name := filepath.Base(installedExe)
	queue := []string{dir}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		entries, err := afero.ReadDir(b.fs, current)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			p := filepath.Join(current, e.Name())
			if e.IsDir() {
				queue = append(queue, p)
				continue
			}
			if e.Name() == name || (runtime.GOOS == "windows" && strings.EqualFold(e.Name(), name)) {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNoReplacement, name, dir)
}

// Compilation is a running compile step.
type Compilation struct {
	g *errgroup.Group
}

// Wait blocks until the compile step finished. A nil Compilation finishes immediately.
func (c *Compilation) Wait() error {
	if c == nil {
		return nil
	}
	return c.g.Wait()
}

// Apply replaces installedExe with the executable of the same name found in dir: other instances
// are terminated, the file is copied over under lock retry and dir is removed. If a Compiler is
// configured it is started in the background.
func (b *Bootstrapper) Apply(ctx context.Context, dir, installedExe string) (*Compilation, error) {
	if err := b.CheckLoaded(installedExe); err != nil {
		return nil, err
	}
	replacement, err := b.Locate(dir, installedExe)
	if err != nil {
		return nil, err
	}
	if b.killer != nil {
		if err := b.killer.KillInstances(ctx, installedExe); err != nil {
			return nil, err
		}
	}
	err = b.policy.Do(ctx, installedExe, func() error {
		return fileutils.CopyOver(b.fs, replacement, installedExe)
	})
	if err != nil {
		return nil, err
	}
	log.WithField("exe", installedExe).Info("replaced updater executable")
	if err := b.fs.RemoveAll(dir); err != nil {
		log.WithError(err).Warn("failed to remove self-update staging directory")
	}
	if b.compiler == nil {
		return nil, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.compiler.Compile(gctx, installedExe); err != nil {
			log.WithError(err).Warn("compilation of the updater failed")
			return err
		}
		return nil
	})
	return &Compilation{g: g}, nil
}

// CleanupStaleCopies removes the temporary copies of earlier relaunches, except the running one.
func (b *Bootstrapper) CleanupStaleCopies() error {
	entries, err := afero.ReadDir(b.fs, b.copiesDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		dir := filepath.Join(b.copiesDir(), e.Name())
		if environment.IsWithin(dir, b.self) {
			continue
		}
		if err := b.fs.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
