package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-installer/internal/pkg/delta/bsdiff"
	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-installer/internal/pkg/utils/tarutils"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/client/updater/registryeditor"
	"github.com/unbasical/doras-installer/pkg/client/updater/storage"
	"github.com/unbasical/doras-installer/pkg/client/updater/verifier"
	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
	"github.com/unbasical/doras-installer/pkg/registry"
)

const vendorKey = `SOFTWARE\Vendor`

var (
	installDir  = filepath.FromSlash("/opt/app")
	userDataDir = filepath.FromSlash("/home/user/app")
	tempDir     = filepath.FromSlash("/tmp/upd")
	stateDir    = filepath.FromSlash("/state")
	downloads   = filepath.FromSlash("/downloads")
	snapshotDir = filepath.FromSlash("/snapshot")
)

type fixture struct {
	fs       afero.Fs
	env      *environment.Environment
	store    *registryeditor.MemoryStore
	services *fakeServices
	runner   *fakeRunner
}

func newFixture(t *testing.T, services ...string) *fixture {
	t.Helper()
	return &fixture{
		fs: afero.NewMemMapFs(),
		env: &environment.Environment{
			InstallDir:  installDir,
			SystemDir:   filepath.FromSlash("/sys32"),
			UserDataDir: userDataDir,
			CommonDir:   filepath.FromSlash("/var/lib/app"),
			TempDir:     tempDir,
			Executable:  filepath.Join(installDir, "updater"),
		},
		store:    registryeditor.NewMemoryStore(),
		services: newFakeServices(services...),
		runner:   &fakeRunner{fail: map[string]error{}},
	}
}

func (f *fixture) client(t *testing.T, options ...func(*Client)) *Client {
	t.Helper()
	opts := append([]func(*Client){
		WithFs(f.fs),
		WithDirectories(tempDir, stateDir),
		WithRegistryStore(f.store),
		WithServiceManager(f.services),
		WithProcessLister(&fakeProcesses{}),
		WithRunner(f.runner),
		WithProcessWait(time.Millisecond, 10*time.Millisecond),
		WithLockPolicy(lockwait.Policy{Interval: time.Millisecond, MaxAttempts: 3}),
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }),
	}, options...)
	c, err := NewClient(f.env, opts...)
	require.NoError(t, err)
	return c
}

func (f *fixture) writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, f.fs.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, afero.WriteFile(f.fs, full, []byte(content), 0644))
	}
}

// pack builds an update package from a manifest and the files below the package root.
func (f *fixture) pack(t *testing.T, archive, manifestYAML string, files map[string]string) string {
	t.Helper()
	src := filepath.Join(filepath.FromSlash("/build"), filepath.Base(archive))
	tree := map[string]string{"manifest.yaml": manifestYAML}
	for p, content := range files {
		tree[p] = content
	}
	f.writeTree(t, src, tree)
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(archive), 0755))
	require.NoError(t, tarutils.Create(f.fs, src, archive))
	return archive
}

func (f *fixture) read(t *testing.T, p string) string {
	t.Helper()
	data, err := afero.ReadFile(f.fs, p)
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) exists(t *testing.T, p string) bool {
	t.Helper()
	ok, err := afero.Exists(f.fs, p)
	require.NoError(t, err)
	return ok
}

func (f *fixture) snapshot(t *testing.T) {
	t.Helper()
	err := afero.Walk(f.fs, installDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(installDir, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(snapshotDir, rel)
		if info.IsDir() {
			return f.fs.MkdirAll(dst, 0755)
		}
		return fileutils.CopyFile(f.fs, p, dst)
	})
	require.NoError(t, err)
}

func (f *fixture) assertUnchanged(t *testing.T) {
	t.Helper()
	same, err := fileutils.CompareDirectories(f.fs, installDir, snapshotDir)
	require.NoError(t, err)
	assert.True(t, same, "install directory differs from its state before the session")
}

func (f *fixture) value(t *testing.T, name string) (string, bool) {
	t.Helper()
	v, ok, err := f.store.GetValue(registry.LocalMachine, vendorKey, name)
	require.NoError(t, err)
	return string(v.Data), ok
}

func (f *fixture) installV1(t *testing.T) {
	t.Helper()
	f.writeTree(t, installDir, map[string]string{
		"app.exe":         "app v1",
		"data/config.ini": "old config",
		"readme.txt":      "untouched",
	})
	require.NoError(t, f.store.CreateKey(registry.LocalMachine, vendorKey))
	require.NoError(t, f.store.SetValue(registry.LocalMachine, vendorKey, "Version", registry.StringValue("1.0")))
}

const manifestV2 = `
version: "2.0"
files:
  - root: app
    path: app.exe
    flags: [execute-after]
  - root: app
    path: new.dll
  - root: app
    path: data/extra/notes.txt
  - root: app
    path: data/config.ini
    flags: [delete]
registry:
  - op: set-value
    key: HKLM\SOFTWARE\Vendor
    name: Version
    data: "2.0"
  - op: set-value
    key: HKLM\SOFTWARE\Vendor
    name: InstallDir
    data: "{app}"
`

var filesV2 = map[string]string{
	"app/app.exe":              "app v2",
	"app/new.dll":              "dll v2",
	"app/data/extra/notes.txt": "notes",
}

func TestClient_Apply(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	archive := f.pack(t, filepath.Join(downloads, "v2.tar.zst"), manifestV2, filesV2)

	var mu sync.Mutex
	var progress []Progress
	c := f.client(t, WithObserver(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, p)
	}, time.Millisecond))
	res, err := c.Apply(context.Background(), archive, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "2.0", res.Version)
	assert.False(t, res.FallbackUsed)

	assert.Equal(t, "app v2", f.read(t, filepath.Join(installDir, "app.exe")))
	assert.Equal(t, "dll v2", f.read(t, filepath.Join(installDir, "new.dll")))
	assert.Equal(t, "notes", f.read(t, filepath.Join(installDir, "data", "extra", "notes.txt")))
	assert.Equal(t, "untouched", f.read(t, filepath.Join(installDir, "readme.txt")))
	assert.False(t, f.exists(t, filepath.Join(installDir, "data", "config.ini")))
	assert.Equal(t, []string{"app.exe"}, f.runner.calls)

	v, _ := f.value(t, "Version")
	assert.Equal(t, "2.0", v)
	v, _ = f.value(t, "InstallDir")
	assert.Equal(t, installDir, v)

	st, err := c.Installed()
	require.NoError(t, err)
	assert.Equal(t, "2.0", st.Version)
	assert.NotEmpty(t, st.DirectoryHash)
	assert.Empty(t, st.Failures)

	layout := storage.New(f.fs, tempDir, stateDir)
	assert.False(t, layout.FilesJournal().Exists())
	assert.False(t, layout.RegistryJournal().Exists())
	assert.True(t, layout.UninstallJournal().Exists())
	assert.False(t, f.exists(t, filepath.Join(tempDir, "sessions")))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, StateDeleteTemporaries, last.State)
	assert.InDelta(t, 100, last.Percent, 0.001)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].State, progress[i-1].State, "states are reported in order")
	}
}

func TestClient_ApplyFailureRestoresHost(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	f.snapshot(t)
	archive := f.pack(t, filepath.Join(downloads, "v2.tar.zst"), manifestV2, filesV2)
	f.runner.fail["app.exe"] = errors.New("exit status 3")

	c := f.client(t)
	res, err := c.Apply(context.Background(), archive, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalIO)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, StateOptimizeAndPostExecute, res.FailedState)
	assert.ElementsMatch(t, []string{"registry", "files"}, res.RolledBack)

	f.assertUnchanged(t)
	v, ok := f.value(t, "Version")
	assert.True(t, ok)
	assert.Equal(t, "1.0", v)
	_, ok = f.value(t, "InstallDir")
	assert.False(t, ok)

	// fatal errors wipe the temp directory
	assert.False(t, f.exists(t, filepath.Join(tempDir, "rollback")))
	assert.False(t, f.exists(t, filepath.Join(tempDir, "sessions")))
	assert.True(t, f.exists(t, archive))

	st, err := c.Installed()
	require.NoError(t, err)
	assert.Empty(t, st.Version)
	require.Len(t, st.Failures, 1)
	assert.Equal(t, "2.0", st.Failures[0].Version)
	assert.Equal(t, StateOptimizeAndPostExecute.String(), st.Failures[0].State)
	assert.Equal(t, ErrFatalIO.Error(), st.Failures[0].Kind)
}

func makePatch(t *testing.T, from, to string) string {
	t.Helper()
	r, err := bsdiff.NewCreator().Diff(strings.NewReader(from), strings.NewReader(to))
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func patchManifest(checksum digest.Digest, fallback string) string {
	m := `
version: "2.0"
files:
  - root: app
    path: app.exe
    patch: patches/app.exe.bsdiff
    checksum: ` + checksum.String() + "\n"
	if fallback != "" {
		m += "fallback: " + fallback + "\n"
	}
	return m
}

func TestClient_ApplyPatch(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	patch := makePatch(t, "app v1", "app v2 built from a delta")
	archive := f.pack(t, filepath.Join(tempDir, "downloads", "delta.tar"),
		patchManifest(digest.FromString("app v2 built from a delta"), ""),
		map[string]string{"patches/app.exe.bsdiff": patch})

	res, err := f.client(t).Apply(context.Background(), archive, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "app v2 built from a delta", f.read(t, filepath.Join(installDir, "app.exe")))
}

func TestClient_ApplyPatchChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	f.snapshot(t)
	patch := makePatch(t, "app v1", "app v2 built from a delta")
	archive := f.pack(t, filepath.Join(tempDir, "downloads", "delta.tar"),
		patchManifest(digest.FromString("something else"), ""),
		map[string]string{"patches/app.exe.bsdiff": patch})

	c := f.client(t)
	res, err := c.Apply(context.Background(), archive, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatchApplication)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, StateBackupAndInstallFiles, res.FailedState)
	assert.False(t, res.FallbackUsed)

	f.assertUnchanged(t)
	// patch failures only remove the session directories, the package stays for a retry
	assert.False(t, f.exists(t, filepath.Join(tempDir, "sessions")))
	assert.True(t, f.exists(t, archive))

	st, err := c.Installed()
	require.NoError(t, err)
	require.Len(t, st.Failures, 1)
	assert.Equal(t, ErrPatchApplication.Error(), st.Failures[0].Kind)
}

func TestClient_ApplyFallback(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	patch := makePatch(t, "app v1 modified locally", "app v2")
	archive := f.pack(t, filepath.Join(tempDir, "downloads", "delta.tar"),
		patchManifest(digest.FromString("app v2"), "full.tar.gz"),
		map[string]string{"patches/app.exe.bsdiff": patch})
	f.pack(t, filepath.Join(tempDir, "downloads", "full.tar.gz"), `
version: "2.0"
files:
  - root: app
    path: app.exe
`, map[string]string{"app/app.exe": "app v2"})

	c := f.client(t)
	res, err := c.Apply(context.Background(), archive, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "app v2", f.read(t, filepath.Join(installDir, "app.exe")))

	st, err := c.Installed()
	require.NoError(t, err)
	assert.Equal(t, "2.0", st.Version)
	assert.Empty(t, st.Failures)
}

func TestClient_ApplyFallbackFailsOnce(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	patch := makePatch(t, "app v1", "app v2")
	archive := f.pack(t, filepath.Join(tempDir, "downloads", "delta.tar"),
		patchManifest(digest.FromString("not app v2"), "full.tar"),
		map[string]string{"patches/app.exe.bsdiff": patch})
	// the fallback is a delta with a fallback of its own, it must not be followed
	f.pack(t, filepath.Join(tempDir, "downloads", "full.tar"),
		patchManifest(digest.FromString("not app v2"), "delta.tar"),
		map[string]string{"patches/app.exe.bsdiff": patch})

	res, err := f.client(t).Apply(context.Background(), archive, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatchApplication)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "app v1", f.read(t, filepath.Join(installDir, "app.exe")))
}

func TestClient_ApplyRestartsStoppedServices(t *testing.T) {
	f := newFixture(t, "Sample.Svc")
	f.installV1(t)
	f.snapshot(t)
	archive := f.pack(t, filepath.Join(downloads, "v2.tar"), `
version: "2.0"
services: [Sample.Svc, Missing.Svc]
files:
  - root: app
    path: setup.exe
    flags: [execute-before]
`, map[string]string{"app/setup.exe": "setup"})
	f.runner.fail["setup.exe"] = errors.New("exit status 1")

	res, err := f.client(t).Apply(context.Background(), archive, "")
	require.Error(t, err)
	assert.Equal(t, StatePreExecuteHooks, res.FailedState)
	assert.Equal(t, []string{"services"}, res.RolledBack)
	assert.Equal(t, []string{"stop Sample.Svc", "start Sample.Svc"}, f.services.Events())
	f.assertUnchanged(t)
}

func TestClient_ApplyLockedFile(t *testing.T) {
	f := newFixture(t)
	f.writeTree(t, installDir, map[string]string{
		"app.exe": "app v1",
		"zz.dat":  "in use",
	})
	archive := f.pack(t, filepath.Join(downloads, "v2.tar"), `
version: "2.0"
files:
  - root: app
    path: app.exe
  - root: app
    path: b-new.txt
  - root: app
    path: zz.dat
`, map[string]string{
		"app/app.exe":   "app v2",
		"app/b-new.txt": "new",
		"app/zz.dat":    "replacement",
	})
	locked := &lockedFs{Fs: f.fs, locked: filepath.Join(installDir, "zz.dat")}

	res, err := f.client(t, WithFs(locked)).Apply(context.Background(), archive, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalIO)
	assert.ErrorIs(t, err, lockwait.ErrFileInUse)
	assert.Equal(t, StateBackupAndInstallFiles, res.FailedState)
	assert.Equal(t, "app v1", f.read(t, filepath.Join(installDir, "app.exe")))
	assert.Equal(t, "in use", f.read(t, filepath.Join(installDir, "zz.dat")))
	assert.False(t, f.exists(t, filepath.Join(installDir, "b-new.txt")))

	// the locked file cannot be restored either, the remaining undo steps still ran
	assert.NotContains(t, res.RolledBack, "files")
	assert.False(t, storage.New(f.fs, tempDir, stateDir).FilesJournal().Exists())
}

func TestClient_ApplyCancelled(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	f.snapshot(t)
	archive := f.pack(t, filepath.Join(downloads, "v2.tar"), `
version: "2.0"
files:
  - root: app
    path: setup.exe
    flags: [execute-before]
  - root: app
    path: app.exe
`, map[string]string{"app/setup.exe": "setup", "app/app.exe": "app v2"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.onRun = func(string) { cancel() }

	res, err := f.client(t).Apply(ctx, archive, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, StateBackupAndInstallFiles, res.FailedState)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	f.assertUnchanged(t)
	assert.True(t, f.exists(t, archive))
}

func TestClient_PauseResume(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	archive := f.pack(t, filepath.Join(downloads, "v2.tar.zst"), manifestV2, filesV2)

	c := f.client(t)
	c.Pause()
	done := make(chan *Result, 1)
	go func() {
		res, _ := c.Apply(context.Background(), archive, "")
		done <- res
	}()
	select {
	case <-done:
		t.Fatal("Apply() finished while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "app v1", f.read(t, filepath.Join(installDir, "app.exe")))
	c.Resume()
	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, OutcomeSuccess, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("Apply() did not finish after Resume()")
	}
}

func TestClient_ApplyPackageDigest(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	archive := f.pack(t, filepath.Join(downloads, "v2.tar.zst"), manifestV2, filesV2)

	res, err := f.client(t).Apply(context.Background(), archive, digest.FromString("another package"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPackage)
	assert.Equal(t, StateExtract, res.FailedState)
	assert.Equal(t, "app v1", f.read(t, filepath.Join(installDir, "app.exe")))
}

func TestClient_ApplyFullFileChecksum(t *testing.T) {
	const manifestFmt = `
version: "2.0"
files:
  - root: app
    path: app.exe
  - root: app
    path: new.dll
    checksum: %s
`
	tests := []struct {
		name     string
		checksum digest.Digest
		wantErr  bool
	}{
		{name: "matching", checksum: digest.FromString("dll v2")},
		{name: "corrupted", checksum: digest.FromString("dll v1"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.installV1(t)
			f.snapshot(t)
			archive := f.pack(t, filepath.Join(downloads, "v2.tar"), fmt.Sprintf(manifestFmt, tt.checksum),
				map[string]string{"app/app.exe": "app v2", "app/new.dll": "dll v2"})

			res, err := f.client(t).Apply(context.Background(), archive, "")
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, OutcomeSuccess, res.Outcome)
				assert.Equal(t, "dll v2", f.read(t, filepath.Join(installDir, "new.dll")))
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPackage)
			var mismatch *verifier.MismatchError
			assert.ErrorAs(t, err, &mismatch)
			assert.Equal(t, StateExtract, res.FailedState)
			f.assertUnchanged(t)
		})
	}
}

func TestClient_ApplySessionActive(t *testing.T) {
	f := newFixture(t)
	unlock, err := storage.New(f.fs, tempDir, stateDir).Lock()
	require.NoError(t, err)
	defer unlock()

	_, err = f.client(t).Apply(context.Background(), filepath.Join(downloads, "v2.tar"), "")
	assert.ErrorIs(t, err, storage.ErrSessionActive)
}

const selfUpdateManifest = `
version: "2.0"
self-update: selfupdate
files:
  - root: app
    path: app.exe
`

func TestClient_ApplySelfUpdate(t *testing.T) {
	installed := filepath.Join(installDir, "updater")
	tests := []struct {
		name        string
		running     string
		wantOutcome Outcome
		wantExe     string
	}{
		{
			name:        "running image is replaced",
			running:     installed,
			wantOutcome: OutcomeRelaunch,
			wantExe:     "updater v1",
		},
		{
			name:        "temporary copy",
			running:     filepath.Join(tempDir, "self", "c1", "updater"),
			wantOutcome: OutcomeSuccess,
			wantExe:     "updater v2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.installV1(t)
			f.writeTree(t, installDir, map[string]string{"updater": "updater v1"})
			archive := f.pack(t, filepath.Join(downloads, "v2.tar"), selfUpdateManifest, map[string]string{
				"app/app.exe":        "app v2",
				"selfupdate/updater": "updater v2",
			})

			res, err := f.client(t, WithSelf(tt.running, installed)).Apply(context.Background(), archive, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantExe, f.read(t, installed))
			assert.True(t, f.exists(t, archive))
			if tt.wantOutcome == OutcomeRelaunch {
				assert.Equal(t, StateExtract, res.FailedState)
				assert.Equal(t, "app v1", f.read(t, filepath.Join(installDir, "app.exe")))
			}
		})
	}
}

func TestClient_Recover(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	layout := storage.New(f.fs, tempDir, stateDir)

	stray := filepath.Join(installDir, "stray", "file.txt")
	f.writeTree(t, installDir, map[string]string{"stray/file.txt": "left behind"})
	files := layout.FilesJournal()
	files.Append(
		recoverylog.FolderToCreate{Path: filepath.Dir(stray)},
		recoverylog.FileToDelete{Path: stray},
	)
	require.NoError(t, files.Flush())
	require.NoError(t, f.store.SetValue(registry.LocalMachine, vendorKey, "Version", registry.StringValue("2.0")))
	reg := layout.RegistryJournal()
	reg.Append(recoverylog.RegistryInverseOp{Change: registry.Change{
		Op:    registry.OpSetValue,
		Hive:  registry.LocalMachine,
		Key:   vendorKey,
		Name:  "Version",
		Value: registry.StringValue("1.0"),
	}})
	require.NoError(t, reg.Flush())

	rolledBack, err := f.client(t).Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"registry", "files"}, rolledBack)
	assert.False(t, f.exists(t, filepath.Dir(stray)))
	v, _ := f.value(t, "Version")
	assert.Equal(t, "1.0", v)
	assert.False(t, files.Exists())
	assert.False(t, reg.Exists())
}

func TestClient_RecoverCorruptLog(t *testing.T) {
	f := newFixture(t)
	f.writeTree(t, filepath.Join(tempDir, "rollback"), map[string]string{"files.rlog": "not a recovery log"})

	rolledBack, err := f.client(t).Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rolledBack)
	assert.False(t, f.exists(t, filepath.Join(tempDir, "rollback", "files.rlog")))
}

func TestClient_Uninstall(t *testing.T) {
	f := newFixture(t)
	archive := f.pack(t, filepath.Join(downloads, "v1.tar"), `
version: "1.0"
files:
  - root: app
    path: app.exe
  - root: app
    path: lib/core.dll
registry:
  - op: set-value
    key: HKLM\SOFTWARE\Vendor
    name: Version
    data: "1.0"
shortcuts:
  - name: App
    location: userdata/Start Menu
    target: "{app}/app.exe"
`, map[string]string{"app/app.exe": "app v1", "app/lib/core.dll": "core"})

	c := f.client(t)
	_, err := c.Uninstall(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)

	res, err := c.Apply(context.Background(), archive, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.True(t, f.exists(t, filepath.Join(installDir, "lib", "core.dll")))
	require.True(t, f.exists(t, filepath.Join(userDataDir, "Start Menu")))

	removed, err := c.Uninstall(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"registry", "files"}, removed)
	assert.False(t, f.exists(t, installDir))
	assert.False(t, f.exists(t, filepath.Join(userDataDir, "Start Menu")))
	ok, err := f.store.KeyExists(registry.LocalMachine, vendorKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, f.exists(t, filepath.Join(stateDir, "client.json")))
	assert.False(t, storage.New(f.fs, tempDir, stateDir).UninstallJournal().Exists())
}

func TestClient_FatalFailureKeepsStateInsideTemp(t *testing.T) {
	f := newFixture(t)
	v1 := f.pack(t, filepath.Join(downloads, "v1.tar"), `
version: "1.0"
files:
  - root: app
    path: app.exe
  - root: app
    path: data/config.ini
registry:
  - op: set-value
    key: HKLM\SOFTWARE\Vendor
    name: Version
    data: "1.0"
`, map[string]string{"app/app.exe": "app v1", "app/data/config.ini": "old config"})
	v2 := f.pack(t, filepath.Join(downloads, "v2.tar"), manifestV2, filesV2)

	// without an explicit state directory the state lives below the temp directory
	c := f.client(t, WithDirectories(tempDir, ""))
	res, err := c.Apply(context.Background(), v1, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)

	f.runner.fail["app.exe"] = errors.New("exit status 3")
	res, err = c.Apply(context.Background(), v2, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalIO)
	assert.False(t, f.exists(t, filepath.Join(tempDir, "rollback")))

	layout := storage.New(f.fs, tempDir, filepath.Join(tempDir, "state"))
	assert.True(t, layout.UninstallJournal().Exists())
	assert.True(t, f.exists(t, layout.ClientRecord()))
	st, err := c.Installed()
	require.NoError(t, err)
	assert.Equal(t, "1.0", st.Version)
	require.Len(t, st.Failures, 1)

	removed, err := c.Uninstall(context.Background())
	require.NoError(t, err)
	assert.Contains(t, removed, "files")
	assert.False(t, f.exists(t, installDir))
	ok, err := f.store.KeyExists(registry.LocalMachine, vendorKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_RecoverAfterCrashDuringInstall(t *testing.T) {
	f := newFixture(t)
	f.installV1(t)
	f.snapshot(t)
	archive := f.pack(t, filepath.Join(downloads, "v2.tar"), `
version: "2.0"
files:
  - root: app
    path: app.exe
  - root: app
    path: new.dll
  - root: app
    path: readme.txt
  - root: app
    path: data/config.ini
    flags: [delete]
`, map[string]string{
		"app/app.exe":    "app v2",
		"app/new.dll":    "dll v2",
		"app/readme.txt": "readme v2",
	})

	// app.exe and new.dll are in place when the process dies at readme.txt
	crashing := &crashingFs{Fs: f.fs, at: filepath.Join(installDir, "readme.txt")}
	_, err := f.client(t, WithFs(crashing)).Apply(context.Background(), archive, "")
	require.Error(t, err)
	require.NotNil(t, crashing.image)

	f.fs = crashing.image
	require.Equal(t, "app v2", f.read(t, filepath.Join(installDir, "app.exe")))
	require.True(t, f.exists(t, filepath.Join(installDir, "new.dll")))

	rolledBack, err := f.client(t).Recover(context.Background())
	require.NoError(t, err)
	assert.Contains(t, rolledBack, "files")
	f.assertUnchanged(t)
	layout := storage.New(f.fs, tempDir, stateDir)
	assert.False(t, layout.FilesJournal().Exists())
	assert.False(t, f.exists(t, filepath.Join(tempDir, "sessions")))
}
