package manifest

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/registry"
)

const testYAML = `
version: 2.1.0
self-update: self
fallback: full.tar.zst
files:
  - root: app
    path: bin/app.exe
    patch: patches/app.exe.bsdiff
    checksum: sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824
    flags: [execute-after]
    arguments: ["--config", "{app}/app.ini"]
  - root: app
    path: bin/shell.dll
    flags: [register-component]
  - root: app
    path: legacy.dll
    flags: [delete]
registry:
  - op: SetValue
    key: HKLM\SOFTWARE\Vendor\App
    name: InstallDir
    data: "{app}"
  - op: SetValue
    key: HKCU/Software/Vendor/App
    name: Counter
    type: REG_DWORD
    data: "42"
  - op: DeleteKey
    key: HKLM\SOFTWARE\Vendor\Legacy
services: [Sample.Svc]
delete-folders: [app/cache]
shortcuts:
  - name: App
    location: userdata/Start Menu
    target: "{app}/bin/app.exe"
`

func parseTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := ParseYAML([]byte(testYAML))
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	return m
}

func TestParseYAML(t *testing.T) {
	m := parseTestManifest(t)
	assert.Equal(t, "2.1.0", m.Version)
	require.Len(t, m.Files, 3)
	assert.True(t, m.Files[0].Flags.Has(ExecuteAfter))
	assert.Equal(t, []string{"register-component"}, m.Files[1].Flags.Names())
	require.Len(t, m.Registry, 3)
	assert.Equal(t, registry.LocalMachine, m.Registry[0].Hive)
	assert.Equal(t, `SOFTWARE\Vendor\App`, m.Registry[0].Key)
	assert.Equal(t, registry.CurrentUser, m.Registry[1].Hive)
	assert.True(t, m.Registry[1].Value.Equal(registry.DWordValue(42)))
	assert.Equal(t, registry.OpDeleteKey, m.Registry[2].Op)
	assert.Len(t, m.PatchedFiles(), 1)
	full := m.FullFiles()
	require.Len(t, full, 1)
	assert.Equal(t, "bin/shell.dll", full[0].Path)
	assert.Equal(t, []string{"app"}, m.Roots())
}

func TestEncodeDecode(t *testing.T) {
	m := parseTestManifest(t)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestManifest_Substitute(t *testing.T) {
	m := parseTestManifest(t)
	env := &environment.Environment{InstallDir: filepath.FromSlash("/opt/app")}
	m.Substitute(env)
	assert.Equal(t, filepath.FromSlash("/opt/app"), string(m.Registry[0].Value.Data))
	assert.True(t, m.Registry[1].Value.Equal(registry.DWordValue(42)), "numeric values are not expanded")
	assert.Equal(t, filepath.FromSlash("/opt/app")+"/bin/app.exe", m.Shortcuts[0].Target)
	assert.Equal(t, filepath.FromSlash("/opt/app")+"/app.ini", m.Files[0].Arguments[1])
}

func TestManifest_Validate(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
	}{
		{name: "unknown root", m: Manifest{Files: []FileEntry{{Root: "nope", Path: "a"}}}},
		{name: "escaping path", m: Manifest{Files: []FileEntry{{Root: "app", Path: "../a"}}}},
		{name: "patch without checksum", m: Manifest{Files: []FileEntry{{Root: "app", Path: "a", Patch: "p"}}}},
		{name: "bad checksum", m: Manifest{Files: []FileEntry{{Root: "app", Path: "a", Checksum: digest.Digest("sha256:xyz")}}}},
		{name: "empty key", m: Manifest{Registry: []registry.Change{{Op: registry.OpCreateKey, Hive: registry.LocalMachine}}}},
		{name: "root folder deletion", m: Manifest{DeleteFolders: []string{"app"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.m.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/pkg/"+YAMLFileName, []byte(testYAML), 0644))
	m, err := Load(fs, "/pkg")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", m.Version)

	// the binary manifest wins over the authoring form
	m.Version = "3.0.0"
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	require.NoError(t, afero.WriteFile(fs, "/pkg/"+FileName, buf.Bytes(), 0644))
	m, err = Load(fs, "/pkg")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", m.Version)

	_, err = Load(fs, "/empty")
	assert.Error(t, err)
}
