package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout_Paths(t *testing.T) {
	l := New(afero.NewMemMapFs(), filepath.FromSlash("/tmp/upd"), filepath.FromSlash("/state"))
	assert.Equal(t, filepath.FromSlash("/tmp/upd/sessions/s1/extract"), l.ExtractDir("s1"))
	assert.Equal(t, filepath.FromSlash("/tmp/upd/sessions/s1/backup/app"), l.BackupDir("s1", "app"))
	assert.Equal(t, filepath.FromSlash("/tmp/upd/rollback/registry.rlog"), l.RegistryJournal().Path())
	assert.Equal(t, filepath.FromSlash("/tmp/upd/rollback/files.rlog"), l.FilesJournal().Path())
	assert.Equal(t, filepath.FromSlash("/state/uninstall.rlog"), l.UninstallJournal().Path())
	assert.Equal(t, filepath.FromSlash("/state/client.json"), l.ClientRecord())
	assert.NotEqual(t, NewSession(), NewSession())
}

func TestLayout_Lock(t *testing.T) {
	l := New(afero.NewMemMapFs(), "/tmp/upd-lock", "/state")
	unlock, err := l.Lock()
	require.NoError(t, err)
	_, err = l.Lock()
	assert.True(t, errors.Is(err, ErrSessionActive))
	unlock()
	unlock, err = l.Lock()
	require.NoError(t, err)
	unlock()
}

func TestLayout_Cleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := New(fs, "/tmp/upd", "/state")
	for _, p := range []string{
		"/tmp/upd/package.tar.zst",
		"/tmp/upd/sessions/s1/extract/app/a.txt",
		"/tmp/upd/rollback/files.rlog",
		"/tmp/upd/self/c1/updater",
		"/state/client.json",
	} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0644))
	}

	require.NoError(t, l.RemoveSessions())
	exists := func(p string) bool {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		return ok
	}
	assert.False(t, exists("/tmp/upd/sessions"))
	assert.True(t, exists("/tmp/upd/package.tar.zst"))
	assert.True(t, exists("/tmp/upd/rollback/files.rlog"))

	require.NoError(t, l.Wipe())
	assert.True(t, exists("/tmp/upd"))
	assert.False(t, exists("/tmp/upd/package.tar.zst"))
	assert.False(t, exists("/tmp/upd/rollback"))
	assert.True(t, exists("/tmp/upd/self/c1/updater"))
	assert.True(t, exists("/state/client.json"))
}

func TestLayout_WipeKeepsStateInsideTemp(t *testing.T) {
	tests := []struct {
		name     string
		stateDir string
		kept     []string
		removed  []string
	}{
		{
			name:     "direct child",
			stateDir: "/tmp/upd/state",
			kept:     []string{"/tmp/upd/state/uninstall.rlog", "/tmp/upd/state/client.json"},
			removed:  []string{"/tmp/upd/rollback", "/tmp/upd/package.tar.zst"},
		},
		{
			name:     "nested",
			stateDir: "/tmp/upd/var/state",
			kept:     []string{"/tmp/upd/var/state/uninstall.rlog", "/tmp/upd/var/state/client.json"},
			removed:  []string{"/tmp/upd/var/cache.bin", "/tmp/upd/rollback"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			l := New(fs, "/tmp/upd", tt.stateDir)
			for _, p := range append([]string{"/tmp/upd/rollback/files.rlog"}, append(tt.kept, tt.removed...)...) {
				require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0644))
			}
			require.NoError(t, l.Wipe())
			for _, p := range tt.kept {
				ok, err := afero.Exists(fs, p)
				require.NoError(t, err)
				assert.True(t, ok, p)
			}
			for _, p := range tt.removed {
				ok, err := afero.Exists(fs, p)
				require.NoError(t, err)
				assert.False(t, ok, p)
			}
			assert.True(t, l.UninstallJournal().Exists())
		})
	}
}
