package tarutils

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
)

func TestCreateExtract(t *testing.T) {
	for _, archive := range []string{"/out/pkg.tar", "/out/pkg.tar.zst", "/out/pkg.tar.gz", "/out/pkg.tgz"} {
		t.Run(filepath.Base(archive), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			files := map[string]string{
				"manifest.yaml":     "version: 1",
				"app/bin/app.exe":   "binary",
				"app/empty.txt":     "",
				"userdata/conf.ini": "[a]",
			}
			for p, c := range files {
				require.NoError(t, fs.MkdirAll(filepath.Dir(filepath.Join("/src", p)), 0755))
				require.NoError(t, afero.WriteFile(fs, filepath.Join("/src", p), []byte(c), 0644))
			}
			require.NoError(t, fs.MkdirAll("/out", 0755))
			require.NoError(t, Create(fs, "/src", archive))

			var names []string
			err := NewExtractor(fs).Extract(context.Background(), archive, "/dst", func(name string) {
				names = append(names, name)
			})
			require.NoError(t, err)
			sort.Strings(names)
			assert.Equal(t, []string{"app/bin/app.exe", "app/empty.txt", "manifest.yaml", "userdata/conf.ini"}, names)
			equal, err := fileutils.CompareDirectories(fs, "/src", "/dst")
			require.NoError(t, err)
			assert.True(t, equal)
		})
	}
}

func TestExtract_RejectsEscapingPaths(t *testing.T) {
	for _, name := range []string{"../evil", "a/../../evil", "/abs/evil"} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: 1, Typeflag: tar.TypeReg}))
			_, err := tw.Write([]byte("x"))
			require.NoError(t, err)
			require.NoError(t, tw.Close())

			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/pkg.tar", buf.Bytes(), 0644))
			assert.Error(t, NewExtractor(fs).Extract(context.Background(), "/pkg.tar", "/dst", nil))
		})
	}
}

func TestExtract_Cancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a", []byte("a"), 0644))
	require.NoError(t, Create(fs, "/src", "/pkg.tar"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewExtractor(fs).Extract(ctx, "/pkg.tar", "/dst", nil), context.Canceled)
}
