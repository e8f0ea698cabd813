package hooks

import (
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/pkg/manifest"
)

// ShortcutWriter writes shortcut files.
type ShortcutWriter interface {
	// Extension is appended to the shortcut name.
	Extension() string
	Write(path string, s manifest.Shortcut) error
}

type shortcutWriter struct {
	fs      afero.Fs
	desktop bool
}

// NewShortcutWriter returns a writer of internet shortcuts (.url) on Windows and desktop entries
// elsewhere.
func NewShortcutWriter(fs afero.Fs) ShortcutWriter {
	return &shortcutWriter{fs: fs, desktop: runtime.GOOS != "windows"}
}

func (w *shortcutWriter) Extension() string {
	if w.desktop {
		return ".desktop"
	}
	return ".url"
}

func (w *shortcutWriter) Write(path string, s manifest.Shortcut) error {
	var b strings.Builder
	if w.desktop {
		b.WriteString("[Desktop Entry]\nType=Application\n")
		fmt.Fprintf(&b, "Name=%s\n", s.Name)
		exec := s.Target
		if s.Arguments != "" {
			exec += " " + s.Arguments
		}
		fmt.Fprintf(&b, "Exec=%s\n", exec)
		if s.WorkingDir != "" {
			fmt.Fprintf(&b, "Path=%s\n", s.WorkingDir)
		}
		if s.Icon != "" {
			fmt.Fprintf(&b, "Icon=%s\n", s.Icon)
		}
	} else {
		u := url.URL{Scheme: "file", Path: "/" + strings.TrimPrefix(filepath.ToSlash(s.Target), "/")}
		b.WriteString("[InternetShortcut]\r\n")
		fmt.Fprintf(&b, "URL=%s\r\n", u.String())
		if s.WorkingDir != "" {
			fmt.Fprintf(&b, "WorkingDirectory=%s\r\n", s.WorkingDir)
		}
		if s.Icon != "" {
			fmt.Fprintf(&b, "IconFile=%s\r\nIconIndex=0\r\n", s.Icon)
		}
	}
	return afero.WriteFile(w.fs, path, []byte(b.String()), 0644)
}
