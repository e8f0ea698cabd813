// Package environment holds the host paths an update session needs.
// An Environment is detected once at start-up and passed to every component that resolves
// install locations or expands path tokens.
package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Logical roots of an update package. Each maps to one install location on the host.
const (
	RootApp      = "app"
	RootSystem   = "sys"
	RootUserData = "userdata"
	RootCommon   = "common"
)

// Environment describes the install locations of the host.
type Environment struct {
	// InstallDir is the program directory of the product.
	InstallDir string
	// SystemDir is the shared system directory (System32 on Windows).
	SystemDir string
	// UserDataDir is the per-user application data directory of the product.
	UserDataDir string
	// CommonDir is the machine-wide application data directory of the product.
	CommonDir string
	// TempDir is the top-level staging directory of the updater.
	TempDir string
	// Executable is the path of the running updater image.
	Executable string
}

// Detect resolves the locations of the current host for the product installed at installDir.
func Detect(installDir, product, tempDir string) (*Environment, error) {
	if installDir == "" {
		return nil, fmt.Errorf("install directory is required")
	}
	installDir, err := filepath.Abs(installDir)
	if err != nil {
		return nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	userDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), product+"-update")
	}
	env := &Environment{
		InstallDir:  installDir,
		UserDataDir: filepath.Join(userDir, product),
		TempDir:     tempDir,
		Executable:  exe,
	}
	if runtime.GOOS == "windows" {
		env.SystemDir = filepath.Join(getenv("SystemRoot", `C:\Windows`), "System32")
		env.CommonDir = filepath.Join(getenv("ProgramData", `C:\ProgramData`), product)
	} else {
		env.SystemDir = "/usr/lib"
		env.CommonDir = filepath.Join("/var/lib", product)
	}
	return env, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Root returns the host directory of a logical package root.
func (e *Environment) Root(name string) (string, bool) {
	var dir string
	switch name {
	case RootApp:
		dir = e.InstallDir
	case RootSystem:
		dir = e.SystemDir
	case RootUserData:
		dir = e.UserDataDir
	case RootCommon:
		dir = e.CommonDir
	}
	return dir, dir != ""
}

// RootNames returns the logical roots in deployment order.
func RootNames() []string {
	return []string{RootApp, RootSystem, RootUserData, RootCommon}
}

// Resolve maps a root-qualified package path such as "app/bin/tool.exe" to a host path.
func (e *Environment) Resolve(rootQualified string) (string, error) {
	rootQualified = filepath.ToSlash(rootQualified)
	root, rel, _ := strings.Cut(rootQualified, "/")
	dir, ok := e.Root(root)
	if !ok {
		return "", fmt.Errorf("unknown package root %q in %q", root, rootQualified)
	}
	if rel == "" {
		return dir, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes its root", rootQualified)
	}
	return filepath.Join(dir, cleaned), nil
}

// Expand replaces path tokens in s. Unknown tokens are left untouched.
//
//	{app} {sys} {userappdata} {commonappdata} {tmp} {self}
func (e *Environment) Expand(s string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return strings.NewReplacer(
		"{app}", e.InstallDir,
		"{sys}", e.SystemDir,
		"{userappdata}", e.UserDataDir,
		"{commonappdata}", e.CommonDir,
		"{tmp}", e.TempDir,
		"{self}", e.Executable,
	).Replace(s)
}

// IsWithin reports whether path lies inside dir. Comparison is case-insensitive on Windows.
func IsWithin(dir, path string) bool {
	if dir == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		rel = strings.ToLower(rel)
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// SamePath compares two paths, case-insensitively on Windows.
func SamePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
