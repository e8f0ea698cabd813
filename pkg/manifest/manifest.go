// Package manifest describes the content of an update package: the files it deploys, the
// registry changes, services, folders and shortcuts of one update session.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"

	"github.com/unbasical/doras-installer/pkg/environment"
	"github.com/unbasical/doras-installer/pkg/registry"
)

// FileName is the name of the binary manifest at the root of an extracted package.
const FileName = "manifest.bin"

// YAMLFileName is the authoring form of the manifest, accepted when no binary manifest exists.
const YAMLFileName = "manifest.yaml"

// FileFlags control what happens with a file besides being deployed.
type FileFlags uint32

const (
	// ExecuteBefore runs the file from the package before any file is replaced.
	ExecuteBefore FileFlags = 1 << iota
	// ExecuteAfter runs the deployed file once all files and registry changes are in place.
	ExecuteAfter
	// Delete removes the file from the install location instead of deploying it.
	Delete
	// RegisterComponent registers the deployed file as a COM component.
	RegisterComponent
)

type flagName struct {
	flag FileFlags
	name string
}

var flagNames = []flagName{
	{ExecuteBefore, "execute-before"},
	{ExecuteAfter, "execute-after"},
	{Delete, "delete"},
	{RegisterComponent, "register-component"},
}

// Has reports whether all bits of f2 are set.
func (f FileFlags) Has(f2 FileFlags) bool {
	return f&f2 == f2
}

// Names returns the names of the set flags.
func (f FileFlags) Names() []string {
	return lo.FilterMap(flagNames, func(n flagName, _ int) (string, bool) {
		return n.name, f.Has(n.flag)
	})
}

// ParseFileFlags parses flag names as returned by Names.
func ParseFileFlags(names []string) (FileFlags, error) {
	var f FileFlags
	for _, name := range names {
		found := false
		for _, n := range flagNames {
			if n.name == name {
				f |= n.flag
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown file flag %q", name)
		}
	}
	return f, nil
}

// FileEntry is one file of the package.
type FileEntry struct {
	// Root is the logical root the file is deployed to.
	Root string
	// Path is relative to Root and uses forward slashes.
	Path string
	// Patch references a delta relative to the package root. Empty for full files.
	Patch string
	// Checksum is the expected digest of the deployed file. Full files are checked after
	// extraction, patched files after reconstruction.
	Checksum digest.Digest
	Flags    FileFlags
	// Arguments are passed when the file is executed.
	Arguments []string
}

// QualifiedPath returns Root/Path.
func (e FileEntry) QualifiedPath() string {
	return path.Join(e.Root, e.Path)
}

// SourcePath returns the location of the file inside the extracted package.
func (e FileEntry) SourcePath(packageDir string) string {
	return filepath.Join(packageDir, filepath.FromSlash(e.QualifiedPath()))
}

// Shortcut is a link created after deployment.
type Shortcut struct {
	Name string
	// Location is a root-qualified folder, e.g. "userdata/Start Menu".
	Location   string
	Target     string
	Arguments  string
	WorkingDir string
	Icon       string
}

// Manifest is the description of one update session. It is loaded once and only modified by
// Substitute afterwards.
type Manifest struct {
	Version  string
	Files    []FileEntry
	Registry []registry.Change
	Services []string
	// DeleteFolders are root-qualified folders removed by the update.
	DeleteFolders []string
	Shortcuts     []Shortcut
	// SelfUpdate is the package directory that holds the replacement updater executable.
	SelfUpdate string
	// Fallback is a catch-all full package used when applying a delta fails.
	Fallback string
}

// PatchedFiles returns the entries that are reconstructed from a delta.
func (m *Manifest) PatchedFiles() []FileEntry {
	return lo.Filter(m.Files, func(e FileEntry, _ int) bool {
		return e.Patch != "" && !e.Flags.Has(Delete)
	})
}

// FullFiles returns the entries that ship their complete content in the package.
func (m *Manifest) FullFiles() []FileEntry {
	return lo.Filter(m.Files, func(e FileEntry, _ int) bool {
		return e.Patch == "" && !e.Flags.Has(Delete)
	})
}

// FilesWith returns the entries that carry the given flag.
func (m *Manifest) FilesWith(flag FileFlags) []FileEntry {
	return lo.Filter(m.Files, func(e FileEntry, _ int) bool {
		return e.Flags.Has(flag)
	})
}

// Roots returns the logical roots files are deployed to.
func (m *Manifest) Roots() []string {
	return lo.Uniq(lo.FilterMap(m.Files, func(e FileEntry, _ int) (string, bool) {
		return e.Root, !e.Flags.Has(Delete)
	}))
}

// Substitute expands environment tokens in registry values, shortcuts and execute arguments.
func (m *Manifest) Substitute(env *environment.Environment) {
	for i := range m.Registry {
		c := &m.Registry[i]
		if c.Value.Type.IsText() {
			c.Value.Data = []byte(env.Expand(string(c.Value.Data)))
		}
	}
	for i := range m.Shortcuts {
		s := &m.Shortcuts[i]
		s.Target = env.Expand(s.Target)
		s.Arguments = env.Expand(s.Arguments)
		s.WorkingDir = env.Expand(s.WorkingDir)
		s.Icon = env.Expand(s.Icon)
	}
	for i := range m.Files {
		for j, a := range m.Files[i].Arguments {
			m.Files[i].Arguments[j] = env.Expand(a)
		}
	}
}

// Validate checks the manifest for entries that cannot be applied.
func (m *Manifest) Validate() error {
	var errs []error
	roots := environment.RootNames()
	checkPath := func(what, p string) {
		clean := path.Clean(p)
		if p == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			errs = append(errs, fmt.Errorf("%s: invalid path %q", what, p))
		}
	}
	for _, f := range m.Files {
		if !lo.Contains(roots, f.Root) {
			errs = append(errs, fmt.Errorf("file %q: unknown root %q", f.Path, f.Root))
		}
		checkPath("file", f.Path)
		if f.Patch != "" {
			checkPath("patch", f.Patch)
			if f.Checksum == "" {
				errs = append(errs, fmt.Errorf("file %q: patched files require a checksum", f.Path))
			}
		}
		if f.Checksum != "" {
			if err := f.Checksum.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("file %q: %w", f.Path, err))
			}
		}
	}
	for _, c := range m.Registry {
		if c.Op < registry.OpCreateKey || c.Op > registry.OpDeleteValue {
			errs = append(errs, fmt.Errorf("registry change %s: invalid op", c))
		}
		if registry.CleanKey(c.Key) == "" {
			errs = append(errs, fmt.Errorf("registry change %s: empty key", c))
		}
	}
	for _, d := range m.DeleteFolders {
		root, rel, _ := strings.Cut(d, "/")
		if !lo.Contains(roots, root) || rel == "" {
			errs = append(errs, fmt.Errorf("delete folder %q: must name a folder inside a root", d))
		}
	}
	if m.SelfUpdate != "" {
		checkPath("self-update", m.SelfUpdate)
	}
	return errors.Join(errs...)
}
