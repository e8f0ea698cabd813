package manifest

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/unbasical/doras-installer/pkg/registry"
)

type yamlManifest struct {
	Version       string         `yaml:"version"`
	SelfUpdate    string         `yaml:"self-update,omitempty"`
	Fallback      string         `yaml:"fallback,omitempty"`
	Files         []yamlFile     `yaml:"files,omitempty"`
	Registry      []yamlRegistry `yaml:"registry,omitempty"`
	Services      []string       `yaml:"services,omitempty"`
	DeleteFolders []string       `yaml:"delete-folders,omitempty"`
	Shortcuts     []yamlShortcut `yaml:"shortcuts,omitempty"`
}

type yamlFile struct {
	Root      string   `yaml:"root"`
	Path      string   `yaml:"path"`
	Patch     string   `yaml:"patch,omitempty"`
	Checksum  string   `yaml:"checksum,omitempty"`
	Flags     []string `yaml:"flags,omitempty"`
	Arguments []string `yaml:"arguments,omitempty"`
}

// yamlRegistry is a registry change in authoring form. Key includes the hive, e.g.
// HKLM\SOFTWARE\Vendor. Data is text for string types, a decimal number for DWORD/QWORD and hex
// for binary values. Multi strings use Items.
type yamlRegistry struct {
	Op    string   `yaml:"op"`
	Key   string   `yaml:"key"`
	Name  string   `yaml:"name,omitempty"`
	Type  string   `yaml:"type,omitempty"`
	Data  string   `yaml:"data,omitempty"`
	Items []string `yaml:"items,omitempty"`
}

type yamlShortcut struct {
	Name       string `yaml:"name"`
	Location   string `yaml:"location"`
	Target     string `yaml:"target"`
	Arguments  string `yaml:"arguments,omitempty"`
	WorkingDir string `yaml:"working-dir,omitempty"`
	Icon       string `yaml:"icon,omitempty"`
}

// ParseYAML converts the authoring form of a manifest.
func ParseYAML(data []byte) (*Manifest, error) {
	var y yamlManifest
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, err
	}
	m := &Manifest{
		Version:       y.Version,
		SelfUpdate:    y.SelfUpdate,
		Fallback:      y.Fallback,
		Services:      y.Services,
		DeleteFolders: y.DeleteFolders,
	}
	for _, f := range y.Files {
		flags, err := ParseFileFlags(f.Flags)
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", f.Path, err)
		}
		m.Files = append(m.Files, FileEntry{
			Root:      f.Root,
			Path:      f.Path,
			Patch:     f.Patch,
			Checksum:  digest.Digest(f.Checksum),
			Flags:     flags,
			Arguments: f.Arguments,
		})
	}
	for i, r := range y.Registry {
		c, err := r.change()
		if err != nil {
			return nil, fmt.Errorf("registry entry %d: %w", i, err)
		}
		m.Registry = append(m.Registry, c)
	}
	for _, s := range y.Shortcuts {
		m.Shortcuts = append(m.Shortcuts, Shortcut(s))
	}
	return m, nil
}

func (r yamlRegistry) change() (registry.Change, error) {
	var c registry.Change
	switch strings.ToLower(r.Op) {
	case "createkey", "create-key":
		c.Op = registry.OpCreateKey
	case "deletekey", "delete-key":
		c.Op = registry.OpDeleteKey
	case "setvalue", "set-value":
		c.Op = registry.OpSetValue
	case "deletevalue", "delete-value":
		c.Op = registry.OpDeleteValue
	default:
		return c, fmt.Errorf("unknown op %q", r.Op)
	}
	hive, key, _ := strings.Cut(registry.CleanKey(r.Key), `\`)
	h, err := registry.ParseHive(hive)
	if err != nil {
		return c, err
	}
	c.Hive, c.Key, c.Name = h, key, r.Name
	if c.Op != registry.OpSetValue {
		return c, nil
	}
	typ := registry.String
	if r.Type != "" {
		if typ, err = registry.ParseValueType(r.Type); err != nil {
			return c, err
		}
	}
	switch typ {
	case registry.String, registry.ExpandString:
		c.Value = registry.Value{Type: typ, Data: []byte(r.Data)}
	case registry.MultiString:
		c.Value = registry.MultiStringValue(r.Items...)
	case registry.DWord:
		n, err := strconv.ParseUint(r.Data, 0, 32)
		if err != nil {
			return c, err
		}
		c.Value = registry.DWordValue(uint32(n))
	case registry.QWord:
		n, err := strconv.ParseUint(r.Data, 0, 64)
		if err != nil {
			return c, err
		}
		c.Value = registry.QWordValue(n)
	case registry.Binary:
		data, err := hex.DecodeString(r.Data)
		if err != nil {
			return c, err
		}
		c.Value = registry.Value{Type: typ, Data: data}
	}
	return c, nil
}
