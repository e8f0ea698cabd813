package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/pkg/recoverylog"
)

// Magic marks a binary manifest. The framing is the one of the recovery logs.
var Magic = recoverylog.Magic{'D', 'R', 'M', 'F'}

const (
	tagHeader       byte = 0x10
	tagFile         byte = 0x11
	tagRegistry     byte = 0x12
	tagService      byte = 0x13
	tagDeleteFolder byte = 0x14
	tagShortcut     byte = 0x15
)

// Encode writes m in the binary manifest format.
func Encode(w io.Writer, m *Manifest) error {
	lw, err := recoverylog.NewWriter(w, Magic)
	if err != nil {
		return err
	}
	write := func(tag byte, fill func(e *recoverylog.Encoder)) error {
		var e recoverylog.Encoder
		fill(&e)
		return lw.WriteRaw(tag, e.Bytes())
	}
	err = write(tagHeader, func(e *recoverylog.Encoder) {
		e.PutString(m.Version)
		e.PutString(m.SelfUpdate)
		e.PutString(m.Fallback)
	})
	if err != nil {
		return err
	}
	for _, f := range m.Files {
		err := write(tagFile, func(e *recoverylog.Encoder) {
			e.PutString(f.Root)
			e.PutString(f.Path)
			e.PutString(f.Patch)
			e.PutString(f.Checksum.String())
			e.PutUvarint(uint64(f.Flags))
			e.PutUvarint(uint64(len(f.Arguments)))
			for _, a := range f.Arguments {
				e.PutString(a)
			}
		})
		if err != nil {
			return err
		}
	}
	for _, c := range m.Registry {
		if err := write(tagRegistry, func(e *recoverylog.Encoder) { recoverylog.EncodeChange(e, c) }); err != nil {
			return err
		}
	}
	for _, s := range m.Services {
		if err := write(tagService, func(e *recoverylog.Encoder) { e.PutString(s) }); err != nil {
			return err
		}
	}
	for _, d := range m.DeleteFolders {
		if err := write(tagDeleteFolder, func(e *recoverylog.Encoder) { e.PutString(d) }); err != nil {
			return err
		}
	}
	for _, s := range m.Shortcuts {
		err := write(tagShortcut, func(e *recoverylog.Encoder) {
			e.PutString(s.Name)
			e.PutString(s.Location)
			e.PutString(s.Target)
			e.PutString(s.Arguments)
			e.PutString(s.WorkingDir)
			e.PutString(s.Icon)
		})
		if err != nil {
			return err
		}
	}
	return lw.Close()
}

// Decode reads a binary manifest. Records with unknown tags are skipped.
func Decode(r io.Reader) (*Manifest, error) {
	lr, err := recoverylog.NewReader(r, Magic)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	sawHeader := false
	for {
		tag, payload, err := lr.NextRaw()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		d := recoverylog.NewDecoder(payload)
		switch tag {
		case tagHeader:
			sawHeader = true
			m.Version = d.ReadString()
			m.SelfUpdate = d.ReadString()
			m.Fallback = d.ReadString()
		case tagFile:
			f := FileEntry{
				Root:     d.ReadString(),
				Path:     d.ReadString(),
				Patch:    d.ReadString(),
				Checksum: digest.Digest(d.ReadString()),
				Flags:    FileFlags(d.ReadUvarint()),
			}
			n := d.ReadUvarint()
			for i := uint64(0); i < n && d.Err() == nil; i++ {
				f.Arguments = append(f.Arguments, d.ReadString())
			}
			m.Files = append(m.Files, f)
		case tagRegistry:
			m.Registry = append(m.Registry, recoverylog.DecodeChange(d))
		case tagService:
			m.Services = append(m.Services, d.ReadString())
		case tagDeleteFolder:
			m.DeleteFolders = append(m.DeleteFolders, d.ReadString())
		case tagShortcut:
			m.Shortcuts = append(m.Shortcuts, Shortcut{
				Name:       d.ReadString(),
				Location:   d.ReadString(),
				Target:     d.ReadString(),
				Arguments:  d.ReadString(),
				WorkingDir: d.ReadString(),
				Icon:       d.ReadString(),
			})
		default:
			log.WithField("tag", tag).Debug("skipping unknown manifest record")
		}
		if err := d.Err(); err != nil {
			return nil, fmt.Errorf("manifest record %#x: %w", tag, err)
		}
	}
	if !sawHeader {
		return nil, errors.New("manifest has no header record")
	}
	return m, nil
}

// Load reads the manifest of an extracted package. The binary form takes precedence over the
// YAML authoring form. The returned manifest is validated.
func Load(fs afero.Fs, packageDir string) (*Manifest, error) {
	binPath := filepath.Join(packageDir, FileName)
	fp, err := fs.Open(binPath)
	var m *Manifest
	switch {
	case err == nil:
		m, err = Decode(fp)
		_ = fp.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", binPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		yamlPath := filepath.Join(packageDir, YAMLFileName)
		data, err := afero.ReadFile(fs, yamlPath)
		if err != nil {
			return nil, fmt.Errorf("package %q contains no manifest: %w", packageDir, err)
		}
		m, err = ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", yamlPath, err)
		}
	default:
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
