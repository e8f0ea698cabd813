package recoverylog

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/unbasical/doras-installer/pkg/registry"
)

// Tag identifies a record type on the wire. Values are part of the format and must never change.
type Tag byte

const (
	TagFileToDelete          Tag = 0x01
	TagFolderToDelete        Tag = 0x02
	TagFolderToCreate        Tag = 0x03
	TagRegistryInverseOp     Tag = 0x04
	TagStoppedService        Tag = 0x05
	TagUnregisteredComponent Tag = 0x06
	TagBackupRoot            Tag = 0x07
)

func (t Tag) String() string {
	switch t {
	case TagFileToDelete:
		return "FileToDelete"
	case TagFolderToDelete:
		return "FolderToDelete"
	case TagFolderToCreate:
		return "FolderToCreate"
	case TagRegistryInverseOp:
		return "RegistryInverseOp"
	case TagStoppedService:
		return "StoppedService"
	case TagUnregisteredComponent:
		return "UnregisteredComponent"
	case TagBackupRoot:
		return "BackupRoot"
	default:
		return fmt.Sprintf("Tag(%#x)", byte(t))
	}
}

// Record is one undo entry. Records are only created after the mutation they undo has committed.
type Record interface {
	Tag() Tag
	encode(e *Encoder)
}

// FileToDelete is a file that did not exist before the session and is deleted on rollback.
type FileToDelete struct {
	Path string
}

// FolderToDelete is a folder that is deleted on rollback.
type FolderToDelete struct {
	Path string
}

// FolderToCreate is a folder the session created. It is removed on rollback.
type FolderToCreate struct {
	Path string
}

// RegistryInverseOp is the inverse of a committed registry change.
type RegistryInverseOp struct {
	Change registry.Change
}

// StoppedService is a service the session stopped and restarts on rollback.
type StoppedService struct {
	Name string
}

// UnregisteredComponent is a component the session registered. It is unregistered on rollback.
type UnregisteredComponent struct {
	Path string
}

// BackupRoot maps a backup mirror to the install location it mirrors.
type BackupRoot struct {
	Destination string
	Backup      string
}

func (FileToDelete) Tag() Tag          { return TagFileToDelete }
func (FolderToDelete) Tag() Tag        { return TagFolderToDelete }
func (FolderToCreate) Tag() Tag        { return TagFolderToCreate }
func (RegistryInverseOp) Tag() Tag     { return TagRegistryInverseOp }
func (StoppedService) Tag() Tag        { return TagStoppedService }
func (UnregisteredComponent) Tag() Tag { return TagUnregisteredComponent }
func (BackupRoot) Tag() Tag            { return TagBackupRoot }

func (r FileToDelete) encode(e *Encoder)          { e.PutString(r.Path) }
func (r FolderToDelete) encode(e *Encoder)        { e.PutString(r.Path) }
func (r FolderToCreate) encode(e *Encoder)        { e.PutString(r.Path) }
func (r StoppedService) encode(e *Encoder)        { e.PutString(r.Name) }
func (r UnregisteredComponent) encode(e *Encoder) { e.PutString(r.Path) }

func (r BackupRoot) encode(e *Encoder) {
	e.PutString(r.Destination)
	e.PutString(r.Backup)
}

func (r RegistryInverseOp) encode(e *Encoder) {
	EncodeChange(e, r.Change)
}

// EncodeChange writes a registry change. It is shared with the manifest codec.
func EncodeChange(e *Encoder, c registry.Change) {
	e.PutUvarint(uint64(c.Op))
	e.PutUvarint(uint64(c.Hive))
	e.PutString(c.Key)
	e.PutString(c.Name)
	e.PutUvarint(uint64(c.Value.Type))
	e.PutBytes(c.Value.Data)
}

// DecodeChange reads a registry change written by EncodeChange.
func DecodeChange(d *Decoder) registry.Change {
	return registry.Change{
		Op:   registry.Op(d.ReadUvarint()),
		Hive: registry.Hive(d.ReadUvarint()),
		Key:  d.ReadString(),
		Name: d.ReadString(),
		Value: registry.Value{
			Type: registry.ValueType(d.ReadUvarint()),
			Data: d.ReadBytes(),
		},
	}
}

var decoders = map[Tag]func(d *Decoder) (Record, error){
	TagFileToDelete: func(d *Decoder) (Record, error) {
		return FileToDelete{Path: d.ReadString()}, nil
	},
	TagFolderToDelete: func(d *Decoder) (Record, error) {
		return FolderToDelete{Path: d.ReadString()}, nil
	},
	TagFolderToCreate: func(d *Decoder) (Record, error) {
		return FolderToCreate{Path: d.ReadString()}, nil
	},
	TagRegistryInverseOp: func(d *Decoder) (Record, error) {
		c := DecodeChange(d)
		if c.Op < registry.OpCreateKey || c.Op > registry.OpDeleteValue {
			return nil, fmt.Errorf("invalid registry op %d", c.Op)
		}
		return RegistryInverseOp{Change: c}, nil
	},
	TagStoppedService: func(d *Decoder) (Record, error) {
		return StoppedService{Name: d.ReadString()}, nil
	},
	TagUnregisteredComponent: func(d *Decoder) (Record, error) {
		return UnregisteredComponent{Path: d.ReadString()}, nil
	},
	TagBackupRoot: func(d *Decoder) (Record, error) {
		return BackupRoot{Destination: d.ReadString(), Backup: d.ReadString()}, nil
	},
}

// Filter returns the records of type T in log order.
func Filter[T Record](records []Record) []T {
	return lo.FilterMap(records, func(r Record, _ int) (T, bool) {
		v, ok := r.(T)
		return v, ok
	})
}
