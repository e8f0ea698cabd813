// Package registry describes changes to the Windows registry independently of the backend that
// executes them. Changes are plain values so they can be stored in the update manifest and in the
// registry rollback log.
package registry

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Hive is a predefined registry root key.
type Hive uint8

const (
	ClassesRoot Hive = iota + 1
	CurrentUser
	LocalMachine
	Users
)

func (h Hive) String() string {
	switch h {
	case ClassesRoot:
		return "HKEY_CLASSES_ROOT"
	case CurrentUser:
		return "HKEY_CURRENT_USER"
	case LocalMachine:
		return "HKEY_LOCAL_MACHINE"
	case Users:
		return "HKEY_USERS"
	default:
		return fmt.Sprintf("Hive(%d)", uint8(h))
	}
}

// ParseHive accepts both the long and the abbreviated hive names (HKLM, HKCU, ...).
func ParseHive(s string) (Hive, error) {
	switch strings.ToUpper(s) {
	case "HKEY_CLASSES_ROOT", "HKCR":
		return ClassesRoot, nil
	case "HKEY_CURRENT_USER", "HKCU":
		return CurrentUser, nil
	case "HKEY_LOCAL_MACHINE", "HKLM":
		return LocalMachine, nil
	case "HKEY_USERS", "HKU":
		return Users, nil
	}
	return 0, fmt.Errorf("unknown registry hive %q", s)
}

// ValueType mirrors the REG_* value type constants.
type ValueType uint32

const (
	String       ValueType = 1
	ExpandString ValueType = 2
	Binary       ValueType = 3
	DWord        ValueType = 4
	MultiString  ValueType = 7
	QWord        ValueType = 11
)

func (t ValueType) String() string {
	switch t {
	case String:
		return "REG_SZ"
	case ExpandString:
		return "REG_EXPAND_SZ"
	case Binary:
		return "REG_BINARY"
	case DWord:
		return "REG_DWORD"
	case MultiString:
		return "REG_MULTI_SZ"
	case QWord:
		return "REG_QWORD"
	default:
		return fmt.Sprintf("REG_TYPE(%d)", uint32(t))
	}
}

// ParseValueType parses the REG_* name of a value type.
func ParseValueType(s string) (ValueType, error) {
	for _, t := range []ValueType{String, ExpandString, Binary, DWord, MultiString, QWord} {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown registry value type %q", s)
}

// IsText reports whether values of this type carry text that is subject to token expansion.
func (t ValueType) IsText() bool {
	return t == String || t == ExpandString || t == MultiString
}

// Value is a typed registry value.
// Text values hold UTF-8, multi strings are separated by NUL bytes.
// Numeric values are little-endian.
type Value struct {
	Type ValueType
	Data []byte
}

// StringValue returns a REG_SZ value.
func StringValue(s string) Value {
	return Value{Type: String, Data: []byte(s)}
}

// DWordValue returns a REG_DWORD value.
func DWordValue(v uint32) Value {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	return Value{Type: DWord, Data: data}
}

// QWordValue returns a REG_QWORD value.
func QWordValue(v uint64) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, v)
	return Value{Type: QWord, Data: data}
}

// MultiStringValue returns a REG_MULTI_SZ value.
func MultiStringValue(items ...string) Value {
	return Value{Type: MultiString, Data: []byte(strings.Join(items, "\x00"))}
}

// Strings splits a multi string value into its items.
func (v Value) Strings() []string {
	if len(v.Data) == 0 {
		return nil
	}
	return strings.Split(string(v.Data), "\x00")
}

// Uint64 decodes a DWORD or QWORD value.
func (v Value) Uint64() (uint64, error) {
	switch {
	case v.Type == DWord && len(v.Data) == 4:
		return uint64(binary.LittleEndian.Uint32(v.Data)), nil
	case v.Type == QWord && len(v.Data) == 8:
		return binary.LittleEndian.Uint64(v.Data), nil
	}
	return 0, fmt.Errorf("value of type %s with %d bytes is not an integer", v.Type, len(v.Data))
}

// Equal compares type and data.
func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && string(v.Data) == string(o.Data)
}

// Op is the kind of a registry change.
type Op uint8

const (
	OpCreateKey Op = iota + 1
	OpDeleteKey
	OpSetValue
	OpDeleteValue
)

func (o Op) String() string {
	switch o {
	case OpCreateKey:
		return "CreateKey"
	case OpDeleteKey:
		return "DeleteKey"
	case OpSetValue:
		return "SetValue"
	case OpDeleteValue:
		return "DeleteValue"
	default:
		return "Unknown"
	}
}

// Change is a single registry mutation.
// Name and Value are only meaningful for value operations, an empty Name addresses the default value.
type Change struct {
	Op    Op
	Hive  Hive
	Key   string
	Name  string
	Value Value
}

func (c Change) String() string {
	switch c.Op {
	case OpSetValue, OpDeleteValue:
		return fmt.Sprintf("%s %s\\%s [%s]", c.Op, c.Hive, c.Key, c.Name)
	default:
		return fmt.Sprintf("%s %s\\%s", c.Op, c.Hive, c.Key)
	}
}

// CleanKey normalizes a key path: forward slashes become backslashes, duplicate and
// surrounding separators are removed.
func CleanKey(key string) string {
	key = strings.ReplaceAll(key, "/", `\`)
	parts := strings.Split(key, `\`)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, `\`)
}

// SplitKey returns the cleaned segments of a key path.
func SplitKey(key string) []string {
	key = CleanKey(key)
	if key == "" {
		return nil
	}
	return strings.Split(key, `\`)
}
