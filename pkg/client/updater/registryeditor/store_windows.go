package registryeditor

import (
	"errors"
	"fmt"
	"sort"

	winreg "golang.org/x/sys/windows/registry"

	"github.com/unbasical/doras-installer/pkg/registry"
)

// NewSystemStore returns the registry of the host. Keys are always opened in the 64-bit view.
func NewSystemStore() (Store, error) {
	return systemStore{}, nil
}

type systemStore struct{}

const view = winreg.WOW64_64KEY

func root(hive registry.Hive) (winreg.Key, error) {
	switch hive {
	case registry.ClassesRoot:
		return winreg.CLASSES_ROOT, nil
	case registry.CurrentUser:
		return winreg.CURRENT_USER, nil
	case registry.LocalMachine:
		return winreg.LOCAL_MACHINE, nil
	case registry.Users:
		return winreg.USERS, nil
	}
	return 0, fmt.Errorf("unknown hive %s", hive)
}

func mapErr(err error) error {
	if errors.Is(err, winreg.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func open(hive registry.Hive, key string, access uint32) (winreg.Key, error) {
	r, err := root(hive)
	if err != nil {
		return 0, err
	}
	k, err := winreg.OpenKey(r, registry.CleanKey(key), access|view)
	return k, mapErr(err)
}

func (systemStore) KeyExists(hive registry.Hive, key string) (bool, error) {
	k, err := open(hive, key, winreg.QUERY_VALUE)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, k.Close()
}

func (systemStore) CreateKey(hive registry.Hive, key string) error {
	r, err := root(hive)
	if err != nil {
		return err
	}
	k, _, err := winreg.CreateKey(r, registry.CleanKey(key), winreg.CREATE_SUB_KEY|view)
	if err != nil {
		return err
	}
	return k.Close()
}

func (systemStore) DeleteKey(hive registry.Hive, key string) error {
	r, err := root(hive)
	if err != nil {
		return err
	}
	return mapErr(winreg.DeleteKey(r, registry.CleanKey(key)))
}

func (systemStore) GetValue(hive registry.Hive, key, name string) (registry.Value, bool, error) {
	k, err := open(hive, key, winreg.QUERY_VALUE)
	if errors.Is(err, ErrNotFound) {
		return registry.Value{}, false, nil
	}
	if err != nil {
		return registry.Value{}, false, err
	}
	defer k.Close()
	_, typ, err := k.GetValue(name, nil)
	if errors.Is(err, winreg.ErrNotExist) {
		return registry.Value{}, false, nil
	}
	if err != nil {
		return registry.Value{}, false, err
	}
	var v registry.Value
	switch typ {
	case winreg.SZ, winreg.EXPAND_SZ:
		s, _, err := k.GetStringValue(name)
		if err != nil {
			return v, false, err
		}
		v = registry.Value{Type: registry.ValueType(typ), Data: []byte(s)}
	case winreg.MULTI_SZ:
		items, _, err := k.GetStringsValue(name)
		if err != nil {
			return v, false, err
		}
		v = registry.MultiStringValue(items...)
	case winreg.DWORD:
		n, _, err := k.GetIntegerValue(name)
		if err != nil {
			return v, false, err
		}
		v = registry.DWordValue(uint32(n))
	case winreg.QWORD:
		n, _, err := k.GetIntegerValue(name)
		if err != nil {
			return v, false, err
		}
		v = registry.QWordValue(n)
	default:
		size, _, err := k.GetValue(name, nil)
		if err != nil {
			return v, false, err
		}
		buf := make([]byte, size)
		if _, _, err := k.GetValue(name, buf); err != nil {
			return v, false, err
		}
		v = registry.Value{Type: registry.ValueType(typ), Data: buf}
	}
	return v, true, nil
}

// SetValue writes v. Types without a dedicated setter are stored as REG_BINARY.
func (systemStore) SetValue(hive registry.Hive, key, name string, v registry.Value) error {
	k, err := open(hive, key, winreg.SET_VALUE)
	if err != nil {
		return err
	}
	defer k.Close()
	switch v.Type {
	case registry.String:
		return k.SetStringValue(name, string(v.Data))
	case registry.ExpandString:
		return k.SetExpandStringValue(name, string(v.Data))
	case registry.MultiString:
		return k.SetStringsValue(name, v.Strings())
	case registry.DWord, registry.QWord:
		n, err := v.Uint64()
		if err != nil {
			return err
		}
		if v.Type == registry.DWord {
			return k.SetDWordValue(name, uint32(n))
		}
		return k.SetQWordValue(name, n)
	default:
		return k.SetBinaryValue(name, v.Data)
	}
}

func (systemStore) DeleteValue(hive registry.Hive, key, name string) error {
	k, err := open(hive, key, winreg.SET_VALUE)
	if err != nil {
		return err
	}
	defer k.Close()
	return mapErr(k.DeleteValue(name))
}

func (systemStore) SubKeys(hive registry.Hive, key string) ([]string, error) {
	k, err := open(hive, key, winreg.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, err
	}
	defer k.Close()
	names, err := k.ReadSubKeyNames(0)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (systemStore) ValueNames(hive registry.Hive, key string) ([]string, error) {
	k, err := open(hive, key, winreg.QUERY_VALUE)
	if err != nil {
		return nil, err
	}
	defer k.Close()
	names, err := k.ReadValueNames(0)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
