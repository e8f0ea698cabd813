package registryeditor

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/unbasical/doras-installer/pkg/registry"
)

// ErrNotFound is returned by a Store for missing keys or values.
var ErrNotFound = errors.New("registry key or value not found")

// Store is a registry backend. Key paths are relative to the hive and use backslashes,
// the empty path is the hive itself. Names are compared case-insensitively.
type Store interface {
	KeyExists(hive registry.Hive, key string) (bool, error)
	// CreateKey creates key and any missing parents.
	CreateKey(hive registry.Hive, key string) error
	// DeleteKey deletes a key without subkeys together with its values.
	DeleteKey(hive registry.Hive, key string) error
	// GetValue returns false if the key or the value does not exist.
	GetValue(hive registry.Hive, key, name string) (registry.Value, bool, error)
	SetValue(hive registry.Hive, key, name string, v registry.Value) error
	DeleteValue(hive registry.Hive, key, name string) error
	SubKeys(hive registry.Hive, key string) ([]string, error)
	ValueNames(hive registry.Hive, key string) ([]string, error)
}

type memValue struct {
	name  string
	value registry.Value
}

type memKey struct {
	path   string
	values map[string]memValue
}

// MemoryStore is an in-memory Store used for dry runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[registry.Hive]map[string]*memKey
}

// NewMemoryStore returns an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: map[registry.Hive]map[string]*memKey{}}
}

func fold(s string) string {
	return strings.ToLower(registry.CleanKey(s))
}

func (m *MemoryStore) lookup(hive registry.Hive, key string) *memKey {
	return m.keys[hive][fold(key)]
}

func (m *MemoryStore) KeyExists(hive registry.Hive, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return registry.CleanKey(key) == "" || m.lookup(hive, key) != nil, nil
}

func (m *MemoryStore) CreateKey(hive registry.Hive, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[hive] == nil {
		m.keys[hive] = map[string]*memKey{}
	}
	segments := registry.SplitKey(key)
	for i := range segments {
		p := strings.Join(segments[:i+1], `\`)
		if m.keys[hive][fold(p)] == nil {
			m.keys[hive][fold(p)] = &memKey{path: p, values: map[string]memValue{}}
		}
	}
	return nil
}

func (m *MemoryStore) DeleteKey(hive registry.Hive, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(hive, key) == nil {
		return ErrNotFound
	}
	if len(m.subKeys(hive, key)) > 0 {
		return errors.New("key has subkeys")
	}
	delete(m.keys[hive], fold(key))
	return nil
}

func (m *MemoryStore) GetValue(hive registry.Hive, key, name string) (registry.Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.lookup(hive, key)
	if k == nil {
		return registry.Value{}, false, nil
	}
	v, ok := k.values[strings.ToLower(name)]
	if !ok {
		return registry.Value{}, false, nil
	}
	return registry.Value{Type: v.value.Type, Data: append([]byte(nil), v.value.Data...)}, true, nil
}

func (m *MemoryStore) SetValue(hive registry.Hive, key, name string, v registry.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.lookup(hive, key)
	if k == nil {
		return ErrNotFound
	}
	k.values[strings.ToLower(name)] = memValue{
		name:  name,
		value: registry.Value{Type: v.Type, Data: append([]byte(nil), v.Data...)},
	}
	return nil
}

func (m *MemoryStore) DeleteValue(hive registry.Hive, key, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.lookup(hive, key)
	if k == nil {
		return ErrNotFound
	}
	if _, ok := k.values[strings.ToLower(name)]; !ok {
		return ErrNotFound
	}
	delete(k.values, strings.ToLower(name))
	return nil
}

func (m *MemoryStore) SubKeys(hive registry.Hive, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if registry.CleanKey(key) != "" && m.lookup(hive, key) == nil {
		return nil, ErrNotFound
	}
	return m.subKeys(hive, key), nil
}

func (m *MemoryStore) subKeys(hive registry.Hive, key string) []string {
	prefix := fold(key)
	if prefix != "" {
		prefix += `\`
	}
	var names []string
	for id, k := range m.keys[hive] {
		rest, ok := strings.CutPrefix(id, prefix)
		if !ok || rest == "" || strings.Contains(rest, `\`) {
			continue
		}
		segments := registry.SplitKey(k.path)
		names = append(names, segments[len(segments)-1])
	}
	sort.Strings(names)
	return names
}

func (m *MemoryStore) ValueNames(hive registry.Hive, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.lookup(hive, key)
	if k == nil {
		return nil, ErrNotFound
	}
	names := make([]string, 0, len(k.values))
	for _, v := range k.values {
		names = append(names, v.name)
	}
	sort.Strings(names)
	return names, nil
}
