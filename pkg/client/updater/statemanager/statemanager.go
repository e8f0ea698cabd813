// Package statemanager persists a state object as JSON, guarded by a file lock so that an updater
// and tools inspecting its state can access it concurrently.
package statemanager

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
	"github.com/unbasical/doras-installer/internal/pkg/utils/writerutils"
)

// Manager is a generic wrapper around a state object T which is serialized to the storage as JSON.
// It provides ways to safely mutate the state, backed by file locks.
type Manager[T any] struct {
	fs    afero.Fs
	state T
	path  string
}

// New initializes a state manager with the provided state and overwrites existing state.
func New[T any](fs afero.Fs, initialState T, p string) (*Manager[T], error) {
	m := Manager[T]{
		fs:    fs,
		state: initialState,
		path:  p,
	}
	err := m.Commit()
	if err != nil {
		log.WithError(err).Debug("failed to initialize state")
		return nil, err
	}
	return &m, nil
}

// NewFromDisk initializes a state manager with the state that is exists on disk,
// if nothing is found on the disk it uses the provided default.
func NewFromDisk[T any](fs afero.Fs, defaultState T, path string) (*Manager[T], error) {
	m := Manager[T]{
		fs:    fs,
		state: defaultState,
		path:  path,
	}
	_, err := m.Load()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manager[T]) locker() (fileutils.Locker, error) {
	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return nil, err
	}
	return fileutils.NewLocker(m.fs, m.path+".lock"), nil
}

// Commit acquires an exclusive lock, then atomically writes the current state to the file.
func (m *Manager[T]) Commit() error {
	l, err := m.locker()
	if err != nil {
		return err
	}
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = l.Unlock()
	}()
	return m.write()
}

// Load acquires a shared lock, then reads and decodes the state from the file.
func (m *Manager[T]) Load() (*T, error) {
	l, err := m.locker()
	if err != nil {
		return nil, err
	}
	if err := l.RLock(); err != nil {
		return nil, err
	}
	defer func() {
		_ = l.Unlock()
	}()
	if err := m.read(); err != nil {
		return nil, err
	}
	return &m.state, nil
}

// ModifyState acquires an exclusive lock, loads the current state.
// It then calls the callback function on the state to modify it before writing back to disk.
func (m *Manager[T]) ModifyState(cb func(*T) error) error {
	l, err := m.locker()
	if err != nil {
		return err
	}
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = l.Unlock()
	}()
	if err := m.read(); err != nil {
		return err
	}
	modified := m.state
	if err := cb(&modified); err != nil {
		return err
	}
	m.state = modified
	return m.write()
}

// State returns the in-memory state.
func (m *Manager[T]) State() T {
	return m.state
}

// read replaces the in-memory state with the state on disk. A missing, empty or unparsable file
// keeps the in-memory state.
func (m *Manager[T]) read() error {
	fp, err := m.fs.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() {
		_ = fp.Close()
	}()
	oldState := m.state
	err = json.NewDecoder(fp).Decode(&m.state)
	if err == nil {
		return nil
	}
	var syntaxError *json.SyntaxError
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &syntaxError) {
		log.WithField("path", m.path).WithError(err).Warn("ignoring unreadable state file")
		m.state = oldState
		return nil
	}
	return err
}

// write replaces the file through a temporary file, so readers never observe a partial state.
func (m *Manager[T]) write() error {
	tmp := m.path + ".tmp"
	fp, err := m.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	w := writerutils.NewSafeFileWriter(fp)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := errors.Join(enc.Encode(m.state), w.Close()); err != nil {
		_ = m.fs.Remove(tmp)
		return err
	}
	return m.fs.Rename(tmp, m.path)
}
