package fileutils

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// Locker is a reader/writer lock tied to a path.
type Locker interface {
	Lock() error
	RLock() error
	TryLock() (bool, error)
	Unlock() error
}

// NewLocker returns a file lock (flock) at path if fs is the OS filesystem. Other filesystems only
// exist within this process, so they are locked with a process-wide mutex per path.
func NewLocker(fs afero.Fs, path string) Locker {
	if _, ok := fs.(*afero.OsFs); ok {
		return flock.New(path)
	}
	memLocksMu.Lock()
	defer memLocksMu.Unlock()
	key := filepath.Clean(path)
	mu, ok := memLocks[key]
	if !ok {
		mu = &sync.RWMutex{}
		memLocks[key] = mu
	}
	return &memLock{mu: mu}
}

var (
	memLocksMu sync.Mutex
	memLocks   = map[string]*sync.RWMutex{}
)

type memLock struct {
	mu   *sync.RWMutex
	held int // 0 unlocked, 1 shared, 2 exclusive
}

func (m *memLock) Lock() error {
	m.mu.Lock()
	m.held = 2
	return nil
}

func (m *memLock) RLock() error {
	m.mu.RLock()
	m.held = 1
	return nil
}

func (m *memLock) TryLock() (bool, error) {
	if !m.mu.TryLock() {
		return false, nil
	}
	m.held = 2
	return true, nil
}

func (m *memLock) Unlock() error {
	switch m.held {
	case 1:
		m.mu.RUnlock()
	case 2:
		m.mu.Unlock()
	default:
		return errors.New("lock is not held")
	}
	m.held = 0
	return nil
}
