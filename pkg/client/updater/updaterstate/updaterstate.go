// Package updaterstate holds the client record: what is installed and how the last session ended.
package updaterstate

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/mod/sumdb/dirhash"
)

// maxFailures bounds the failure history kept in the record.
const maxFailures = 10

// State represents the state of an installation.
type State struct {
	Version string `json:"version"`
	// DirectoryHash is the dirhash of the install directory after the last successful session.
	DirectoryHash string    `json:"directory_hash,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
	// Failures are the most recent failed sessions, oldest first.
	Failures []Failure `json:"failures,omitempty"`
}

// Failure describes a session that did not complete.
type Failure struct {
	Version string    `json:"version"`
	At      time.Time `json:"at"`
	State   string    `json:"state"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	// RolledBack lists the domains the unwind restored.
	RolledBack []string `json:"rolled_back,omitempty"`
}

// RecordSuccess marks version as installed.
func (s *State) RecordSuccess(version, dirHash string, at time.Time) {
	s.Version = version
	s.DirectoryHash = dirHash
	s.UpdatedAt = at.UTC()
}

// RecordFailure appends f to the failure history.
func (s *State) RecordFailure(f Failure) {
	f.At = f.At.UTC()
	s.Failures = append(s.Failures, f)
	if len(s.Failures) > maxFailures {
		s.Failures = s.Failures[len(s.Failures)-maxFailures:]
	}
}

// LastFailure returns the most recent failure, if any.
func (s *State) LastFailure() (Failure, bool) {
	if len(s.Failures) == 0 {
		return Failure{}, false
	}
	return s.Failures[len(s.Failures)-1], true
}

// HasFailed reports whether an update to version has failed before.
func (s *State) HasFailed(version string) bool {
	for _, f := range s.Failures {
		if f.Version == version {
			return true
		}
	}
	return false
}

// HashDirectory computes the dirhash (h1) of dir. Files matching exclude (by relative slash path)
// are skipped.
func HashDirectory(fs afero.Fs, dir string, exclude func(rel string) bool) (string, error) {
	var files []string
	err := afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if exclude != nil && exclude(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	sort.Strings(files)
	return dirhash.Hash1(files, func(name string) (io.ReadCloser, error) {
		return fs.Open(filepath.Join(dir, filepath.FromSlash(name)))
	})
}
