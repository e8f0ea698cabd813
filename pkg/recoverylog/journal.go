package recoverylog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrCorrupt is returned by Journal.Load for logs that cannot be trusted.
// Callers treat it as "no undo data available".
var ErrCorrupt = errors.New("recovery log is corrupt")

// Journal is the in-memory rollback list of one log flavor together with its durable file.
// A Journal is owned by a single goroutine at a time: the worker running a session state
// appends to it and hands it back to the controller once the state has signaled completion.
type Journal struct {
	fs      afero.Fs
	magic   Magic
	path    string
	records []Record
	flushed int
}

// NewJournal returns an empty journal stored at path.
func NewJournal(fs afero.Fs, magic Magic, path string) *Journal {
	return &Journal{fs: fs, magic: magic, path: path}
}

// Path returns the location of the log file.
func (j *Journal) Path() string {
	return j.path
}

// Append adds records to the in-memory list.
func (j *Journal) Append(records ...Record) {
	j.records = append(j.records, records...)
}

// Records returns the records in the order they were appended.
func (j *Journal) Records() []Record {
	return j.records
}

// Len returns the number of records.
func (j *Journal) Len() int {
	return len(j.records)
}

// Dirty reports whether records were appended since the last Flush.
func (j *Journal) Dirty() bool {
	return j.flushed != len(j.records)
}

// Flush durably writes the whole list. The file is written next to the target, synced and then
// renamed over it, so a crash leaves either the old or the new log.
// Flushing an empty list removes a stale file, an absent file means there is nothing to undo.
func (j *Journal) Flush() error {
	if len(j.records) == 0 {
		j.flushed = 0
		if err := j.fs.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if !j.Dirty() {
		return nil
	}
	if err := j.fs.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	fp, err := j.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening %q: %w", tmp, err)
	}
	if err := Encode(fp, j.magic, j.records); err != nil {
		_ = fp.Close()
		return fmt.Errorf("writing %q: %w", tmp, err)
	}
	if err := errors.Join(fp.Sync(), fp.Close()); err != nil {
		return err
	}
	if err := j.fs.Rename(tmp, j.path); err != nil {
		return err
	}
	j.flushed = len(j.records)
	log.WithField("log", j.path).Debugf("flushed %d %s records", len(j.records), j.magic)
	return nil
}

// Load replaces the in-memory list with the content of the log file.
// A missing file yields an empty list. A file that fails to parse yields ErrCorrupt
// and leaves the list empty, a partially parsed log is never used.
func (j *Journal) Load() error {
	j.records = nil
	j.flushed = 0
	fp, err := j.fs.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() {
		_ = fp.Close()
	}()
	records, err := Decode(fp, j.magic)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrCorrupt, j.path, err)
	}
	j.records = records
	j.flushed = len(records)
	return nil
}

// Exists reports whether the log file is present.
func (j *Journal) Exists() bool {
	ok, err := afero.Exists(j.fs, j.path)
	return err == nil && ok
}

// Remove deletes the log file and clears the in-memory list.
func (j *Journal) Remove() error {
	j.records = nil
	j.flushed = 0
	err := j.fs.Remove(j.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
