// Package lockwait retries file operations that fail because another process holds the file open.
// Unattended sessions give up after a bounded number of attempts, interactive sessions keep waiting
// and let the operator decide.
package lockwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-installer/pkg/backoff"
)

var (
	// ErrFileInUse is matched by every FileInUseError.
	ErrFileInUse = errors.New("file in use")
	// ErrAborted is returned when the operator chose to abort. It matches context.Canceled.
	ErrAborted = fmt.Errorf("aborted by operator: %w", context.Canceled)
)

// FileInUseError is returned once the retries for a locked file are exhausted.
type FileInUseError struct {
	Path     string
	Attempts uint
	Err      error
}

func (e *FileInUseError) Error() string {
	return fmt.Sprintf("file %q is still in use after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *FileInUseError) Is(target error) bool {
	return target == ErrFileInUse
}

func (e *FileInUseError) Unwrap() error {
	return e.Err
}

// Process identifies a running process that keeps files open.
type Process struct {
	PID  int32
	Name string
	Exe  string
}

func (p Process) String() string {
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// Event is emitted to the Prompter when files are still in use.
type Event struct {
	Files     []string
	Processes []Process
}

// Decision is the answer of the operator to an Event.
type Decision int

const (
	Retry Decision = iota
	Abort
)

// Prompter surfaces an Event to the operator and blocks until they answer.
type Prompter interface {
	FilesInUse(ctx context.Context, ev Event) Decision
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, ev Event) Decision

func (f PrompterFunc) FilesInUse(ctx context.Context, ev Event) Decision {
	return f(ctx, ev)
}

// Policy decides how long a locked file is waited for.
type Policy struct {
	// Interactive sessions retry until the operator aborts or ctx is cancelled.
	Interactive bool
	// Interval is the fixed delay between two attempts.
	Interval time.Duration
	// MaxAttempts bounds unattended retries. In interactive sessions the Prompter is asked
	// every MaxAttempts retries.
	MaxAttempts uint
	Prompter    Prompter
}

// DefaultPolicy returns the unattended policy: a retry every half second for ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    500 * time.Millisecond,
		MaxAttempts: 20,
	}
}

// Do runs op and repeats it as long as it fails with a sharing violation. Other errors are
// returned as they are.
func (p Policy) Do(ctx context.Context, path string, op func() error) error {
	strategy := backoff.NewConstant(p.Interval, p.MaxAttempts)
	if p.Interactive {
		strategy = backoff.NewConstant(p.Interval, 0)
	}
	promptEvery := p.MaxAttempts
	if promptEvery == 0 {
		promptEvery = 1
	}
	for {
		err := op()
		if err == nil || !IsSharingViolation(err) {
			return err
		}
		attempts := strategy.Attempts() + 1
		log.WithField("path", path).WithField("attempt", attempts).WithError(err).Debug("file is in use")
		if p.Interactive && p.Prompter != nil && attempts%promptEvery == 0 {
			if p.Prompter.FilesInUse(ctx, Event{Files: []string{path}}) == Abort {
				return ErrAborted
			}
		}
		if werr := strategy.Wait(ctx); werr != nil {
			if errors.Is(werr, backoff.ErrMaxRetries) {
				return &FileInUseError{Path: path, Attempts: attempts, Err: err}
			}
			return werr
		}
	}
}
