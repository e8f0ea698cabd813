//go:build unix || windows

package lockwait

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"
)

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		failWith     error
		wantCalls    int
		wantInUse    bool
		wantErr      error
		maxAttempts  uint
		interactive  bool
		promptAnswer Decision
	}{
		{name: "success", failures: 0, wantCalls: 1, maxAttempts: 3},
		{name: "transient", failures: 2, failWith: errLocked, wantCalls: 3, maxAttempts: 3},
		{name: "exhausted", failures: 100, failWith: errLocked, wantCalls: 4, maxAttempts: 3, wantInUse: true},
		{name: "other error", failures: 100, failWith: fs.ErrPermission, wantCalls: 1, maxAttempts: 3, wantErr: fs.ErrPermission},
		{name: "interactive outlasts bound", failures: 10, failWith: errLocked, wantCalls: 11, maxAttempts: 2, interactive: true},
		{name: "operator aborts", failures: 100, failWith: errLocked, wantCalls: 2, maxAttempts: 2, interactive: true, promptAnswer: Abort, wantErr: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			p := Policy{
				Interactive: tt.interactive,
				Interval:    time.Millisecond,
				MaxAttempts: tt.maxAttempts,
				Prompter: PrompterFunc(func(ctx context.Context, ev Event) Decision {
					if len(ev.Files) != 1 || ev.Files[0] != "target" {
						t.Errorf("unexpected event %+v", ev)
					}
					return tt.promptAnswer
				}),
			}
			err := p.Do(context.Background(), "target", func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("op called %d times, want %d", calls, tt.wantCalls)
			}
			if tt.wantInUse {
				var inUse *FileInUseError
				if !errors.As(err, &inUse) || !errors.Is(err, ErrFileInUse) {
					t.Fatalf("Do() error = %v, want FileInUseError", err)
				}
				if inUse.Path != "target" {
					t.Errorf("FileInUseError.Path = %q", inUse.Path)
				}
				return
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Do() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Do() unexpected error %v", err)
			}
		})
	}
}

func TestPolicy_DoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Interactive: true, Interval: time.Hour}
	err := p.Do(ctx, "target", func() error { return errLocked })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want %v", err, context.Canceled)
	}
}
