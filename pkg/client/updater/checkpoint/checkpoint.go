// Package checkpoint implements the points between units of work at which an update session can
// be paused or cancelled. Work is never interrupted in the middle of a unit such as a single file.
package checkpoint

import (
	"context"
	"sync"
)

// Gate is written by the controlling side (Pause, Resume) and read by the active worker (Reached).
// The zero value is a running gate. A nil *Gate never pauses.
type Gate struct {
	mu     sync.Mutex
	resume chan struct{}
}

// Pause makes subsequent calls to Reached block until Resume is called.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		g.resume = make(chan struct{})
	}
}

// Resume releases all workers blocked in Reached.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume != nil {
		close(g.resume)
		g.resume = nil
	}
}

// Paused reports whether the gate is currently closed.
func (g *Gate) Paused() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resume != nil
}

// Reached is called by workers between two units of work. It returns the context error if the
// session was cancelled and blocks while the gate is paused.
func (g *Gate) Reached(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g == nil {
		return nil
	}
	g.mu.Lock()
	wait := g.resume
	g.mu.Unlock()
	if wait == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wait:
		return ctx.Err()
	}
}

type ctxKey struct{}

// WithGate attaches g to ctx so that components deep in the call chain can reach it.
func WithGate(ctx context.Context, g *Gate) context.Context {
	return context.WithValue(ctx, ctxKey{}, g)
}

// Reached calls Reached on the Gate attached to ctx, or only checks ctx if there is none.
func Reached(ctx context.Context) error {
	g, _ := ctx.Value(ctxKey{}).(*Gate)
	return g.Reached(ctx)
}
