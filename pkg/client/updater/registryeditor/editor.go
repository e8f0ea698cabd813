// Package registryeditor applies registry changes and records the inverse of every committed
// change so that a failed session can restore each touched key and value.
package registryeditor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-installer/pkg/client/updater/checkpoint"
	"github.com/unbasical/doras-installer/pkg/recoverylog"
	"github.com/unbasical/doras-installer/pkg/registry"
)

// Recorder receives the inverse of each committed change.
type Recorder interface {
	Append(records ...recoverylog.Record)
}

// Editor executes registry changes against a Store.
type Editor struct {
	store  Store
	expand func(string) string
}

// Option configures an Editor.
type Option func(*Editor)

// WithExpander sets the function that resolves path tokens in text values before they are written.
func WithExpander(expand func(string) string) Option {
	return func(e *Editor) {
		e.expand = expand
	}
}

// New returns an Editor for store.
func New(store Store, options ...Option) *Editor {
	e := &Editor{
		store:  store,
		expand: func(s string) string { return s },
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Apply executes changes in order. The inverse of every committed change is appended to rec
// right after the change. The first failing change abandons the remainder of the list.
func (e *Editor) Apply(ctx context.Context, changes []registry.Change, rec Recorder) error {
	for i, c := range changes {
		if err := checkpoint.Reached(ctx); err != nil {
			return err
		}
		c.Key = registry.CleanKey(c.Key)
		if err := e.apply(c, rec); err != nil {
			return fmt.Errorf("registry change %d (%s): %w", i, c, err)
		}
		log.WithField("change", c.String()).Debug("applied registry change")
	}
	return nil
}

func inverse(c registry.Change) recoverylog.RegistryInverseOp {
	return recoverylog.RegistryInverseOp{Change: c}
}

func (e *Editor) apply(c registry.Change, rec Recorder) error {
	switch c.Op {
	case registry.OpCreateKey:
		return e.createKey(c.Hive, c.Key, rec)
	case registry.OpSetValue:
		if err := e.createKey(c.Hive, c.Key, rec); err != nil {
			return err
		}
		prior, existed, err := e.store.GetValue(c.Hive, c.Key, c.Name)
		if err != nil {
			return err
		}
		if err := e.store.SetValue(c.Hive, c.Key, c.Name, e.expandValue(c.Value)); err != nil {
			return err
		}
		if existed {
			rec.Append(inverse(registry.Change{Op: registry.OpSetValue, Hive: c.Hive, Key: c.Key, Name: c.Name, Value: prior}))
		} else {
			rec.Append(inverse(registry.Change{Op: registry.OpDeleteValue, Hive: c.Hive, Key: c.Key, Name: c.Name}))
		}
		return nil
	case registry.OpDeleteValue:
		prior, existed, err := e.store.GetValue(c.Hive, c.Key, c.Name)
		if err != nil || !existed {
			return err
		}
		if err := e.store.DeleteValue(c.Hive, c.Key, c.Name); err != nil {
			return err
		}
		rec.Append(inverse(registry.Change{Op: registry.OpSetValue, Hive: c.Hive, Key: c.Key, Name: c.Name, Value: prior}))
		return nil
	case registry.OpDeleteKey:
		if c.Key == "" {
			return errors.New("refusing to delete a hive")
		}
		exists, err := e.store.KeyExists(c.Hive, c.Key)
		if err != nil || !exists {
			return err
		}
		return e.deleteTree(c.Hive, c.Key, rec)
	}
	return fmt.Errorf("unknown registry operation %d", c.Op)
}

// createKey creates the missing segments of key one by one, each with a DeleteKey inverse.
func (e *Editor) createKey(hive registry.Hive, key string, rec Recorder) error {
	segments := registry.SplitKey(key)
	for i := range segments {
		p := strings.Join(segments[:i+1], `\`)
		exists, err := e.store.KeyExists(hive, p)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := e.store.CreateKey(hive, p); err != nil {
			return err
		}
		rec.Append(inverse(registry.Change{Op: registry.OpDeleteKey, Hive: hive, Key: p}))
	}
	return nil
}

// deleteTree deletes key with all subkeys, children first. After a key is gone its values and
// the key itself are recorded so that a reverse replay recreates parents before children.
func (e *Editor) deleteTree(hive registry.Hive, key string, rec Recorder) error {
	children, err := e.store.SubKeys(hive, key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.deleteTree(hive, key+`\`+child, rec); err != nil {
			return err
		}
	}
	names, err := e.store.ValueNames(hive, key)
	if err != nil {
		return err
	}
	values := make([]registry.Change, 0, len(names))
	for _, name := range names {
		v, ok, err := e.store.GetValue(hive, key, name)
		if err != nil {
			return err
		}
		if ok {
			values = append(values, registry.Change{Op: registry.OpSetValue, Hive: hive, Key: key, Name: name, Value: v})
		}
	}
	if err := e.store.DeleteKey(hive, key); err != nil {
		return err
	}
	for i := len(values) - 1; i >= 0; i-- {
		rec.Append(inverse(values[i]))
	}
	rec.Append(inverse(registry.Change{Op: registry.OpCreateKey, Hive: hive, Key: key}))
	return nil
}

func (e *Editor) expandValue(v registry.Value) registry.Value {
	switch v.Type {
	case registry.String, registry.ExpandString:
		return registry.Value{Type: v.Type, Data: []byte(e.expand(string(v.Data)))}
	case registry.MultiString:
		items := v.Strings()
		for i := range items {
			items[i] = e.expand(items[i])
		}
		return registry.MultiStringValue(items...)
	}
	return v
}

// Rollback replays the registry inverses of records in reverse order. Every inverse is attempted,
// the errors of failing ones are returned joined.
func (e *Editor) Rollback(ctx context.Context, records []recoverylog.Record) error {
	inverses := recoverylog.Filter[recoverylog.RegistryInverseOp](records)
	var errs []error
	for i := len(inverses) - 1; i >= 0; i-- {
		c := inverses[i].Change
		if err := e.revert(c); err != nil {
			errs = append(errs, fmt.Errorf("reverting %s: %w", c, err))
		}
	}
	if len(errs) > 0 {
		log.WithError(errors.Join(errs...)).Warnf("registry rollback finished with %d errors", len(errs))
	}
	return errors.Join(errs...)
}

func (e *Editor) revert(c registry.Change) error {
	switch c.Op {
	case registry.OpCreateKey:
		return e.store.CreateKey(c.Hive, c.Key)
	case registry.OpSetValue:
		if err := e.store.CreateKey(c.Hive, c.Key); err != nil {
			return err
		}
		return e.store.SetValue(c.Hive, c.Key, c.Name, c.Value)
	case registry.OpDeleteValue:
		err := e.store.DeleteValue(c.Hive, c.Key, c.Name)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	case registry.OpDeleteKey:
		exists, err := e.store.KeyExists(c.Hive, c.Key)
		if err != nil || !exists {
			return err
		}
		return e.deleteTree(c.Hive, c.Key, discard{})
	}
	return fmt.Errorf("unknown registry operation %d", c.Op)
}

type discard struct{}

func (discard) Append(...recoverylog.Record) {}
