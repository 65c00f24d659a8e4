// Package models holds the per-adapter registry of compiled collection
// models. Each name is built at most once, even under concurrent first use.
package models

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName checks that a collection name can be used as a table, label,
// index or key segment on every backend.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return types.InvalidSchema("", fmt.Sprintf("invalid collection name %q", name))
	}
	return nil
}

// Registry maps collection names to compiled models of type M.
type Registry[M any] struct {
	mu      sync.Mutex
	entries map[string]*entry[M]
}

type entry[M any] struct {
	mu      sync.Mutex
	ready   bool
	defined bool
	model   M
}

// NewRegistry returns an empty registry.
func NewRegistry[M any]() *Registry[M] {
	return &Registry[M]{entries: make(map[string]*entry[M])}
}

func (r *Registry[M]) slot(name string) *entry[M] {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = &entry[M]{}
		r.entries[name] = e
	}
	return e
}

// Get returns the model registered under name.
func (r *Registry[M]) Get(name string) (M, bool) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	var zero M
	if !ok {
		return zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return zero, false
	}
	return e.model, true
}

// GetOrCreate returns the model for name, calling build to create the
// default model on first use. Concurrent callers for the same name wait for
// the first build; the first successful build wins. A failed build leaves
// the name unregistered.
func (r *Registry[M]) GetOrCreate(name string, build func() (M, error)) (M, error) {
	var zero M
	if err := ValidateName(name); err != nil {
		return zero, err
	}
	e := r.slot(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return e.model, nil
	}
	m, err := build()
	if err != nil {
		return zero, err
	}
	e.model, e.ready = m, true
	return m, nil
}

// Define registers an explicit model. A name that is already registered,
// explicitly or lazily, fails with ErrInvalidSchema and keeps its model.
func (r *Registry[M]) Define(name string, build func() (M, error)) (M, error) {
	var zero M
	if err := ValidateName(name); err != nil {
		return zero, err
	}
	e := r.slot(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return zero, types.InvalidSchema("", fmt.Sprintf("model %q already defined", name))
	}
	m, err := build()
	if err != nil {
		return zero, err
	}
	e.model, e.ready, e.defined = m, true, true
	return m, nil
}

// Defined reports whether name was registered through Define.
func (r *Registry[M]) Defined(name string) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defined
}

// Names returns the registered names in sorted order.
func (r *Registry[M]) Names() []string {
	r.mu.Lock()
	entries := make(map[string]*entry[M], len(r.entries))
	for k, e := range r.entries {
		entries[k] = e
	}
	r.mu.Unlock()

	names := make([]string, 0, len(entries))
	for k, e := range entries {
		e.mu.Lock()
		if e.ready {
			names = append(names, k)
		}
		e.mu.Unlock()
	}
	sort.Strings(names)
	return names
}
