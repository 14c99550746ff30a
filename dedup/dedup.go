// Package dedup tracks message identifiers that have already been reported.
//
// A Set is never mutated once built. New identifiers are collected in a Delta
// while a run is in flight and merged with Apply only after the run succeeds.
package dedup

import (
	"slices"
	"sync"
)

// Set is an immutable set of reported message identifiers.
type Set struct {
	ids map[string]struct{}
}

// NewSet creates a set from ids. Empty identifiers are ignored.
func NewSet(ids ...string) *Set {
	s := &Set{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// Has reports whether id was already reported.
func (s *Set) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of identifiers.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns the identifiers in sorted order.
func (s *Set) IDs() []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Stage starts a delta on top of s.
func (s *Set) Stage() *Delta {
	return &Delta{base: s, added: make(map[string]struct{})}
}

// Delta collects identifiers pending commit. It is safe for concurrent use.
type Delta struct {
	base  *Set
	mu    sync.Mutex
	added map[string]struct{}
	order []string
}

// Add records id. Identifiers already in the base set or the delta are ignored.
func (d *Delta) Add(id string) {
	if id == "" || d.base.Has(id) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.added[id]; ok {
		return
	}
	d.added[id] = struct{}{}
	d.order = append(d.order, id)
}

// Added returns the staged identifiers in insertion order.
func (d *Delta) Added() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.order)
}

// Apply returns a new set containing the base identifiers and the staged ones.
// The base set is left untouched.
func (d *Delta) Apply() *Set {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := &Set{ids: make(map[string]struct{}, d.base.Len()+len(d.added))}
	if d.base != nil {
		for id := range d.base.ids {
			out.ids[id] = struct{}{}
		}
	}
	for id := range d.added {
		out.ids[id] = struct{}{}
	}
	return out
}
