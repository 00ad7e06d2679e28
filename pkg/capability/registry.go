// Package capability holds the process-wide table of tools, resources, prompts
// and sampling hooks contributed by active plugins.
package capability

import (
	"fmt"
	"slices"
	"sync"

	xerrors "plumcp/internal/errors"
)

// Entry is a single registered capability.
type Entry struct {
	Name  string
	Kind  Kind
	Owner string
	// Descriptor is nil for names a plugin declared but did not describe.
	Descriptor Descriptor
}

type key struct {
	kind Kind
	name string
}

// Registry maps (kind, name) to the plugin that currently provides it. Every
// mutation happens under a single lock, so readers never observe a partially
// written entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]Entry
	order   map[Kind][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[key]Entry),
		order:   make(map[Kind][]string),
	}
}

// Register adds entry to the registry. Re-registering a name the same owner
// already holds succeeds without changes.
func (r *Registry) Register(entry Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	k := key{kind: entry.Kind, name: entry.Name}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[k]; ok {
		if existing.Owner == entry.Owner {
			return nil
		}
		return &ConflictError{Kind: entry.Kind, Name: entry.Name, ExistingOwner: existing.Owner, Requester: entry.Owner}
	}
	r.entries[k] = entry
	r.order[entry.Kind] = append(r.order[entry.Kind], entry.Name)
	return nil
}

// Unregister removes a single entry owned by owner.
func (r *Registry) Unregister(kind Kind, name, owner string) error {
	k := key{kind: kind, name: name}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entries[k]
	if !ok {
		return xerrors.Wrap(CodeNotFound, ErrNotFound, fmt.Sprintf("%s %q", kind, name))
	}
	if existing.Owner != owner {
		return &NotOwnerError{Kind: kind, Name: name, Owner: existing.Owner, Requester: owner}
	}
	r.removeLocked(k)
	return nil
}

// UnregisterOwner removes every entry held by owner and returns how many were removed.
func (r *Registry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for k, e := range r.entries {
		if e.Owner == owner {
			r.removeLocked(k)
			removed++
		}
	}
	return removed
}

func (r *Registry) removeLocked(k key) {
	delete(r.entries, k)
	names := r.order[k.kind]
	if i := slices.Index(names, k.name); i >= 0 {
		r.order[k.kind] = slices.Delete(names, i, i+1)
	}
}

// Lookup returns the entry for (kind, name).
func (r *Registry) Lookup(kind Kind, name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key{kind: kind, name: name}]
	if !ok {
		return Entry{}, xerrors.Wrap(CodeNotFound, ErrNotFound, fmt.Sprintf("%s %q", kind, name))
	}
	return e, nil
}

// List returns a snapshot of the entries of one kind in registration order.
// The snapshot is unaffected by later mutations.
func (r *Registry) List(kind Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.order[kind]
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, r.entries[key{kind: kind, name: name}])
	}
	return out
}

// Owned returns every entry held by owner, grouped by kind in registration order.
// The result is taken under one read lock.
func (r *Registry) Owned(owner string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, kind := range Kinds {
		for _, name := range r.order[kind] {
			if e := r.entries[key{kind: kind, name: name}]; e.Owner == owner {
				out = append(out, e)
			}
		}
	}
	return out
}

// Len returns the total number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LenKind returns the number of entries of one kind.
func (r *Registry) LenKind(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order[kind])
}

func validate(entry Entry) error {
	if !entry.Kind.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid capability kind %d", int(entry.Kind)))
	}
	if entry.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "capability name cannot be empty")
	}
	if entry.Owner == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "capability owner cannot be empty")
	}
	if entry.Descriptor != nil && entry.Descriptor.Kind() != entry.Kind {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("descriptor kind %s does not match entry kind %s", entry.Descriptor.Kind(), entry.Kind))
	}
	return nil
}
