package plugin

import (
	"fmt"
	"sync"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/capability"
)

type regKey struct {
	kind capability.Kind
	name string
}

// registrar is handed to exactly one Activate call. Once sealed, further
// registrations fail, so a plugin that keeps running after a timeout cannot
// leave entries behind.
type registrar struct {
	mu         sync.Mutex
	sealed     bool
	info       Info
	registry   *capability.Registry
	registered map[regKey]bool
}

var _ Registrar = (*registrar)(nil)

func newRegistrar(registry *capability.Registry, info Info) *registrar {
	return &registrar{info: info, registry: registry, registered: make(map[regKey]bool)}
}

func (r *registrar) RegisterTool(name string, tool capability.Tool) error {
	return r.register(capability.KindTool, name, tool)
}

func (r *registrar) RegisterResource(name string, resource capability.Resource) error {
	return r.register(capability.KindResource, name, resource)
}

func (r *registrar) RegisterPrompt(name string, prompt capability.Prompt) error {
	return r.register(capability.KindPrompt, name, prompt)
}

func (r *registrar) RegisterSampling(name string, sampling capability.Sampling) error {
	return r.register(capability.KindSampling, name, sampling)
}

func (r *registrar) register(kind capability.Kind, name string, desc capability.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return xerrors.Wrap(CodeRegistrationClosed, ErrRegistrationClosed,
			fmt.Sprintf("plugin %s registered %s %q after activation returned", r.info.ID, kind, name))
	}
	if !r.info.Declares(kind, name) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("plugin %s did not declare %s %q", r.info.ID, kind, name))
	}
	if err := r.registry.Register(capability.Entry{Name: name, Kind: kind, Owner: r.info.ID, Descriptor: desc}); err != nil {
		return err
	}
	r.registered[regKey{kind: kind, name: name}] = true
	return nil
}

func (r *registrar) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// registerDeclared adds declared names the plugin did not describe itself.
func (r *registrar) registerDeclared() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.info.Capabilities {
		for _, name := range set.Names {
			if r.registered[regKey{kind: set.Kind, name: name}] {
				continue
			}
			if err := r.registry.Register(capability.Entry{Name: name, Kind: set.Kind, Owner: r.info.ID}); err != nil {
				return err
			}
			r.registered[regKey{kind: set.Kind, name: name}] = true
		}
	}
	return nil
}

// preflight reports the first declared name already owned by another plugin.
func preflight(registry *capability.Registry, info Info) error {
	for _, set := range info.Capabilities {
		for _, name := range set.Names {
			existing, err := registry.Lookup(set.Kind, name)
			if err != nil {
				continue
			}
			if existing.Owner != info.ID {
				return &capability.ConflictError{Kind: set.Kind, Name: name, ExistingOwner: existing.Owner, Requester: info.ID}
			}
		}
	}
	return nil
}
