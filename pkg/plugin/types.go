package plugin

import (
	"fmt"
	"slices"
	"strings"

	"plumcp/pkg/capability"
)

// CapabilitySet lists the names a plugin contributes for one capability kind.
type CapabilitySet struct {
	Kind  capability.Kind `yaml:"kind"`
	Names []string        `yaml:"names"`
}

// Dependency is an edge from the declaring plugin to PluginID.
type Dependency struct {
	PluginID string `yaml:"plugin"`
	// VersionConstraint uses semver constraint syntax (">= 1.2, < 2"). Empty accepts any version.
	VersionConstraint string `yaml:"version"`
	Required          bool   `yaml:"required"`
}

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	Version      string          `yaml:"version"`
	Description  string          `yaml:"description"`
	Capabilities []CapabilitySet `yaml:"capabilities"`
	Dependencies []Dependency    `yaml:"dependencies"`
}

// Declares reports whether the plugin lists name under kind.
func (i Info) Declares(kind capability.Kind, name string) bool {
	for _, set := range i.Capabilities {
		if set.Kind == kind && slices.Contains(set.Names, name) {
			return true
		}
	}
	return false
}

// Kinds returns the distinct capability kinds the plugin declares.
func (i Info) Kinds() []capability.Kind {
	var kinds []capability.Kind
	for _, set := range i.Capabilities {
		if len(set.Names) > 0 && !slices.Contains(kinds, set.Kind) {
			kinds = append(kinds, set.Kind)
		}
	}
	return kinds
}

// Required returns the ids of required dependencies.
func (i Info) Required() []string {
	var ids []string
	for _, dep := range i.Dependencies {
		if dep.Required {
			ids = append(ids, dep.PluginID)
		}
	}
	return ids
}

// Validate checks the metadata for internal consistency.
func (i Info) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("plugin id cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, set := range i.Capabilities {
		if !set.Kind.Valid() {
			return fmt.Errorf("plugin %s declares invalid capability kind %d", i.ID, int(set.Kind))
		}
		for _, name := range set.Names {
			if name == "" {
				return fmt.Errorf("plugin %s declares an empty %s name", i.ID, set.Kind)
			}
			k := set.Kind.String() + "/" + name
			if _, dup := seen[k]; dup {
				return fmt.Errorf("plugin %s declares %s %q twice", i.ID, set.Kind, name)
			}
			seen[k] = struct{}{}
		}
	}
	for _, dep := range i.Dependencies {
		if dep.PluginID == "" {
			return fmt.Errorf("plugin %s declares a dependency without id", i.ID)
		}
		if dep.PluginID == i.ID {
			return fmt.Errorf("plugin %s depends on itself", i.ID)
		}
	}
	return nil
}

// State represents the lifecycle position of a plugin.
type State int

const (
	StateRegistered State = iota
	StateActivating
	StateActive
	StateDeactivating
	StateUnloaded
	StateFailed
)

var stateNames = map[State]string{
	StateRegistered:   "registered",
	StateActivating:   "activating",
	StateActive:       "active",
	StateDeactivating: "deactivating",
	StateUnloaded:     "unloaded",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for state, name := range stateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown plugin state %q", s)
}

// validTransitions is the lifecycle adjacency table. A deactivation failure
// returns Deactivating to Active so capabilities are never torn down halfway.
var validTransitions = map[State][]State{
	StateRegistered:   {StateRegistered, StateActivating, StateUnloaded},
	StateActivating:   {StateActive, StateFailed},
	StateActive:       {StateDeactivating},
	StateDeactivating: {StateRegistered, StateActive},
	StateFailed:       {StateActivating, StateUnloaded},
	StateUnloaded:     {StateRegistered},
}

// CanTransition reports whether the lifecycle permits moving from -> to.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}
