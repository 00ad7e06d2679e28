package plugin

import (
	"fmt"
	"slices"

	"plumcp/pkg/capability"
)

// IsolationStrategy enforces restrictions on what a plugin may contribute.
// Validate runs at load and before every activation; Prepare and Cleanup
// bracket the time a plugin is active.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// KindPolicyStrategy validates declared capability kinds against the policy
// and performs no runtime isolation.
type KindPolicyStrategy struct{}

// Validate ensures the plugin only declares permitted capability kinds.
func (KindPolicyStrategy) Validate(info Info, policy IsolationPolicy) error {
	kinds := info.Kinds()
	for _, denied := range policy.DeniedKinds {
		if slices.Contains(kinds, denied) {
			return fmt.Errorf("capability kind %s is explicitly denied for %s", denied, info.ID)
		}
	}
	if len(policy.AllowedKinds) == 0 {
		return nil
	}
	for _, kind := range kinds {
		if !slices.Contains(policy.AllowedKinds, kind) {
			return fmt.Errorf("capability kind %s not permitted for %s", kind, info.ID)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (KindPolicyStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (KindPolicyStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy returns the default strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return KindPolicyStrategy{}
	}
	return strategy
}

// IsolationPolicy restricts which capability kinds a plugin may declare.
type IsolationPolicy struct {
	AllowedKinds []capability.Kind `yaml:"allowed_kinds"`
	DeniedKinds  []capability.Kind `yaml:"denied_kinds"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedKinds) == 0 {
		p.AllowedKinds = other.AllowedKinds
	}
	if len(p.DeniedKinds) == 0 {
		p.DeniedKinds = other.DeniedKinds
	}
	return p
}

// MergePolicies combines the default and plugin specific isolation policies.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	return plugin.Merge(defaults)
}
