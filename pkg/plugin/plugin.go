package plugin

import (
	"context"
	"log/slog"
	"time"

	"plumcp/pkg/capability"
)

// Plugin defines the lifecycle hooks that each plugin implementation must satisfy.
type Plugin interface {
	// Info returns the static metadata for the plugin.
	Info() Info
	// Activate makes the plugin ready and registers its capabilities through reg.
	// reg is only valid until Activate returns.
	Activate(ctx context.Context, reg Registrar) error
	// Deactivate releases everything acquired in Activate.
	Deactivate(ctx context.Context) error
}

// Registrar lets a plugin describe its declared capabilities while it activates.
// Registering a name the plugin did not declare in Info fails.
type Registrar interface {
	RegisterTool(name string, tool capability.Tool) error
	RegisterResource(name string, resource capability.Resource) error
	RegisterPrompt(name string, prompt capability.Prompt) error
	RegisterSampling(name string, sampling capability.Sampling) error
}

// StateSnapshot is a point-in-time copy of a plugin record.
type StateSnapshot struct {
	Info      Info
	State     State
	LastError string
	UpdatedAt time.Time
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithActivationTimeout bounds every single Activate call. Zero keeps the default.
func WithActivationTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger replaces the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithAuditLogger replaces the logger that records lifecycle transitions.
func WithAuditLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.audit = l
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}
