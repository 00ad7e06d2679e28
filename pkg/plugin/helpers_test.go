package plugin

import (
	"context"
	"os"
	"sync/atomic"
	"testing"

	"plumcp/pkg/capability"
	"plumcp/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Discard()
	os.Exit(m.Run())
}

type fakePlugin struct {
	info        Info
	onActivate  func(ctx context.Context, reg Registrar) error
	onDeactive  func(ctx context.Context) error
	activated   atomic.Int32
	deactivated atomic.Int32
	configured  map[string]any
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) Activate(ctx context.Context, reg Registrar) error {
	f.activated.Add(1)
	if f.onActivate != nil {
		return f.onActivate(ctx, reg)
	}
	return nil
}

func (f *fakePlugin) Deactivate(ctx context.Context) error {
	f.deactivated.Add(1)
	if f.onDeactive != nil {
		return f.onDeactive(ctx)
	}
	return nil
}

func (f *fakePlugin) Configure(cfg map[string]any) error {
	f.configured = cfg
	return nil
}

func newFake(id string, deps ...Dependency) *fakePlugin {
	return &fakePlugin{info: Info{ID: id, Name: id, Version: "1.0.0", Dependencies: deps}}
}

func (f *fakePlugin) withTools(names ...string) *fakePlugin {
	f.info.Capabilities = append(f.info.Capabilities, CapabilitySet{Kind: capability.KindTool, Names: names})
	return f
}

func requires(id string) Dependency { return Dependency{PluginID: id, Required: true} }

func optional(id string) Dependency { return Dependency{PluginID: id} }

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(capability.NewRegistry(), ManagerConfig{}, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func mustLoad(t *testing.T, m *Manager, plugins ...*fakePlugin) {
	t.Helper()
	for _, p := range plugins {
		if err := m.Load(p); err != nil {
			t.Fatalf("load %s: %v", p.info.ID, err)
		}
	}
}

func mustState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	got, err := m.State(id)
	if err != nil {
		t.Fatalf("state %s: %v", id, err)
	}
	if got != want {
		t.Fatalf("plugin %s: expected state %s, got %s", id, want, got)
	}
}
