package plugin

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/capability"
)

func TestActivateRegistersDeclaredCapabilities(t *testing.T) {
	m := newTestManager(t)
	p := newFake("echo-plugin").withTools("echo", "shout")
	p.onActivate = func(_ context.Context, reg Registrar) error {
		return reg.RegisterTool("echo", capability.Tool{Description: "repeat input"})
	}
	mustLoad(t, m, p)

	activated, err := m.Activate(context.Background(), "echo-plugin")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !slices.Equal(activated, []string{"echo-plugin"}) {
		t.Fatalf("unexpected activated list %v", activated)
	}
	mustState(t, m, "echo-plugin", StateActive)

	echo, err := m.Registry().Lookup(capability.KindTool, "echo")
	if err != nil || echo.Owner != "echo-plugin" {
		t.Fatalf("expected echo owned by plugin, got %+v %v", echo, err)
	}
	if echo.Descriptor.(capability.Tool).Description != "repeat input" {
		t.Fatalf("descriptor not stored")
	}
	shout, err := m.Registry().Lookup(capability.KindTool, "shout")
	if err != nil || shout.Descriptor != nil {
		t.Fatalf("expected declared-only entry for shout, got %+v %v", shout, err)
	}
}

func TestSecondOwnerOfCapabilityConflicts(t *testing.T) {
	m := newTestManager(t)
	first := newFake("P").withTools("echo")
	second := newFake("Q").withTools("echo")
	mustLoad(t, m, first, second)

	if _, err := m.Activate(context.Background(), "P"); err != nil {
		t.Fatalf("activate P: %v", err)
	}
	_, err := m.Activate(context.Background(), "Q")
	var conflict *capability.ConflictError
	if !errors.As(err, &conflict) || conflict.ExistingOwner != "P" {
		t.Fatalf("expected conflict naming P, got %v", err)
	}
	if second.activated.Load() != 0 {
		t.Fatalf("conflicting plugin must not be activated")
	}
	mustState(t, m, "Q", StateFailed)
	entry, _ := m.Registry().Lookup(capability.KindTool, "echo")
	if entry.Owner != "P" {
		t.Fatalf("P must keep echo, got %s", entry.Owner)
	}

	if _, err := m.Deactivate(context.Background(), "P", false); err != nil {
		t.Fatalf("deactivate P: %v", err)
	}
	if _, err := m.Activate(context.Background(), "Q"); err != nil {
		t.Fatalf("retry Q after P released echo: %v", err)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	p := newFake("vfs").withTools("read")
	mustLoad(t, m, p)

	if _, err := m.Activate(context.Background(), "vfs"); err != nil {
		t.Fatalf("first activate: %v", err)
	}
	before := m.Registry().List(capability.KindTool)
	activated, err := m.Activate(context.Background(), "vfs")
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if len(activated) != 0 {
		t.Fatalf("second activation must not report changes, got %v", activated)
	}
	if p.activated.Load() != 1 {
		t.Fatalf("plugin Activate called %d times", p.activated.Load())
	}
	if after := m.Registry().List(capability.KindTool); len(after) != len(before) {
		t.Fatalf("registry changed on idempotent activation")
	}
}

func TestActivateActivePluginIgnoresLaterOptionalDependency(t *testing.T) {
	m := newTestManager(t)
	a := newFake("a", optional("c")).withTools("a_tool")
	mustLoad(t, m, a)
	if _, err := m.Activate(context.Background(), "a"); err != nil {
		t.Fatalf("first activate: %v", err)
	}

	c := newFake("c").withTools("c_tool")
	mustLoad(t, m, c)
	size := m.Registry().Len()

	activated, err := m.Activate(context.Background(), "a")
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if len(activated) != 0 {
		t.Fatalf("second activation must not report changes, got %v", activated)
	}
	if got := m.Registry().Len(); got != size {
		t.Fatalf("registry size changed from %d to %d", size, got)
	}
	if _, err := m.Registry().Lookup(capability.KindTool, "c_tool"); err == nil {
		t.Fatalf("c_tool must not be registered")
	}
	if c.activated.Load() != 0 {
		t.Fatalf("optional dependency activated %d times", c.activated.Load())
	}
	mustState(t, m, "c", StateRegistered)

	act, err := m.ActivatePlan(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("ActivatePlan: %v", err)
	}
	if len(act.Activated) != 0 || c.activated.Load() != 0 {
		t.Fatalf("ActivatePlan on an Active root activated %v", act.Activated)
	}
	if !slices.Equal(act.Active, []string{"a"}) {
		t.Fatalf("unexpected active subset %v", act.Active)
	}
}

func TestActivatePlanReportsActiveSubsetInOrder(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m, newFake("base"), newFake("top", requires("base")), newFake("extra"))
	if _, err := m.Activate(context.Background(), "base"); err != nil {
		t.Fatalf("activate base: %v", err)
	}

	act, err := m.ActivatePlan(context.Background(), []string{"top", "extra"})
	if err != nil {
		t.Fatalf("ActivatePlan: %v", err)
	}
	if !slices.Equal(act.Plan, []string{"base", "extra", "top"}) {
		t.Fatalf("unexpected plan %v", act.Plan)
	}
	if !slices.Equal(act.Activated, []string{"extra", "top"}) {
		t.Fatalf("unexpected activated %v", act.Activated)
	}
	if !slices.Equal(act.Active, act.Plan) {
		t.Fatalf("expected whole plan active, got %v", act.Active)
	}
}

func TestActivateFollowsDependencyChain(t *testing.T) {
	m := newTestManager(t)
	var mu sync.Mutex
	var calls []string
	record := func(id string) func(context.Context, Registrar) error {
		return func(context.Context, Registrar) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, id)
			return nil
		}
	}
	a, b, c := newFake("A", requires("B")), newFake("B", requires("C")), newFake("C")
	a.onActivate, b.onActivate, c.onActivate = record("A"), record("B"), record("C")
	mustLoad(t, m, a, b, c)

	activated, err := m.Activate(context.Background(), "A")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !slices.Equal(activated, []string{"C", "B", "A"}) || !slices.Equal(calls, activated) {
		t.Fatalf("unexpected order activated=%v calls=%v", activated, calls)
	}
}

func TestCycleLeavesStatesUntouched(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m, newFake("A", requires("B")), newFake("B", requires("A")))

	_, err := m.Activate(context.Background(), "A")
	var cycle *CycleError
	if !errors.As(err, &cycle) || !slices.Equal(cycle.Cycle, []string{"A", "B", "A"}) {
		t.Fatalf("expected cycle [A B A], got %v", err)
	}
	mustState(t, m, "A", StateRegistered)
	mustState(t, m, "B", StateRegistered)
}

func TestMissingDependencyLeavesStatesUntouched(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m, newFake("ai", requires("model")))

	_, err := m.Activate(context.Background(), "ai")
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected missing dependency, got %v", err)
	}
	mustState(t, m, "ai", StateRegistered)
}

func TestConflictKeepsActivatedDependencies(t *testing.T) {
	m := newTestManager(t)
	owner := newFake("owner").withTools("scan")
	dep := newFake("dep")
	clash := newFake("clash", requires("dep")).withTools("scan")
	mustLoad(t, m, owner, dep, clash)
	if _, err := m.Activate(context.Background(), "owner"); err != nil {
		t.Fatalf("activate owner: %v", err)
	}

	activated, err := m.Activate(context.Background(), "clash")
	if !errors.Is(err, capability.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !slices.Equal(activated, []string{"dep"}) {
		t.Fatalf("dependency activated before the conflict should be reported, got %v", activated)
	}
	mustState(t, m, "dep", StateActive)
	mustState(t, m, "clash", StateFailed)
}

func TestActivateSetRollsBackOnFailure(t *testing.T) {
	m := newTestManager(t)
	x := newFake("X").withTools("x-tool")
	y := newFake("Y").withTools("y-tool")
	z := newFake("Z").withTools("z-tool")
	y.onActivate = func(_ context.Context, reg Registrar) error {
		if err := reg.RegisterTool("y-tool", capability.Tool{}); err != nil {
			return err
		}
		return errors.New("disk unavailable")
	}
	mustLoad(t, m, x, y, z)

	activated, err := m.ActivateSet(context.Background(), []string{"X", "Y", "Z"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if xerrors.CodeOf(err) != CodeActivationFailed {
		t.Fatalf("expected ACTIVATION_FAILED, got %s", xerrors.CodeOf(err))
	}
	if len(activated) != 0 {
		t.Fatalf("failed set must report nothing activated, got %v", activated)
	}
	if x.deactivated.Load() != 1 {
		t.Fatalf("X must be rolled back")
	}
	if z.activated.Load() != 0 {
		t.Fatalf("Z must never be attempted")
	}
	mustState(t, m, "X", StateRegistered)
	mustState(t, m, "Y", StateFailed)
	mustState(t, m, "Z", StateRegistered)
	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("registry must be empty after rollback, has %d entries", n)
	}
}

func TestActivateSetLeavesPreviouslyActivePlugins(t *testing.T) {
	m := newTestManager(t)
	base := newFake("base").withTools("b")
	bad := newFake("bad")
	bad.onActivate = func(context.Context, Registrar) error { return errors.New("boom") }
	mustLoad(t, m, base, bad)
	if _, err := m.Activate(context.Background(), "base"); err != nil {
		t.Fatalf("activate base: %v", err)
	}
	if _, err := m.ActivateSet(context.Background(), []string{"base", "bad"}); err == nil {
		t.Fatalf("expected failure")
	}
	mustState(t, m, "base", StateActive)
	if base.deactivated.Load() != 0 {
		t.Fatalf("previously active plugin must not be rolled back")
	}
}

func TestActivationTimeoutRollsBackAndIsRetryable(t *testing.T) {
	m := newTestManager(t, WithActivationTimeout(50*time.Millisecond))
	slow := newFake("slow").withTools("slow-tool")
	release := make(chan struct{})
	var lateErr error
	lateDone := make(chan struct{})
	slow.onActivate = func(ctx context.Context, reg Registrar) error {
		if err := reg.RegisterTool("slow-tool", capability.Tool{}); err != nil {
			return err
		}
		<-release
		lateErr = reg.RegisterTool("slow-tool", capability.Tool{})
		close(lateDone)
		return nil
	}
	mustLoad(t, m, slow)

	_, err := m.Activate(context.Background(), "slow")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
	mustState(t, m, "slow", StateFailed)
	if m.Registry().Len() != 0 {
		t.Fatalf("timed out activation must not leave capabilities")
	}

	close(release)
	<-lateDone
	if !errors.Is(lateErr, ErrRegistrationClosed) {
		t.Fatalf("late registration must be rejected, got %v", lateErr)
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("late registration leaked into registry")
	}

	slow.onActivate = nil
	if _, err := m.Activate(context.Background(), "slow"); err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	mustState(t, m, "slow", StateActive)
}

func TestCancellationBetweenActivationsRollsBack(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newFake("first")
	second := newFake("second")
	first.onActivate = func(context.Context, Registrar) error {
		cancel()
		return nil
	}
	mustLoad(t, m, first, second)

	_, err := m.ActivateSet(ctx, []string{"first", "second"})
	if xerrors.CodeOf(err) != xerrors.CodeCanceled {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if first.activated.Load() != 1 || first.deactivated.Load() != 1 {
		t.Fatalf("first must complete its activation and then be rolled back")
	}
	if second.activated.Load() != 0 {
		t.Fatalf("second must not start after cancellation")
	}
	mustState(t, m, "first", StateRegistered)
}

func TestPanicDuringActivationFailsPlugin(t *testing.T) {
	m := newTestManager(t)
	p := newFake("panicky")
	p.onActivate = func(context.Context, Registrar) error { panic("bad plugin") }
	mustLoad(t, m, p)

	_, err := m.Activate(context.Background(), "panicky")
	if !errors.Is(err, ErrActivationFailed) {
		t.Fatalf("expected activation failure, got %v", err)
	}
	mustState(t, m, "panicky", StateFailed)
}

func TestRegistrarRules(t *testing.T) {
	m := newTestManager(t)
	var kept Registrar
	p := newFake("sneaky").withTools("declared")
	p.onActivate = func(_ context.Context, reg Registrar) error {
		kept = reg
		return reg.RegisterPrompt("undeclared", capability.Prompt{})
	}
	mustLoad(t, m, p)

	_, err := m.Activate(context.Background(), "sneaky")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("undeclared registration must fail, got %v", err)
	}
	if err := kept.RegisterTool("declared", capability.Tool{}); !errors.Is(err, ErrRegistrationClosed) {
		t.Fatalf("registration after activation must fail, got %v", err)
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("registry must stay empty")
	}
}

func TestDeactivateBlockedAndCascade(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m,
		newFake("A", requires("B")).withTools("a"),
		newFake("B", requires("C")).withTools("b"),
		newFake("C").withTools("c"),
		newFake("D", requires("C")),
	)
	for _, id := range []string{"A", "D"} {
		if _, err := m.Activate(context.Background(), id); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}

	_, err := m.Deactivate(context.Background(), "C", false)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || !slices.Equal(blocked.Dependents, []string{"B", "D"}) {
		t.Fatalf("expected blocked by [B D], got %v", err)
	}
	mustState(t, m, "C", StateActive)

	done, err := m.Deactivate(context.Background(), "C", true)
	if err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if !slices.Equal(done, []string{"D", "A", "B", "C"}) {
		t.Fatalf("unexpected cascade order %v", done)
	}
	if m.Registry().Len() != 0 || len(m.Active()) != 0 {
		t.Fatalf("cascade must release everything")
	}
}

func TestDeactivationFailureKeepsPluginActive(t *testing.T) {
	m := newTestManager(t)
	p := newFake("stubborn").withTools("hold")
	p.onDeactive = func(context.Context) error { return errors.New("busy") }
	mustLoad(t, m, p)
	if _, err := m.Activate(context.Background(), "stubborn"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	_, err := m.Deactivate(context.Background(), "stubborn", false)
	if !errors.Is(err, ErrDeactivationFailed) {
		t.Fatalf("expected deactivation failure, got %v", err)
	}
	mustState(t, m, "stubborn", StateActive)
	if _, err := m.Registry().Lookup(capability.KindTool, "hold"); err != nil {
		t.Fatalf("capabilities must remain registered: %v", err)
	}
	snap, _ := m.Snapshot("stubborn")
	if snap.LastError == "" {
		t.Fatalf("last error must be recorded")
	}
}

func TestUnloadLifecycle(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m, newFake("lib"), newFake("app", requires("lib")))
	if _, err := m.Activate(context.Background(), "lib"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	var transition *TransitionError
	if err := m.Unload("lib"); !errors.As(err, &transition) {
		t.Fatalf("unloading an active plugin must fail, got %v", err)
	}
	if _, err := m.Deactivate(context.Background(), "lib", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := m.Unload("lib"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	mustState(t, m, "lib", StateUnloaded)

	if _, err := m.Activate(context.Background(), "app"); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("unloaded dependency must be missing, got %v", err)
	}
	if err := m.Load(newFake("lib")); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := m.Activate(context.Background(), "app"); err != nil {
		t.Fatalf("activate after reload: %v", err)
	}
}

func TestLoadRejectsActiveReplacement(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m, newFake("p"))
	if err := m.Load(newFake("p")); err != nil {
		t.Fatalf("reloading a registered plugin refreshes metadata: %v", err)
	}
	if _, err := m.Activate(context.Background(), "p"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := m.Load(newFake("p")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestIsolationPolicyDeniesKinds(t *testing.T) {
	m, err := NewManager(nil, ManagerConfig{Defaults: IsolationPolicy{DeniedKinds: []capability.Kind{capability.KindSampling}}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	p := newFake("sampler")
	p.info.Capabilities = []CapabilitySet{{Kind: capability.KindSampling, Names: []string{"complete"}}}
	if err := m.Load(p); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}

	allowed := IsolationPolicy{AllowedKinds: []capability.Kind{capability.KindSampling}}
	err = m.LoadWith(p, LoadSpec{Policy: &IsolationPolicy{AllowedKinds: allowed.AllowedKinds, DeniedKinds: []capability.Kind{capability.KindPrompt}}})
	if err != nil {
		t.Fatalf("plugin-specific policy should override defaults: %v", err)
	}
}

func TestLoadFileUsesLoaderAndConfig(t *testing.T) {
	p := newFake("from-disk")
	var gotPath string
	loader := LoaderFunc(func(path string) (Plugin, error) {
		gotPath = path
		return p, nil
	})
	cfg := ManagerConfig{
		PluginDir: "/opt/plumcp/plugins",
		Plugins: map[string]PluginConfig{
			"from-disk": {Enabled: true, Path: "disk.so", Config: map[string]any{"root": "/tmp"}},
			"disabled":  {Enabled: false},
		},
	}
	m, err := NewManager(nil, cfg, WithLoader(loader))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if gotPath != "/opt/plumcp/plugins/disk.so" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if p.configured["root"] != "/tmp" {
		t.Fatalf("plugin configuration not applied: %v", p.configured)
	}
	mustState(t, m, "from-disk", StateRegistered)
	if err := m.LoadFile("", LoadSpec{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty path must be rejected, got %v", err)
	}
}

func TestEventsArePublishedOutsideTheLock(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m, newFake("lib"), newFake("app", requires("lib")))

	var seen []EventType
	var active [][]string
	unsubscribe := m.Subscribe(func(ev Event) {
		seen = append(seen, ev.Type)
		// Calling back into the manager must not deadlock.
		active = append(active, m.Active())
	})
	if _, err := m.Activate(context.Background(), "app"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	unsubscribe()
	if _, err := m.Deactivate(context.Background(), "app", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if !slices.Equal(seen, []EventType{EventActivated, EventActivated}) {
		t.Fatalf("unexpected events %v", seen)
	}
	if len(active) != 2 || len(active[0]) != 2 {
		t.Fatalf("handlers should observe the final state, got %v", active)
	}
}

func TestRestoreActivatesRecordedPlugins(t *testing.T) {
	m := newTestManager(t)
	mustLoad(t, m, newFake("lib"), newFake("app", requires("lib")), newFake("orphan", requires("gone")))

	restored, err := m.Restore(context.Background(), []string{"app", "orphan", "app"})
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected orphan failure to be reported, got %v", err)
	}
	if !slices.Equal(restored, []string{"lib", "app"}) {
		t.Fatalf("unexpected restored set %v", restored)
	}
}

func TestShutdownDeactivatesDependentsFirst(t *testing.T) {
	m := newTestManager(t)
	var order []string
	mk := func(id string, deps ...Dependency) *fakePlugin {
		p := newFake(id, deps...)
		p.onDeactive = func(context.Context) error {
			order = append(order, id)
			return nil
		}
		return p
	}
	mustLoad(t, m, mk("core"), mk("mid", requires("core")), mk("top", requires("mid")))
	if _, err := m.Activate(context.Background(), "top"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !slices.Equal(order, []string{"top", "mid", "core"}) {
		t.Fatalf("unexpected shutdown order %v", order)
	}
}
