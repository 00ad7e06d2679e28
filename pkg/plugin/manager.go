package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/capability"
	"plumcp/pkg/logger"
)

// Configurable is implemented by plugins that accept a configuration block at load time.
type Configurable interface {
	Configure(cfg map[string]any) error
}

// LoadSpec carries the per-plugin settings applied by Load.
type LoadSpec struct {
	Config map[string]any
	Policy *IsolationPolicy
	// Source records where the plugin came from, e.g. "builtin" or a file path.
	Source string
}

// Manager keeps track of plugins and drives their lifecycle. All activation
// and deactivation work, including the capability registry writes it causes,
// runs under one lifecycle lock. Reads go through the record store and the
// registry without taking it.
type Manager struct {
	lifecycle sync.Mutex

	records   *store
	registry  *capability.Registry
	resolver  *Resolver
	loader    Loader
	isolation IsolationStrategy
	defaults  IsolationPolicy
	timeout   time.Duration
	events    hub
	log       *slog.Logger
	audit     *slog.Logger
	now       func() time.Time
}

// NewManager constructs a manager over registry and loads the shared-object
// plugins enabled in cfg.
func NewManager(registry *capability.Registry, cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "invalid plugin manager config")
	}
	if registry == nil {
		registry = capability.NewRegistry()
	}
	m := &Manager{
		records:  newStore(),
		registry: registry,
		loader:   GoPluginLoader{},
		defaults: cfg.Defaults,
		timeout:  cfg.ActivationTimeout,
		log:      logger.Named("plugin-manager"),
		audit:    logger.Audit(),
		now:      time.Now,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultActivationTimeout
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	m.resolver = NewResolver(m.records)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the capability registry the manager writes to.
func (m *Manager) Registry() *capability.Registry { return m.registry }

// Resolver returns a resolver over the manager's plugin records.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// ActivationTimeout returns the bound applied to each Activate call.
func (m *Manager) ActivationTimeout() time.Duration { return m.timeout }

// Subscribe registers fn for lifecycle events and returns a function that removes it.
func (m *Manager) Subscribe(fn Handler) func() {
	return m.events.subscribe(fn)
}

// run executes fn under the lifecycle lock and publishes the events it
// produced once the lock is released.
func (m *Manager) run(fn func(b *batch)) {
	var b batch
	m.lifecycle.Lock()
	fn(&b)
	m.lifecycle.Unlock()
	m.events.publish(b.events)
}

// Load registers p in the Registered state.
func (m *Manager) Load(p Plugin) error {
	return m.LoadWith(p, LoadSpec{Source: "manual"})
}

// LoadWith registers p with explicit settings. Loading an id that is
// Registered refreshes its metadata; an Unloaded id is loaded afresh.
func (m *Manager) LoadWith(p Plugin, spec LoadSpec) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	info := p.Info()
	if err := info.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin metadata")
	}
	policy := MergePolicies(m.defaults, spec.Policy)
	if err := m.isolation.Validate(info, policy); err != nil {
		return xerrors.Wrap(CodePolicyViolation, err, "plugin "+info.ID)
	}
	if c, ok := p.(Configurable); ok {
		cfg := maps.Clone(spec.Config)
		if cfg == nil {
			cfg = map[string]any{}
		}
		if err := c.Configure(cfg); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "configure plugin "+info.ID)
		}
	}

	var err error
	m.run(func(b *batch) {
		from := StateUnloaded
		if existing, ok := m.records.get(info.ID); ok {
			from = existing.state
			if !CanTransition(from, StateRegistered) {
				err = &TransitionError{PluginID: info.ID, From: from, To: StateRegistered}
				return
			}
		}
		now := m.now()
		m.records.put(&record{plugin: p, info: info, policy: policy, source: spec.Source, state: StateRegistered, updatedAt: now})
		m.audit.Info("plugin loaded", "plugin_id", info.ID, "version", info.Version, "source", spec.Source)
		b.add(Event{Type: EventLoaded, PluginID: info.ID, Version: info.Version, From: from, To: StateRegistered, At: now})
	})
	return err
}

// LoadFile loads a plugin implementation from disk and registers it.
func (m *Manager) LoadFile(path string, spec LoadSpec) error {
	if path == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "load plugin from "+path)
	}
	if spec.Source == "" {
		spec.Source = path
	}
	return m.LoadWith(p, spec)
}

// Unload moves a Registered or Failed plugin to Unloaded. Active plugins must
// be deactivated first.
func (m *Manager) Unload(id string) error {
	var err error
	m.run(func(b *batch) {
		rec, ok := m.records.get(id)
		if !ok {
			err = notFound(id)
			return
		}
		if rec.state == StateUnloaded {
			return
		}
		if !CanTransition(rec.state, StateUnloaded) {
			err = &TransitionError{PluginID: id, From: rec.state, To: StateUnloaded}
			return
		}
		m.transition(b, rec, StateUnloaded, EventUnloaded, nil, 0)
	})
	return err
}

// Activate activates id after its dependencies, in resolver order, and returns
// the plugins this call moved to Active. Activating an Active plugin is a
// no-op. A failure stops the sequence; plugins activated before it stay Active.
func (m *Manager) Activate(ctx context.Context, id string) ([]string, error) {
	var (
		activated []string
		err       error
	)
	m.run(func(b *batch) {
		if state, ok := m.records.state(id); ok && state == StateActive {
			return
		}
		var plan []string
		plan, err = m.resolver.Resolve([]string{id})
		if err != nil {
			return
		}
		for _, pid := range plan {
			if cerr := ctx.Err(); cerr != nil {
				err = canceled(cerr)
				return
			}
			var changed bool
			changed, err = m.activateOne(ctx, b, pid)
			if err != nil {
				return
			}
			if changed {
				activated = append(activated, pid)
			}
		}
	})
	return activated, err
}

// Activation is the outcome of ActivatePlan.
type Activation struct {
	// Plan is the resolved order of the requested ids and their dependencies.
	Plan []string
	// Activated lists the plugins this call moved to Active.
	Activated []string
	// Active lists the members of Plan that were Active when the call
	// released the lifecycle lock, in Plan order.
	Active []string
}

// ActivateSet activates ids and their dependencies as one unit and returns
// the plugins it moved to Active. See ActivatePlan.
func (m *Manager) ActivateSet(ctx context.Context, ids []string) ([]string, error) {
	act, err := m.ActivatePlan(ctx, ids)
	return act.Activated, err
}

// ActivatePlan activates ids and their dependencies as one unit. If any
// activation fails, or ctx is canceled between two activations, every plugin
// activated by this call is deactivated again in reverse order and only the
// error is returned. Ids that are already Active are left untouched, so
// optional dependencies loaded after their activation are not pulled in.
func (m *Manager) ActivatePlan(ctx context.Context, ids []string) (Activation, error) {
	var (
		act Activation
		err error
	)
	m.run(func(b *batch) {
		act.Plan, err = m.resolver.Resolve(ids)
		if err != nil {
			return
		}
		pending := make([]string, 0, len(ids))
		for _, id := range ids {
			if state, _ := m.records.state(id); state != StateActive {
				pending = append(pending, id)
			}
		}
		work := act.Plan
		if len(pending) < len(ids) {
			if len(pending) == 0 {
				work = nil
			} else if work, err = m.resolver.Resolve(pending); err != nil {
				return
			}
		}
		for _, pid := range work {
			if cerr := ctx.Err(); cerr != nil {
				err = canceled(cerr)
				break
			}
			var changed bool
			changed, err = m.activateOne(ctx, b, pid)
			if err != nil {
				break
			}
			if changed {
				act.Activated = append(act.Activated, pid)
			}
		}
		if err != nil {
			if rbErr := m.rollback(ctx, b, act.Activated); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return
		}
		for _, pid := range act.Plan {
			if state, _ := m.records.state(pid); state == StateActive {
				act.Active = append(act.Active, pid)
			}
		}
	})
	if err != nil {
		return Activation{}, err
	}
	return act, nil
}

func (m *Manager) rollback(ctx context.Context, b *batch, activated []string) error {
	ctx = context.WithoutCancel(ctx)
	var errs error
	for i := len(activated) - 1; i >= 0; i-- {
		if err := m.deactivateOne(ctx, b, activated[i]); err != nil {
			m.log.Error("rollback deactivation failed", "plugin_id", activated[i], "error", err)
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// activateOne moves a single plugin to Active. It reports whether the state changed.
func (m *Manager) activateOne(ctx context.Context, b *batch, id string) (bool, error) {
	rec, ok := m.records.get(id)
	if !ok {
		return false, notFound(id)
	}
	if rec.state == StateActive {
		return false, nil
	}
	if !CanTransition(rec.state, StateActivating) {
		return false, &TransitionError{PluginID: id, From: rec.state, To: StateActivating}
	}
	if err := m.isolation.Validate(rec.info, rec.policy); err != nil {
		return false, xerrors.Wrap(CodePolicyViolation, err, "plugin "+id)
	}

	start := m.now()
	m.transition(b, rec, StateActivating, "", nil, 0)

	fail := func(err error) (bool, error) {
		m.registry.UnregisterOwner(id)
		if cerr := m.isolation.Cleanup(rec.info); cerr != nil {
			m.log.Warn("isolation cleanup failed", "plugin_id", id, "error", cerr)
		}
		m.transition(b, rec, StateFailed, EventActivationFailed, err, m.now().Sub(start))
		return false, err
	}

	if err := preflight(m.registry, rec.info); err != nil {
		return fail(err)
	}
	if err := m.isolation.Prepare(rec.info); err != nil {
		return fail(xerrors.Wrap(CodePolicyViolation, err, "prepare isolation for "+id))
	}

	reg := newRegistrar(m.registry, rec.info)
	err := m.invoke(ctx, id, func(ctx context.Context) error {
		return rec.plugin.Activate(ctx, reg)
	})
	reg.seal()
	if errors.Is(err, errTimedOut) {
		return fail(&TimeoutError{PluginID: id, Timeout: m.timeout})
	}
	if err != nil {
		return fail(activationError(id, err))
	}
	if err := reg.registerDeclared(); err != nil {
		m.bestEffortDeactivate(ctx, rec)
		return fail(err)
	}

	m.transition(b, rec, StateActive, EventActivated, nil, m.now().Sub(start))
	return true, nil
}

func (m *Manager) bestEffortDeactivate(ctx context.Context, rec *record) {
	err := m.invoke(context.WithoutCancel(ctx), rec.info.ID, rec.plugin.Deactivate)
	if err != nil {
		m.log.Warn("deactivate after failed activation", "plugin_id", rec.info.ID, "error", err)
	}
}

// Deactivate deactivates id. If Active plugins require it, the call fails
// with a BlockedError unless cascade is set, in which case those dependents
// are deactivated first, innermost first. It returns the plugins deactivated
// in order. Deactivating a plugin that is not Active is a no-op.
func (m *Manager) Deactivate(ctx context.Context, id string, cascade bool) ([]string, error) {
	var (
		done []string
		err  error
	)
	m.run(func(b *batch) {
		state, ok := m.records.state(id)
		if !ok {
			err = notFound(id)
			return
		}
		if state != StateActive {
			return
		}
		targets := []string{id}
		if dependents := m.records.dependents(id); len(dependents) > 0 {
			if !cascade {
				err = &BlockedError{PluginID: id, Dependents: dependents}
				return
			}
			targets = m.dependentClosure(id)
		}
		done, err = m.deactivateAll(ctx, b, targets)
	})
	return done, err
}

// DeactivateSet deactivates every Active plugin in ids, dependents first. It
// fails without changes if an Active plugin outside ids requires one of them.
func (m *Manager) DeactivateSet(ctx context.Context, ids []string) ([]string, error) {
	var (
		done []string
		err  error
	)
	m.run(func(b *batch) {
		var targets []string
		for _, id := range ids {
			if state, ok := m.records.state(id); ok && state == StateActive {
				targets = append(targets, id)
			}
		}
		for _, id := range targets {
			var outside []string
			for _, dep := range m.records.dependents(id) {
				if !slices.Contains(targets, dep) {
					outside = append(outside, dep)
				}
			}
			if len(outside) > 0 {
				err = &BlockedError{PluginID: id, Dependents: outside}
				return
			}
		}
		done, err = m.deactivateAll(ctx, b, targets)
	})
	return done, err
}

// Shutdown deactivates every Active plugin, dependents first.
func (m *Manager) Shutdown(ctx context.Context) error {
	_, err := m.DeactivateSet(ctx, m.Active())
	return err
}

// dependentClosure returns id plus every Active plugin that transitively requires it.
func (m *Manager) dependentClosure(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range m.records.dependents(cur) {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// deactivateAll deactivates targets in reverse activation order.
func (m *Manager) deactivateAll(ctx context.Context, b *batch, targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	plan, err := m.resolver.Resolve(targets)
	if err != nil {
		return nil, err
	}
	var done []string
	for i := len(plan) - 1; i >= 0; i-- {
		id := plan[i]
		if !slices.Contains(targets, id) {
			continue
		}
		if cerr := ctx.Err(); cerr != nil {
			return done, canceled(cerr)
		}
		if err := m.deactivateOne(ctx, b, id); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}

// deactivateOne moves an Active plugin back to Registered. If the plugin's
// Deactivate fails it stays Active with its capabilities in place.
func (m *Manager) deactivateOne(ctx context.Context, b *batch, id string) error {
	rec, ok := m.records.get(id)
	if !ok {
		return notFound(id)
	}
	if rec.state != StateActive {
		return nil
	}
	start := m.now()
	m.transition(b, rec, StateDeactivating, "", nil, 0)

	err := m.invoke(ctx, id, rec.plugin.Deactivate)
	if err != nil {
		if errors.Is(err, errTimedOut) {
			err = xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("plugin %s did not deactivate within %s", id, m.timeout))
		}
		wrapped := xerrors.Wrap(CodeDeactivationFailed, err, "deactivate plugin "+id, xerrors.WithMetadata("plugin_id", id))
		m.transition(b, rec, StateActive, EventDeactivationFailed, wrapped, m.now().Sub(start))
		return wrapped
	}

	m.registry.UnregisterOwner(id)
	if cerr := m.isolation.Cleanup(rec.info); cerr != nil {
		m.log.Warn("isolation cleanup failed", "plugin_id", id, "error", cerr)
	}
	m.transition(b, rec, StateRegistered, EventDeactivated, nil, m.now().Sub(start))
	return nil
}

// Restore re-activates the given plugins one by one, typically the set a
// state store recorded as Active before a restart. Failures do not stop the
// remaining plugins; they are joined into the returned error.
func (m *Manager) Restore(ctx context.Context, ids []string) ([]string, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var (
		restored []string
		errs     error
	)
	for _, id := range slices.Compact(sorted) {
		activated, err := m.Activate(ctx, id)
		restored = append(restored, activated...)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("restore %s: %w", id, err))
		}
	}
	return restored, errs
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	state, ok := m.records.state(id)
	if !ok {
		return 0, notFound(id)
	}
	return state, nil
}

// Snapshot returns a copy of one plugin record.
func (m *Manager) Snapshot(id string) (StateSnapshot, error) {
	snap, ok := m.records.snapshot(id)
	if !ok {
		return StateSnapshot{}, notFound(id)
	}
	return snap, nil
}

// Snapshots returns copies of all plugin records in load order.
func (m *Manager) Snapshots() []StateSnapshot {
	return m.records.all()
}

// Active returns the ids of Active plugins, sorted.
func (m *Manager) Active() []string {
	return m.records.inState(StateActive)
}

// IsActive reports whether id is Active.
func (m *Manager) IsActive(id string) bool {
	state, ok := m.records.state(id)
	return ok && state == StateActive
}

func (m *Manager) transition(b *batch, rec *record, to State, evType EventType, cause error, d time.Duration) {
	from := rec.state
	now := m.now()
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	m.records.setState(rec.info.ID, to, lastErr, now)
	m.audit.Info("plugin transition",
		"plugin_id", rec.info.ID, "from", from.String(), "to", to.String(), "duration", d, "error", lastErr)
	if evType != "" {
		b.add(Event{Type: evType, PluginID: rec.info.ID, Version: rec.info.Version, From: from, To: to, Err: cause, Duration: d, At: now})
	}
}

var errTimedOut = errors.New("plugin call timed out")

// invoke runs fn bounded by the activation timeout. Cancellation of ctx is not
// propagated: a running call is only abandoned when the timeout elapses.
func (m *Manager) invoke(ctx context.Context, id string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("plugin %s panicked: %v", id, r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return errTimedOut
	}
}

func activationError(id string, err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeActivationFailed, err, "activate plugin "+id, xerrors.WithMetadata("plugin_id", id))
}

func canceled(err error) error {
	return xerrors.Wrap(xerrors.CodeCanceled, err, "plugin lifecycle canceled")
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	ids := slices.Sorted(maps.Keys(cfg.Plugins))
	for _, id := range ids {
		pluginCfg := cfg.Plugins[id]
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		spec := LoadSpec{Config: pluginCfg.Config, Policy: pluginCfg.Policy, Source: path}
		p, err := m.loader.Load(path)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "load plugin from "+path)
		}
		if got := p.Info().ID; got != id {
			return xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("plugin id mismatch: %s != %s", got, id))
		}
		if err := m.LoadWith(p, spec); err != nil {
			return err
		}
	}
	return nil
}
