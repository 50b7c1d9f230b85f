package supervise

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RequirementResolver reports whether a declared external package
// requirement can be satisfied. The host injects a resolver that knows
// which packages it compiled in or can reach.
type RequirementResolver interface {
	Resolvable(name string) bool
}

// PackageSet is a RequirementResolver backed by an explicit set of
// available package names, maintained by the host.
type PackageSet struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewPackageSet creates a set pre-populated with the given names.
func NewPackageSet(names ...string) *PackageSet {
	s := &PackageSet{set: make(map[string]struct{}, len(names))}
	for _, name := range names {
		s.set[name] = struct{}{}
	}
	return s
}

// Add registers a package as available.
func (s *PackageSet) Add(name string) {
	s.mu.Lock()
	s.set[name] = struct{}{}
	s.mu.Unlock()
}

// Resolvable implements RequirementResolver.
func (s *PackageSet) Resolvable(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[name]
	return ok
}

// ManagerOption configures a ModuleManager at construction.
type ManagerOption func(*ModuleManager)

// WithFlagManager wires the flag manager consulted before loads and
// notified of failures.
func WithFlagManager(flags *FlagManager) ManagerOption {
	return func(m *ModuleManager) { m.flags = flags }
}

// WithFallbackManager wires the recovery-handler registry invoked when
// setup or cleanup fails.
func WithFallbackManager(fallbacks *FallbackManager) ManagerOption {
	return func(m *ModuleManager) { m.fallbacks = fallbacks }
}

// WithProfiler instruments setup and cleanup calls.
func WithProfiler(profiler *Profiler) ManagerOption {
	return func(m *ModuleManager) { m.profiler = profiler }
}

// WithRequirementResolver replaces the default empty package set.
func WithRequirementResolver(resolver RequirementResolver) ManagerOption {
	return func(m *ModuleManager) { m.resolver = resolver }
}

// WithSubject wires the event bus used for lifecycle events.
func WithSubject(subject Subject) ManagerOption {
	return func(m *ModuleManager) { m.subject = subject }
}

// WithMetrics wires the metrics sink.
func WithMetrics(metrics MetricsSink) ManagerOption {
	return func(m *ModuleManager) { m.metrics = metrics }
}

// WithMinModuleVersion sets the version gate for modules implementing
// Versioned. Empty disables the gate.
func WithMinModuleVersion(version string) ManagerOption {
	return func(m *ModuleManager) { m.minVersion = version }
}

// ModuleManager owns the authoritative state of every module: load,
// unload, pause, resume. It resolves external package requirements,
// demotes modules with missing prerequisites into safe mode instead of
// crashing, and records load order for later inspection.
//
// All state mutation funnels through the manager's mutex-guarded public
// operations, so the background monitors may call in from their own
// goroutines without additional coordination. User-supplied code
// (factories, Setup, Cleanup, fallback handlers, event observers) always
// runs with the mutex released, so callbacks may call back into the
// manager and slow setups never block reads or pause/resume. Nothing in
// the load or unload path propagates a panic or error past the public
// API: failures surface as boolean results plus a log line.
type ModuleManager struct {
	mu        sync.Mutex
	host      Host
	logger    Logger
	factories map[string]ModuleFactory
	modules   map[string]Module // live registry, StateLoaded only
	paused    map[string]Module // instances parked by PauseModule
	states    map[string]ModuleState
	configs   map[string]ModuleConfig
	loading   map[string]struct{} // names with a load in flight, reserved outside the lock
	order     []string            // names of currently loaded/paused modules, in load order
	names     []string            // every name ever touched, in first-touch order

	flags      *FlagManager
	fallbacks  *FallbackManager
	profiler   *Profiler
	resolver   RequirementResolver
	subject    Subject
	metrics    MetricsSink
	minVersion string
}

// NewModuleManager creates a manager for the given host. The logger is
// required; collaborators are wired through options and may be omitted,
// in which case the corresponding behavior (flag checks, fallbacks,
// profiling, events, metrics) is skipped.
func NewModuleManager(host Host, logger Logger, opts ...ManagerOption) *ModuleManager {
	m := &ModuleManager{
		host:      host,
		logger:    logger,
		factories: make(map[string]ModuleFactory),
		modules:   make(map[string]Module),
		paused:    make(map[string]Module),
		states:    make(map[string]ModuleState),
		configs:   make(map[string]ModuleConfig),
		loading:   make(map[string]struct{}),
		resolver:  NewPackageSet(),
		metrics:   NopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterFactory registers the constructor for a module name. The
// factory stands in for dynamic import; loading an unregistered name
// fails without touching any state.
func (m *ModuleManager) RegisterFactory(name string, factory ModuleFactory) {
	m.mu.Lock()
	m.factories[name] = factory
	m.mu.Unlock()
}

// LoadModule drives name from UNLOADED to LOADED. Flagged modules are
// refused immediately. Missing requirements demote the module to
// SAFE_MODE, flag it, and return false without invoking Setup. A Setup
// error activates the module's fallback handler, flags the module, and
// returns false. The method never panics past the API boundary.
func (m *ModuleManager) LoadModule(ctx context.Context, name string, cfg ModuleConfig) bool {
	return m.loadModule(ctx, name, cfg, false)
}

// ForceLoadModule loads name even when it carries an anomaly flag. All
// other load semantics are unchanged.
func (m *ModuleManager) ForceLoadModule(ctx context.Context, name string, cfg ModuleConfig) bool {
	return m.loadModule(ctx, name, cfg, true)
}

// loadModule runs in two phases so user-supplied code never executes
// under the manager's mutex: the name is reserved in the loading set
// while the checks run, then factory, requirement probing, and Setup
// execute unlocked, and the result is committed (or abandoned) in a
// second critical section. The reservation keeps a second load of the
// same name from racing the in-flight one.
func (m *ModuleManager) loadModule(ctx context.Context, name string, cfg ModuleConfig, override bool) (ok bool) {
	reserved := false
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic during module load", "module", name, "panic", r)
			ok = false
		}
		if reserved {
			m.mu.Lock()
			delete(m.loading, name)
			m.mu.Unlock()
		}
	}()

	m.mu.Lock()
	m.touch(name)

	if _, loaded := m.modules[name]; loaded {
		m.mu.Unlock()
		m.logger.Warn("Module already loaded", "module", name)
		return true
	}
	if _, parked := m.paused[name]; parked {
		m.mu.Unlock()
		m.logger.Warn("Module is paused; resume it instead of loading", "module", name)
		return false
	}
	if _, busy := m.loading[name]; busy {
		m.mu.Unlock()
		m.logger.Warn("Module load already in progress", "module", name)
		return false
	}

	if !cfg.Enabled {
		m.mu.Unlock()
		m.logger.Debug("Module disabled by configuration, skipping load", "module", name)
		return false
	}

	if !override && m.flags != nil && m.flags.IsFlagged(name) {
		reason, _ := m.flags.FlagReason(name)
		m.mu.Unlock()
		m.logger.Warn("Refusing to load flagged module", "module", name, "reason", reason)
		m.metrics.RecordLoad(name, "failure")
		return false
	}

	factory, exists := m.factories[name]
	if !exists {
		m.mu.Unlock()
		m.logger.Error("No factory registered for module", "module", name)
		m.metrics.RecordLoad(name, "failure")
		return false
	}
	m.loading[name] = struct{}{}
	reserved = true
	m.mu.Unlock()

	mod := factory()

	if missing := m.missingRequirements(mod); len(missing) > 0 {
		m.setState(name, StateSafeMode)
		m.logger.Error("Module entering safe mode: missing requirements",
			"module", name, "missing", strings.Join(missing, ","))
		if m.flags != nil {
			m.flags.Flag(name, "missing required packages: "+strings.Join(missing, ","))
		}
		m.metrics.RecordLoad(name, "safe_mode")
		m.metrics.SetModuleState(name, StateSafeMode)
		emitEvent(ctx, m.subject, m.logger, EventTypeModuleSafeMode, "module-manager",
			map[string]any{"module": name, "missing": missing})
		return false
	}

	if v, versioned := mod.(Versioned); versioned && m.minVersion != "" {
		if compareVersions(v.Version(), m.minVersion) < 0 {
			m.logger.Error("Module version below required minimum",
				"module", name, "version", v.Version(), "minimum", m.minVersion)
			m.metrics.RecordLoad(name, "failure")
			return false
		}
	}

	setup := func(ctx context.Context) error {
		return mod.Setup(ctx, m.host, cfg.Config)
	}
	if m.profiler != nil {
		setup = m.profiler.Profile(name, "setup", setup)
	}
	if err := setup(ctx); err != nil {
		m.setState(name, StateUnloaded)
		m.logger.Error("Module setup failed", "module", name, "error", err)
		if m.fallbacks != nil {
			m.fallbacks.Activate(ctx, name, err)
		}
		if m.flags != nil {
			m.flags.Flag(name, "setup failed: "+err.Error())
		}
		m.metrics.RecordLoad(name, "failure")
		m.metrics.SetModuleState(name, StateUnloaded)
		return false
	}

	m.mu.Lock()
	m.modules[name] = mod
	m.states[name] = StateLoaded
	m.configs[name] = cfg
	m.order = append(m.order, name)
	m.mu.Unlock()

	m.metrics.RecordLoad(name, "success")
	m.metrics.SetModuleState(name, StateLoaded)
	m.logger.Info("Module loaded", "module", name, "priority", cfg.Priority)
	emitEvent(ctx, m.subject, m.logger, EventTypeModuleLoaded, "module-manager",
		map[string]any{"module": name, "priority": cfg.Priority})
	return true
}

// UnloadModule drives name from LOADED (or PAUSED) back to UNLOADED.
// Cleanup errors are routed to the fallback handler, but the module is
// removed from the registry regardless: a teardown failure must not
// leak a zombie entry.
func (m *ModuleManager) UnloadModule(ctx context.Context, name string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic during module unload", "module", name, "panic", r)
			ok = false
		}
	}()

	m.mu.Lock()
	mod, loaded := m.modules[name]
	if !loaded {
		mod, loaded = m.paused[name]
	}
	if !loaded {
		m.mu.Unlock()
		m.logger.Warn("Module not loaded, nothing to unload", "module", name)
		return false
	}

	// Remove before cleanup so a failing teardown cannot leave the
	// instance reachable, then release the lock: Cleanup and the fallback
	// handler are user code and may call back into the manager.
	delete(m.modules, name)
	delete(m.paused, name)
	m.removeFromOrder(name)
	m.states[name] = StateUnloaded
	m.mu.Unlock()

	m.metrics.SetModuleState(name, StateUnloaded)

	cleanup := func(ctx context.Context) error {
		return mod.Cleanup(ctx)
	}
	if m.profiler != nil {
		cleanup = m.profiler.Profile(name, "cleanup", cleanup)
	}
	if err := cleanup(ctx); err != nil {
		m.logger.Error("Module cleanup failed", "module", name, "error", err)
		if m.fallbacks != nil {
			m.fallbacks.Activate(ctx, name, err)
		}
	}

	m.logger.Info("Module unloaded", "module", name)
	emitEvent(ctx, m.subject, m.logger, EventTypeModuleUnloaded, "module-manager",
		map[string]any{"module": name})
	return true
}

// PauseModule removes a loaded module's instance from the live registry
// without invoking cleanup. The instance and its configuration are
// retained so ResumeModule is cheap. Used by resource-pressure
// throttling.
func (m *ModuleManager) PauseModule(ctx context.Context, name string) error {
	m.mu.Lock()
	mod, loaded := m.modules[name]
	if !loaded {
		m.mu.Unlock()
		return ErrModuleNotLoaded
	}
	delete(m.modules, name)
	m.paused[name] = mod
	m.states[name] = StatePaused
	m.mu.Unlock()

	m.metrics.SetModuleState(name, StatePaused)
	m.logger.Info("Module paused", "module", name)
	emitEvent(ctx, m.subject, m.logger, EventTypeModulePaused, "module-manager",
		map[string]any{"module": name})
	return nil
}

// ResumeModule reinstates a paused module into the live registry without
// re-invoking Setup. Resume is unconditional: whether the module's quota
// is still exceeded is re-evaluated by the ResourceLimiter on its next
// sampling pass.
func (m *ModuleManager) ResumeModule(ctx context.Context, name string) error {
	m.mu.Lock()
	mod, parked := m.paused[name]
	if !parked {
		m.mu.Unlock()
		return ErrModuleNotPaused
	}
	delete(m.paused, name)
	m.modules[name] = mod
	m.states[name] = StateLoaded
	m.mu.Unlock()

	m.metrics.SetModuleState(name, StateLoaded)
	m.logger.Info("Module resumed", "module", name)
	emitEvent(ctx, m.subject, m.logger, EventTypeModuleResumed, "module-manager",
		map[string]any{"module": name})
	return nil
}

// ReloadModule unloads and reloads name with its retained configuration.
// Like LoadModule it refuses flagged modules.
func (m *ModuleManager) ReloadModule(ctx context.Context, name string) bool {
	m.mu.Lock()
	cfg, known := m.configs[name]
	m.mu.Unlock()
	if !known {
		m.logger.Warn("No retained config for module, cannot reload", "module", name)
		return false
	}
	if !m.UnloadModule(ctx, name) {
		return false
	}
	return m.LoadModule(ctx, name, cfg)
}

// LoadModules loads a batch in ascending priority order, ties broken by
// input order, awaiting each load before starting the next. The final
// state iteration order therefore equals load order, which dependency-
// sensitive modules rely on. Loading stops at the first failure and the
// names loaded so far are returned alongside the overall result.
func (m *ModuleManager) LoadModules(ctx context.Context, configs []NamedConfig) ([]string, bool) {
	ordered := make([]NamedConfig, len(configs))
	copy(ordered, configs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Config.Priority < ordered[j].Config.Priority
	})

	loaded := make([]string, 0, len(ordered))
	for _, nc := range ordered {
		if !m.LoadModule(ctx, nc.Name, nc.Config) {
			return loaded, false
		}
		loaded = append(loaded, nc.Name)
	}
	return loaded, true
}

// State returns the current lifecycle state of name. Unknown names are
// UNLOADED.
func (m *ModuleManager) State(name string) ModuleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[name]
}

// ModuleStates returns a snapshot of every known module's status in
// first-touch order; for a batch where every load succeeded this equals
// the ascending-priority load order.
func (m *ModuleManager) ModuleStates() []ModuleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModuleStatus, 0, len(m.names))
	for _, name := range m.names {
		status := ModuleStatus{Name: name, State: m.states[name]}
		if mod, ok := m.instanceLocked(name); ok {
			if v, versioned := mod.(Versioned); versioned {
				status.Version = v.Version()
			}
		}
		out = append(out, status)
	}
	return out
}

// LoadOrder returns the names of currently loaded or paused modules in
// the order they were loaded.
func (m *ModuleManager) LoadOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// ActiveModules returns a snapshot of the live registry (loaded modules
// only; paused modules are invisible to the monitors). Callers hold the
// returned references only for the duration of a single sampling pass.
func (m *ModuleManager) ActiveModules() []Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Module, 0, len(m.order))
	for _, name := range m.order {
		if mod, ok := m.modules[name]; ok {
			out = append(out, mod)
		}
	}
	return out
}

// LoadedModuleNames returns the names in the live registry in load
// order.
func (m *ModuleManager) LoadedModuleNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.order))
	for _, name := range m.order {
		if _, ok := m.modules[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Config returns the retained load configuration for name.
func (m *ModuleManager) Config(name string) (ModuleConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[name]
	return cfg, ok
}

// SendEvent delivers a structured event to a loaded module implementing
// EventHandler. The boolean reports whether the module consumed it.
func (m *ModuleManager) SendEvent(ctx context.Context, name string, event ModuleEvent) (bool, error) {
	m.mu.Lock()
	mod, loaded := m.modules[name]
	m.mu.Unlock()
	if !loaded {
		return false, ErrModuleNotLoaded
	}
	handler, ok := mod.(EventHandler)
	if !ok {
		return false, nil
	}
	return handler.HandleEvent(ctx, event)
}

// HealthCheckAll runs the health check of every loaded module that
// implements HealthCheckable and returns the per-module outcome.
func (m *ModuleManager) HealthCheckAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for _, mod := range m.ActiveModules() {
		hc, ok := mod.(HealthCheckable)
		if !ok {
			continue
		}
		results[mod.Name()] = hc.HealthCheck(ctx) == nil
	}
	return results
}

// Shutdown unloads every module in reverse load order. It returns
// ErrShutdownTimeout if the context expires before the registry is
// empty.
func (m *ModuleManager) Shutdown(ctx context.Context) error {
	names := m.LoadOrder()
	for i := len(names) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			return ErrShutdownTimeout
		default:
		}
		m.UnloadModule(ctx, names[i])
	}
	return nil
}

// Host returns the host handle modules were set up with.
func (m *ModuleManager) Host() Host {
	return m.host
}

// setState records a state transition for a name without an instance.
func (m *ModuleManager) setState(name string, state ModuleState) {
	m.mu.Lock()
	m.states[name] = state
	m.mu.Unlock()
}

// touch records name in first-touch order. Callers hold m.mu.
func (m *ModuleManager) touch(name string) {
	if _, known := m.states[name]; known {
		return
	}
	m.states[name] = StateUnloaded
	m.names = append(m.names, name)
}

// instanceLocked finds the live or paused instance. Callers hold m.mu.
func (m *ModuleManager) instanceLocked(name string) (Module, bool) {
	if mod, ok := m.modules[name]; ok {
		return mod, true
	}
	mod, ok := m.paused[name]
	return mod, ok
}

// removeFromOrder drops name from the load-order record. Callers hold
// m.mu.
func (m *ModuleManager) removeFromOrder(name string) {
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// missingRequirements returns the declared requirements the resolver
// cannot satisfy. The resolver is fixed at construction, so no lock is
// needed; mod is the caller's private instance.
func (m *ModuleManager) missingRequirements(mod Module) []string {
	ra, ok := mod.(RequirementAware)
	if !ok {
		return nil
	}
	var missing []string
	for _, pkg := range ra.Requires() {
		if m.resolver == nil || !m.resolver.Resolvable(pkg) {
			missing = append(missing, pkg)
		}
	}
	return missing
}

// compareVersions compares dotted numeric version strings, returning -1,
// 0, or 1. Missing segments count as zero; non-numeric segments compare
// lexically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr != nil || berr != nil {
			if av < bv {
				return -1
			}
			if av > bv {
				return 1
			}
			continue
		}
		if an < bn {
			return -1
		}
		if an > bn {
			return 1
		}
	}
	return 0
}
