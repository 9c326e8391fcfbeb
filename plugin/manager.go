package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/internal/metrics"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
	"github.com/ferro-labs/hook-gateway/plugin/policy"
)

// ErrPluginTimeout is the error recorded when a plugin exceeds
// plugin_timeout.
var ErrPluginTimeout = errors.New("plugin timed out")

// ErrUnknownPlugin is returned by InvokeForPlugin for a name that is not
// loaded.
var ErrUnknownPlugin = errors.New("unknown plugin")

type entry struct {
	cfg     Config
	runtime Runtime
	order   int
}

// state is the immutable snapshot a Manager swaps on Load.
type state struct {
	settings Settings
	timeout  time.Duration
	entries  []*entry
	byName   map[string]*entry
	resolver *Resolver
	routes   []HookRule
}

// Option configures a Manager.
type Option func(*Manager)

// WithMatcher sets the matcher used for user_patterns and content_types.
func WithMatcher(m Matcher) Option {
	return func(mgr *Manager) { mgr.matcher = m }
}

// WithEvaluator shares a policy evaluator (and its parse cache).
func WithEvaluator(ev *policy.Evaluator) Option {
	return func(mgr *Manager) { mgr.eval = ev }
}

// WithRemoteOptions sets connection and breaker tuning for external plugins.
func WithRemoteOptions(o RemoteOptions) Option {
	return func(mgr *Manager) { mgr.remote = o }
}

// Manager runs plugins for hook invocations.
type Manager struct {
	registry *hooks.Registry
	matcher  Matcher
	eval     *policy.Evaluator
	remote   RemoteOptions

	mu sync.RWMutex
	st *state
}

// NewManager creates a Manager with no plugins and default settings.
func NewManager(registry *hooks.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		matcher:  GlobMatcher,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.eval == nil {
		m.eval = policy.NewEvaluator(policy.DefaultCacheSize)
	}
	settings := Settings{}.WithDefaults()
	m.st = &state{
		settings: settings,
		timeout:  time.Duration(settings.PluginTimeout) * time.Second,
		byName:   map[string]*entry{},
	}
	return m
}

// Registry returns the hook registry the manager validates against.
func (m *Manager) Registry() *hooks.Registry { return m.registry }

// Load validates cfg, instantiates every plugin and replaces the current
// plugin set. On error the current set is left untouched. Runtimes of the
// replaced set are closed.
func (m *Manager) Load(ctx context.Context, cfg ManagerConfig) error {
	if err := cfg.Validate(m.registry); err != nil {
		return fmt.Errorf("invalid plugin config: %w", err)
	}
	settings := cfg.Settings.WithDefaults()

	st := &state{
		settings: settings,
		timeout:  time.Duration(settings.PluginTimeout) * time.Second,
		byName:   make(map[string]*entry, len(cfg.Plugins)),
		routes:   cfg.Routes,
	}
	if len(cfg.Routes) > 0 {
		res, err := NewResolver(cfg.Routes, settings.RuleMergeStrategy, m.eval)
		if err != nil {
			return err
		}
		st.resolver = res
	}

	for i := range cfg.Plugins {
		pc := cfg.Plugins[i]
		rt, err := m.newRuntime(pc)
		if err != nil {
			closeEntries(st.entries)
			return err
		}
		e := &entry{cfg: pc, runtime: rt, order: len(st.entries)}
		st.entries = append(st.entries, e)
		st.byName[pc.Name] = e
	}

	m.mu.Lock()
	old := m.st
	m.st = st
	m.mu.Unlock()
	closeEntries(old.entries)

	logging.FromContext(ctx).Info("plugins loaded",
		"plugins", len(st.entries), "routes", len(cfg.Routes),
		"parallel", settings.ParallelExecutionWithinBand, "timeout_s", settings.PluginTimeout)
	return nil
}

func (m *Manager) newRuntime(cfg Config) (Runtime, error) {
	if cfg.Kind == KindExternal {
		return NewRemoteRuntime(cfg, m.registry, nil, m.remote)
	}
	factory, ok := GetFactory(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("plugin %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
	p := factory()
	if err := p.Init(cfg.Config); err != nil {
		return nil, fmt.Errorf("plugin %q: init: %w", cfg.Name, err)
	}
	return NewLocalRuntime(p), nil
}

// Register adds an already constructed plugin, for embedding the engine
// without factories. Kind may be empty.
func (m *Manager) Register(cfg Config, p Plugin) error {
	if cfg.Name == "" {
		return fmt.Errorf("plugin: name is required")
	}
	if cfg.Kind == "" {
		cfg.Kind = p.Name()
	}
	if err := validateCommon(&cfg, m.registry); err != nil {
		return err
	}
	return m.add(cfg, NewLocalRuntime(p))
}

// RegisterRemote adds an external plugin reached through dial.
func (m *Manager) RegisterRemote(cfg Config, dial Dialer) error {
	cfg.Kind = KindExternal
	if err := validateCommon(&cfg, m.registry); err != nil {
		return err
	}
	rt, err := NewRemoteRuntime(cfg, m.registry, dial, m.remote)
	if err != nil {
		return err
	}
	return m.add(cfg, rt)
}

func (m *Manager) add(cfg Config, rt Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.st.byName[cfg.Name]; dup {
		return fmt.Errorf("plugin %q: duplicate name", cfg.Name)
	}
	st := *m.st
	st.entries = append(append([]*entry(nil), m.st.entries...), &entry{cfg: cfg, runtime: rt, order: len(m.st.entries)})
	st.byName = make(map[string]*entry, len(st.entries))
	for _, e := range st.entries {
		st.byName[e.cfg.Name] = e
	}
	m.st = &st
	logging.Logger.Info("plugin registered", "name", cfg.Name, "kind", cfg.Kind, "hooks", cfg.Hooks)
	return nil
}

// Configure replaces settings and routes, keeping the loaded plugins.
func (m *Manager) Configure(settings Settings, routes []HookRule) error {
	m.mu.RLock()
	names := make(map[string]bool, len(m.st.byName))
	for n := range m.st.byName {
		names[n] = true
	}
	m.mu.RUnlock()

	if err := settings.Validate(); err != nil {
		return err
	}
	for i := range routes {
		if err := validateRule(i, &routes[i], m.registry, names); err != nil {
			return err
		}
	}
	settings = settings.WithDefaults()
	var res *Resolver
	if len(routes) > 0 {
		var err error
		if res, err = NewResolver(routes, settings.RuleMergeStrategy, m.eval); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := *m.st
	st.settings = settings
	st.timeout = time.Duration(settings.PluginTimeout) * time.Second
	st.routes = routes
	st.resolver = res
	m.st = &st
	return nil
}

func (m *Manager) snapshot() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

// Settings returns the effective settings.
func (m *Manager) Settings() Settings { return m.snapshot().settings }

// Routes returns the configured routing rules.
func (m *Manager) Routes() []HookRule { return m.snapshot().routes }

// Plugins returns the loaded plugin configs in registration order. For
// external plugins, descriptive fields reported by the server fill gaps in
// the local config.
func (m *Manager) Plugins() []Config {
	st := m.snapshot()
	out := make([]Config, 0, len(st.entries))
	for _, e := range st.entries {
		if rr, ok := e.runtime.(*RemoteRuntime); ok {
			out = append(out, rr.Info())
			continue
		}
		out = append(out, e.cfg)
	}
	return out
}

// Plugin returns the config of one loaded plugin.
func (m *Manager) Plugin(name string) (Config, bool) {
	e, ok := m.snapshot().byName[name]
	if !ok {
		return Config{}, false
	}
	return e.cfg, true
}

// HasHooksFor reports whether any enabled plugin declares hook.
func (m *Manager) HasHooksFor(hook string) bool {
	for _, e := range m.snapshot().entries {
		if e.cfg.EffectiveMode() != ModeDisabled && e.cfg.DeclaresHook(hook) {
			return true
		}
	}
	return false
}

// CheckHealth pings every external plugin and returns the failures keyed
// by plugin name.
func (m *Manager) CheckHealth(ctx context.Context) map[string]error {
	failures := map[string]error{}
	for _, e := range m.snapshot().entries {
		rr, ok := e.runtime.(*RemoteRuntime)
		if !ok || e.cfg.EffectiveMode() == ModeDisabled {
			continue
		}
		if err := rr.Ping(ctx); err != nil {
			failures[e.cfg.Name] = err
		}
	}
	return failures
}

// Shutdown closes every runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	old := m.st
	st := *old
	st.entries = nil
	st.byName = map[string]*entry{}
	m.st = &st
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- closeEntries(old.entries) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeEntries(entries []*entry) error {
	var errs []error
	for _, e := range entries {
		if err := e.runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close plugin %s: %w", e.cfg.Name, err))
		}
	}
	return errors.Join(errs...)
}

// InvokeForPlugin runs a single named plugin for hook with the engine's
// timeout and panic protection but no mode policy: the plugin's result or
// error is returned as is. The external plugin server uses it to serve
// plugins to remote gateways.
func (m *Manager) InvokeForPlugin(ctx context.Context, name, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error) {
	if err := m.registry.CheckPayload(hook, payload); err != nil {
		return nil, err
	}
	st := m.snapshot()
	e, ok := st.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	if !e.cfg.DeclaresHook(hook) {
		return nil, fmt.Errorf("plugin %s does not handle hook %s", name, hook)
	}
	if pctx == nil {
		pctx = NewContext(nil)
	}
	gctx := pctx.Global
	if gctx == nil {
		gctx = &GlobalContext{}
	}
	if gctx.RequestID == "" {
		gctx.RequestID = uuid.NewString()
	}
	if logging.TraceIDFromContext(ctx) == "" {
		ctx = logging.WithTraceID(ctx, gctx.RequestID)
	}

	inv := m.describe(hook, payload, gctx)
	c := &call{entry: e, mode: e.cfg.EffectiveMode()}
	o := m.runOne(ctx, st, inv, c, payload, gctx, pctx)
	if o.err != nil {
		metrics.PluginCalls.WithLabelValues(name, hook, "error").Inc()
		return nil, o.err
	}
	metrics.PluginCalls.WithLabelValues(name, hook, "success").Inc()
	if pctx.Global != nil {
		pctx.Global.mergeChanged(o.base, o.global)
	} else {
		pctx.Global = o.global
	}
	pctx.State = o.local.State
	pctx.Metadata = o.local.Metadata
	if o.res == nil {
		return hooks.Continue(), nil
	}
	return o.res, nil
}
