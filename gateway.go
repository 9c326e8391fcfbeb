// Package hookgateway is the embeddable hook gateway: a plugin manager
// loaded from a Config, plus the surroundings the binaries need (config
// reload, violation audit trail, event hooks and periodic health checks of
// external plugin servers).
//
// Create a Gateway with New, then call Invoke around every tool, prompt,
// resource, agent or HTTP operation, passing the pre hook's returned
// context table into the matching post hook. Configs are loaded from YAML or
// JSON with [LoadConfig].
//
// Built-in plugin kinds and remote transports register themselves from
// init; import them for side effects to make them available to configs:
//
//	_ "github.com/ferro-labs/hook-gateway/internal/plugins/denylist"
//	_ "github.com/ferro-labs/hook-gateway/plugin/external"
package hookgateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ferro-labs/hook-gateway/internal/auditlog"
	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/internal/metrics"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// EventHookFunc is called asynchronously after a gateway event (hook
// completed or blocked, config reloaded).
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking gateway hooks.
const (
	SubjectHookCompleted  = "hooks.invocation.completed"
	SubjectHookBlocked    = "hooks.invocation.blocked"
	SubjectConfigReloaded = "gateway.config.reloaded"
)

// auditTimeout bounds one audit write.
const auditTimeout = 5 * time.Second

// Option configures a Gateway.
type Option func(*Gateway)

// WithRegistry replaces the standard hook registry, for embedders that
// register their own hooks.
func WithRegistry(r *hooks.Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// WithAuditWriter records every blocking violation to w.
func WithAuditWriter(w auditlog.Writer) Option {
	return func(g *Gateway) {
		if w != nil {
			g.audit = w
		}
	}
}

// WithManagerOptions passes options to the underlying plugin manager.
func WithManagerOptions(opts ...plugin.Option) Option {
	return func(g *Gateway) { g.managerOpts = append(g.managerOpts, opts...) }
}

// Gateway runs the configured plugins for hook invocations.
type Gateway struct {
	mu          sync.RWMutex
	config      Config
	registry    *hooks.Registry
	manager     *plugin.Manager
	managerOpts []plugin.Option
	audit       auditlog.Writer
	hooks       []EventHookFunc
}

// New validates cfg and creates a Gateway with its plugins loaded.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{audit: auditlog.NoopWriter{}}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = hooks.NewStandardRegistry()
	}
	g.manager = plugin.NewManager(g.registry, g.managerOpts...)
	if err := g.load(context.Background(), cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Manager returns the underlying plugin manager.
func (g *Gateway) Manager() *plugin.Manager { return g.manager }

// Registry returns the hook registry.
func (g *Gateway) Registry() *hooks.Registry { return g.registry }

// AddHook registers an EventHookFunc that is called asynchronously on each
// gateway event. Multiple hooks may be registered; all are invoked for
// every event.
func (g *Gateway) AddHook(fn EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// Invoke runs the plugins for one hook. gctx may be nil; TenantID and
// GatewayID default to the config metadata. Blocking violations are written
// to the audit log.
func (g *Gateway) Invoke(ctx context.Context, hook string, payload hooks.Payload, gctx *plugin.GlobalContext, locals plugin.ContextTable) (*hooks.Result, plugin.ContextTable, error) {
	if gctx == nil {
		gctx = &plugin.GlobalContext{}
	}
	meta := g.GetConfig().Metadata
	if gctx.TenantID == "" {
		gctx.TenantID = meta.TenantID
	}
	if gctx.GatewayID == "" {
		gctx.GatewayID = meta.GatewayID
	}

	res, locals, err := g.manager.Invoke(ctx, hook, payload, gctx, locals)
	if err != nil {
		return nil, locals, err
	}

	data := map[string]interface{}{
		"hook":       hook,
		"request_id": gctx.RequestID,
		"continue":   res.ContinueProcessing,
		"timestamp":  time.Now(),
	}
	subject := SubjectHookCompleted
	if v := res.Violation; v != nil {
		subject = SubjectHookBlocked
		data["plugin"] = v.PluginName
		data["code"] = v.Code
		g.recordViolation(ctx, hook, payload, gctx, v)
	}
	g.publishEvent(ctx, subject, data)
	return res, locals, nil
}

// InvokeDocument decodes a JSON-shaped payload (as received over HTTP) into
// the hook's payload type and invokes it.
func (g *Gateway) InvokeDocument(ctx context.Context, hook string, doc interface{}, gctx *plugin.GlobalContext, locals plugin.ContextTable) (*hooks.Result, plugin.ContextTable, error) {
	payload, err := g.registry.DecodePayload(hook, doc)
	if err != nil {
		return nil, locals, err
	}
	return g.Invoke(ctx, hook, payload, gctx, locals)
}

func (g *Gateway) recordViolation(ctx context.Context, hook string, payload hooks.Payload, gctx *plugin.GlobalContext, v *hooks.Violation) {
	entry := auditlog.Entry{
		RequestID:   gctx.RequestID,
		Hook:        hook,
		PluginName:  v.PluginName,
		Code:        v.Code,
		Reason:      v.Reason,
		Description: v.Description,
		User:        gctx.User,
		TenantID:    gctx.TenantID,
		EntityType:  string(gctx.EntityType),
		EntityName:  gctx.EntityName,
		Details:     v.Details,
	}
	if e, ok := payload.(hooks.Entity); ok {
		typ, name := e.Entity()
		if entry.EntityType == "" {
			entry.EntityType = string(typ)
		}
		if entry.EntityName == "" {
			entry.EntityName = name
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := g.audit.Write(wctx, entry); err != nil {
		logging.FromContext(ctx).Error("audit write failed", "plugin", v.PluginName, "error", err.Error())
	}
}

// publishEvent calls all registered hooks asynchronously.
func (g *Gateway) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	g.mu.RLock()
	hooks := make([]EventHookFunc, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.RUnlock()

	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

// ReloadConfig validates and applies a new configuration. On error the
// running plugins are left untouched.
func (g *Gateway) ReloadConfig(ctx context.Context, cfg Config) error {
	if err := g.load(ctx, cfg); err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return err
	}
	metrics.ConfigReloads.WithLabelValues("success").Inc()
	g.publishEvent(ctx, SubjectConfigReloaded, map[string]interface{}{
		"plugins":   len(cfg.Plugins),
		"routes":    len(cfg.Routes),
		"timestamp": time.Now(),
	})
	return nil
}

func (g *Gateway) load(ctx context.Context, cfg Config) error {
	if err := ValidateConfigWith(cfg, g.registry); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := g.manager.Load(ctx, cfg.ManagerConfig()); err != nil {
		return err
	}
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
	logging.FromContext(ctx).Info("config loaded",
		"plugins", len(cfg.Plugins), "routes", len(cfg.Routes), "kinds", pluginKinds(cfg))
	return nil
}

// GetConfig returns a copy of the current configuration.
func (g *Gateway) GetConfig() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// StartHealthChecks pings external plugin servers every interval until ctx
// is cancelled. A zero interval uses plugin_health_check_interval.
func (g *Gateway) StartHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Duration(g.manager.Settings().WithDefaults().PluginHealthCheckInterval) * time.Second
	}
	log := logging.FromContext(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.checkHealth(ctx, log)
			}
		}
	}()
}

// CheckHealth pings external plugin servers once and returns the failures
// keyed by plugin name.
func (g *Gateway) CheckHealth(ctx context.Context) map[string]error {
	return g.manager.CheckHealth(ctx)
}

func (g *Gateway) checkHealth(ctx context.Context, log *slog.Logger) {
	for name, err := range g.manager.CheckHealth(ctx) {
		log.Warn("plugin health check failed", "plugin", name, "error", err.Error())
	}
}

// Close shuts every plugin down.
func (g *Gateway) Close(ctx context.Context) error {
	return g.manager.Shutdown(ctx)
}
