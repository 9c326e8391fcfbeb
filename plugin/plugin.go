// Package plugin is the hook execution and routing engine.
//
// A Manager owns the configured plugins. For every hook invocation it
// resolves which plugins apply (static config order, or routing rules when
// routes are configured), filters them by conditions and mode, groups them
// into priority bands, and runs each plugin under its own deadline. Plugin
// failures never escape Invoke: they become violations or are absorbed
// according to the plugin's mode.
//
// Plugins run either in-process (LocalRuntime) or in an external plugin
// server (RemoteRuntime). Built-in plugins live in internal/plugins/* and
// register a factory by kind from init, so they are enabled with a blank
// import (e.g. _ "github.com/ferro-labs/hook-gateway/internal/plugins/denylist").
// Remote transports are registered the same way by plugin/external.
package plugin

import (
	"context"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// Plugin is the interface all in-process plugins implement.
//
// Invoke is called once per hook the plugin is attached to. payload is a
// pointer to the hook's registered payload type; when the plugin has a
// field selection it only carries the selected fields. Payloads may be
// shared with other plugins of the same band, so edits go into a copy
// returned with hooks.Modify. Returning a nil result is the same as
// hooks.Continue().
type Plugin interface {
	Name() string
	Init(config map[string]interface{}) error
	Invoke(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error)
}

// Closer is implemented by plugins holding resources that must be released
// on shutdown or config reload.
type Closer interface {
	Close() error
}

// HookFunc adapts a function to a Plugin with no configuration.
type HookFunc func(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error)

// Name implements Plugin.
func (f HookFunc) Name() string { return "func" }

// Init implements Plugin.
func (f HookFunc) Init(map[string]interface{}) error { return nil }

// Invoke implements Plugin.
func (f HookFunc) Invoke(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error) {
	return f(ctx, hook, payload, pctx)
}
