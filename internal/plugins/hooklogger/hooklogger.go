// Package hooklogger provides a plugin that writes one structured log record
// per hook call: the hook, the entity it concerns and the caller identity
// from the global context. Register it with a blank import:
//
//	_ "github.com/ferro-labs/hook-gateway/internal/plugins/hooklogger"
package hooklogger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// startedKey is the local-state key the pre hook uses to hand its start
// time to the post hook.
const startedKey = "hooklogger.started"

func init() {
	plugin.RegisterFactory("hook-logger", func() plugin.Plugin {
		return &HookLogger{}
	})
}

// HookLogger is a logging plugin. It never modifies or blocks.
type HookLogger struct {
	logLevel       slog.Level
	includePayload bool
}

// Name returns the plugin kind.
func (l *HookLogger) Name() string { return "hook-logger" }

// Init reads config keys:
//   - level (debug, info, warn, error; default info)
//   - include_payload (bool, default false)
func (l *HookLogger) Init(config map[string]interface{}) error {
	l.logLevel = slog.LevelInfo
	if level, ok := config["level"].(string); ok {
		switch level {
		case "debug":
			l.logLevel = slog.LevelDebug
		case "info":
		case "warn":
			l.logLevel = slog.LevelWarn
		case "error":
			l.logLevel = slog.LevelError
		default:
			return fmt.Errorf("hook-logger: unknown level %q", level)
		}
	}
	if v, ok := config["include_payload"].(bool); ok {
		l.includePayload = v
	}
	return nil
}

// Invoke logs the call. On pre hooks it records the start time in the
// plugin's local state, and the matching post hook reports the elapsed time.
func (l *HookLogger) Invoke(ctx context.Context, hook string, payload hooks.Payload, pctx *plugin.Context) (*hooks.Result, error) {
	log := logging.FromContext(ctx)
	attrs := []any{"hook", hook}
	if e, ok := payload.(hooks.Entity); ok {
		typ, name := e.Entity()
		attrs = append(attrs, "entity_type", string(typ), "entity", name)
	}
	if g := pctx.Global; g != nil {
		attrs = append(attrs, "request_id", g.RequestID)
		if g.User != "" {
			attrs = append(attrs, "user", g.User)
		}
		if g.TenantID != "" {
			attrs = append(attrs, "tenant_id", g.TenantID)
		}
		if g.ServerID != "" {
			attrs = append(attrs, "server_id", g.ServerID)
		}
	}

	now := time.Now()
	if started, ok := pctx.State[startedKey].(time.Time); ok {
		attrs = append(attrs, "elapsed_ms", now.Sub(started).Milliseconds())
	} else {
		pctx.State[startedKey] = now
	}
	if l.includePayload {
		attrs = append(attrs, "payload", payload)
	}

	log.Log(ctx, l.logLevel, "hook call", attrs...)
	return hooks.Continue(), nil
}
