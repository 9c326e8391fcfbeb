package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// DefaultCallTimeout bounds one served hook call.
const DefaultCallTimeout = 30 * time.Second

// Server answers wire requests by running the named plugin of a Manager.
// It is transport independent: NewMCPServer and RegisterGRPCServer expose
// it.
type Server struct {
	mgr     *plugin.Manager
	timeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCallTimeout sets the deadline for one served call.
func WithCallTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a Server for mgr's plugins.
func NewServer(mgr *plugin.Manager, opts ...ServerOption) *Server {
	s := &Server{mgr: mgr, timeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InvokeHook runs one plugin for one wire request. Failures are reported in
// the response's error field, never as a Go error.
func (s *Server) InvokeHook(ctx context.Context, req *plugin.WireRequest) *plugin.WireResponse {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := logging.FromContext(ctx).With("plugin", req.PluginName, "hook", req.HookType)
	payload, err := s.mgr.Registry().DecodePayload(req.HookType, req.Payload)
	if err != nil {
		return errorResponse(req.PluginName, hooks.CodePluginError, err)
	}

	pctx := &plugin.Context{
		Global:   req.Context.GlobalContext,
		State:    req.Context.State,
		Metadata: req.Context.Metadata,
	}
	if pctx.Global == nil {
		pctx.Global = &plugin.GlobalContext{}
	}
	if pctx.State == nil {
		pctx.State = map[string]interface{}{}
	}
	if pctx.Metadata == nil {
		pctx.Metadata = map[string]interface{}{}
	}

	res, err := s.mgr.InvokeForPlugin(ctx, req.PluginName, req.HookType, payload, pctx)
	if err != nil {
		log.Warn("served plugin call failed", "error", err)
		var perr *hooks.PluginError
		if errors.As(err, &perr) {
			out := *perr
			return &plugin.WireResponse{Error: &out}
		}
		code := hooks.CodePluginError
		if errors.Is(err, plugin.ErrPluginTimeout) || errors.Is(err, context.DeadlineExceeded) {
			code = hooks.CodePluginTimeout
		}
		return errorResponse(req.PluginName, code, err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return errorResponse(req.PluginName, hooks.CodePluginError, fmt.Errorf("encode result: %w", err))
	}
	log.Debug("served plugin call", "continue", res.ContinueProcessing)
	return &plugin.WireResponse{
		Result: raw,
		Context: &plugin.WireContext{
			GlobalContext: pctx.Global,
			State:         pctx.State,
			Metadata:      pctx.Metadata,
		},
	}
}

// PluginConfig returns the config of one hosted plugin.
func (s *Server) PluginConfig(name string) (plugin.Config, bool) {
	return s.mgr.Plugin(name)
}

// PluginConfigs returns every hosted plugin config.
func (s *Server) PluginConfigs() []plugin.Config {
	return s.mgr.Plugins()
}

func errorResponse(name, code string, err error) *plugin.WireResponse {
	return &plugin.WireResponse{Error: &hooks.PluginError{
		Message:      err.Error(),
		PluginName:   name,
		Code:         code,
		MCPErrorCode: hooks.DefaultMCPErrorCode,
	}}
}
