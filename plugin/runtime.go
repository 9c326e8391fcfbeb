package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ferro-labs/hook-gateway/internal/circuitbreaker"
	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/internal/metrics"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// MaxRemotePayloadSize is the largest encoded request sent to an external
// plugin server.
const MaxRemotePayloadSize = 1 << 20

// Remote error codes.
const (
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeTransportError  = "TRANSPORT_ERROR"
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodePluginEncode    = "ENCODE_ERROR"
)

// Runtime executes one configured plugin. The variant is chosen when the
// config is loaded: LocalRuntime for registered kinds, RemoteRuntime for
// kind "external".
type Runtime interface {
	Invoke(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error)
	Close() error
	runtime()
}

// LocalRuntime calls an in-process Plugin directly.
type LocalRuntime struct {
	plugin Plugin
}

// NewLocalRuntime wraps p.
func NewLocalRuntime(p Plugin) *LocalRuntime {
	return &LocalRuntime{plugin: p}
}

// Plugin returns the wrapped plugin.
func (r *LocalRuntime) Plugin() Plugin { return r.plugin }

// Invoke implements Runtime.
func (r *LocalRuntime) Invoke(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error) {
	return r.plugin.Invoke(ctx, hook, payload, pctx)
}

// Close releases the plugin when it implements Closer.
func (r *LocalRuntime) Close() error {
	if c, ok := r.plugin.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *LocalRuntime) runtime() {}

// WireContext is the context section of a wire request or response.
type WireContext struct {
	GlobalContext *GlobalContext         `json:"global_context,omitempty"`
	State         map[string]interface{} `json:"state"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// WireRequest is sent to an external plugin server for one hook call.
type WireRequest struct {
	HookType   string                 `json:"hook_type"`
	PluginName string                 `json:"plugin_name"`
	Payload    map[string]interface{} `json:"payload"`
	Context    WireContext            `json:"context"`
}

// WireResponse is the reply to a WireRequest: either Result (plus optional
// Context updates) or Error.
type WireResponse struct {
	Result  json.RawMessage    `json:"result,omitempty"`
	Context *WireContext       `json:"context,omitempty"`
	Error   *hooks.PluginError `json:"error,omitempty"`
}

// Conn is an established connection to an external plugin server.
type Conn interface {
	InvokeHook(ctx context.Context, req *WireRequest) (*WireResponse, error)
	// PluginConfig fetches the server's own description of a plugin.
	PluginConfig(ctx context.Context, name string) (*Config, error)
	Close() error
}

// Dialer opens a Conn for a transport descriptor.
type Dialer func(ctx context.Context, cfg *MCPConfig) (Conn, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]Dialer{}
)

// RegisterTransport registers the dialer for an MCPConfig.Proto value.
func RegisterTransport(proto string, d Dialer) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[proto] = d
}

func getTransport(proto string) (Dialer, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	d, ok := transports[proto]
	return d, ok
}

// RemoteOptions tune a RemoteRuntime. Zero values get defaults.
type RemoteOptions struct {
	ConnectAttempts int
	ConnectBackoff  time.Duration
	Breaker         circuitbreaker.Settings
}

// RemoteRuntime forwards hook calls to an external plugin server. The
// connection is opened on first use, reused across calls and reopened after
// a transport failure.
type RemoteRuntime struct {
	cfg      Config
	registry *hooks.Registry
	dial     Dialer
	opts     RemoteOptions
	breaker  *circuitbreaker.CircuitBreaker

	mu   sync.Mutex
	conn Conn
	info *Config
}

// NewRemoteRuntime creates the runtime for an external plugin config. The
// dialer is looked up from the registered transports unless dial is
// non-nil.
func NewRemoteRuntime(cfg Config, registry *hooks.Registry, dial Dialer, opts RemoteOptions) (*RemoteRuntime, error) {
	if cfg.MCP == nil {
		return nil, fmt.Errorf("plugin %q: missing mcp config", cfg.Name)
	}
	if dial == nil {
		d, ok := getTransport(cfg.MCP.Proto)
		if !ok {
			return nil, fmt.Errorf("plugin %q: no transport registered for proto %q", cfg.Name, cfg.MCP.Proto)
		}
		dial = d
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = 100 * time.Millisecond
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &RemoteRuntime{
		cfg:      cfg,
		registry: registry,
		dial:     dial,
		opts:     opts,
		breaker:  circuitbreaker.New(cfg.Name, opts.Breaker),
	}, nil
}

// Breaker returns the runtime's circuit breaker.
func (r *RemoteRuntime) Breaker() *circuitbreaker.CircuitBreaker { return r.breaker }

// Info returns the plugin config with descriptive fields the server
// reported filled in where the local config left them empty.
func (r *RemoteRuntime) Info() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.cfg
	if r.info == nil {
		return out
	}
	if out.Description == "" {
		out.Description = r.info.Description
	}
	if out.Author == "" {
		out.Author = r.info.Author
	}
	if out.Version == "" {
		out.Version = r.info.Version
	}
	if len(out.Tags) == 0 {
		out.Tags = r.info.Tags
	}
	return out
}

// Invoke implements Runtime.
func (r *RemoteRuntime) Invoke(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error) {
	body, err := hooks.ToMap(payload)
	if err != nil {
		return nil, r.pluginError(CodePluginEncode, err)
	}
	req := &WireRequest{
		HookType:   hook,
		PluginName: r.cfg.Name,
		Payload:    body,
		Context: WireContext{
			GlobalContext: pctx.Global,
			State:         pctx.State,
			Metadata:      pctx.Metadata,
		},
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, r.pluginError(CodePluginEncode, err)
	}
	if len(encoded) > MaxRemotePayloadSize {
		return nil, r.pluginError(CodePayloadTooLarge,
			fmt.Errorf("request is %d bytes, limit is %d", len(encoded), MaxRemotePayloadSize))
	}

	var resp *WireResponse
	err = r.breaker.Execute(func() error {
		conn, err := r.connect(ctx)
		if err != nil {
			return err
		}
		resp, err = conn.InvokeHook(ctx, req)
		if err != nil {
			r.reset(conn)
			return err
		}
		return nil
	}, func(error) bool { return ctx.Err() == nil })
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, r.pluginError(CodeCircuitOpen, err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, r.pluginError(CodeTransportError, err)
	}

	if resp.Error != nil {
		perr := *resp.Error
		perr.PluginName = r.cfg.Name
		if perr.MCPErrorCode == 0 {
			perr.MCPErrorCode = hooks.DefaultMCPErrorCode
		}
		return nil, &perr
	}
	if len(resp.Result) == 0 {
		return nil, r.pluginError(hooks.CodePluginError, fmt.Errorf("response has neither result nor error"))
	}
	res, err := r.registry.DecodeResult(hook, resp.Result)
	if err != nil {
		return nil, r.pluginError(hooks.CodePluginError, err)
	}
	applyWireContext(pctx, resp.Context)
	return res, nil
}

// Ping connects if necessary and fetches the plugin config from the server.
func (r *RemoteRuntime) Ping(ctx context.Context) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.PluginConfig(ctx, r.cfg.Name); err != nil {
		r.reset(conn)
		return fmt.Errorf("plugin %s: ping: %w", r.cfg.Name, err)
	}
	return nil
}

// Close implements Runtime.
func (r *RemoteRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

func (r *RemoteRuntime) runtime() {}

// connect returns the pooled connection, dialing with exponential backoff
// when there is none.
func (r *RemoteRuntime) connect(ctx context.Context) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}

	log := logging.FromContext(ctx)
	backoff := r.opts.ConnectBackoff
	var lastErr error
	for attempt := 1; attempt <= r.opts.ConnectAttempts; attempt++ {
		conn, err := r.dial(ctx, r.cfg.MCP)
		if err == nil {
			metrics.RemoteConnects.WithLabelValues(r.cfg.Name, "success").Inc()
			r.conn = conn
			r.fetchInfo(ctx, conn)
			log.Info("connected to external plugin", "plugin", r.cfg.Name, "proto", r.cfg.MCP.Proto)
			return conn, nil
		}
		metrics.RemoteConnects.WithLabelValues(r.cfg.Name, "error").Inc()
		lastErr = err
		log.Warn("external plugin connect failed",
			"plugin", r.cfg.Name, "attempt", attempt, "error", err)
		if attempt == r.opts.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("connect to %s after %d attempts: %w", r.cfg.MCP.Proto, r.opts.ConnectAttempts, lastErr)
}

// fetchInfo must be called with r.mu held.
func (r *RemoteRuntime) fetchInfo(ctx context.Context, conn Conn) {
	if r.info != nil {
		return
	}
	info, err := conn.PluginConfig(ctx, r.cfg.Name)
	if err != nil {
		logging.FromContext(ctx).Debug("external plugin config unavailable", "plugin", r.cfg.Name, "error", err)
		return
	}
	r.info = info
}

// reset drops conn if it is still the pooled connection.
func (r *RemoteRuntime) reset(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == conn {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *RemoteRuntime) pluginError(code string, err error) *hooks.PluginError {
	return &hooks.PluginError{
		Message:      err.Error(),
		PluginName:   r.cfg.Name,
		Code:         code,
		MCPErrorCode: hooks.DefaultMCPErrorCode,
	}
}

// applyWireContext copies context updates from a response into pctx.
func applyWireContext(pctx *Context, wc *WireContext) {
	if wc == nil {
		return
	}
	if wc.State != nil {
		pctx.State = wc.State
	}
	if wc.Metadata != nil {
		pctx.Metadata = wc.Metadata
	}
	if wc.GlobalContext != nil && pctx.Global != nil {
		pctx.Global.merge(wc.GlobalContext)
	}
}
