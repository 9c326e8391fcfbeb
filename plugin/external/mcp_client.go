package external

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ferro-labs/hook-gateway/internal/version"
	"github.com/ferro-labs/hook-gateway/plugin"
)

// mcpConn is a plugin.Conn over an initialized MCP client session.
type mcpConn struct {
	client *client.Client
}

// DialMCP connects to an MCP plugin server described by cfg and performs the
// initialize handshake.
func DialMCP(ctx context.Context, cfg *plugin.MCPConfig) (plugin.Conn, error) {
	c, err := newMCPClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	conn, err := NewMCPConn(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return conn, nil
}

func newMCPClient(ctx context.Context, cfg *plugin.MCPConfig) (*client.Client, error) {
	switch cfg.Proto {
	case plugin.ProtoStdio:
		// The stdio client starts the process itself.
		c, err := client.NewStdioMCPClient(cfg.Script, envList(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.Script, err)
		}
		return c, nil
	case plugin.ProtoSSE:
		hc, err := httpClient(cfg.TLS)
		if err != nil {
			return nil, err
		}
		c, err := client.NewSSEMCPClient(cfg.URL, transport.WithHTTPClient(hc))
		if err != nil {
			return nil, fmt.Errorf("sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("sse connect %s: %w", cfg.URL, err)
		}
		return c, nil
	case plugin.ProtoStreamableHTTP:
		hc, err := httpClient(cfg.TLS)
		if err != nil {
			return nil, err
		}
		c, err := client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPBasicClient(hc))
		if err != nil {
			return nil, fmt.Errorf("streamable http client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("streamable http connect %s: %w", cfg.URL, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("mcp: unsupported proto %q", cfg.Proto)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// NewMCPConn initializes a started MCP client and wraps it as a plugin.Conn.
// It is also how embedders and tests attach an in-process client.
func NewMCPConn(ctx context.Context, c *client.Client) (plugin.Conn, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "hookgw",
		Version: version.Short(),
	}
	if _, err := c.Initialize(ctx, req); err != nil {
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	return &mcpConn{client: c}, nil
}

func (c *mcpConn) InvokeHook(ctx context.Context, req *plugin.WireRequest) (*plugin.WireResponse, error) {
	args, err := toDocument(req)
	if err != nil {
		return nil, err
	}
	text, err := c.call(ctx, ToolInvokeHook, args)
	if err != nil {
		return nil, err
	}
	var resp plugin.WireResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", ToolInvokeHook, err)
	}
	return &resp, nil
}

func (c *mcpConn) PluginConfig(ctx context.Context, name string) (*plugin.Config, error) {
	text, err := c.call(ctx, ToolGetPluginConfig, map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}
	var cfg plugin.Config
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", ToolGetPluginConfig, err)
	}
	return &cfg, nil
}

// PluginConfigs lists every plugin the server hosts.
func (c *mcpConn) PluginConfigs(ctx context.Context) ([]plugin.Config, error) {
	text, err := c.call(ctx, ToolGetPluginConfigs, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var cfgs []plugin.Config
	if err := json.Unmarshal([]byte(text), &cfgs); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", ToolGetPluginConfigs, err)
	}
	return cfgs, nil
}

func (c *mcpConn) Close() error {
	return c.client.Close()
}

// call invokes a tool and returns its text content. A tool-level error
// result is returned as an error.
func (c *mcpConn) call(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", tool, err)
	}
	text := resultText(res)
	if res.IsError {
		return "", fmt.Errorf("%s: %s", tool, text)
	}
	if text == "" {
		return "", fmt.Errorf("%s: empty response", tool)
	}
	return text, nil
}

func resultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, item := range res.Content {
		switch tc := item.(type) {
		case mcp.TextContent:
			b.WriteString(tc.Text)
		case *mcp.TextContent:
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
