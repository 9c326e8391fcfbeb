package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ferro-labs/hook-gateway/internal/version"
	"github.com/ferro-labs/hook-gateway/plugin"
)

// NewMCPServer exposes s as an MCP server with the invoke_hook,
// get_plugin_config and get_plugin_configs tools. Serve it with
// server.ServeStdio or server.NewStreamableHTTPServer.
func NewMCPServer(s *Server, name string) *server.MCPServer {
	srv := server.NewMCPServer(name, version.Short(), server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool(ToolInvokeHook,
		mcp.WithDescription("Run one hosted plugin for one hook invocation"),
		mcp.WithString("hook_type", mcp.Required(), mcp.Description("Hook name, e.g. tool_pre_invoke")),
		mcp.WithString("plugin_name", mcp.Required(), mcp.Description("Hosted plugin to run")),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Hook payload")),
		mcp.WithObject("context", mcp.Description("Global context plus the plugin's local state and metadata")),
	), s.handleInvokeHook)

	srv.AddTool(mcp.NewTool(ToolGetPluginConfig,
		mcp.WithDescription("Return the configuration of one hosted plugin"),
		mcp.WithString("name", mcp.Required()),
	), s.handleGetPluginConfig)

	srv.AddTool(mcp.NewTool(ToolGetPluginConfigs,
		mcp.WithDescription("Return the configuration of every hosted plugin"),
	), s.handleGetPluginConfigs)

	return srv
}

func (s *Server) handleInvokeHook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var req plugin.WireRequest
	if err := fromDocument(request.GetArguments(), &req); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid invoke_hook arguments: %v", err)), nil
	}
	if req.HookType == "" || req.PluginName == "" {
		return mcp.NewToolResultError("hook_type and plugin_name are required"), nil
	}
	return jsonResult(s.InvokeHook(ctx, &req))
}

func (s *Server) handleGetPluginConfig(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := request.GetArguments()["name"].(string)
	cfg, ok := s.PluginConfig(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown plugin %q", name)), nil
	}
	return jsonResult(cfg)
}

func (s *Server) handleGetPluginConfigs(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.PluginConfigs())
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}
