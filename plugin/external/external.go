// Package external connects the engine to plugins running in other
// processes, and serves a Manager's plugins to remote gateways.
//
// Client side, it registers a plugin.Dialer per transport from init:
//
//   - stdio, sse, streamablehttp speak MCP (mark3labs/mcp-go); the plugin
//     server exposes the invoke_hook, get_plugin_config and
//     get_plugin_configs tools.
//   - grpc calls a unary PluginService whose messages are
//     google.protobuf.Struct values carrying the same JSON documents.
//
// Server side, Server wraps plugin.Manager.InvokeForPlugin and is exposed
// through NewMCPServer or RegisterGRPCServer.
//
// Import the package for its side effects to enable kind "external":
//
//	import _ "github.com/ferro-labs/hook-gateway/plugin/external"
package external

import (
	"encoding/json"
	"fmt"

	"github.com/ferro-labs/hook-gateway/plugin"
)

// MCP tool names exposed by plugin servers.
const (
	ToolInvokeHook       = "invoke_hook"
	ToolGetPluginConfig  = "get_plugin_config"
	ToolGetPluginConfigs = "get_plugin_configs"
)

func init() {
	plugin.RegisterTransport(plugin.ProtoStdio, DialMCP)
	plugin.RegisterTransport(plugin.ProtoSSE, DialMCP)
	plugin.RegisterTransport(plugin.ProtoStreamableHTTP, DialMCP)
	plugin.RegisterTransport(plugin.ProtoGRPC, DialGRPC)
}

// toDocument converts v into a JSON-shaped map.
func toDocument(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

// fromDocument decodes a JSON-shaped map into v.
func fromDocument(doc interface{}, v interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
