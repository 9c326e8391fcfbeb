// Package hooks defines the payload/result contract shared by every hook and
// the registry that maps hook names to their payload types.
//
// A hook is a named interception point such as tool_pre_invoke. Each hook
// has exactly one payload type; plugins receive a pointer to that type and
// answer with a *Result. The Registry is constructed once at startup
// (see RegisterStandardHooks) and injected into the plugin manager.
package hooks

import (
	"encoding/json"
	"fmt"
)

// Violation codes assigned by the engine when a plugin call fails.
const (
	CodePluginTimeout = "PLUGIN_TIMEOUT"
	CodePluginError   = "PLUGIN_ERROR"
)

// DefaultMCPErrorCode is the JSON-RPC "internal error" code used when a
// plugin error does not carry its own.
const DefaultMCPErrorCode = -32603

// Payload is the value handed to a plugin for one hook. Concrete payloads
// are pointers to the struct type registered for the hook.
type Payload interface{}

// Violation is a structured reason a plugin gives for blocking or flagging
// a request. PluginName is always overwritten by the engine when the
// violation is attributed.
type Violation struct {
	Reason       string                 `json:"reason"`
	Description  string                 `json:"description"`
	Code         string                 `json:"code"`
	Details      map[string]interface{} `json:"details,omitempty"`
	MCPErrorCode int                    `json:"mcp_error_code,omitempty"`
	PluginName   string                 `json:"plugin_name,omitempty"`
}

// Result is a plugin's answer for one hook call. Build it with Continue,
// Modify or Block: the zero value has ContinueProcessing=false.
type Result struct {
	ContinueProcessing bool                   `json:"continue_processing"`
	ModifiedPayload    Payload                `json:"modified_payload,omitempty"`
	Violation          *Violation             `json:"violation,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Continue returns a pass-through result.
func Continue() *Result {
	return &Result{ContinueProcessing: true}
}

// Modify returns a result that replaces the payload for later plugins.
func Modify(p Payload) *Result {
	return &Result{ContinueProcessing: true, ModifiedPayload: p}
}

// Block returns a result that asks the engine to stop processing.
func Block(v *Violation) *Result {
	return &Result{ContinueProcessing: false, Violation: v}
}

// WithMetadata sets a metadata key and returns r for chaining.
func (r *Result) WithMetadata(key string, value interface{}) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// PluginError is an explicit error reported by a plugin, usually a remote
// one. The engine treats it like any other plugin failure.
type PluginError struct {
	Message      string                 `json:"message"`
	PluginName   string                 `json:"plugin_name"`
	Code         string                 `json:"code,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	MCPErrorCode int                    `json:"mcp_error_code"`
}

func (e *PluginError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("plugin %s: %s (%s)", e.PluginName, e.Message, e.Code)
	}
	return fmt.Sprintf("plugin %s: %s", e.PluginName, e.Message)
}

// NewPluginError wraps err as a PluginError attributed to plugin.
func NewPluginError(plugin string, err error) *PluginError {
	return &PluginError{
		Message:      err.Error(),
		PluginName:   plugin,
		Code:         CodePluginError,
		MCPErrorCode: DefaultMCPErrorCode,
	}
}

// UnmarshalJSON defaults mcp_error_code when the sender omitted it.
func (e *PluginError) UnmarshalJSON(data []byte) error {
	type alias PluginError
	aux := alias{MCPErrorCode: DefaultMCPErrorCode}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = PluginError(aux)
	return nil
}
