package hooks

import "errors"

// Standard hook names.
const (
	ToolPreInvoke           = "tool_pre_invoke"
	ToolPostInvoke          = "tool_post_invoke"
	PromptPreFetch          = "prompt_pre_fetch"
	PromptPostFetch         = "prompt_post_fetch"
	ResourcePreFetch        = "resource_pre_fetch"
	ResourcePostFetch       = "resource_post_fetch"
	AgentPreInvoke          = "agent_pre_invoke"
	AgentPostInvoke         = "agent_post_invoke"
	HTTPPreRequest          = "http_pre_request"
	HTTPPostRequest         = "http_post_request"
	HTTPAuthResolveUser     = "http_auth_resolve_user"
	HTTPAuthCheckPermission = "http_auth_check_permission"
)

// EntityType identifies the kind of gateway object a hook is about.
type EntityType string

// Entity types. HTTP-level hooks have no entity type.
const (
	EntityTool          EntityType = "tool"
	EntityPrompt        EntityType = "prompt"
	EntityResource      EntityType = "resource"
	EntityAgent         EntityType = "agent"
	EntityVirtualServer EntityType = "virtual_server"
	EntityMCPServer     EntityType = "mcp_server"
)

// EntityTypes lists every entity type.
var EntityTypes = []EntityType{
	EntityTool, EntityPrompt, EntityResource, EntityAgent, EntityVirtualServer, EntityMCPServer,
}

// Entity is implemented by payloads that belong to a named entity.
type Entity interface {
	Entity() (EntityType, string)
}

// ToolPreInvokePayload is sent before a tool runs.
type ToolPreInvokePayload struct {
	Name    string                 `json:"name"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
}

// Entity implements Entity.
func (p *ToolPreInvokePayload) Entity() (EntityType, string) { return EntityTool, p.Name }

// ToolPostInvokePayload is sent after a tool returns.
type ToolPostInvokePayload struct {
	Name   string      `json:"name"`
	Result interface{} `json:"result,omitempty"`
}

// Entity implements Entity.
func (p *ToolPostInvokePayload) Entity() (EntityType, string) { return EntityTool, p.Name }

// PromptPreFetchPayload is sent before a prompt is rendered.
type PromptPreFetchPayload struct {
	PromptID string            `json:"prompt_id"`
	Args     map[string]string `json:"args,omitempty"`
}

// Entity implements Entity.
func (p *PromptPreFetchPayload) Entity() (EntityType, string) { return EntityPrompt, p.PromptID }

// Message is one chat message in prompt and agent payloads.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// PromptResult is a rendered prompt.
type PromptResult struct {
	Messages    []Message `json:"messages"`
	Description string    `json:"description,omitempty"`
}

// PromptPostFetchPayload is sent after a prompt is rendered.
type PromptPostFetchPayload struct {
	PromptID string       `json:"prompt_id"`
	Result   PromptResult `json:"result"`
}

// Entity implements Entity.
func (p *PromptPostFetchPayload) Entity() (EntityType, string) { return EntityPrompt, p.PromptID }

// ResourcePreFetchPayload is sent before a resource is read.
type ResourcePreFetchPayload struct {
	URI      string                 `json:"uri"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Entity implements Entity.
func (p *ResourcePreFetchPayload) Entity() (EntityType, string) { return EntityResource, p.URI }

// ResourceContent is the content of a fetched resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourcePostFetchPayload is sent after a resource is read.
type ResourcePostFetchPayload struct {
	URI     string          `json:"uri"`
	Content ResourceContent `json:"content"`
}

// Entity implements Entity.
func (p *ResourcePostFetchPayload) Entity() (EntityType, string) { return EntityResource, p.URI }

// ContentType returns the resource MIME type.
func (p *ResourcePostFetchPayload) ContentType() string { return p.Content.MimeType }

// AgentPreInvokePayload is sent before an agent is called.
type AgentPreInvokePayload struct {
	AgentID      string                 `json:"agent_id"`
	Messages     []Message              `json:"messages"`
	Tools        []string               `json:"tools,omitempty"`
	Headers      map[string]string      `json:"headers,omitempty"`
	Model        string                 `json:"model,omitempty"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
}

// Entity implements Entity.
func (p *AgentPreInvokePayload) Entity() (EntityType, string) { return EntityAgent, p.AgentID }

// AgentPostInvokePayload is sent after an agent answers.
type AgentPostInvokePayload struct {
	AgentID   string                   `json:"agent_id"`
	Messages  []Message                `json:"messages"`
	ToolCalls []map[string]interface{} `json:"tool_calls,omitempty"`
}

// Entity implements Entity.
func (p *AgentPostInvokePayload) Entity() (EntityType, string) { return EntityAgent, p.AgentID }

// HTTPPreRequestPayload is sent before the gateway processes an HTTP request.
type HTTPPreRequestPayload struct {
	Path       string            `json:"path"`
	Method     string            `json:"method"`
	ClientHost string            `json:"client_host,omitempty"`
	ClientPort int               `json:"client_port,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// HTTPPostRequestPayload is sent after the gateway produced a response.
type HTTPPostRequestPayload struct {
	HTTPPreRequestPayload
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	StatusCode      int               `json:"status_code,omitempty"`
}

// HTTPAuthResolveUserPayload lets plugins resolve the caller identity.
type HTTPAuthResolveUserPayload struct {
	Credentials map[string]interface{} `json:"credentials,omitempty"`
	Headers     map[string]string      `json:"headers,omitempty"`
	ClientHost  string                 `json:"client_host,omitempty"`
	ClientPort  int                    `json:"client_port,omitempty"`
}

// HTTPAuthCheckPermissionPayload lets plugins decide an RBAC check.
type HTTPAuthCheckPermissionPayload struct {
	UserEmail    string `json:"user_email"`
	Permission   string `json:"permission"`
	ResourceType string `json:"resource_type,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	IsAdmin      bool   `json:"is_admin"`
	AuthMethod   string `json:"auth_method,omitempty"`
	ClientHost   string `json:"client_host,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// RegisterStandardHooks registers the built-in hook set on r.
func RegisterStandardHooks(r *Registry) error {
	return errors.Join(
		RegisterPayload[ToolPreInvokePayload](r, ToolPreInvoke),
		RegisterPayload[ToolPostInvokePayload](r, ToolPostInvoke),
		RegisterPayload[PromptPreFetchPayload](r, PromptPreFetch),
		RegisterPayload[PromptPostFetchPayload](r, PromptPostFetch),
		RegisterPayload[ResourcePreFetchPayload](r, ResourcePreFetch),
		RegisterPayload[ResourcePostFetchPayload](r, ResourcePostFetch),
		RegisterPayload[AgentPreInvokePayload](r, AgentPreInvoke),
		RegisterPayload[AgentPostInvokePayload](r, AgentPostInvoke),
		RegisterPayload[HTTPPreRequestPayload](r, HTTPPreRequest),
		RegisterPayload[HTTPPostRequestPayload](r, HTTPPostRequest),
		RegisterPayload[HTTPAuthResolveUserPayload](r, HTTPAuthResolveUser),
		RegisterPayload[HTTPAuthCheckPermissionPayload](r, HTTPAuthCheckPermission),
	)
}

// NewStandardRegistry returns a registry with the standard hooks registered.
func NewStandardRegistry() *Registry {
	r := NewRegistry()
	// Registration into a fresh registry cannot conflict.
	_ = RegisterStandardHooks(r)
	return r
}
