package plugin

import (
	"context"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// Typed entry points for the standard hooks. They only fix the payload
// type; behavior is exactly Invoke.

func (m *Manager) ToolPreInvoke(ctx context.Context, p *hooks.ToolPreInvokePayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.ToolPreInvoke, p, gctx, locals)
}

func (m *Manager) ToolPostInvoke(ctx context.Context, p *hooks.ToolPostInvokePayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.ToolPostInvoke, p, gctx, locals)
}

func (m *Manager) PromptPreFetch(ctx context.Context, p *hooks.PromptPreFetchPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.PromptPreFetch, p, gctx, locals)
}

func (m *Manager) PromptPostFetch(ctx context.Context, p *hooks.PromptPostFetchPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.PromptPostFetch, p, gctx, locals)
}

func (m *Manager) ResourcePreFetch(ctx context.Context, p *hooks.ResourcePreFetchPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.ResourcePreFetch, p, gctx, locals)
}

func (m *Manager) ResourcePostFetch(ctx context.Context, p *hooks.ResourcePostFetchPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.ResourcePostFetch, p, gctx, locals)
}

func (m *Manager) AgentPreInvoke(ctx context.Context, p *hooks.AgentPreInvokePayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.AgentPreInvoke, p, gctx, locals)
}

func (m *Manager) AgentPostInvoke(ctx context.Context, p *hooks.AgentPostInvokePayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.AgentPostInvoke, p, gctx, locals)
}

func (m *Manager) HTTPPreRequest(ctx context.Context, p *hooks.HTTPPreRequestPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.HTTPPreRequest, p, gctx, locals)
}

func (m *Manager) HTTPPostRequest(ctx context.Context, p *hooks.HTTPPostRequestPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.HTTPPostRequest, p, gctx, locals)
}

func (m *Manager) HTTPAuthResolveUser(ctx context.Context, p *hooks.HTTPAuthResolveUserPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.HTTPAuthResolveUser, p, gctx, locals)
}

func (m *Manager) HTTPAuthCheckPermission(ctx context.Context, p *hooks.HTTPAuthCheckPermissionPayload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	return m.Invoke(ctx, hooks.HTTPAuthCheckPermission, p, gctx, locals)
}
