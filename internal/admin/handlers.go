// Package admin provides HTTP handlers for the gateway administration API.
// Routes expose the loaded plugins, hooks and routing rules, plugin health,
// the violation audit log, runtime config management and admin tokens.
// All admin routes are protected by bearer-token authentication via
// AuthMiddleware.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	hookgateway "github.com/ferro-labs/hook-gateway"
	"github.com/ferro-labs/hook-gateway/internal/auditlog"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// Engine is the part of the plugin manager the admin API reads.
type Engine interface {
	Plugins() []plugin.Config
	Plugin(name string) (plugin.Config, bool)
	Routes() []plugin.HookRule
	Settings() plugin.Settings
	Registry() *hooks.Registry
	CheckHealth(ctx context.Context) map[string]error
}

// ConfigManager exposes the runtime config operations of the admin API.
type ConfigManager interface {
	GetConfig() hookgateway.Config
	Apply(ctx context.Context, cfg hookgateway.Config) (ConfigVersion, error)
	Rollback(ctx context.Context, version int) (ConfigVersion, error)
	Reset(ctx context.Context) error
	History(ctx context.Context, limit int) ([]ConfigVersion, error)
}

// Handlers holds dependencies for admin HTTP handlers. Nil optional
// dependencies make their routes answer 501.
type Handlers struct {
	Engine         Engine
	Tokens         *TokenStore
	Configs        ConfigManager
	Violations     auditlog.Reader
	ViolationAdmin auditlog.Maintainer
}

const unknownLabel = "unknown"
const statsMaxScannedEntries = 5000

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	// Read-only endpoints (accessible with read-only or admin scope).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/dashboard", h.dashboard)
		r.Get("/plugins", h.listPlugins)
		r.Get("/plugins/{name}", h.getPlugin)
		r.Get("/hooks", h.listHooks)
		r.Get("/routes", h.listRoutes)
		r.Get("/health", h.healthCheck)
		r.Get("/violations", h.listViolations)
		r.Get("/violations/stats", h.violationStats)
		r.Get("/config", h.getConfig)
		r.Get("/config/history", h.getConfigHistory)
	})

	// Write endpoints (admin scope only).
	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Get("/tokens", h.listTokens)
		r.Post("/tokens", h.createToken)
		r.Delete("/tokens/{id}", h.revokeToken)
		r.Delete("/violations", h.deleteViolations)
		r.Post("/config", h.createConfig)
		r.Put("/config", h.updateConfig)
		r.Delete("/config", h.deleteConfig)
		r.Post("/config/rollback/{version}", h.rollbackConfig)
	})

	return r
}

func (h *Handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	byMode := map[string]int{}
	external := 0
	hookCount := 0
	routes := 0
	if h.Engine != nil {
		for _, p := range h.Engine.Plugins() {
			byMode[string(p.EffectiveMode())]++
			if p.Kind == plugin.KindExternal {
				external++
			}
		}
		hookCount = len(h.Engine.Registry().Names())
		routes = len(h.Engine.Routes())
	}

	violations := map[string]interface{}{
		"enabled": false,
		"total":   0,
	}
	if h.Violations != nil {
		res, err := h.Violations.List(r.Context(), auditlog.Query{Limit: 1})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load dashboard summary", "server_error", "internal_error")
			return
		}
		violations["enabled"] = true
		violations["total"] = res.Total
	}

	total := 0
	for _, n := range byMode {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plugins": map[string]interface{}{
			"total":    total,
			"external": external,
			"by_mode":  byMode,
		},
		"hooks":      hookCount,
		"routes":     routes,
		"violations": violations,
	})
}

// pluginView is the admin rendering of a plugin config. External transport
// environment is omitted.
type pluginView struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Hooks        []string `json:"hooks"`
	Mode         string   `json:"mode"`
	Priority     int      `json:"priority"`
	PostPriority *int     `json:"post_priority,omitempty"`
	Conditions   int      `json:"conditions"`
	Transport    string   `json:"transport,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
}

func viewOf(p plugin.Config) pluginView {
	v := pluginView{
		Name:         p.Name,
		Kind:         p.Kind,
		Description:  p.Description,
		Version:      p.Version,
		Tags:         p.Tags,
		Hooks:        p.Hooks,
		Mode:         string(p.EffectiveMode()),
		Priority:     p.EffectivePriority(),
		PostPriority: p.PostPriority,
		Conditions:   len(p.Conditions),
	}
	if p.MCP != nil {
		v.Transport = p.MCP.Proto
		v.Endpoint = p.MCP.URL
		if v.Endpoint == "" {
			v.Endpoint = p.MCP.Script
		}
	}
	return v
}

func (h *Handlers) listPlugins(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeError(w, http.StatusNotImplemented, "plugin engine is not attached", "not_implemented_error", "not_implemented")
		return
	}
	hook := r.URL.Query().Get("hook")
	out := []pluginView{}
	for _, p := range h.Engine.Plugins() {
		if hook != "" && !p.DeclaresHook(hook) {
			continue
		}
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (h *Handlers) getPlugin(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeError(w, http.StatusNotImplemented, "plugin engine is not attached", "not_implemented_error", "not_implemented")
		return
	}
	p, ok := h.Engine.Plugin(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found", "not_found_error", "resource_not_found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (h *Handlers) listHooks(w http.ResponseWriter, _ *http.Request) {
	if h.Engine == nil {
		writeError(w, http.StatusNotImplemented, "plugin engine is not attached", "not_implemented_error", "not_implemented")
		return
	}
	type hookInfo struct {
		Name    string   `json:"name"`
		Post    bool     `json:"post"`
		Plugins []string `json:"plugins"`
	}
	reg := h.Engine.Registry()
	plugins := h.Engine.Plugins()
	out := make([]hookInfo, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		info := hookInfo{Name: name, Post: reg.IsPostHook(name), Plugins: []string{}}
		for _, p := range plugins {
			if p.DeclaresHook(name) {
				info.Plugins = append(info.Plugins, p.Name)
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (h *Handlers) listRoutes(w http.ResponseWriter, _ *http.Request) {
	if h.Engine == nil {
		writeError(w, http.StatusNotImplemented, "plugin engine is not attached", "not_implemented_error", "not_implemented")
		return
	}
	routes := h.Engine.Routes()
	if routes == nil {
		routes = []plugin.HookRule{}
	}
	settings := h.Engine.Settings()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":           routes,
		"routing":        len(routes) > 0,
		"merge_strategy": settings.RuleMergeStrategy,
	})
}

func (h *Handlers) healthCheck(w http.ResponseWriter, r *http.Request) {
	type pluginHealth struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	if h.Engine == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "no_plugins", "plugins": []pluginHealth{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	failures := h.Engine.CheckHealth(ctx)

	statuses := []pluginHealth{}
	overall := "healthy"
	for _, p := range h.Engine.Plugins() {
		if err, ok := failures[p.Name]; ok {
			statuses = append(statuses, pluginHealth{Name: p.Name, Status: "unavailable", Message: err.Error()})
			overall = "degraded"
			continue
		}
		statuses = append(statuses, pluginHealth{Name: p.Name, Status: "available"})
	}
	if len(statuses) == 0 {
		overall = "no_plugins"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  overall,
		"plugins": statuses,
	})
}

func (h *Handlers) listViolations(w http.ResponseWriter, r *http.Request) {
	if h.Violations == nil {
		writeError(w, http.StatusNotImplemented, "violation audit log is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed > 200 {
			parsed = 200
		}
		limit = parsed
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset: must be a non-negative integer", "invalid_request_error", "invalid_request")
			return
		}
		offset = parsed
	}

	since, ok := parseTimeParam(w, r, "since")
	if !ok {
		return
	}

	query := auditlog.Query{
		Limit:      limit,
		Offset:     offset,
		Hook:       r.URL.Query().Get("hook"),
		PluginName: r.URL.Query().Get("plugin"),
		Code:       r.URL.Query().Get("code"),
		User:       r.URL.Query().Get("user"),
		Since:      since,
	}
	result, err := h.Violations.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list violations", "server_error", "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result.Data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
		"filters": map[string]interface{}{
			"limit":  limit,
			"offset": offset,
			"hook":   query.Hook,
			"plugin": query.PluginName,
			"code":   query.Code,
			"user":   query.User,
			"since":  r.URL.Query().Get("since"),
		},
	})
}

func (h *Handlers) deleteViolations(w http.ResponseWriter, r *http.Request) {
	if h.ViolationAdmin == nil {
		writeError(w, http.StatusNotImplemented, "violation audit log is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	if r.URL.Query().Get("before") == "" {
		writeError(w, http.StatusBadRequest, "before is required and must be RFC3339 format", "invalid_request_error", "invalid_request")
		return
	}
	before, ok := parseTimeParam(w, r, "before")
	if !ok {
		return
	}

	deleted, err := h.ViolationAdmin.Delete(r.Context(), auditlog.MaintenanceQuery{
		Before:     before,
		PluginName: r.URL.Query().Get("plugin"),
		Code:       r.URL.Query().Get("code"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete violations", "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"filters": map[string]interface{}{
			"before": r.URL.Query().Get("before"),
			"plugin": r.URL.Query().Get("plugin"),
			"code":   r.URL.Query().Get("code"),
		},
	})
}

func (h *Handlers) violationStats(w http.ResponseWriter, r *http.Request) {
	if h.Violations == nil {
		writeError(w, http.StatusNotImplemented, "violation audit log is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		if parsed > 100 {
			parsed = 100
		}
		limit = parsed
	}
	since, ok := parseTimeParam(w, r, "since")
	if !ok {
		return
	}

	query := auditlog.Query{Limit: 200, Hook: r.URL.Query().Get("hook"), Since: since}
	result, err := h.Violations.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute violation stats", "server_error", "internal_error")
		return
	}
	entries := append([]auditlog.Entry(nil), result.Data...)
	for len(entries) < result.Total && len(entries) < statsMaxScannedEntries {
		query.Offset = len(entries)
		next, err := h.Violations.List(r.Context(), query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute violation stats", "server_error", "internal_error")
			return
		}
		if len(next.Data) == 0 {
			break
		}
		if remaining := statsMaxScannedEntries - len(entries); len(next.Data) > remaining {
			next.Data = next.Data[:remaining]
		}
		entries = append(entries, next.Data...)
	}

	byHook := map[string]int{}
	byPlugin := map[string]int{}
	byCode := map[string]int{}
	for _, e := range entries {
		byHook[labelOr(e.Hook)]++
		byPlugin[labelOr(e.PluginName)]++
		byCode[labelOr(e.Code)]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": map[string]interface{}{
			"total_entries":     len(entries),
			"truncated":         len(entries) < result.Total,
			"available_entries": result.Total,
			"scan_limit":        statsMaxScannedEntries,
		},
		"by_hook":   byHook,
		"by_plugin": limitCounts(byPlugin, limit),
		"by_code":   limitCounts(byCode, limit),
	})
}

func labelOr(s string) string {
	if s == "" {
		return unknownLabel
	}
	return s
}

// limitCounts keeps the limit largest counts, ties broken by name.
func limitCounts(input map[string]int, limit int) map[string]int {
	if limit <= 0 || len(input) <= limit {
		return input
	}
	names := make([]string, 0, len(input))
	for name := range input {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if input[names[i]] != input[names[j]] {
			return input[names[i]] > input[names[j]]
		}
		return names[i] < names[j]
	})
	out := make(map[string]int, limit)
	for _, name := range names[:limit] {
		out[name] = input[name]
	}
	return out
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": must be RFC3339 format", "invalid_request_error", "invalid_request")
		return nil, false
	}
	return &t, true
}

func (h *Handlers) listTokens(w http.ResponseWriter, _ *http.Request) {
	if h.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "token management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": h.Tokens.List()})
}

func (h *Handlers) createToken(w http.ResponseWriter, r *http.Request) {
	if h.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "token management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	var body struct {
		Name      string `json:"name"`
		Scope     string `json:"scope"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "invalid_request_error", "invalid_request")
		return
	}
	var expiresAt *time.Time
	if body.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expires_at: must be RFC3339 format", "invalid_request_error", "invalid_request")
			return
		}
		expiresAt = &t
	}

	tok, err := h.Tokens.Create(body.Name, body.Scope, expiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *Handlers) revokeToken(w http.ResponseWriter, r *http.Request) {
	if h.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "token management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	err := h.Tokens.Revoke(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "token not found", "not_found_error", "resource_not_found")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	if h.Configs == nil {
		writeError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	writeJSON(w, http.StatusOK, h.Configs.GetConfig())
}

func (h *Handlers) getConfigHistory(w http.ResponseWriter, r *http.Request) {
	if h.Configs == nil {
		writeError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: must be a positive integer", "invalid_request_error", "invalid_request")
			return
		}
		limit = parsed
	}
	history, err := h.Configs.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load config history", "server_error", "internal_error")
		return
	}
	if history == nil {
		history = []ConfigVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": history,
		"summary": map[string]interface{}{
			"returned_versions": len(history),
		},
	})
}

func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	h.applyConfigUpdate(w, r, http.StatusOK, "updated")
}

func (h *Handlers) createConfig(w http.ResponseWriter, r *http.Request) {
	h.applyConfigUpdate(w, r, http.StatusCreated, "created")
}

// applyConfigUpdate accepts a JSON config document. It goes through the
// same schema check as config files before the gateway validates it.
func (h *Handlers) applyConfigUpdate(w http.ResponseWriter, r *http.Request, statusCode int, statusText string) {
	if h.Configs == nil {
		writeError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	cfg, err := hookgateway.ParseConfig(raw, hookgateway.FormatJSON)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_config")
		return
	}

	v, err := h.Configs.Apply(r.Context(), *cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_config")
		return
	}
	writeJSON(w, statusCode, map[string]interface{}{"status": statusText, "version": v.Version})
}

func (h *Handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	if h.Configs == nil {
		writeError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	if err := h.Configs.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) rollbackConfig(w http.ResponseWriter, r *http.Request) {
	if h.Configs == nil {
		writeError(w, http.StatusNotImplemented, "config management is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	requested, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || requested <= 0 {
		writeError(w, http.StatusBadRequest, "invalid version: must be a positive integer", "invalid_request_error", "invalid_request")
		return
	}

	v, err := h.Configs.Rollback(r.Context(), requested)
	switch {
	case errors.Is(err, ErrVersionNotFound):
		writeError(w, http.StatusNotFound, "config version not found", "not_found_error", "resource_not_found")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "rolled_back",
		"rolled_back_to": requested,
		"version":        v.Version,
	})
}
