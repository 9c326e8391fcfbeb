package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	hookgateway "github.com/ferro-labs/hook-gateway"
	"github.com/ferro-labs/hook-gateway/internal/admin"
	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// maxBodyBytes bounds a hook invocation request body.
const maxBodyBytes = 8 << 20

func newRouter(gw *hookgateway.Gateway, h *admin.Handlers, corsOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", healthHandler(gw))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/hooks", func(r chi.Router) {
		r.Get("/", listHooksHandler(gw))
		r.Post("/{hook}", invokeHandler(gw))
	})

	if h != nil && h.Tokens != nil {
		r.Group(func(r chi.Router) {
			r.Use(admin.AuthMiddleware(h.Tokens))
			r.Mount("/admin", h.Routes())
		})
	}
	return r
}

func healthHandler(gw *hookgateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"plugins": len(gw.Manager().Plugins()),
		})
	}
}

func listHooksHandler(gw *hookgateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		reg := gw.Registry()
		type hookView struct {
			Name   string `json:"name"`
			Post   bool   `json:"post"`
			Active bool   `json:"active"`
		}
		names := reg.Names()
		out := make([]hookView, 0, len(names))
		for _, name := range names {
			out = append(out, hookView{
				Name:   name,
				Post:   reg.IsPostHook(name),
				Active: gw.Manager().HasHooksFor(name),
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": out})
	}
}

// invokeRequest is the body of POST /v1/hooks/{hook}.
type invokeRequest struct {
	Payload       json.RawMessage        `json:"payload"`
	GlobalContext *plugin.GlobalContext  `json:"global_context,omitempty"`
	LocalContexts plugin.ContextTable    `json:"local_contexts,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type invokeResponse struct {
	Result        *hooks.Result         `json:"result"`
	GlobalContext *plugin.GlobalContext `json:"global_context"`
	LocalContexts plugin.ContextTable   `json:"local_contexts,omitempty"`
	DurationMs    int64                 `json:"duration_ms"`
}

func invokeHandler(gw *hookgateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hook := chi.URLParam(r, "hook")
		if !gw.Registry().IsRegistered(hook) {
			admin.WriteError(w, http.StatusNotFound, "unknown hook: "+hook, "", "unknown_hook")
			return
		}

		var req invokeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			admin.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "", "")
			return
		}
		if len(req.Payload) == 0 || string(req.Payload) == "null" {
			admin.WriteError(w, http.StatusBadRequest, "payload is required", "", "missing_payload")
			return
		}
		var doc interface{}
		if err := json.Unmarshal(req.Payload, &doc); err != nil {
			admin.WriteError(w, http.StatusBadRequest, "invalid payload: "+err.Error(), "", "")
			return
		}
		payload, err := gw.Registry().DecodePayload(hook, doc)
		if err != nil {
			admin.WriteError(w, http.StatusBadRequest, err.Error(), "", "invalid_payload")
			return
		}

		gctx := req.GlobalContext
		if gctx == nil {
			gctx = &plugin.GlobalContext{}
		}
		if gctx.RequestID == "" {
			gctx.RequestID = logging.TraceIDFromContext(r.Context())
		}
		for k, v := range req.Metadata {
			if gctx.Metadata == nil {
				gctx.Metadata = map[string]interface{}{}
			}
			gctx.Metadata[k] = v
		}

		start := time.Now()
		res, locals, err := gw.Invoke(r.Context(), hook, payload, gctx, req.LocalContexts)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, hooks.ErrUnknownHook) {
				status = http.StatusNotFound
			}
			logging.FromContext(r.Context()).Error("hook invocation failed", "hook", hook, "error", err.Error())
			admin.WriteError(w, status, err.Error(), "", "hook_error")
			return
		}
		writeJSON(w, http.StatusOK, invokeResponse{
			Result:        res,
			GlobalContext: gctx,
			LocalContexts: locals,
			DurationMs:    time.Since(start).Milliseconds(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
