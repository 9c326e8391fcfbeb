package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ferro-labs/hook-gateway/internal/logging"
)

type contextKey string

const tokenContextKey contextKey = "admin_token"

// Admin token scopes.
const (
	ScopeAdmin    = "admin"
	ScopeReadOnly = "read_only"
)

// TokenFromContext retrieves the authenticated token from the request
// context.
func TokenFromContext(ctx context.Context) (Token, bool) {
	t, ok := ctx.Value(tokenContextKey).(Token)
	return t, ok
}

// AuthMiddleware returns a chi-compatible middleware that validates bearer
// tokens against store and stores the authenticated token in the request
// context.
func AuthMiddleware(store *TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid authorization header", "authentication_error", "missing_token")
				return
			}

			tok, ok := store.Validate(strings.TrimPrefix(auth, "Bearer "))
			if !ok {
				logging.FromContext(r.Context()).Warn("admin auth rejected", "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "invalid or expired token", "authentication_error", "invalid_token")
				return
			}

			ctx := context.WithValue(r.Context(), tokenContextKey, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns a middleware that checks whether the authenticated
// token has one of the required scopes.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := TokenFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
				return
			}
			for _, required := range scopes {
				if tok.Scope == required {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient permissions", "permission_error", "insufficient_scope")
		})
	}
}

// writeError writes the gateway JSON error envelope:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	WriteError(w, status, message, errType, code)
}

// WriteError is writeError for the other HTTP surfaces of the gateway.
func WriteError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
