// Command hookgw serves the hook gateway over HTTP: hook invocation under
// /v1/hooks, the admin API under /admin, Prometheus metrics under /metrics.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	hookgateway "github.com/ferro-labs/hook-gateway"
	"github.com/ferro-labs/hook-gateway/internal/admin"
	"github.com/ferro-labs/hook-gateway/internal/auditlog"
	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/internal/version"

	// Register built-in plugins and the external transports so they can be
	// loaded from config.
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/argsize"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/denylist"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/hooklogger"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/ratelimit"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/redactor"
	_ "github.com/ferro-labs/hook-gateway/internal/plugins/resultcache"
	_ "github.com/ferro-labs/hook-gateway/plugin/external"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.Logger

	cfg := &hookgateway.Config{}
	cfgPath := os.Getenv("GATEWAY_CONFIG")
	if cfgPath != "" {
		loaded, err := hookgateway.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if err := hookgateway.ValidateConfig(*loaded); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
		cfg = loaded
	} else {
		logger.Info("no GATEWAY_CONFIG set; starting with no plugins")
	}

	var opts []hookgateway.Option
	var violations *auditlog.SQLStore
	if dsn := os.Getenv("AUDIT_LOG_DSN"); dsn != "" {
		store, err := auditlog.Open(dsn)
		if err != nil {
			log.Fatalf("Failed to open audit log: %v", err)
		}
		defer func() { _ = store.Close() }()
		violations = store
		opts = append(opts, hookgateway.WithAuditWriter(store))
	}

	gw, err := hookgateway.New(*cfg, opts...)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	configStore, err := admin.OpenConfigStore(os.Getenv("CONFIG_STORE"), os.Getenv("CONFIG_STORE_DSN"))
	if err != nil {
		log.Fatalf("Failed to open config store: %v", err)
	}
	if c, ok := configStore.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}
	configs, err := admin.NewGatewayConfigManager(ctx, gw, configStore)
	if err != nil {
		log.Fatalf("Failed to apply stored config: %v", err)
	}

	tokens := admin.NewTokenStore()
	if t := os.Getenv("ADMIN_TOKEN"); t != "" {
		if err := tokens.AddStatic("ADMIN_TOKEN", t, admin.ScopeAdmin); err != nil {
			log.Fatalf("ADMIN_TOKEN: %v", err)
		}
	}
	if t := os.Getenv("ADMIN_READ_TOKEN"); t != "" {
		if err := tokens.AddStatic("ADMIN_READ_TOKEN", t, admin.ScopeReadOnly); err != nil {
			log.Fatalf("ADMIN_READ_TOKEN: %v", err)
		}
	}
	if len(tokens.List()) == 0 {
		logger.Warn("no ADMIN_TOKEN set; the admin API rejects every request")
	}

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	handlers := &admin.Handlers{
		Engine:  gw.Manager(),
		Tokens:  tokens,
		Configs: configs,
	}
	if violations != nil {
		handlers.Violations = violations
		handlers.ViolationAdmin = violations
	}
	r := newRouter(gw, handlers, corsOrigins)

	if cfgPath != "" {
		if err := watchConfig(ctx, cfgPath, configs); err != nil {
			logger.Warn("config hot reload disabled", "path", cfgPath, "error", err.Error())
		}
	}
	gw.StartHealthChecks(ctx, 0)

	settings := gw.GetConfig().ServerSettings
	srv := &http.Server{
		Addr:         listenAddr(settings),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err.Error())
		}
		if err := gw.Close(shutdownCtx); err != nil {
			logger.Error("plugin shutdown error", "error", err.Error())
		}
	}()

	logger.Info("hook gateway listening",
		"version", version.Short(), "addr", srv.Addr,
		"plugins", len(gw.Manager().Plugins()), "tls", settings.TLS != nil)
	if settings.TLS != nil {
		err = srv.ListenAndServeTLS(settings.TLS.CertFile, settings.TLS.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("server stopped")
}

// listenAddr resolves the listen address. PORT overrides
// server_settings.port.
func listenAddr(s hookgateway.ServerSettings) string {
	port := s.Port
	if port == 0 {
		port = hookgateway.DefaultPort
	}
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}
