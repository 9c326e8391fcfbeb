package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	hookgateway "github.com/ferro-labs/hook-gateway"
	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/plugin/external"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "http"
	transportGRPC  = "grpc"
)

func newServePluginsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-plugins",
		Short: "Host configured plugins as an external plugin server",
		Long: `serve-plugins loads the plugins of a gateway config and exposes them
to remote gateways over one transport:

  stdio  MCP over stdin/stdout, for gateways that launch this process
  http   MCP streamable HTTP on --addr
  grpc   the PluginService gRPC API on --addr`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return servePlugins(cmd.Context(), v.GetString("config"), v.GetString("transport"), v.GetString("addr"), v.GetDuration("call-timeout"))
		},
	}
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "gateway config file holding the plugins to host")
	flags.StringP("transport", "t", transportStdio, "transport: stdio, http or grpc")
	flags.String("addr", "127.0.0.1:8000", "listen address for the http and grpc transports")
	flags.Duration("call-timeout", external.DefaultCallTimeout, "per-call plugin timeout")
	for _, name := range []string{"config", "transport", "addr", "call-timeout"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	return cmd
}

// newPluginServer builds the plugin host for the config at path.
func newPluginServer(ctx context.Context, path string, callTimeout time.Duration) (*hookgateway.Gateway, *external.Server, error) {
	if path == "" {
		return nil, nil, errors.New("--config is required")
	}
	cfg, err := hookgateway.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	gw, err := hookgateway.New(*cfg)
	if err != nil {
		return nil, nil, err
	}
	if len(gw.Manager().Plugins()) == 0 {
		_ = gw.Close(ctx)
		return nil, nil, errors.New("config declares no plugins")
	}
	return gw, external.NewServer(gw.Manager(), external.WithCallTimeout(callTimeout)), nil
}

func servePlugins(ctx context.Context, path, transport, addr string, callTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	gw, srv, err := newPluginServer(ctx, path, callTimeout)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.Close(shutdownCtx)
	}()

	log := logging.Logger.With("transport", transport)
	log.Info("serving plugins", "plugins", len(gw.Manager().Plugins()), "addr", addr)

	switch transport {
	case transportStdio:
		// stdout carries the protocol; logs already go to stderr.
		return server.ServeStdio(external.NewMCPServer(srv, "hookgw-plugins"))

	case transportHTTP:
		httpSrv := server.NewStreamableHTTPServer(external.NewMCPServer(srv, "hookgw-plugins"))
		errc := make(chan error, 1)
		go func() { errc <- httpSrv.Start(addr) }()
		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		}

	case transportGRPC:
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		external.RegisterGRPCServer(gs, srv)
		go func() {
			<-ctx.Done()
			gs.GracefulStop()
		}()
		log.Info("grpc listening", "addr", lis.Addr().String())
		return gs.Serve(lis)

	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}
