package external

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ferro-labs/hook-gateway/plugin"
)

// gRPC service and method names. Both methods take and return a
// google.protobuf.Struct holding the JSON document of the MCP tools.
const (
	GRPCServiceName       = "hookgw.plugin.v1.PluginService"
	methodInvokeHook      = "/" + GRPCServiceName + "/InvokeHook"
	methodGetPluginConfig = "/" + GRPCServiceName + "/GetPluginConfig"
)

// grpcConn is a plugin.Conn over a gRPC client connection.
type grpcConn struct {
	cc *grpc.ClientConn
}

// DialGRPC creates a client for the plugin server at cfg.URL. The URL is a
// host:port (optionally prefixed grpc:// or grpcs://) or a unix:// socket.
// TLS applies to TCP targets only.
func DialGRPC(_ context.Context, cfg *plugin.MCPConfig) (plugin.Conn, error) {
	target, secure := grpcTarget(cfg.URL)
	creds := insecure.NewCredentials()
	if !strings.HasPrefix(target, "unix:") {
		tc, err := ClientTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		if tc == nil && secure {
			tc, _ = ClientTLS(&plugin.TLSConfig{})
		}
		if tc != nil {
			creds = credentials.NewTLS(tc)
		}
	}
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", cfg.URL, err)
	}
	return NewGRPCConn(cc), nil
}

// grpcTarget normalizes a configured URL into a gRPC target and reports
// whether the grpcs scheme asked for TLS.
func grpcTarget(url string) (string, bool) {
	switch {
	case strings.HasPrefix(url, "grpcs://"):
		return strings.TrimPrefix(url, "grpcs://"), true
	case strings.HasPrefix(url, "grpc://"):
		return strings.TrimPrefix(url, "grpc://"), false
	default:
		return url, false
	}
}

// NewGRPCConn wraps an existing client connection. The Conn owns cc.
func NewGRPCConn(cc *grpc.ClientConn) plugin.Conn {
	return &grpcConn{cc: cc}
}

func (c *grpcConn) InvokeHook(ctx context.Context, req *plugin.WireRequest) (*plugin.WireResponse, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodInvokeHook, in, out); err != nil {
		return nil, fmt.Errorf("grpc InvokeHook: %w", err)
	}
	var resp plugin.WireResponse
	if err := fromDocument(out.AsMap(), &resp); err != nil {
		return nil, fmt.Errorf("grpc InvokeHook: %w", err)
	}
	return &resp, nil
}

func (c *grpcConn) PluginConfig(ctx context.Context, name string) (*plugin.Config, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodGetPluginConfig, in, out); err != nil {
		return nil, fmt.Errorf("grpc GetPluginConfig: %w", err)
	}
	var cfg plugin.Config
	if err := fromDocument(out.AsMap(), &cfg); err != nil {
		return nil, fmt.Errorf("grpc GetPluginConfig: %w", err)
	}
	return &cfg, nil
}

func (c *grpcConn) Close() error {
	return c.cc.Close()
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	doc, err := toDocument(v)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return s, nil
}

// pluginServiceServer is the server side of the gRPC plugin service.
type pluginServiceServer interface {
	InvokeHook(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPluginConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var pluginServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*pluginServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "InvokeHook", Handler: unaryHandler(methodInvokeHook, pluginServiceServer.InvokeHook)},
		{MethodName: "GetPluginConfig", Handler: unaryHandler(methodGetPluginConfig, pluginServiceServer.GetPluginConfig)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hookgw/plugin/v1/plugin.proto",
}

func unaryHandler(fullMethod string, call func(pluginServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(pluginServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(pluginServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// grpcService adapts Server to the gRPC service.
type grpcService struct {
	s *Server
}

// RegisterGRPCServer registers s's plugin service on gs.
func RegisterGRPCServer(gs *grpc.Server, s *Server) {
	gs.RegisterService(&pluginServiceDesc, &grpcService{s: s})
}

func (g *grpcService) InvokeHook(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req plugin.WireRequest
	if err := fromDocument(in.AsMap(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if req.HookType == "" || req.PluginName == "" {
		return nil, status.Error(codes.InvalidArgument, "hook_type and plugin_name are required")
	}
	out, err := toStruct(g.s.InvokeHook(ctx, &req))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (g *grpcService) GetPluginConfig(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := in.GetFields()["name"].GetStringValue()
	cfg, ok := g.s.PluginConfig(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown plugin %q", name)
	}
	out, err := toStruct(cfg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode config: %v", err)
	}
	return out, nil
}
