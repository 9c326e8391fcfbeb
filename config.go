package hookgateway

import (
	"github.com/ferro-labs/hook-gateway/plugin"
)

// Config is the gateway configuration document.
type Config struct {
	// Plugins lists every configured plugin, in registration order.
	Plugins []plugin.Config `json:"plugins" yaml:"plugins"`
	// PluginSettings are the engine-wide execution settings.
	PluginSettings plugin.Settings `json:"plugin_settings" yaml:"plugin_settings"`
	// ServerSettings configure the HTTP listener of cmd/hookgw.
	ServerSettings ServerSettings `json:"server_settings" yaml:"server_settings"`
	// Metadata describes this gateway instance.
	Metadata Metadata `json:"metadata" yaml:"metadata"`
	// Routes are the routing rules. When empty, every plugin declaring a
	// hook runs for it in config order.
	Routes []plugin.HookRule `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// ServerSettings configure the HTTP listener.
type ServerSettings struct {
	Host string     `json:"host,omitempty" yaml:"host,omitempty"`
	Port int        `json:"port,omitempty" yaml:"port,omitempty"`
	TLS  *ServerTLS `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// ServerTLS enables HTTPS on the listener.
type ServerTLS struct {
	CertFile string `json:"certfile" yaml:"certfile"`
	KeyFile  string `json:"keyfile" yaml:"keyfile"`
}

// Metadata describes the gateway instance. TenantID and GatewayID seed the
// global context of invocations that do not set them.
type Metadata struct {
	GatewayID   string                 `json:"gateway_id,omitempty" yaml:"gateway_id,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Environment string                 `json:"environment,omitempty" yaml:"environment,omitempty"`
	Region      string                 `json:"region,omitempty" yaml:"region,omitempty"`
	Custom      map[string]interface{} `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// DefaultPort is used when server_settings.port is unset.
const DefaultPort = 8080

// ManagerConfig returns the part of cfg the plugin manager loads.
func (c Config) ManagerConfig() plugin.ManagerConfig {
	return plugin.ManagerConfig{
		Plugins:  c.Plugins,
		Settings: c.PluginSettings,
		Routes:   c.Routes,
	}
}
