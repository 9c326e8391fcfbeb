package hookgateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/ferro-labs/hook-gateway/internal/plugins/denylist"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

const yamlConfig = `
plugins:
  - name: words
    kind: deny-list
    hooks: [tool_pre_invoke, prompt_pre_fetch]
    mode: enforce
    priority: 10
    config:
      words: [drop table]
  - name: pii
    kind: external
    hooks: [tool_post_invoke]
    mcp:
      proto: streamablehttp
      url: ${PII_URL:-http://localhost:8000/mcp}
plugin_settings:
  plugin_timeout: 5
  rule_merge_strategy: merge_all
server_settings:
  port: 9090
metadata:
  gateway_id: gw-1
  tenant_id: ${HOOKGW_TEST_TENANT}
routes:
  - entities: [tool]
    name: search
    plugins:
      - name: words
`

func TestLoadConfig_YAML(t *testing.T) {
	t.Setenv("HOOKGW_TEST_TENANT", "acme")
	path := writeTempFile(t, "config.yaml", yamlConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(cfg.Plugins))
	}
	if cfg.Plugins[0].EffectivePriority() != 10 || cfg.Plugins[0].Config["words"] == nil {
		t.Errorf("plugin[0] = %+v", cfg.Plugins[0])
	}
	if got := cfg.Plugins[1].MCP.URL; got != "http://localhost:8000/mcp" {
		t.Errorf("expected default url, got %q", got)
	}
	if cfg.Metadata.TenantID != "acme" || cfg.Metadata.GatewayID != "gw-1" {
		t.Errorf("metadata = %+v", cfg.Metadata)
	}
	if cfg.PluginSettings.PluginTimeout != 5 || cfg.PluginSettings.RuleMergeStrategy != plugin.MergeAll {
		t.Errorf("settings = %+v", cfg.PluginSettings)
	}
	if cfg.ServerSettings.Port != 9090 {
		t.Errorf("port = %d", cfg.ServerSettings.Port)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Name[0] != "search" {
		t.Errorf("routes = %+v", cfg.Routes)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Errorf("ValidateConfig: %v", err)
	}
}

func TestLoadConfig_YML(t *testing.T) {
	path := writeTempFile(t, "config.yml", "plugins: []\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Plugins) != 0 {
		t.Errorf("expected no plugins, got %d", len(cfg.Plugins))
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	data := `{
		"plugins": [
			{"name": "words", "kind": "deny-list", "hooks": ["tool_pre_invoke"], "config": {"words": ["secret"]}}
		],
		"routes": [
			{"name": ["search", "fetch"], "plugins": [{"name": "words", "when": "args.size > 10"}]}
		]
	}`
	path := writeTempFile(t, "config.json", data)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Routes[0].Name) != 2 || cfg.Routes[0].Plugins[0].When != "args.size > 10" {
		t.Errorf("route = %+v", cfg.Routes[0])
	}
}

func TestLoadConfig_EmptyDocument(t *testing.T) {
	path := writeTempFile(t, "empty.yaml", "")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Errorf("empty config should be valid: %v", err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		data     string
		contains string
	}{
		{"invalid json", "bad.json", `{invalid`, "parsing JSON"},
		{"invalid yaml", "bad.yaml", "plugins: [", "parsing YAML"},
		{"unsupported extension", "config.toml", "", "unsupported config file extension"},
		{"unknown top-level key", "c.yaml", "strategy: fallback\n", "schema"},
		{"missing hooks", "c.yaml", "plugins:\n  - name: a\n    kind: deny-list\n", "schema"},
		{"unknown mode", "c.yaml", "plugins:\n  - name: a\n    kind: deny-list\n    hooks: [tool_pre_invoke]\n    mode: strict\n", "schema"},
		{"bad proto", "c.yaml", "plugins:\n  - name: a\n    kind: external\n    hooks: [tool_pre_invoke]\n    mcp: {proto: websocket}\n", "schema"},
		{"rule without plugins", "c.yaml", "routes:\n  - entities: [tool]\n", "schema"},
		{"unknown entity", "c.yaml", "routes:\n  - entities: [widget]\n    plugins: [{name: a}]\n", "schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempFile(t, tt.file, tt.data)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("HOOKGW_TEST_SET", "value")
	tests := []struct {
		in, want string
	}{
		{"${HOOKGW_TEST_SET}", "value"},
		{"${HOOKGW_TEST_SET:-fallback}", "value"},
		{"${HOOKGW_TEST_UNSET:-fallback}", "fallback"},
		{"${HOOKGW_TEST_UNSET}", ""},
		{"$HOOKGW_TEST_SET", "$HOOKGW_TEST_SET"},
		{"a-${HOOKGW_TEST_SET}-b", "a-value-b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := string(ExpandEnv([]byte(tt.in))); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	denylist := func(name string) plugin.Config {
		return plugin.Config{Name: name, Kind: "deny-list", Hooks: []string{hooks.ToolPreInvoke}}
	}
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"valid plugin", Config{Plugins: []plugin.Config{denylist("a")}}, false},
		{"unknown kind", Config{Plugins: []plugin.Config{{Name: "a", Kind: "nope", Hooks: []string{hooks.ToolPreInvoke}}}}, true},
		{"unknown hook", Config{Plugins: []plugin.Config{{Name: "a", Kind: "deny-list", Hooks: []string{"tool_pre_call"}}}}, true},
		{"duplicate names", Config{Plugins: []plugin.Config{denylist("a"), denylist("a")}}, true},
		{"route to unknown plugin", Config{
			Plugins: []plugin.Config{denylist("a")},
			Routes:  []plugin.HookRule{{Plugins: []plugin.Attachment{{Name: "b"}}}},
		}, true},
		{"port out of range", Config{ServerSettings: ServerSettings{Port: 70000}}, true},
		{"tls without key", Config{ServerSettings: ServerSettings{TLS: &ServerTLS{CertFile: "c.pem"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfig_ReportsAllErrors(t *testing.T) {
	cfg := Config{
		Plugins:        []plugin.Config{{Name: "a", Kind: "nope", Hooks: []string{hooks.ToolPreInvoke}}},
		ServerSettings: ServerSettings{Port: -1},
	}
	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"unknown kind", "port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfigSchema_IsCopy(t *testing.T) {
	s := ConfigSchema()
	s[0] = 'x'
	if ConfigSchema()[0] == 'x' {
		t.Error("ConfigSchema should return a copy")
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
