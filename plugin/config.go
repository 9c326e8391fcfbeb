package plugin

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/hook-gateway/plugin/fieldsel"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
	"github.com/ferro-labs/hook-gateway/plugin/policy"
)

// Mode is a plugin's failure and blocking policy.
type Mode string

// Mode constants.
const (
	ModeEnforce            Mode = "enforce"
	ModeEnforceIgnoreError Mode = "enforce_ignore_error"
	ModePermissive         Mode = "permissive"
	ModeDisabled           Mode = "disabled"
)

// Valid reports whether m is one of the known modes. The empty mode is
// valid and means enforce.
func (m Mode) Valid() bool {
	switch m {
	case "", ModeEnforce, ModeEnforceIgnoreError, ModePermissive, ModeDisabled:
		return true
	}
	return false
}

// DefaultPriority is used for plugins that do not set one.
const DefaultPriority = 100

// KindExternal selects the remote runtime.
const KindExternal = "external"

// Transport protocols accepted in MCPConfig.Proto.
const (
	ProtoStdio          = "stdio"
	ProtoSSE            = "sse"
	ProtoStreamableHTTP = "streamablehttp"
	ProtoGRPC           = "grpc"
)

// Rule merge strategies.
const (
	MergeMostSpecific = "most_specific"
	MergeAll          = "merge_all"
)

// Config describes one configured plugin.
type Config struct {
	Name         string                 `json:"name" yaml:"name"`
	Kind         string                 `json:"kind" yaml:"kind"`
	Description  string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Author       string                 `json:"author,omitempty" yaml:"author,omitempty"`
	Namespace    string                 `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Version      string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Tags         []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Hooks        []string               `json:"hooks" yaml:"hooks"`
	Mode         Mode                   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Priority     *int                   `json:"priority,omitempty" yaml:"priority,omitempty"`
	PostPriority *int                   `json:"post_priority,omitempty" yaml:"post_priority,omitempty"`
	Conditions   []Condition            `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	ApplyTo      *fieldsel.Selection    `json:"apply_to,omitempty" yaml:"apply_to,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	MCP          *MCPConfig             `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// EffectiveMode returns the mode, defaulting to enforce.
func (c *Config) EffectiveMode() Mode {
	if c.Mode == "" {
		return ModeEnforce
	}
	return c.Mode
}

// EffectivePriority returns the priority, defaulting to DefaultPriority.
func (c *Config) EffectivePriority() int {
	if c.Priority == nil {
		return DefaultPriority
	}
	return *c.Priority
}

// DeclaresHook reports whether hook is in c.Hooks.
func (c *Config) DeclaresHook(hook string) bool {
	return contains(c.Hooks, hook)
}

// MCPConfig describes how to reach an external plugin server.
type MCPConfig struct {
	Proto  string            `json:"proto" yaml:"proto"`
	URL    string            `json:"url,omitempty" yaml:"url,omitempty"`
	Script string            `json:"script,omitempty" yaml:"script,omitempty"`
	Args   []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	TLS    *TLSConfig        `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig holds client TLS settings for network transports. Verify and
// CheckHostname default to true.
type TLSConfig struct {
	CertFile      string `json:"certfile,omitempty" yaml:"certfile,omitempty"`
	KeyFile       string `json:"keyfile,omitempty" yaml:"keyfile,omitempty"`
	CABundle      string `json:"ca_bundle,omitempty" yaml:"ca_bundle,omitempty"`
	Verify        *bool  `json:"verify,omitempty" yaml:"verify,omitempty"`
	CheckHostname *bool  `json:"check_hostname,omitempty" yaml:"check_hostname,omitempty"`
}

// Condition restricts when a plugin is eligible. Empty fields impose no
// constraint; a plugin is eligible when any of its conditions matches.
type Condition struct {
	ServerIDs    []string `json:"server_ids,omitempty" yaml:"server_ids,omitempty"`
	TenantIDs    []string `json:"tenant_ids,omitempty" yaml:"tenant_ids,omitempty"`
	Tools        []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Prompts      []string `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	Resources    []string `json:"resources,omitempty" yaml:"resources,omitempty"`
	Agents       []string `json:"agents,omitempty" yaml:"agents,omitempty"`
	UserPatterns []string `json:"user_patterns,omitempty" yaml:"user_patterns,omitempty"`
	ContentTypes []string `json:"content_types,omitempty" yaml:"content_types,omitempty"`
}

// Attachment references a plugin from a routing rule. Set fields override
// the plugin's own config for invocations routed through this attachment.
type Attachment struct {
	Name         string              `json:"name" yaml:"name"`
	Priority     *int                `json:"priority,omitempty" yaml:"priority,omitempty"`
	PostPriority *int                `json:"post_priority,omitempty" yaml:"post_priority,omitempty"`
	Hooks        []string            `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	When         string              `json:"when,omitempty" yaml:"when,omitempty"`
	Mode         Mode                `json:"mode,omitempty" yaml:"mode,omitempty"`
	ApplyTo      *fieldsel.Selection `json:"apply_to,omitempty" yaml:"apply_to,omitempty"`
}

// StringList is a list of strings that also decodes from a single string.
type StringList []string

// UnmarshalJSON accepts "a" or ["a", "b"].
func (l *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

// HookRule routes invocations to plugins. A nil Entities list matches every
// entity type as well as HTTP-level hooks that have none.
type HookRule struct {
	Entities           []hooks.EntityType     `json:"entities,omitempty" yaml:"entities,omitempty"`
	Name               StringList             `json:"name,omitempty" yaml:"name,omitempty"`
	Tags               []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	When               string                 `json:"when,omitempty" yaml:"when,omitempty"`
	ServerName         string                 `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	ServerID           string                 `json:"server_id,omitempty" yaml:"server_id,omitempty"`
	GatewayID          string                 `json:"gateway_id,omitempty" yaml:"gateway_id,omitempty"`
	Hooks              []string               `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	ReverseOrderOnPost bool                   `json:"reverse_order_on_post,omitempty" yaml:"reverse_order_on_post,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Plugins            []Attachment           `json:"plugins" yaml:"plugins"`
}

// Settings are the engine-wide execution settings.
type Settings struct {
	ParallelExecutionWithinBand bool   `json:"parallel_execution_within_band" yaml:"parallel_execution_within_band"`
	PluginTimeout               int    `json:"plugin_timeout,omitempty" yaml:"plugin_timeout,omitempty"`
	FailOnPluginError           bool   `json:"fail_on_plugin_error" yaml:"fail_on_plugin_error"`
	PluginHealthCheckInterval   int    `json:"plugin_health_check_interval,omitempty" yaml:"plugin_health_check_interval,omitempty"`
	AutoReversePostHooks        bool   `json:"auto_reverse_post_hooks" yaml:"auto_reverse_post_hooks"`
	RuleMergeStrategy           string `json:"rule_merge_strategy,omitempty" yaml:"rule_merge_strategy,omitempty"`
}

// Default settings values.
const (
	DefaultPluginTimeout             = 30
	DefaultPluginHealthCheckInterval = 60
)

// WithDefaults returns s with zero values replaced by defaults.
func (s Settings) WithDefaults() Settings {
	if s.PluginTimeout <= 0 {
		s.PluginTimeout = DefaultPluginTimeout
	}
	if s.PluginHealthCheckInterval <= 0 {
		s.PluginHealthCheckInterval = DefaultPluginHealthCheckInterval
	}
	if s.RuleMergeStrategy == "" {
		s.RuleMergeStrategy = MergeMostSpecific
	}
	return s
}

// Validate checks the settings values.
func (s Settings) Validate() error {
	if s.PluginTimeout < 0 {
		return fmt.Errorf("plugin_settings.plugin_timeout must not be negative")
	}
	if s.PluginHealthCheckInterval < 0 {
		return fmt.Errorf("plugin_settings.plugin_health_check_interval must not be negative")
	}
	switch s.RuleMergeStrategy {
	case "", MergeMostSpecific, MergeAll:
	default:
		return fmt.Errorf("plugin_settings.rule_merge_strategy: unknown strategy %q", s.RuleMergeStrategy)
	}
	return nil
}

// ManagerConfig is everything a Manager loads: plugins, settings and
// routing rules. Routing is enabled when Routes is non-empty.
type ManagerConfig struct {
	Plugins  []Config   `json:"plugins" yaml:"plugins"`
	Settings Settings   `json:"plugin_settings" yaml:"plugin_settings"`
	Routes   []HookRule `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// Validate checks every construction-time invariant of the config against
// the hook registry. All problems are reported together.
func (mc *ManagerConfig) Validate(registry *hooks.Registry) error {
	var errs []error
	names := make(map[string]bool, len(mc.Plugins))
	for i := range mc.Plugins {
		cfg := &mc.Plugins[i]
		if err := ValidatePluginConfig(cfg, registry); err != nil {
			errs = append(errs, err)
		}
		if cfg.Name != "" {
			if names[cfg.Name] {
				errs = append(errs, fmt.Errorf("plugin %q: duplicate name", cfg.Name))
			}
			names[cfg.Name] = true
		}
	}

	if err := mc.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}

	for i := range mc.Routes {
		if err := validateRule(i, &mc.Routes[i], registry, names); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidatePluginConfig checks one plugin config. Local kinds must have a
// registered factory.
func ValidatePluginConfig(cfg *Config, registry *hooks.Registry) error {
	if cfg.Name == "" {
		return fmt.Errorf("plugin: name is required")
	}
	if cfg.Kind == "" {
		return fmt.Errorf("plugin %q: kind is required", cfg.Name)
	}
	if cfg.Kind != KindExternal {
		if _, ok := GetFactory(cfg.Kind); !ok {
			return fmt.Errorf("plugin %q: unknown kind %q", cfg.Name, cfg.Kind)
		}
	}
	return validateCommon(cfg, registry)
}

func validateCommon(cfg *Config, registry *hooks.Registry) error {
	if !cfg.Mode.Valid() {
		return fmt.Errorf("plugin %q: unknown mode %q", cfg.Name, cfg.Mode)
	}
	if len(cfg.Hooks) == 0 {
		return fmt.Errorf("plugin %q: at least one hook is required", cfg.Name)
	}
	for _, h := range cfg.Hooks {
		if !registry.IsRegistered(h) {
			return fmt.Errorf("plugin %q: %w: %s", cfg.Name, hooks.ErrUnknownHook, h)
		}
	}
	if err := cfg.ApplyTo.Validate(); err != nil {
		return fmt.Errorf("plugin %q: apply_to: %w", cfg.Name, err)
	}

	if cfg.Kind == KindExternal {
		if cfg.MCP == nil {
			return fmt.Errorf("plugin %q: external plugins require an mcp section", cfg.Name)
		}
		if len(cfg.Config) > 0 {
			return fmt.Errorf("plugin %q: external plugins must not set config", cfg.Name)
		}
		if err := cfg.MCP.Validate(); err != nil {
			return fmt.Errorf("plugin %q: mcp: %w", cfg.Name, err)
		}
	} else if cfg.MCP != nil {
		return fmt.Errorf("plugin %q: mcp is only allowed for kind %q", cfg.Name, KindExternal)
	}
	return nil
}

// Validate checks the transport descriptor.
func (c *MCPConfig) Validate() error {
	switch c.Proto {
	case ProtoStdio:
		if c.Script == "" {
			return fmt.Errorf("stdio transport requires script")
		}
		if c.TLS != nil {
			return fmt.Errorf("tls is not supported for stdio transport")
		}
	case ProtoSSE, ProtoStreamableHTTP, ProtoGRPC:
		if c.URL == "" {
			return fmt.Errorf("%s transport requires url", c.Proto)
		}
	default:
		return fmt.Errorf("unknown proto %q", c.Proto)
	}
	if c.TLS != nil && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls certfile and keyfile must be set together")
	}
	return nil
}

func validateRule(i int, rule *HookRule, registry *hooks.Registry, plugins map[string]bool) error {
	if len(rule.Plugins) == 0 {
		return fmt.Errorf("routes[%d]: at least one plugin is required", i)
	}
	for _, e := range rule.Entities {
		if !validEntity(e) {
			return fmt.Errorf("routes[%d]: unknown entity type %q", i, e)
		}
	}
	for _, h := range rule.Hooks {
		if !registry.IsRegistered(h) {
			return fmt.Errorf("routes[%d]: %w: %s", i, hooks.ErrUnknownHook, h)
		}
	}
	if _, err := policy.Compile(rule.When); err != nil {
		return fmt.Errorf("routes[%d]: when: %w", i, err)
	}
	for j, att := range rule.Plugins {
		if att.Name == "" {
			return fmt.Errorf("routes[%d].plugins[%d]: name is required", i, j)
		}
		if plugins != nil && !plugins[att.Name] {
			return fmt.Errorf("routes[%d].plugins[%d]: unknown plugin %q", i, j, att.Name)
		}
		if !att.Mode.Valid() {
			return fmt.Errorf("routes[%d].plugins[%d]: unknown mode %q", i, j, att.Mode)
		}
		if _, err := policy.Compile(att.When); err != nil {
			return fmt.Errorf("routes[%d].plugins[%d]: when: %w", i, j, err)
		}
		if err := att.ApplyTo.Validate(); err != nil {
			return fmt.Errorf("routes[%d].plugins[%d]: apply_to: %w", i, j, err)
		}
	}
	return nil
}

func validEntity(e hooks.EntityType) bool {
	for _, t := range hooks.EntityTypes {
		if t == e {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
