package hookgateway

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

//go:embed config.schema.json
var configSchemaJSON []byte

// ConfigSchema returns the JSON schema config documents are validated
// against.
func ConfigSchema() []byte {
	return append([]byte(nil), configSchemaJSON...)
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", bytes.NewReader(configSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("loading config schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// Config formats accepted by ParseConfig.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml). ${VAR} and
// ${VAR:-default} references are replaced from the environment before
// parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var format string
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	return ParseConfig(ExpandEnv(data), format)
}

// ParseConfig decodes a config document and checks it against the config
// schema. It does not run the semantic checks of ValidateConfig.
func ParseConfig(data []byte, format string) (*Config, error) {
	var doc interface{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		// Re-encode as JSON so both formats share the schema check and
		// the json field tags.
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		data = raw
		doc = nil
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if doc == nil {
		doc = map[string]interface{}{}
		data = []byte("{}")
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} references. Unset variables
// without a default expand to the empty string. A bare $VAR is left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(v)
		}
		return sub[2]
	})
}

// ValidateConfig validates a Config for correctness against the standard
// hook set. Every problem is reported.
func ValidateConfig(cfg Config) error {
	return ValidateConfigWith(cfg, hooks.NewStandardRegistry())
}

// ValidateConfigWith is ValidateConfig for a custom hook registry.
func ValidateConfigWith(cfg Config, registry *hooks.Registry) error {
	var errs []error
	mc := cfg.ManagerConfig()
	if err := mc.Validate(registry); err != nil {
		errs = append(errs, err)
	}

	s := cfg.ServerSettings
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("server_settings.port %d out of range", s.Port))
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server_settings.tls requires certfile and keyfile"))
	}
	return errors.Join(errs...)
}

// pluginKinds lists the kinds the config uses, for startup logging.
func pluginKinds(cfg Config) []string {
	seen := map[string]bool{}
	var kinds []string
	for _, p := range cfg.Plugins {
		if !seen[p.Kind] {
			seen[p.Kind] = true
			kinds = append(kinds, p.Kind)
		}
	}
	return kinds
}
