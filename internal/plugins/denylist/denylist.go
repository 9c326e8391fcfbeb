// Package denylist provides a guardrail plugin that blocks hook payloads
// containing denied words or phrases. Register it with a blank import:
//
//	_ "github.com/ferro-labs/hook-gateway/internal/plugins/denylist"
package denylist

import (
	"context"
	"fmt"
	"strings"

	"github.com/ferro-labs/hook-gateway/internal/plugins/payloadtext"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// ViolationCode is the code of the violations this plugin raises.
const ViolationCode = "DENIED_WORD"

func init() {
	plugin.RegisterFactory("deny-list", func() plugin.Plugin {
		return &DenyList{}
	})
}

// DenyList is a guardrail plugin that blocks payloads containing
// configurable words or phrases in any string field.
type DenyList struct {
	words         []string
	caseSensitive bool
	paths         []string
}

// Name returns the plugin kind.
func (d *DenyList) Name() string { return "deny-list" }

// Init reads config keys:
//   - words (list of strings, required; blocked_words is accepted too)
//   - case_sensitive (bool, default false)
//   - paths (list of payload paths to scan, default the whole payload)
func (d *DenyList) Init(config map[string]interface{}) error {
	d.words = nil
	for _, key := range []string{"words", "blocked_words"} {
		words, err := stringList(config[key])
		if err != nil {
			return fmt.Errorf("deny-list: %s: %w", key, err)
		}
		d.words = append(d.words, words...)
	}
	if len(d.words) == 0 {
		return fmt.Errorf("deny-list: words must not be empty")
	}
	if cs, ok := config["case_sensitive"].(bool); ok {
		d.caseSensitive = cs
	}
	paths, err := stringList(config["paths"])
	if err != nil {
		return fmt.Errorf("deny-list: paths: %w", err)
	}
	d.paths = paths
	return nil
}

// Invoke blocks when a scanned string contains a denied word.
func (d *DenyList) Invoke(_ context.Context, _ string, payload hooks.Payload, _ *plugin.Context) (*hooks.Result, error) {
	doc, err := payloadtext.Encode(payload)
	if err != nil {
		return nil, err
	}

	var hitWord, hitPath string
	doc.Strings(d.paths, func(path, value string) bool {
		if !d.caseSensitive {
			value = strings.ToLower(value)
		}
		for _, word := range d.words {
			check := word
			if !d.caseSensitive {
				check = strings.ToLower(check)
			}
			if strings.Contains(value, check) {
				hitWord, hitPath = word, path
				return false
			}
		}
		return true
	})
	if hitWord == "" {
		return hooks.Continue(), nil
	}
	return hooks.Block(&hooks.Violation{
		Reason:      "denied word detected",
		Description: fmt.Sprintf("field %s contains %q", hitPath, hitWord),
		Code:        ViolationCode,
		Details:     map[string]interface{}{"word": hitWord, "path": hitPath},
	}), nil
}

func stringList(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), list...), nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}
