// Package redactor provides a transform plugin that masks sensitive text in
// hook payloads with regular expressions. Matches are replaced in place and
// the rewritten payload is handed to later plugins. Register it with a
// blank import:
//
//	_ "github.com/ferro-labs/hook-gateway/internal/plugins/redactor"
package redactor

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/ferro-labs/hook-gateway/internal/plugins/payloadtext"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// ViolationCode is the code of the violations raised in block mode.
const ViolationCode = "SENSITIVE_DATA"

// DefaultReplacement is substituted for every match.
const DefaultReplacement = "[REDACTED]"

// builtins are the named patterns accepted in the "builtin" config key.
var builtins = map[string]string{
	"email":       `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
	"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
	"credit_card": `\b(?:\d[ -]?){13,16}\b`,
	"ipv4":        `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
	"aws_key":     `\bAKIA[0-9A-Z]{16}\b`,
	"bearer":      `(?i)bearer\s+[A-Za-z0-9._~+/=-]+`,
}

func init() {
	plugin.RegisterFactory("redactor", func() plugin.Plugin {
		return &Redactor{}
	})
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Redactor masks regex matches in the string fields of a payload.
type Redactor struct {
	patterns    []pattern
	replacement string
	paths       []string
	block       bool
}

// Name returns the plugin kind.
func (r *Redactor) Name() string { return "redactor" }

// Init reads config keys:
//   - builtin (list of names: email, ssn, credit_card, ipv4, aws_key, bearer)
//   - patterns (list of regular expressions)
//   - replacement (string, default "[REDACTED]")
//   - paths (list of payload paths to scan, default the whole payload)
//   - block (bool): block the call instead of rewriting it
//
// At least one builtin or pattern is required.
func (r *Redactor) Init(config map[string]interface{}) error {
	r.patterns = nil
	names, err := stringList(config["builtin"])
	if err != nil {
		return fmt.Errorf("redactor: builtin: %w", err)
	}
	for _, name := range names {
		expr, ok := builtins[name]
		if !ok {
			return fmt.Errorf("redactor: unknown builtin pattern %q (known: %v)", name, builtinNames())
		}
		r.patterns = append(r.patterns, pattern{name: name, re: regexp.MustCompile(expr)})
	}
	exprs, err := stringList(config["patterns"])
	if err != nil {
		return fmt.Errorf("redactor: patterns: %w", err)
	}
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("redactor: pattern %d: %w", i, err)
		}
		r.patterns = append(r.patterns, pattern{name: fmt.Sprintf("pattern_%d", i), re: re})
	}
	if len(r.patterns) == 0 {
		return fmt.Errorf("redactor: no patterns configured")
	}

	r.replacement = DefaultReplacement
	if v, ok := config["replacement"].(string); ok {
		r.replacement = v
	}
	if r.paths, err = stringList(config["paths"]); err != nil {
		return fmt.Errorf("redactor: paths: %w", err)
	}
	if v, ok := config["block"].(bool); ok {
		r.block = v
	}
	return nil
}

type edit struct {
	path  string
	value string
}

// Invoke rewrites matches, or blocks on the first one in block mode.
func (r *Redactor) Invoke(_ context.Context, _ string, payload hooks.Payload, _ *plugin.Context) (*hooks.Result, error) {
	doc, err := payloadtext.Encode(payload)
	if err != nil {
		return nil, err
	}

	var edits []edit
	counts := map[string]int{}
	doc.Strings(r.paths, func(path, value string) bool {
		out := value
		for _, p := range r.patterns {
			n := len(p.re.FindAllStringIndex(out, -1))
			if n == 0 {
				continue
			}
			counts[p.name] += n
			out = p.re.ReplaceAllLiteralString(out, r.replacement)
		}
		if out != value {
			edits = append(edits, edit{path: path, value: out})
			return !r.block
		}
		return true
	})
	if len(edits) == 0 {
		return hooks.Continue(), nil
	}

	if r.block {
		return hooks.Block(&hooks.Violation{
			Reason:      "sensitive data detected",
			Description: fmt.Sprintf("field %s matches a redaction pattern", edits[0].path),
			Code:        ViolationCode,
			Details:     map[string]interface{}{"path": edits[0].path, "patterns": countsDetail(counts)},
		}), nil
	}

	for _, e := range edits {
		if err := doc.Set(e.path, e.value); err != nil {
			return nil, err
		}
	}
	modified, err := doc.Decode()
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return hooks.Modify(modified).
		WithMetadata("redactions", total).
		WithMetadata("redacted_fields", len(edits)), nil
}

func countsDetail(counts map[string]int) map[string]interface{} {
	out := make(map[string]interface{}, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func builtinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
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
