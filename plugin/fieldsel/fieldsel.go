// Package fieldsel scopes what part of a payload a plugin sees and may edit.
//
// Paths are dot separated; a segment may end in [N] for one list element or
// [*] for every element:
//
//	args.query
//	messages[*].content
//	tool_calls[0].arguments
//
// ExtractFields builds the partial view handed to a plugin and MergeFields
// writes the plugin's edits back over the full payload. Extracting and then
// merging an unchanged view returns the original payload.
package fieldsel

import (
	"fmt"
	"strconv"
	"strings"
)

// Selection lists the paths a plugin may see. InputFields applies to
// pre hooks and OutputFields to post hooks; Fields is the fallback for both.
type Selection struct {
	Fields       []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	InputFields  []string `json:"input_fields,omitempty" yaml:"input_fields,omitempty"`
	OutputFields []string `json:"output_fields,omitempty" yaml:"output_fields,omitempty"`
}

// Paths resolves the path list for a pre (input) or post (output) hook.
func (s *Selection) Paths(isInput bool) []string {
	if s == nil {
		return nil
	}
	if isInput && len(s.InputFields) > 0 {
		return s.InputFields
	}
	if !isInput && len(s.OutputFields) > 0 {
		return s.OutputFields
	}
	return s.Fields
}

// Validate checks every configured path.
func (s *Selection) Validate() error {
	if s == nil {
		return nil
	}
	for _, group := range [][]string{s.Fields, s.InputFields, s.OutputFields} {
		for _, p := range group {
			if _, err := parsePath(p); err != nil {
				return err
			}
		}
	}
	return nil
}

type segKind int

const (
	segKey segKind = iota
	segIndex
	segWildcard
)

type segment struct {
	key   string
	kind  segKind
	index int
}

// parsePath splits path on dots that are outside brackets.
func parsePath(path string) ([]segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("empty field path")
	}
	var parts []string
	depth, start := 0, 0
	for i, c := range path {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case '.':
			if depth == 0 {
				parts = append(parts, path[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, path[start:])

	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("field path %q: %w", path, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func parseSegment(part string) (segment, error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if part == "" {
			return segment{}, fmt.Errorf("empty segment")
		}
		return segment{key: part, kind: segKey}, nil
	}
	if open == 0 || !strings.HasSuffix(part, "]") {
		return segment{}, fmt.Errorf("malformed segment %q", part)
	}
	key, inner := part[:open], part[open+1:len(part)-1]
	if inner == "*" {
		return segment{key: key, kind: segWildcard}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return segment{}, fmt.Errorf("bad index in %q", part)
	}
	return segment{key: key, kind: segIndex, index: n}, nil
}

// ExtractFields returns a new tree holding only the addressed fields.
// Missing keys and out-of-range indices are skipped; malformed paths are
// ignored.
func ExtractFields(payload map[string]interface{}, paths []string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, p := range paths {
		segs, err := parsePath(p)
		if err != nil {
			continue
		}
		extractInto(out, payload, segs)
	}
	return out
}

func extractInto(dst, src map[string]interface{}, segs []segment) {
	seg, rest := segs[0], segs[1:]
	val, ok := src[seg.key]
	if !ok {
		return
	}

	switch seg.kind {
	case segKey:
		if len(rest) == 0 {
			dst[seg.key] = deepCopy(val)
			return
		}
		sub, ok := val.(map[string]interface{})
		if !ok {
			return
		}
		child, _ := dst[seg.key].(map[string]interface{})
		if child == nil {
			child = make(map[string]interface{})
		}
		extractInto(child, sub, rest)
		if len(child) > 0 {
			dst[seg.key] = child
		}

	case segIndex:
		list, ok := val.([]interface{})
		if !ok || seg.index >= len(list) {
			return
		}
		out, _ := dst[seg.key].([]interface{})
		for len(out) <= seg.index {
			out = append(out, map[string]interface{}{})
		}
		if len(rest) == 0 {
			out[seg.index] = deepCopy(list[seg.index])
		} else if sub, ok := list[seg.index].(map[string]interface{}); ok {
			child, _ := out[seg.index].(map[string]interface{})
			if child == nil {
				child = make(map[string]interface{})
			}
			extractInto(child, sub, rest)
			out[seg.index] = child
		}
		dst[seg.key] = out

	case segWildcard:
		list, ok := val.([]interface{})
		if !ok {
			return
		}
		out, _ := dst[seg.key].([]interface{})
		for len(out) < len(list) {
			out = append(out, map[string]interface{}{})
		}
		for i, item := range list {
			if len(rest) == 0 {
				out[i] = deepCopy(item)
				continue
			}
			sub, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			child, _ := out[i].(map[string]interface{})
			if child == nil {
				child = make(map[string]interface{})
			}
			extractInto(child, sub, rest)
			out[i] = child
		}
		dst[seg.key] = out
	}
}

// MergeFields deep-copies original and overwrites only the addressed
// leaves with values from processed. Wildcard lists merge positionally;
// indices missing from processed are left untouched.
func MergeFields(original, processed map[string]interface{}, paths []string) map[string]interface{} {
	out, _ := deepCopy(original).(map[string]interface{})
	if out == nil {
		out = make(map[string]interface{})
	}
	for _, p := range paths {
		segs, err := parsePath(p)
		if err != nil {
			continue
		}
		mergeInto(out, processed, segs)
	}
	return out
}

func mergeInto(dst, src map[string]interface{}, segs []segment) {
	seg, rest := segs[0], segs[1:]
	val, ok := src[seg.key]
	if !ok {
		return
	}

	switch seg.kind {
	case segKey:
		if len(rest) == 0 {
			dst[seg.key] = deepCopy(val)
			return
		}
		sub, ok := val.(map[string]interface{})
		if !ok {
			return
		}
		child, ok := dst[seg.key].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			dst[seg.key] = child
		}
		mergeInto(child, sub, rest)

	case segIndex:
		srcList, ok := val.([]interface{})
		if !ok || seg.index >= len(srcList) {
			return
		}
		dstList, ok := dst[seg.key].([]interface{})
		if !ok || seg.index >= len(dstList) {
			return
		}
		mergeElement(dstList, seg.index, srcList[seg.index], rest)

	case segWildcard:
		srcList, ok := val.([]interface{})
		if !ok {
			return
		}
		dstList, ok := dst[seg.key].([]interface{})
		if !ok {
			return
		}
		for i := 0; i < len(srcList) && i < len(dstList); i++ {
			mergeElement(dstList, i, srcList[i], rest)
		}
	}
}

func mergeElement(dstList []interface{}, i int, srcItem interface{}, rest []segment) {
	if len(rest) == 0 {
		dstList[i] = deepCopy(srcItem)
		return
	}
	srcSub, ok := srcItem.(map[string]interface{})
	if !ok {
		return
	}
	dstSub, ok := dstList[i].(map[string]interface{})
	if !ok {
		return
	}
	mergeInto(dstSub, srcSub, rest)
}

// ApplyFieldSelection returns the view of payload a plugin should receive
// and the paths needed to merge its output back. A nil path list means the
// plugin sees the full payload.
func ApplyFieldSelection(payload map[string]interface{}, sel *Selection, isInput bool) (map[string]interface{}, []string) {
	paths := sel.Paths(isInput)
	if len(paths) == 0 {
		return payload, nil
	}
	return ExtractFields(payload, paths), paths
}

// DeepCopy copies a JSON-shaped tree.
func DeepCopy(v map[string]interface{}) map[string]interface{} {
	out, _ := deepCopy(v).(map[string]interface{})
	return out
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return t
		}
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		if t == nil {
			return t
		}
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
