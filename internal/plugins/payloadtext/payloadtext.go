// Package payloadtext walks the string leaves of a hook payload as JSON.
// Built-in plugins use it to scan or rewrite text without knowing the
// payload's Go type.
package payloadtext

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// Document is a payload encoded as JSON. Edits made with Set are also
// recorded so Decode can rebuild the payload without re-parsing the JSON,
// which keeps untouched leaves at their original Go types.
type Document struct {
	raw     []byte
	typ     reflect.Type
	payload hooks.Payload
	edits   []edit
}

type edit struct {
	path  string
	value interface{}
}

// Encode marshals payload. payload must be a pointer to a struct or map.
func Encode(payload hooks.Payload) (*Document, error) {
	if payload == nil {
		return nil, fmt.Errorf("payloadtext: nil payload")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payloadtext: encode: %w", err)
	}
	return &Document{raw: raw, typ: reflect.TypeOf(payload), payload: payload}, nil
}

// Size returns the encoded length in bytes.
func (d *Document) Size() int { return len(d.raw) }

// Bytes returns the current encoding.
func (d *Document) Bytes() []byte { return d.raw }

// Get returns the value at a gjson path.
func (d *Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

// Strings calls fn for every string leaf below the given roots, in document
// order. An empty roots list walks the whole document. Roots that do not
// exist are skipped. fn returns false to stop.
func (d *Document) Strings(roots []string, fn func(path, value string) bool) {
	if len(roots) == 0 {
		walk(gjson.ParseBytes(d.raw), "", fn)
		return
	}
	for _, root := range roots {
		res := gjson.GetBytes(d.raw, root)
		if !res.Exists() {
			continue
		}
		if !walk(res, root, fn) {
			return
		}
	}
}

func walk(res gjson.Result, path string, fn func(path, value string) bool) bool {
	switch {
	case res.Type == gjson.String:
		return fn(path, res.Str)
	case res.IsObject():
		cont := true
		res.ForEach(func(key, value gjson.Result) bool {
			cont = walk(value, Join(path, EscapeKey(key.String())), fn)
			return cont
		})
		return cont
	case res.IsArray():
		cont := true
		i := 0
		res.ForEach(func(_, value gjson.Result) bool {
			cont = walk(value, Join(path, strconv.Itoa(i)), fn)
			i++
			return cont
		})
		return cont
	}
	return true
}

// Set replaces the value at path.
func (d *Document) Set(path string, value interface{}) error {
	raw, err := sjson.SetBytes(d.raw, path, value)
	if err != nil {
		return fmt.Errorf("payloadtext: set %s: %w", path, err)
	}
	d.raw = raw
	d.edits = append(d.edits, edit{path: path, value: value})
	return nil
}

// Decode returns a new payload of the encoded payload's type with every
// Set applied. Leaves that were not set keep their original values and
// types.
func (d *Document) Decode() (hooks.Payload, error) {
	tree, err := hooks.ToTree(d.payload)
	if err != nil {
		return nil, fmt.Errorf("payloadtext: decode: %w", err)
	}
	for _, e := range d.edits {
		if err := setPath(tree, splitPath(e.path), e.value); err != nil {
			return nil, fmt.Errorf("payloadtext: decode %s: %w", e.path, err)
		}
	}
	out, err := hooks.FromTree(tree, d.typ)
	if err != nil {
		return nil, fmt.Errorf("payloadtext: decode: %w", err)
	}
	return out, nil
}

func setPath(node interface{}, keys []string, value interface{}) error {
	if len(keys) == 0 {
		return fmt.Errorf("empty path")
	}
	key, rest := keys[0], keys[1:]
	switch n := node.(type) {
	case map[string]interface{}:
		if len(rest) == 0 {
			n[key] = value
			return nil
		}
		child, ok := n[key]
		if !ok || child == nil {
			child = map[string]interface{}{}
			n[key] = child
		}
		return setPath(child, rest, value)
	case []interface{}:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n) {
			return fmt.Errorf("no element %q", key)
		}
		if len(rest) == 0 {
			n[i] = value
			return nil
		}
		return setPath(n[i], rest, value)
	}
	return fmt.Errorf("cannot descend into %T at %q", node, key)
}

// splitPath splits a gjson path on unescaped dots and unescapes each key.
func splitPath(path string) []string {
	var keys []string
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		switch c := path[i]; {
		case c == '\\' && i+1 < len(path):
			i++
			b.WriteByte(path[i])
		case c == '.':
			keys = append(keys, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	return append(keys, b.String())
}

// Join appends an escaped key to a gjson path.
func Join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

const pathSyntax = `.*?|#@\`

// EscapeKey escapes the characters gjson and sjson treat as path syntax.
func EscapeKey(key string) string {
	if !strings.ContainsAny(key, pathSyntax) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if strings.ContainsRune(pathSyntax, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
