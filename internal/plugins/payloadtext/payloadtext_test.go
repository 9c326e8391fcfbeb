package payloadtext

import (
	"reflect"
	"testing"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

func TestStrings(t *testing.T) {
	p := &hooks.AgentPreInvokePayload{
		AgentID: "helper",
		Messages: []hooks.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: map[string]interface{}{"text": "hello"}},
		},
		Parameters: map[string]interface{}{"a.b": "dotted", "n": 3},
	}
	doc, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		roots []string
		want  map[string]string
	}{
		{
			name: "whole document",
			want: map[string]string{
				"agent_id":                "helper",
				"messages.0.role":         "user",
				"messages.0.content":      "hi",
				"messages.1.role":         "assistant",
				"messages.1.content.text": "hello",
				`parameters.a\.b`:         "dotted",
			},
		},
		{
			name:  "rooted",
			roots: []string{"messages.1", "missing"},
			want: map[string]string{
				"messages.1.role":         "assistant",
				"messages.1.content.text": "hello",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]string{}
			doc.Strings(tt.roots, func(path, value string) bool {
				got[path] = value
				return true
			})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStrings_Stop(t *testing.T) {
	doc, err := Encode(&hooks.ToolPreInvokePayload{Name: "x", Args: map[string]interface{}{"a": "1", "b": "2"}})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	doc.Strings(nil, func(string, string) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("visited %d leaves after stop, want 1", n)
	}
}

func TestSetDecode(t *testing.T) {
	p := &hooks.ToolPreInvokePayload{Name: "search", Args: map[string]interface{}{"q.x": "secret", "limit": 5}}
	doc, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Set(Join("args", EscapeKey("q.x")), "[REDACTED]"); err != nil {
		t.Fatal(err)
	}
	out, err := doc.Decode()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := out.(*hooks.ToolPreInvokePayload)
	if !ok {
		t.Fatalf("decoded %T", out)
	}
	if got.Args["q.x"] != "[REDACTED]" || got.Args["limit"] != 5 || got.Name != "search" {
		t.Errorf("got %+v", got)
	}
	if p.Args["q.x"] != "secret" {
		t.Error("original payload was modified")
	}
}

func TestDecode_KeepsUntouchedTypes(t *testing.T) {
	p := &hooks.ToolPreInvokePayload{
		Name: "search",
		Args: map[string]interface{}{
			"query": "alice@example.com",
			"limit": 10,
			"id":    int64(9007199254740993),
			"tags":  []interface{}{"a", "b@example.com"},
			"raw":   []byte("keep"),
		},
		Headers: map[string]string{"x-trace": "t1"},
	}
	doc, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"args.query", "args.tags.1"} {
		if err := doc.Set(path, "[REDACTED]"); err != nil {
			t.Fatal(err)
		}
	}
	out, err := doc.Decode()
	if err != nil {
		t.Fatal(err)
	}
	want := &hooks.ToolPreInvokePayload{
		Name: "search",
		Args: map[string]interface{}{
			"query": "[REDACTED]",
			"limit": 10,
			"id":    int64(9007199254740993),
			"tags":  []interface{}{"a", "[REDACTED]"},
			"raw":   []byte("keep"),
		},
		Headers: map[string]string{"x-trace": "t1"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("decoded %#v, want %#v", out, want)
	}
	if p.Args["query"] != "alice@example.com" || p.Args["tags"].([]interface{})[1] != "b@example.com" {
		t.Error("original payload was modified")
	}
}

func TestSplitPath(t *testing.T) {
	tests := map[string][]string{
		"args.query":   {"args", "query"},
		`args.q\.x`:    {"args", "q.x"},
		"messages.0.a": {"messages", "0", "a"},
		`a\\b.c`:       {`a\b`, "c"},
	}
	for in, want := range tests {
		if got := splitPath(in); !reflect.DeepEqual(got, want) {
			t.Errorf("splitPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEscapeKey(t *testing.T) {
	tests := map[string]string{
		"plain":   "plain",
		"a.b":     `a\.b`,
		"what?":   `what\?`,
		"x*y|z":   `x\*y\|z`,
		"#tag":    `\#tag`,
		`back\sl`: `back\\sl`,
	}
	for in, want := range tests {
		if got := EscapeKey(in); got != want {
			t.Errorf("EscapeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
