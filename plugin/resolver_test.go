package plugin

import (
	"reflect"
	"testing"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
	"github.com/ferro-labs/hook-gateway/plugin/policy"
)

func resolvedNames(rs []Resolved) []string {
	var out []string
	for _, r := range rs {
		out = append(out, r.Attachment.Name)
	}
	return out
}

func TestResolver_Specificity(t *testing.T) {
	rules := []HookRule{
		{Plugins: []Attachment{{Name: "catch-all"}}},
		{Entities: []hooks.EntityType{hooks.EntityTool}, Plugins: []Attachment{{Name: "tools"}}},
		{Entities: []hooks.EntityType{hooks.EntityTool}, Name: StringList{"search", "lookup"}, Plugins: []Attachment{{Name: "search"}}},
		{Entities: []hooks.EntityType{hooks.EntityTool}, Tags: []string{"pii"}, Name: StringList{"search"}, Plugins: []Attachment{{Name: "pii-search"}}},
		{Entities: hooks.EntityTypes, Plugins: []Attachment{{Name: "all-entities"}}},
	}

	tests := []struct {
		name     string
		strategy string
		inv      Invocation
		want     []string
	}{
		{
			name:     "most specific single winner",
			strategy: MergeMostSpecific,
			inv:      Invocation{Hook: hooks.ToolPreInvoke, EntityType: hooks.EntityTool, EntityName: "lookup"},
			want:     []string{"search"},
		},
		{
			name:     "tags raise specificity",
			strategy: MergeMostSpecific,
			inv:      Invocation{Hook: hooks.ToolPreInvoke, EntityType: hooks.EntityTool, EntityName: "search", Tags: []string{"pii"}},
			want:     []string{"pii-search"},
		},
		{
			name:     "full entity list does not add specificity",
			strategy: MergeMostSpecific,
			inv:      Invocation{Hook: hooks.PromptPreFetch, EntityType: hooks.EntityPrompt, EntityName: "greet"},
			want:     []string{"catch-all", "all-entities"},
		},
		{
			name:     "http hooks only match rules without entities",
			strategy: MergeMostSpecific,
			inv:      Invocation{Hook: hooks.HTTPPreRequest},
			want:     []string{"catch-all"},
		},
		{
			name:     "merge all keeps rule order",
			strategy: MergeAll,
			inv:      Invocation{Hook: hooks.ToolPreInvoke, EntityType: hooks.EntityTool, EntityName: "search"},
			want:     []string{"catch-all", "tools", "search", "all-entities"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResolver(rules, tt.strategy, nil)
			if err != nil {
				t.Fatal(err)
			}
			inv := tt.inv
			if got := resolvedNames(r.Resolve(&inv, policy.Bindings{})); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolver_DedupesFirstOccurrence(t *testing.T) {
	rules := []HookRule{
		{Plugins: []Attachment{{Name: "a", Priority: intPtr(1)}, {Name: "b"}}},
		{Plugins: []Attachment{{Name: "b", Priority: intPtr(7)}, {Name: "c"}}},
	}
	r, err := NewResolver(rules, MergeAll, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := r.Resolve(&Invocation{Hook: hooks.ToolPreInvoke}, policy.Bindings{})
	if names := resolvedNames(got); !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Fatalf("got %v", names)
	}
	if got[1].Rule != 0 || got[1].Attachment.Priority != nil {
		t.Errorf("b should come from the first rule: %+v", got[1])
	}
}

func TestResolver_AttachmentOrderByPriority(t *testing.T) {
	rules := []HookRule{{Plugins: []Attachment{
		{Name: "late", Priority: intPtr(200)},
		{Name: "default"},
		{Name: "early", Priority: intPtr(5)},
		{Name: "default-2"},
	}}}
	r, err := NewResolver(rules, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	got := resolvedNames(r.Resolve(&Invocation{Hook: hooks.ToolPreInvoke}, policy.Bindings{}))
	want := []string{"early", "default", "default-2", "late"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolver_WhenAndHookFilters(t *testing.T) {
	rules := []HookRule{
		{
			When:    `"prod" in tags and server_name == "core"`,
			Hooks:   []string{hooks.ToolPreInvoke, hooks.ToolPostInvoke},
			Plugins: []Attachment{{Name: "prod-guard"}, {Name: "pre-only", Hooks: []string{hooks.ToolPreInvoke}}, {Name: "big", When: "args.size > 100"}},
		},
	}
	r, err := NewResolver(rules, MergeAll, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		inv  Invocation
		b    policy.Bindings
		want []string
	}{
		{
			name: "rule and attachment when true",
			inv:  Invocation{Hook: hooks.ToolPreInvoke},
			b:    policy.Bindings{"tags": []interface{}{"prod"}, "server_name": "core", "args": map[string]interface{}{"size": float64(500)}},
			want: []string{"prod-guard", "pre-only", "big"},
		},
		{
			name: "attachment hooks filter",
			inv:  Invocation{Hook: hooks.ToolPostInvoke},
			b:    policy.Bindings{"tags": []interface{}{"prod"}, "server_name": "core"},
			want: []string{"prod-guard"},
		},
		{
			name: "rule when false",
			inv:  Invocation{Hook: hooks.ToolPreInvoke},
			b:    policy.Bindings{"tags": []interface{}{"dev"}, "server_name": "core"},
			want: nil,
		},
		{
			name: "rule hooks filter",
			inv:  Invocation{Hook: hooks.PromptPreFetch},
			b:    policy.Bindings{"tags": []interface{}{"prod"}, "server_name": "core"},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := tt.inv
			if got := resolvedNames(r.Resolve(&inv, tt.b)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolver_ServerCriteria(t *testing.T) {
	rules := []HookRule{
		{ServerID: "s1", Plugins: []Attachment{{Name: "by-id"}}},
		{ServerName: "core", GatewayID: "gw", ReverseOrderOnPost: true, Plugins: []Attachment{{Name: "by-name"}}},
	}
	r, err := NewResolver(rules, MergeMostSpecific, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := r.Resolve(&Invocation{Hook: hooks.ToolPreInvoke, ServerID: "s1", ServerName: "core", GatewayID: "gw"}, policy.Bindings{})
	if names := resolvedNames(got); !reflect.DeepEqual(names, []string{"by-name"}) {
		t.Fatalf("got %v, want [by-name]", names)
	}
	if !got[0].Reverse || got[0].Rule != 1 {
		t.Errorf("resolved = %+v", got[0])
	}
}

func TestNewResolver_Errors(t *testing.T) {
	tests := []struct {
		name     string
		rules    []HookRule
		strategy string
	}{
		{"bad strategy", []HookRule{{Plugins: []Attachment{{Name: "a"}}}}, "first"},
		{"no plugins", []HookRule{{}}, ""},
		{"unnamed attachment", []HookRule{{Plugins: []Attachment{{}}}}, ""},
		{"bad rule when", []HookRule{{When: "a ==", Plugins: []Attachment{{Name: "a"}}}}, ""},
		{"bad attachment when", []HookRule{{Plugins: []Attachment{{Name: "a", When: "(x"}}}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewResolver(tt.rules, tt.strategy, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
