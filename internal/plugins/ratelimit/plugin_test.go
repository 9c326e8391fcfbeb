package ratelimit

import (
	"context"
	"testing"

	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

func initPlugin(t *testing.T, config map[string]interface{}) *Plugin {
	t.Helper()
	p := &Plugin{}
	if err := p.Init(config); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func call(t *testing.T, p *Plugin, g *plugin.GlobalContext) *hooks.Result {
	t.Helper()
	res, err := p.Invoke(context.Background(), hooks.ToolPreInvoke, &hooks.ToolPreInvokePayload{Name: "t"}, plugin.NewContext(g))
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	return res
}

func TestPlugin_Init(t *testing.T) {
	for name, cfg := range map[string]map[string]interface{}{
		"rps not a number":   {"requests_per_second": "fast"},
		"rps zero":           {"requests_per_second": 0},
		"burst not a number": {"burst": true},
		"unknown key field":  {"by": "ip"},
	} {
		t.Run(name, func(t *testing.T) {
			if err := (&Plugin{}).Init(cfg); err == nil {
				t.Error("expected Init error")
			}
		})
	}
}

func TestPlugin_PerUser(t *testing.T) {
	p := initPlugin(t, map[string]interface{}{"requests_per_second": 0.001, "burst": 2})
	alice := &plugin.GlobalContext{User: "alice"}

	for i := 0; i < 2; i++ {
		if res := call(t, p, alice); !res.ContinueProcessing {
			t.Fatalf("call %d blocked", i+1)
		}
	}
	res := call(t, p, alice)
	if res.ContinueProcessing || res.Violation == nil || res.Violation.Code != ViolationCode {
		t.Fatalf("expected rate limit, got %+v", res)
	}
	if res.Violation.Details["key"] != "alice" {
		t.Errorf("details = %v", res.Violation.Details)
	}
	if ms, _ := res.Violation.Details["retry_after_ms"].(int64); ms <= 0 {
		t.Errorf("retry_after_ms = %v", res.Violation.Details["retry_after_ms"])
	}

	if res := call(t, p, &plugin.GlobalContext{User: "bob"}); !res.ContinueProcessing {
		t.Error("bob has his own bucket")
	}
}

func TestPlugin_KeyFields(t *testing.T) {
	g := &plugin.GlobalContext{User: "alice", TenantID: "acme", ServerID: "srv-1"}
	tests := []struct {
		by   string
		g    *plugin.GlobalContext
		want string
	}{
		{"user", g, "alice"},
		{"tenant", g, "acme"},
		{"server", g, "srv-1"},
		{"tenant", &plugin.GlobalContext{User: "alice"}, anonymousKey},
		{"user", nil, anonymousKey},
	}
	for _, tt := range tests {
		t.Run(tt.by+"/"+tt.want, func(t *testing.T) {
			p := initPlugin(t, map[string]interface{}{"by": tt.by})
			if got := p.key(tt.g); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlugin_CloseTwice(t *testing.T) {
	p := initPlugin(t, nil)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}
