package plugin

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/hook-gateway/plugin/fieldsel"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

type mockPlugin struct {
	name     string
	initErr  error
	closed   bool
	invokeFn func(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error)
}

func (m *mockPlugin) Name() string                        { return m.name }
func (m *mockPlugin) Init(_ map[string]interface{}) error { return m.initErr }
func (m *mockPlugin) Invoke(ctx context.Context, hook string, payload hooks.Payload, pctx *Context) (*hooks.Result, error) {
	if m.invokeFn != nil {
		return m.invokeFn(ctx, hook, payload, pctx)
	}
	return hooks.Continue(), nil
}
func (m *mockPlugin) Close() error {
	m.closed = true
	return nil
}

// recorder collects plugin names in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) plugin(name string) *mockPlugin {
	return &mockPlugin{name: name, invokeFn: func(_ context.Context, _ string, _ hooks.Payload, _ *Context) (*hooks.Result, error) {
		r.add(name)
		return hooks.Continue(), nil
	}}
}

func intPtr(v int) *int { return &v }

func newTestManager(t *testing.T, settings Settings) *Manager {
	t.Helper()
	m := NewManager(hooks.NewStandardRegistry())
	if err := m.Configure(settings, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return m
}

// setTimeout shortens the per-plugin deadline below the one second
// granularity of plugin_timeout.
func setTimeout(m *Manager, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := *m.st
	st.timeout = d
	m.st = &st
}

func mustRegister(t *testing.T, m *Manager, cfg Config, p Plugin) {
	t.Helper()
	if len(cfg.Hooks) == 0 {
		cfg.Hooks = []string{hooks.ToolPreInvoke}
	}
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if err := m.Register(cfg, p); err != nil {
		t.Fatalf("Register(%s): %v", cfg.Name, err)
	}
}

func toolPayload() *hooks.ToolPreInvokePayload {
	return &hooks.ToolPreInvokePayload{
		Name: "search",
		Args: map[string]interface{}{"query": "alice@example.com", "limit": float64(10)},
	}
}

func TestNewContext(t *testing.T) {
	g := &GlobalContext{RequestID: "req-1"}
	pctx := NewContext(g)
	if pctx.Global != g {
		t.Error("Global should be the given context")
	}
	if pctx.State == nil || pctx.Metadata == nil {
		t.Error("State and Metadata should be initialized")
	}
}

func TestGlobalContext_Clone(t *testing.T) {
	g := &GlobalContext{
		RequestID: "req-1",
		Tags:      []string{"a"},
		State:     map[string]interface{}{"nested": map[string]interface{}{"k": "v"}},
	}
	c := g.Clone()
	c.Tags[0] = "b"
	c.State["nested"].(map[string]interface{})["k"] = "changed"
	c.Metadata["new"] = true

	if g.Tags[0] != "a" {
		t.Error("Clone shares Tags")
	}
	if g.State["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("Clone shares nested State")
	}
	if _, ok := g.Metadata["new"]; ok {
		t.Error("Clone shares Metadata")
	}
}

func TestManager_Register(t *testing.T) {
	m := newTestManager(t, Settings{})
	p := &mockPlugin{name: "test"}

	if err := m.Register(Config{Name: "test", Hooks: []string{hooks.ToolPreInvoke}}, p); err != nil {
		t.Fatal(err)
	}
	if !m.HasHooksFor(hooks.ToolPreInvoke) {
		t.Error("expected HasHooksFor(tool_pre_invoke)")
	}
	if m.HasHooksFor(hooks.ToolPostInvoke) {
		t.Error("did not expect HasHooksFor(tool_post_invoke)")
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"duplicate name", Config{Name: "test", Hooks: []string{hooks.ToolPreInvoke}}},
		{"missing name", Config{Hooks: []string{hooks.ToolPreInvoke}}},
		{"unknown hook", Config{Name: "x", Hooks: []string{"no_such_hook"}}},
		{"no hooks", Config{Name: "x"}},
		{"bad mode", Config{Name: "x", Hooks: []string{hooks.ToolPreInvoke}, Mode: "loud"}},
		{"bad apply_to", Config{Name: "x", Hooks: []string{hooks.ToolPreInvoke}, ApplyTo: &fieldsel.Selection{Fields: []string{"args["}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Register(tt.cfg, p); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestManager_Invoke_NoPlugins(t *testing.T) {
	m := newTestManager(t, Settings{})
	res, locals, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ContinueProcessing || res.Violation != nil || res.ModifiedPayload != nil {
		t.Errorf("got %+v, want plain continue", res)
	}
	if locals == nil {
		t.Error("expected a non-nil context table")
	}
}

func TestManager_Invoke_ProgrammerErrors(t *testing.T) {
	m := newTestManager(t, Settings{})
	ctx := context.Background()

	if _, _, err := m.Invoke(ctx, "no_such_hook", toolPayload(), nil, nil); !errors.Is(err, hooks.ErrUnknownHook) {
		t.Errorf("unknown hook: got %v, want ErrUnknownHook", err)
	}
	if _, _, err := m.Invoke(ctx, hooks.ToolPreInvoke, &hooks.PromptPreFetchPayload{}, nil, nil); err == nil {
		t.Error("wrong payload type: expected error")
	}
	if _, _, err := m.Invoke(ctx, hooks.ToolPreInvoke, hooks.ToolPreInvokePayload{}, nil, nil); err == nil {
		t.Error("non-pointer payload: expected error")
	}
}

func TestManager_Invoke_AssignsRequestID(t *testing.T) {
	m := newTestManager(t, Settings{})
	var seen string
	mustRegister(t, m, Config{}, &mockPlugin{name: "p", invokeFn: func(_ context.Context, _ string, _ hooks.Payload, pctx *Context) (*hooks.Result, error) {
		seen = pctx.Global.RequestID
		return nil, nil
	}})

	gctx := &GlobalContext{}
	if _, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), gctx, nil); err != nil {
		t.Fatal(err)
	}
	if gctx.RequestID == "" || seen != gctx.RequestID {
		t.Errorf("request id: caller %q, plugin %q", gctx.RequestID, seen)
	}
}

func TestManager_Invoke_ChainsModifiedPayload(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{Priority: intPtr(10)}, &mockPlugin{name: "first", invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
		p := *payload.(*hooks.ToolPreInvokePayload)
		p.Args = map[string]interface{}{"query": "rewritten"}
		return hooks.Modify(&p), nil
	}})
	var got string
	mustRegister(t, m, Config{Priority: intPtr(20)}, &mockPlugin{name: "second", invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
		got, _ = payload.(*hooks.ToolPreInvokePayload).Args["query"].(string)
		return nil, nil
	}})

	orig := toolPayload()
	res, _, err := m.ToolPreInvoke(context.Background(), orig, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "rewritten" {
		t.Errorf("second plugin saw query %q, want rewritten", got)
	}
	mod, ok := res.ModifiedPayload.(*hooks.ToolPreInvokePayload)
	if !ok || mod.Args["query"] != "rewritten" {
		t.Errorf("final payload = %#v", res.ModifiedPayload)
	}
	if orig.Args["query"] != "alice@example.com" {
		t.Error("caller payload was mutated")
	}
}

func TestManager_Invoke_MetadataLaterWins(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{Priority: intPtr(1)}, &mockPlugin{name: "p1", invokeFn: func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return hooks.Continue().WithMetadata("k", "v1").WithMetadata("only1", true), nil
	}})
	mustRegister(t, m, Config{Priority: intPtr(2)}, &mockPlugin{name: "p2", invokeFn: func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return hooks.Continue().WithMetadata("k", "v2"), nil
	}})

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata["k"] != "v2" {
		t.Errorf("metadata k = %v, want v2", res.Metadata["k"])
	}
	if res.Metadata["only1"] != true {
		t.Error("metadata from p1 was lost")
	}
}

func TestManager_Invoke_BlockShortCircuits(t *testing.T) {
	m := newTestManager(t, Settings{})
	rec := &recorder{}
	mustRegister(t, m, Config{Priority: intPtr(1)}, &mockPlugin{name: "blocker", invokeFn: func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		rec.add("blocker")
		res := hooks.Block(&hooks.Violation{Reason: "pii", Code: "PII_FOUND", PluginName: "spoofed"})
		return res.WithMetadata("checked", true), nil
	}})
	mustRegister(t, m, Config{Priority: intPtr(2)}, rec.plugin("after"))

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ContinueProcessing {
		t.Fatal("expected blocked result")
	}
	if got := rec.get(); !reflect.DeepEqual(got, []string{"blocker"}) {
		t.Errorf("calls = %v, want [blocker]", got)
	}
	v := res.Violation
	if v == nil || v.PluginName != "blocker" || v.Code != "PII_FOUND" {
		t.Fatalf("violation = %+v", v)
	}
	if v.MCPErrorCode != hooks.DefaultMCPErrorCode {
		t.Errorf("mcp error code = %d, want %d", v.MCPErrorCode, hooks.DefaultMCPErrorCode)
	}
	if res.Metadata["checked"] != true {
		t.Error("blocked result should carry accumulated metadata")
	}
}

func TestManager_Invoke_BlockDropsBlockerEdits(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{Priority: intPtr(1)}, &mockPlugin{name: "rewriter", invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
		p := *payload.(*hooks.ToolPreInvokePayload)
		p.Name = "rewritten"
		return hooks.Modify(&p), nil
	}})
	mustRegister(t, m, Config{Priority: intPtr(2)}, &mockPlugin{name: "blocker", invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
		p := *payload.(*hooks.ToolPreInvokePayload)
		p.Name = "edited-by-blocker"
		res := hooks.Modify(&p)
		res.ContinueProcessing = false
		res.Violation = &hooks.Violation{Code: "NO"}
		return res, nil
	}})

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ContinueProcessing || res.Violation == nil || res.Violation.PluginName != "blocker" {
		t.Fatalf("got %+v, want blocked by blocker", res)
	}
	p, ok := res.ModifiedPayload.(*hooks.ToolPreInvokePayload)
	if !ok || p.Name != "rewritten" {
		t.Errorf("modified payload = %#v, want the rewriter's edit only", res.ModifiedPayload)
	}
}

func TestManager_Invoke_BlockAloneLeavesPayloadUnmodified(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{}, &mockPlugin{name: "blocker", invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
		p := *payload.(*hooks.ToolPreInvokePayload)
		p.Name = "edited-by-blocker"
		res := hooks.Modify(&p)
		res.ContinueProcessing = false
		return res, nil
	}})

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ContinueProcessing {
		t.Fatal("expected blocked result")
	}
	if res.ModifiedPayload != nil {
		t.Errorf("modified payload = %#v, want nil", res.ModifiedPayload)
	}
}

func TestManager_Invoke_BlockWithoutViolation(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{}, &mockPlugin{name: "silent", invokeFn: func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return &hooks.Result{}, nil
	}})

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ContinueProcessing || res.Violation == nil {
		t.Fatalf("got %+v, want blocked with violation", res)
	}
	if res.Violation.Code != "PLUGIN_BLOCKED" || res.Violation.PluginName != "silent" {
		t.Errorf("violation = %+v", res.Violation)
	}
}

func TestManager_Invoke_ModePolicy(t *testing.T) {
	fail := func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return nil, errors.New("boom")
	}
	hang := func(ctx context.Context, _ string, _ hooks.Payload, _ *Context) (*hooks.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	block := func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return hooks.Block(&hooks.Violation{Code: "DENIED", Reason: "no"}), nil
	}
	crash := func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		panic("kaboom")
	}

	tests := []struct {
		name        string
		mode        Mode
		failOnError bool
		fn          func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error)
		wantBlocked bool
		wantCode    string
		wantNext    bool
	}{
		{"enforce error", ModeEnforce, false, fail, true, hooks.CodePluginError, false},
		{"enforce timeout", ModeEnforce, false, hang, true, hooks.CodePluginTimeout, false},
		{"enforce block", ModeEnforce, false, block, true, "DENIED", false},
		{"enforce panic", ModeEnforce, false, crash, true, hooks.CodePluginError, false},
		{"default mode is enforce", "", false, fail, true, hooks.CodePluginError, false},
		{"ignore_error error", ModeEnforceIgnoreError, false, fail, false, "", true},
		{"ignore_error timeout", ModeEnforceIgnoreError, false, hang, false, "", true},
		{"ignore_error block", ModeEnforceIgnoreError, false, block, true, "DENIED", false},
		{"ignore_error fail_on_plugin_error", ModeEnforceIgnoreError, true, fail, true, hooks.CodePluginError, false},
		{"permissive error", ModePermissive, false, fail, false, "", true},
		{"permissive timeout", ModePermissive, false, hang, false, "", true},
		{"permissive block", ModePermissive, false, block, false, "", true},
		{"permissive fail_on_plugin_error", ModePermissive, true, fail, false, "", true},
		{"disabled", ModeDisabled, false, block, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, Settings{FailOnPluginError: tt.failOnError})
			setTimeout(m, 20*time.Millisecond)
			rec := &recorder{}
			mustRegister(t, m, Config{Mode: tt.mode, Priority: intPtr(1)}, &mockPlugin{name: "subject", invokeFn: tt.fn})
			mustRegister(t, m, Config{Priority: intPtr(2)}, rec.plugin("next"))

			res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.ContinueProcessing == tt.wantBlocked {
				t.Fatalf("continue = %v, want %v (violation %+v)", res.ContinueProcessing, !tt.wantBlocked, res.Violation)
			}
			if tt.wantBlocked {
				if res.Violation == nil || res.Violation.Code != tt.wantCode || res.Violation.PluginName != "subject" {
					t.Errorf("violation = %+v, want code %s from subject", res.Violation, tt.wantCode)
				}
			} else if res.Violation != nil {
				t.Errorf("unexpected violation %+v", res.Violation)
			}
			if ran := len(rec.get()) == 1; ran != tt.wantNext {
				t.Errorf("next plugin ran = %v, want %v", ran, tt.wantNext)
			}
		})
	}
}

func TestManager_Invoke_PermissiveBlockKeepsChanges(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{Mode: ModePermissive}, &mockPlugin{name: "audit", invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
		p := *payload.(*hooks.ToolPreInvokePayload)
		p.Name = "renamed"
		res := hooks.Modify(&p).WithMetadata("flagged", true)
		res.ContinueProcessing = false
		res.Violation = &hooks.Violation{Code: "WOULD_BLOCK"}
		return res, nil
	}})

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ContinueProcessing || res.Violation != nil {
		t.Fatalf("got %+v, want continue", res)
	}
	if res.Metadata["flagged"] != true {
		t.Error("metadata dropped")
	}
	if p, ok := res.ModifiedPayload.(*hooks.ToolPreInvokePayload); !ok || p.Name != "renamed" {
		t.Errorf("modified payload = %#v", res.ModifiedPayload)
	}
}

func TestManager_Invoke_TimeoutDoesNotLeakIntoNextPlugin(t *testing.T) {
	m := newTestManager(t, Settings{})
	setTimeout(m, 20*time.Millisecond)
	mustRegister(t, m, Config{Mode: ModePermissive, Priority: intPtr(1)}, &mockPlugin{name: "slow", invokeFn: func(ctx context.Context, _ string, _ hooks.Payload, _ *Context) (*hooks.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	var nextErr error
	mustRegister(t, m, Config{Priority: intPtr(2)}, &mockPlugin{name: "fast", invokeFn: func(ctx context.Context, _ string, _ hooks.Payload, _ *Context) (*hooks.Result, error) {
		nextErr = ctx.Err()
		return nil, nil
	}})

	if _, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil); err != nil {
		t.Fatal(err)
	}
	if nextErr != nil {
		t.Errorf("next plugin got a cancelled context: %v", nextErr)
	}
}

func TestManager_Invoke_Conditions(t *testing.T) {
	m := newTestManager(t, Settings{})
	rec := &recorder{}
	mustRegister(t, m, Config{Conditions: []Condition{{ServerIDs: []string{"server1"}}}}, rec.plugin("scoped"))
	mustRegister(t, m, Config{Conditions: []Condition{{Tools: []string{"other"}}, {UserPatterns: []string{"*@example.com"}}}}, rec.plugin("any-of"))

	tests := []struct {
		name string
		gctx *GlobalContext
		want []string
	}{
		{"server1", &GlobalContext{ServerID: "server1"}, []string{"scoped"}},
		{"server2", &GlobalContext{ServerID: "server2"}, nil},
		{"user pattern", &GlobalContext{ServerID: "server2", User: "bob@example.com"}, []string{"any-of"}},
		{"both", &GlobalContext{ServerID: "server1", User: "bob@example.com"}, []string{"scoped", "any-of"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.calls = nil
			if _, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), tt.gctx, nil); err != nil {
				t.Fatal(err)
			}
			if got := rec.get(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_Invoke_PriorityBands(t *testing.T) {
	m := newTestManager(t, Settings{})
	rec := &recorder{}
	mustRegister(t, m, Config{Priority: intPtr(50)}, rec.plugin("a"))
	mustRegister(t, m, Config{Priority: intPtr(10)}, rec.plugin("b"))
	mustRegister(t, m, Config{}, rec.plugin("default"))
	mustRegister(t, m, Config{Priority: intPtr(10)}, rec.plugin("c"))

	if _, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil); err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "c", "a", "default"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestManager_Invoke_AutoReversePostHooks(t *testing.T) {
	m := newTestManager(t, Settings{AutoReversePostHooks: true})
	rec := &recorder{}
	both := []string{hooks.ToolPreInvoke, hooks.ToolPostInvoke}
	mustRegister(t, m, Config{Hooks: both, Priority: intPtr(10)}, rec.plugin("auth"))
	mustRegister(t, m, Config{Hooks: both, Priority: intPtr(20)}, rec.plugin("filter"))
	mustRegister(t, m, Config{Hooks: both, Priority: intPtr(30)}, rec.plugin("logger"))

	ctx := context.Background()
	gctx := &GlobalContext{}
	_, locals, err := m.Invoke(ctx, hooks.ToolPreInvoke, toolPayload(), gctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rec.get(), []string{"auth", "filter", "logger"}; !reflect.DeepEqual(got, want) {
		t.Errorf("pre order = %v, want %v", got, want)
	}

	rec.calls = nil
	post := &hooks.ToolPostInvokePayload{Name: "search", Result: "ok"}
	if _, _, err := m.Invoke(ctx, hooks.ToolPostInvoke, post, gctx, locals); err != nil {
		t.Fatal(err)
	}
	if got, want := rec.get(), []string{"logger", "filter", "auth"}; !reflect.DeepEqual(got, want) {
		t.Errorf("post order = %v, want %v", got, want)
	}
}

func TestManager_Invoke_PostPriorityOverridesReverse(t *testing.T) {
	m := newTestManager(t, Settings{AutoReversePostHooks: true})
	rec := &recorder{}
	post := []string{hooks.ToolPostInvoke}
	mustRegister(t, m, Config{Hooks: post, Priority: intPtr(10), PostPriority: intPtr(1)}, rec.plugin("pinned"))
	mustRegister(t, m, Config{Hooks: post, Priority: intPtr(20)}, rec.plugin("x"))
	mustRegister(t, m, Config{Hooks: post, Priority: intPtr(30)}, rec.plugin("y"))

	if _, _, err := m.Invoke(context.Background(), hooks.ToolPostInvoke, &hooks.ToolPostInvokePayload{Name: "t"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	// x and y mirror inside [20, 30] while pinned keeps band 1.
	if got, want := rec.get(), []string{"pinned", "y", "x"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestManager_Invoke_LocalContextPreToPost(t *testing.T) {
	m := newTestManager(t, Settings{})
	both := []string{hooks.ToolPreInvoke, hooks.ToolPostInvoke}
	var seenInPost interface{}
	var otherSaw interface{}
	mustRegister(t, m, Config{Hooks: both, Priority: intPtr(1)}, &mockPlugin{name: "timer", invokeFn: func(_ context.Context, hook string, _ hooks.Payload, pctx *Context) (*hooks.Result, error) {
		if hook == hooks.ToolPreInvoke {
			pctx.State["started"] = "t0"
			pctx.Global.State["shared"] = "from-timer"
			return nil, nil
		}
		seenInPost = pctx.State["started"]
		return nil, nil
	}})
	mustRegister(t, m, Config{Hooks: both, Priority: intPtr(2)}, &mockPlugin{name: "peer", invokeFn: func(_ context.Context, hook string, _ hooks.Payload, pctx *Context) (*hooks.Result, error) {
		if hook == hooks.ToolPreInvoke {
			otherSaw = pctx.Global.State["shared"]
			if _, leaked := pctx.State["started"]; leaked {
				return nil, errors.New("local state leaked between plugins")
			}
		}
		return nil, nil
	}})

	ctx := context.Background()
	gctx := &GlobalContext{RequestID: "req-42"}
	res, locals, err := m.Invoke(ctx, hooks.ToolPreInvoke, toolPayload(), gctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ContinueProcessing {
		t.Fatalf("pre blocked: %+v", res.Violation)
	}
	if otherSaw != "from-timer" {
		t.Errorf("peer saw shared = %v", otherSaw)
	}
	if gctx.State["shared"] != "from-timer" {
		t.Error("global state change not visible to caller")
	}
	if locals["timer"] == nil || locals["timer"].State["started"] != "t0" {
		t.Fatalf("locals = %+v", locals)
	}

	if _, _, err := m.Invoke(ctx, hooks.ToolPostInvoke, &hooks.ToolPostInvokePayload{Name: "search"}, gctx, locals); err != nil {
		t.Fatal(err)
	}
	if seenInPost != "t0" {
		t.Errorf("post saw started = %v, want t0", seenInPost)
	}
}

func TestManager_Invoke_FailedPluginDoesNotCommitContext(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{Mode: ModePermissive}, &mockPlugin{name: "flaky", invokeFn: func(_ context.Context, _ string, _ hooks.Payload, pctx *Context) (*hooks.Result, error) {
		pctx.Global.State["half"] = true
		pctx.State["half"] = true
		return nil, errors.New("boom")
	}})

	gctx := &GlobalContext{}
	_, locals, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), gctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gctx.State["half"]; ok {
		t.Error("global state of failed plugin was committed")
	}
	if _, ok := locals["flaky"].State["half"]; ok {
		t.Error("local state of failed plugin was committed")
	}
}

func TestManager_Invoke_FieldScopedRedaction(t *testing.T) {
	m := newTestManager(t, Settings{})
	var view *hooks.ToolPreInvokePayload
	redactor := &mockPlugin{name: "redactor", invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
		view = payload.(*hooks.ToolPreInvokePayload)
		out := &hooks.ToolPreInvokePayload{Args: map[string]interface{}{"query": "[REDACTED]"}}
		return hooks.Modify(out), nil
	}}
	mustRegister(t, m, Config{ApplyTo: &fieldsel.Selection{InputFields: []string{"args.query"}}}, redactor)

	orig := &hooks.ToolPreInvokePayload{
		Name: "search",
		Args: map[string]interface{}{"query": "alice@example.com", "limit": 10, "id": int64(9007199254740993)},
	}
	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, orig, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if view.Name != "" {
		t.Errorf("plugin saw name %q outside its selection", view.Name)
	}
	if len(view.Args) != 1 {
		t.Errorf("plugin saw args %v outside its selection", view.Args)
	}
	if view.Args["query"] != "alice@example.com" {
		t.Errorf("plugin saw query %v", view.Args["query"])
	}

	got, ok := res.ModifiedPayload.(*hooks.ToolPreInvokePayload)
	if !ok {
		t.Fatalf("modified payload = %#v", res.ModifiedPayload)
	}
	want := &hooks.ToolPreInvokePayload{
		Name: "search",
		Args: map[string]interface{}{"query": "[REDACTED]", "limit": 10, "id": int64(9007199254740993)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merged payload = %#v, want %#v", got, want)
	}
	if orig.Args["query"] != "alice@example.com" {
		t.Error("caller payload was mutated")
	}
}

func TestManager_Invoke_ParallelDeterministicMerge(t *testing.T) {
	m := newTestManager(t, Settings{ParallelExecutionWithinBand: true})
	delays := map[string]time.Duration{"p1": 30 * time.Millisecond, "p2": 0, "p3": 10 * time.Millisecond}
	for _, name := range []string{"p1", "p2", "p3"} {
		name := name
		mustRegister(t, m, Config{}, &mockPlugin{name: name, invokeFn: func(_ context.Context, _ string, payload hooks.Payload, pctx *Context) (*hooks.Result, error) {
			time.Sleep(delays[name])
			pctx.Global.State["saw_"+name] = true
			p := *payload.(*hooks.ToolPreInvokePayload)
			p.Name = name
			return hooks.Modify(&p).WithMetadata("winner", name), nil
		}})
	}

	for i := 0; i < 5; i++ {
		gctx := &GlobalContext{}
		res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), gctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Metadata["winner"] != "p3" {
			t.Errorf("run %d: winner = %v, want p3", i, res.Metadata["winner"])
		}
		if p := res.ModifiedPayload.(*hooks.ToolPreInvokePayload); p.Name != "p3" {
			t.Errorf("run %d: payload name = %q, want p3", i, p.Name)
		}
		for _, name := range []string{"p1", "p2", "p3"} {
			if gctx.State["saw_"+name] != true {
				t.Errorf("run %d: global state from %s lost", i, name)
			}
		}
	}
}

func TestManager_Invoke_ParallelPluginsGetOwnPayload(t *testing.T) {
	m := newTestManager(t, Settings{ParallelExecutionWithinBand: true})
	var mu sync.Mutex
	seen := map[string]interface{}{}
	for _, name := range []string{"p1", "p2", "p3"} {
		name := name
		mustRegister(t, m, Config{}, &mockPlugin{name: name, invokeFn: func(_ context.Context, _ string, payload hooks.Payload, _ *Context) (*hooks.Result, error) {
			args := payload.(*hooks.ToolPreInvokePayload).Args
			mu.Lock()
			seen[name] = args["query"]
			mu.Unlock()
			// Edit in place; siblings must not observe it.
			args["query"] = "touched-by-" + name
			args["by_"+name] = true
			return nil, nil
		}})
	}

	orig := toolPayload()
	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, orig, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ContinueProcessing {
		t.Fatalf("unexpected block: %+v", res.Violation)
	}
	for _, name := range []string{"p1", "p2", "p3"} {
		if seen[name] != "alice@example.com" {
			t.Errorf("%s saw query %v", name, seen[name])
		}
	}
	if want := toolPayload(); !reflect.DeepEqual(orig, want) {
		t.Errorf("caller payload = %#v, want %#v", orig, want)
	}
}

func TestManager_Invoke_ParallelBlockAttributedInOrder(t *testing.T) {
	m := newTestManager(t, Settings{ParallelExecutionWithinBand: true})
	blockAs := func(name string, delay time.Duration) *mockPlugin {
		return &mockPlugin{name: name, invokeFn: func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
			time.Sleep(delay)
			return hooks.Block(&hooks.Violation{Code: "NO"}), nil
		}}
	}
	mustRegister(t, m, Config{}, blockAs("slow", 20*time.Millisecond))
	mustRegister(t, m, Config{}, blockAs("fast", 0))

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Violation == nil || res.Violation.PluginName != "slow" {
		t.Errorf("violation = %+v, want attributed to slow", res.Violation)
	}
}

func TestManager_Routing(t *testing.T) {
	rec := &recorder{}
	newRouted := func(t *testing.T, strategy string) *Manager {
		m := newTestManager(t, Settings{})
		both := []string{hooks.ToolPreInvoke, hooks.ToolPostInvoke}
		mustRegister(t, m, Config{Hooks: both}, rec.plugin("generic"))
		mustRegister(t, m, Config{Hooks: both}, rec.plugin("search-guard"))
		mustRegister(t, m, Config{Hooks: []string{hooks.ToolPostInvoke}}, rec.plugin("post-only"))
		routes := []HookRule{
			{Entities: []hooks.EntityType{hooks.EntityTool}, Plugins: []Attachment{{Name: "generic"}, {Name: "post-only"}}},
			{Entities: []hooks.EntityType{hooks.EntityTool}, Name: StringList{"search"}, Plugins: []Attachment{{Name: "search-guard", Priority: intPtr(5)}}},
		}
		if err := m.Configure(Settings{RuleMergeStrategy: strategy}, routes); err != nil {
			t.Fatal(err)
		}
		return m
	}

	tests := []struct {
		name     string
		strategy string
		tool     string
		want     []string
	}{
		{"most specific wins", MergeMostSpecific, "search", []string{"search-guard"}},
		{"general rule otherwise", MergeMostSpecific, "fetch", []string{"generic"}},
		{"merge all", MergeAll, "search", []string{"search-guard", "generic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newRouted(t, tt.strategy)
			rec.calls = nil
			p := &hooks.ToolPreInvokePayload{Name: tt.tool}
			if _, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, p, nil, nil); err != nil {
				t.Fatal(err)
			}
			if got := rec.get(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_Routing_AttachmentOverrides(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{Mode: ModeEnforce}, &mockPlugin{name: "strict", invokeFn: func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return hooks.Block(&hooks.Violation{Code: "NO"}).WithMetadata("ran", true), nil
	}})
	routes := []HookRule{{
		Hooks: []string{hooks.ToolPreInvoke},
		When:  `args.limit > 5`,
		Plugins: []Attachment{
			{Name: "strict", Mode: ModePermissive},
		},
	}}
	if err := m.Configure(Settings{}, routes); err != nil {
		t.Fatal(err)
	}

	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata["ran"] != true {
		t.Fatal("routed plugin did not run")
	}
	if !res.ContinueProcessing {
		t.Errorf("attachment mode permissive should not block: %+v", res.Violation)
	}

	small := &hooks.ToolPreInvokePayload{Name: "search", Args: map[string]interface{}{"limit": 1}}
	res, _, err = m.Invoke(context.Background(), hooks.ToolPreInvoke, small, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Metadata["ran"]; ok {
		t.Error("rule with false when clause should not route")
	}
}

func TestManager_Configure_RejectsUnknownPlugin(t *testing.T) {
	m := newTestManager(t, Settings{})
	routes := []HookRule{{Plugins: []Attachment{{Name: "ghost"}}}}
	if err := m.Configure(Settings{}, routes); err == nil {
		t.Error("expected error for unknown plugin in route")
	}
	if err := m.Configure(Settings{RuleMergeStrategy: "random"}, nil); err == nil {
		t.Error("expected error for unknown merge strategy")
	}
}

func TestManager_Load(t *testing.T) {
	const kind = "test-load-plugin"
	defer unregister(kind)
	var created []*mockPlugin
	RegisterFactory(kind, func() Plugin {
		p := &mockPlugin{name: kind}
		created = append(created, p)
		return p
	})

	m := NewManager(hooks.NewStandardRegistry())
	ctx := context.Background()
	cfg := ManagerConfig{
		Plugins: []Config{
			{Name: "one", Kind: kind, Hooks: []string{hooks.ToolPreInvoke}},
			{Name: "two", Kind: kind, Hooks: []string{hooks.PromptPreFetch}, Mode: ModeDisabled},
		},
		Settings: Settings{PluginTimeout: 5},
	}
	if err := m.Load(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if got := len(m.Plugins()); got != 2 {
		t.Errorf("plugins = %d, want 2", got)
	}
	if m.Settings().PluginTimeout != 5 || m.Settings().RuleMergeStrategy != MergeMostSpecific {
		t.Errorf("settings = %+v", m.Settings())
	}
	if m.HasHooksFor(hooks.PromptPreFetch) {
		t.Error("disabled plugin should not count for HasHooksFor")
	}

	bad := []struct {
		name string
		cfg  ManagerConfig
	}{
		{"unknown kind", ManagerConfig{Plugins: []Config{{Name: "x", Kind: "nope", Hooks: []string{hooks.ToolPreInvoke}}}}},
		{"duplicate", ManagerConfig{Plugins: []Config{
			{Name: "x", Kind: kind, Hooks: []string{hooks.ToolPreInvoke}},
			{Name: "x", Kind: kind, Hooks: []string{hooks.ToolPreInvoke}},
		}}},
		{"external without mcp", ManagerConfig{Plugins: []Config{{Name: "x", Kind: KindExternal, Hooks: []string{hooks.ToolPreInvoke}}}}},
		{"route to unknown plugin", ManagerConfig{
			Plugins: []Config{{Name: "x", Kind: kind, Hooks: []string{hooks.ToolPreInvoke}}},
			Routes:  []HookRule{{Plugins: []Attachment{{Name: "y"}}}},
		}},
		{"bad when", ManagerConfig{
			Plugins: []Config{{Name: "x", Kind: kind, Hooks: []string{hooks.ToolPreInvoke}}},
			Routes:  []HookRule{{When: "args.a ==", Plugins: []Attachment{{Name: "x"}}}},
		}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Load(ctx, tt.cfg); err == nil {
				t.Error("expected error")
			}
			if got := len(m.Plugins()); got != 2 {
				t.Errorf("failed load replaced plugins: %d", got)
			}
		})
	}

	before := append([]*mockPlugin(nil), created...)
	if err := m.Load(ctx, ManagerConfig{}); err != nil {
		t.Fatal(err)
	}
	for _, p := range before {
		if !p.closed {
			t.Error("replaced plugin was not closed")
		}
	}
}

func TestManager_Load_InitError(t *testing.T) {
	const kind = "test-init-error"
	defer unregister(kind)
	RegisterFactory(kind, func() Plugin { return &mockPlugin{name: kind, initErr: errors.New("bad config")} })

	m := NewManager(hooks.NewStandardRegistry())
	err := m.Load(context.Background(), ManagerConfig{Plugins: []Config{{Name: "x", Kind: kind, Hooks: []string{hooks.ToolPreInvoke}}}})
	if err == nil {
		t.Fatal("expected init error")
	}
}

func TestManager_InvokeForPlugin(t *testing.T) {
	m := newTestManager(t, Settings{})
	mustRegister(t, m, Config{}, &mockPlugin{name: "direct", invokeFn: func(_ context.Context, _ string, _ hooks.Payload, pctx *Context) (*hooks.Result, error) {
		pctx.State["n"] = 1
		return hooks.Block(&hooks.Violation{Code: "RAW"}), nil
	}})
	mustRegister(t, m, Config{}, &mockPlugin{name: "broken", invokeFn: func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return nil, errors.New("boom")
	}})

	ctx := context.Background()
	pctx := NewContext(&GlobalContext{})
	res, err := m.InvokeForPlugin(ctx, "direct", hooks.ToolPreInvoke, toolPayload(), pctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.ContinueProcessing || res.Violation.Code != "RAW" {
		t.Errorf("result should be returned as is: %+v", res)
	}
	if pctx.State["n"] != 1 {
		t.Error("local state not returned")
	}

	if _, err := m.InvokeForPlugin(ctx, "broken", hooks.ToolPreInvoke, toolPayload(), nil); err == nil {
		t.Error("expected plugin error to be returned")
	}
	if _, err := m.InvokeForPlugin(ctx, "ghost", hooks.ToolPreInvoke, toolPayload(), nil); !errors.Is(err, ErrUnknownPlugin) {
		t.Errorf("got %v, want ErrUnknownPlugin", err)
	}
	if _, err := m.InvokeForPlugin(ctx, "direct", hooks.ToolPostInvoke, &hooks.ToolPostInvokePayload{}, nil); err == nil {
		t.Error("expected error for undeclared hook")
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := newTestManager(t, Settings{})
	p := &mockPlugin{name: "closable"}
	mustRegister(t, m, Config{}, p)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.closed {
		t.Error("plugin was not closed")
	}
	if len(m.Plugins()) != 0 {
		t.Error("plugins remain after shutdown")
	}
}

func TestHookFunc(t *testing.T) {
	m := newTestManager(t, Settings{})
	fn := HookFunc(func(context.Context, string, hooks.Payload, *Context) (*hooks.Result, error) {
		return hooks.Continue().WithMetadata("fn", true), nil
	})
	if err := m.Register(Config{Name: "inline", Hooks: []string{hooks.ToolPreInvoke}}, fn); err != nil {
		t.Fatal(err)
	}
	res, _, err := m.Invoke(context.Background(), hooks.ToolPreInvoke, toolPayload(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata["fn"] != true {
		t.Error("HookFunc was not invoked")
	}
}
