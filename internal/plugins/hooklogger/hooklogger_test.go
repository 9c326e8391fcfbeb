package hooklogger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// captureLogs redirects the package logger to a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logging.Logger
	logging.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	t.Cleanup(func() { logging.Logger = prev })
	return &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var rec map[string]interface{}
	if err := json.Unmarshal(lines[len(lines)-1], &rec); err != nil {
		t.Fatalf("decode log record %q: %v", lines[len(lines)-1], err)
	}
	return rec
}

func TestHookLogger_Init(t *testing.T) {
	t.Run("default level", func(t *testing.T) {
		l := &HookLogger{}
		if err := l.Init(map[string]interface{}{}); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		if l.logLevel != slog.LevelInfo {
			t.Errorf("expected default level Info, got %v", l.logLevel)
		}
	})

	t.Run("debug level", func(t *testing.T) {
		l := &HookLogger{}
		if err := l.Init(map[string]interface{}{"level": "debug"}); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		if l.logLevel != slog.LevelDebug {
			t.Errorf("expected Debug level, got %v", l.logLevel)
		}
	})

	t.Run("unknown level", func(t *testing.T) {
		if err := (&HookLogger{}).Init(map[string]interface{}{"level": "loud"}); err == nil {
			t.Error("expected Init error")
		}
	})
}

func TestHookLogger_PreAndPost(t *testing.T) {
	buf := captureLogs(t)
	l := &HookLogger{}
	if err := l.Init(map[string]interface{}{"include_payload": true}); err != nil {
		t.Fatal(err)
	}
	pctx := plugin.NewContext(&plugin.GlobalContext{RequestID: "req-7", User: "alice", TenantID: "acme"})
	ctx := logging.WithTraceID(context.Background(), "req-7")

	res, err := l.Invoke(ctx, hooks.ToolPreInvoke, &hooks.ToolPreInvokePayload{Name: "search"}, pctx)
	if err != nil || !res.ContinueProcessing {
		t.Fatalf("pre: %+v, %v", res, err)
	}
	rec := lastRecord(t, buf)
	for k, want := range map[string]interface{}{
		"msg": "hook call", "hook": hooks.ToolPreInvoke, "entity_type": "tool", "entity": "search",
		"user": "alice", "tenant_id": "acme", "trace_id": "req-7",
	} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %v", k, rec[k], want)
		}
	}
	if _, ok := rec["payload"]; !ok {
		t.Error("payload not logged")
	}
	if _, ok := rec["elapsed_ms"]; ok {
		t.Error("pre hook should not report elapsed time")
	}

	if _, err := l.Invoke(ctx, hooks.ToolPostInvoke, &hooks.ToolPostInvokePayload{Name: "search"}, pctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := lastRecord(t, buf)["elapsed_ms"]; !ok {
		t.Error("post hook should report elapsed time")
	}
}

func TestHookLogger_HTTPHookHasNoEntity(t *testing.T) {
	buf := captureLogs(t)
	l := &HookLogger{}
	if err := l.Init(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Invoke(context.Background(), hooks.HTTPPreRequest, &hooks.HTTPPreRequestPayload{Path: "/", Method: "GET"}, plugin.NewContext(nil)); err != nil {
		t.Fatal(err)
	}
	if _, ok := lastRecord(t, buf)["entity"]; ok {
		t.Error("http hooks have no entity")
	}
}
