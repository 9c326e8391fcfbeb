// Package argsize provides a guardrail plugin that caps the size of hook
// payloads: argument and message counts, the encoded payload size and the
// longest string field. Register it with a blank import:
//
//	_ "github.com/ferro-labs/hook-gateway/internal/plugins/argsize"
package argsize

import (
	"context"
	"fmt"

	"github.com/ferro-labs/hook-gateway/internal/plugins/payloadtext"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// ViolationCode is the code of the violations this plugin raises.
const ViolationCode = "PAYLOAD_TOO_LARGE"

func init() {
	plugin.RegisterFactory("arg-size", func() plugin.Plugin {
		return &ArgSize{}
	})
}

// ArgSize is a guardrail plugin that blocks oversized payloads.
type ArgSize struct {
	maxArgs         int
	maxMessages     int
	maxPayloadBytes int
	maxStringLen    int
}

// Name returns the plugin kind.
func (a *ArgSize) Name() string { return "arg-size" }

// Init reads config keys (0 disables a check):
//   - max_args (default 64): tool argument count
//   - max_messages (default 100): agent and prompt message count
//   - max_payload_bytes (default 0): encoded payload size
//   - max_string_length (default 0): longest string field
func (a *ArgSize) Init(config map[string]interface{}) error {
	a.maxArgs = 64
	a.maxMessages = 100
	a.maxPayloadBytes = 0
	a.maxStringLen = 0
	for key, dst := range map[string]*int{
		"max_args":          &a.maxArgs,
		"max_messages":      &a.maxMessages,
		"max_payload_bytes": &a.maxPayloadBytes,
		"max_string_length": &a.maxStringLen,
	} {
		v, ok := config[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			*dst = int(val)
		case int:
			*dst = val
		default:
			return fmt.Errorf("arg-size: %s must be a number", key)
		}
		if *dst < 0 {
			return fmt.Errorf("arg-size: %s must not be negative", key)
		}
	}
	return nil
}

// Invoke blocks the first limit the payload exceeds.
func (a *ArgSize) Invoke(_ context.Context, _ string, payload hooks.Payload, _ *plugin.Context) (*hooks.Result, error) {
	if a.maxArgs > 0 {
		if n := argCount(payload); n > a.maxArgs {
			return block("max_args", n, a.maxArgs), nil
		}
	}
	if a.maxMessages > 0 {
		if n := messageCount(payload); n > a.maxMessages {
			return block("max_messages", n, a.maxMessages), nil
		}
	}
	if a.maxPayloadBytes == 0 && a.maxStringLen == 0 {
		return hooks.Continue(), nil
	}

	doc, err := payloadtext.Encode(payload)
	if err != nil {
		return nil, err
	}
	if a.maxPayloadBytes > 0 && doc.Size() > a.maxPayloadBytes {
		return block("max_payload_bytes", doc.Size(), a.maxPayloadBytes), nil
	}
	if a.maxStringLen > 0 {
		var res *hooks.Result
		doc.Strings(nil, func(path, value string) bool {
			if len(value) > a.maxStringLen {
				res = block("max_string_length", len(value), a.maxStringLen)
				res.Violation.Details["path"] = path
				return false
			}
			return true
		})
		if res != nil {
			return res, nil
		}
	}
	return hooks.Continue(), nil
}

func argCount(payload hooks.Payload) int {
	switch p := payload.(type) {
	case *hooks.ToolPreInvokePayload:
		return len(p.Args)
	case *hooks.PromptPreFetchPayload:
		return len(p.Args)
	case *hooks.AgentPreInvokePayload:
		return len(p.Parameters)
	}
	return 0
}

func messageCount(payload hooks.Payload) int {
	switch p := payload.(type) {
	case *hooks.AgentPreInvokePayload:
		return len(p.Messages)
	case *hooks.AgentPostInvokePayload:
		return len(p.Messages)
	case *hooks.PromptPostFetchPayload:
		return len(p.Result.Messages)
	}
	return 0
}

func block(limit string, got, max int) *hooks.Result {
	return hooks.Block(&hooks.Violation{
		Reason:      "payload too large",
		Description: fmt.Sprintf("%s: %d exceeds limit of %d", limit, got, max),
		Code:        ViolationCode,
		Details:     map[string]interface{}{"limit": limit, "value": got, "max": max},
	})
}
