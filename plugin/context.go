package plugin

import (
	"reflect"

	"github.com/ferro-labs/hook-gateway/plugin/fieldsel"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// GlobalContext is shared by every plugin in one logical operation. The
// caller creates it before the pre hook and passes the same value to the
// matching post hook.
type GlobalContext struct {
	RequestID   string                 `json:"request_id"`
	User        string                 `json:"user,omitempty"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	ServerID    string                 `json:"server_id,omitempty"`
	ServerName  string                 `json:"server_name,omitempty"`
	GatewayID   string                 `json:"gateway_id,omitempty"`
	EntityType  hooks.EntityType       `json:"entity_type,omitempty"`
	EntityID    string                 `json:"entity_id,omitempty"`
	EntityName  string                 `json:"entity_name,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	ContentType string                 `json:"content_type,omitempty"`
	State       map[string]interface{} `json:"state,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy whose State and Metadata can be mutated without
// affecting g.
func (g *GlobalContext) Clone() *GlobalContext {
	if g == nil {
		return &GlobalContext{State: map[string]interface{}{}, Metadata: map[string]interface{}{}}
	}
	c := *g
	c.Tags = append([]string(nil), g.Tags...)
	c.State = copyMap(g.State)
	c.Metadata = copyMap(g.Metadata)
	return &c
}

// merge copies every key of src's State and Metadata into g.
func (g *GlobalContext) merge(src *GlobalContext) {
	if src == nil {
		return
	}
	if g.State == nil {
		g.State = map[string]interface{}{}
	}
	if g.Metadata == nil {
		g.Metadata = map[string]interface{}{}
	}
	for k, v := range src.State {
		g.State[k] = v
	}
	for k, v := range src.Metadata {
		g.Metadata[k] = v
	}
}

// mergeChanged copies into g the State and Metadata keys that src changed
// relative to base, so plugins running from the same snapshot do not
// overwrite each other's unrelated keys.
func (g *GlobalContext) mergeChanged(base, src *GlobalContext) {
	if src == nil {
		return
	}
	if base == nil {
		g.merge(src)
		return
	}
	if g.State == nil {
		g.State = map[string]interface{}{}
	}
	if g.Metadata == nil {
		g.Metadata = map[string]interface{}{}
	}
	copyChanged(g.State, base.State, src.State)
	copyChanged(g.Metadata, base.Metadata, src.Metadata)
}

func copyChanged(dst, base, src map[string]interface{}) {
	for k, v := range src {
		if old, ok := base[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		dst[k] = v
	}
}

// Context is what a plugin receives for one call: a private copy of the
// global context plus the plugin's own local state, which survives from the
// pre hook to the post hook of the same operation.
type Context struct {
	Global   *GlobalContext         `json:"global_context"`
	State    map[string]interface{} `json:"state"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewContext creates a local context bound to g.
func NewContext(g *GlobalContext) *Context {
	return &Context{
		Global:   g,
		State:    map[string]interface{}{},
		Metadata: map[string]interface{}{},
	}
}

// ContextTable holds the local context of every plugin that ran, keyed by
// plugin name. Pass the table returned by a pre hook into the post hook.
type ContextTable map[string]*Context

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return fieldsel.DeepCopy(m)
}
