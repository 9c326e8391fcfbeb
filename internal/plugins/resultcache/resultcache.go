// Package resultcache provides a plugin that remembers tool results and
// resource contents and reports cache hits to the caller. On a pre hook it
// looks the call up and, on a hit, returns the cached value in the result
// metadata under "cached_result" so the gateway can answer without calling
// the backend. On the matching post hook it stores what the backend returned.
// Register it with a blank import:
//
//	_ "github.com/ferro-labs/hook-gateway/internal/plugins/resultcache"
package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ferro-labs/hook-gateway/internal/cache"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// keyState is the local-state key carrying the cache key from pre to post.
const keyState = "resultcache.key"

func init() {
	plugin.RegisterFactory("result-cache", func() plugin.Plugin {
		return &ResultCache{}
	})
}

// ResultCache caches tool_post_invoke results and resource_post_fetch
// contents, keyed by the pre hook's entity and arguments.
type ResultCache struct {
	entries *cache.Memory[string, interface{}]
}

// Name returns the plugin kind.
func (c *ResultCache) Name() string { return "result-cache" }

// Init reads config keys:
//   - max_age (seconds, default 300)
//   - max_entries (default 1000)
func (c *ResultCache) Init(config map[string]interface{}) error {
	maxAge := 300
	// JSON delivers numeric values as float64; YAML may deliver int. Handle both.
	switch v := config["max_age"].(type) {
	case nil:
	case int:
		maxAge = v
	case float64:
		maxAge = int(v)
	default:
		return fmt.Errorf("result-cache: max_age must be a number")
	}

	maxEntries := 1000
	switch v := config["max_entries"].(type) {
	case nil:
	case int:
		maxEntries = v
	case float64:
		maxEntries = int(v)
	default:
		return fmt.Errorf("result-cache: max_entries must be a number")
	}
	if maxAge <= 0 || maxEntries <= 0 {
		return fmt.Errorf("result-cache: max_age and max_entries must be positive")
	}

	c.entries = cache.NewMemory[string, interface{}](maxEntries, time.Duration(maxAge)*time.Second)
	return nil
}

// Invoke looks up (pre hooks) or stores (post hooks) the call's result.
func (c *ResultCache) Invoke(_ context.Context, hook string, payload hooks.Payload, pctx *plugin.Context) (*hooks.Result, error) {
	switch p := payload.(type) {
	case *hooks.ToolPreInvokePayload:
		return c.lookup(pctx, "tool", p.Name, p.Args)
	case *hooks.ResourcePreFetchPayload:
		return c.lookup(pctx, "resource", p.URI, nil)
	case *hooks.ToolPostInvokePayload:
		c.store(pctx, p.Result)
	case *hooks.ResourcePostFetchPayload:
		c.store(pctx, p.Content)
	}
	return hooks.Continue(), nil
}

func (c *ResultCache) lookup(pctx *plugin.Context, kind, name string, args map[string]interface{}) (*hooks.Result, error) {
	key, err := cacheKey(kind, name, args)
	if err != nil {
		return nil, err
	}
	if v, ok := c.entries.Get(key); ok {
		return hooks.Continue().
			WithMetadata("cache_hit", true).
			WithMetadata("cached_result", v), nil
	}
	pctx.State[keyState] = key
	return hooks.Continue().WithMetadata("cache_hit", false), nil
}

// store saves value under the key the pre hook left in local state. Calls
// that were served from the cache left no key and are not stored again.
func (c *ResultCache) store(pctx *plugin.Context, value interface{}) {
	key, ok := pctx.State[keyState].(string)
	if !ok {
		return
	}
	c.entries.Set(key, value)
	delete(pctx.State, keyState)
}

func cacheKey(kind, name string, args map[string]interface{}) (string, error) {
	// encoding/json sorts map keys, so equal arguments hash equally.
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("result-cache: hash args: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(kind + "\n" + name + "\n"))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}
