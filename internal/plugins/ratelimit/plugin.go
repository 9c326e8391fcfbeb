// Package ratelimit provides a plugin that enforces per-caller rate limits
// using in-memory token buckets. Attach it to pre hooks so over-budget calls
// are blocked before the tool, prompt, resource or agent is reached.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferro-labs/hook-gateway/internal/metrics"
	internalrl "github.com/ferro-labs/hook-gateway/internal/ratelimit"
	"github.com/ferro-labs/hook-gateway/plugin"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// ViolationCode is the code of the violations this plugin raises.
const ViolationCode = "RATE_LIMITED"

// anonymousKey buckets callers whose global context lacks the key field.
const anonymousKey = "anonymous"

// Idle buckets are pruned every pruneInterval once unused for pruneIdle.
const (
	pruneInterval = time.Minute
	pruneIdle     = 10 * time.Minute
)

func init() {
	plugin.RegisterFactory("rate-limit", func() plugin.Plugin {
		return &Plugin{}
	})
}

// Plugin enforces a token-bucket rate limit per user, tenant or server.
type Plugin struct {
	store *internalrl.Store
	by    string

	stopOnce sync.Once
	stop     chan struct{}
}

// Name returns the plugin kind.
func (p *Plugin) Name() string { return "rate-limit" }

// Init reads config keys:
//   - requests_per_second (float64 or int, default 10)
//   - burst (float64 or int, default max(1, rps))
//   - by ("user", "tenant" or "server", default "user")
func (p *Plugin) Init(config map[string]interface{}) error {
	rps := 10.0
	burst := 0.0

	if v, ok := config["requests_per_second"]; ok {
		switch val := v.(type) {
		case float64:
			rps = val
		case int:
			rps = float64(val)
		default:
			return fmt.Errorf("rate-limit: requests_per_second must be a number")
		}
	}
	if rps <= 0 {
		return fmt.Errorf("rate-limit: requests_per_second must be positive")
	}
	if v, ok := config["burst"]; ok {
		switch val := v.(type) {
		case float64:
			burst = val
		case int:
			burst = float64(val)
		default:
			return fmt.Errorf("rate-limit: burst must be a number")
		}
	}
	p.by = "user"
	if v, ok := config["by"]; ok {
		s, _ := v.(string)
		switch s {
		case "user", "tenant", "server":
			p.by = s
		default:
			return fmt.Errorf("rate-limit: by must be user, tenant or server")
		}
	}

	p.store = internalrl.NewStore(rps, burst)
	p.stop = make(chan struct{})
	go p.prune(p.store, p.stop)
	return nil
}

func (p *Plugin) prune(store *internalrl.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			store.Prune(pruneIdle)
		case <-stop:
			return
		}
	}
}

// Close stops the background pruning.
func (p *Plugin) Close() error {
	p.stopOnce.Do(func() {
		if p.stop != nil {
			close(p.stop)
		}
	})
	return nil
}

// Invoke blocks the call when the caller's bucket is empty.
func (p *Plugin) Invoke(_ context.Context, _ string, _ hooks.Payload, pctx *plugin.Context) (*hooks.Result, error) {
	key := p.key(pctx.Global)
	ok, retry := p.store.Reserve(key)
	if ok {
		return hooks.Continue(), nil
	}
	metrics.RateLimitRejections.WithLabelValues(p.by).Inc()
	return hooks.Block(&hooks.Violation{
		Reason:      "rate limit exceeded",
		Description: fmt.Sprintf("%s %q exceeded its request budget", p.by, key),
		Code:        ViolationCode,
		Details: map[string]interface{}{
			"key":            key,
			"retry_after_ms": retry.Milliseconds(),
		},
	}), nil
}

func (p *Plugin) key(g *plugin.GlobalContext) string {
	if g == nil {
		return anonymousKey
	}
	var k string
	switch p.by {
	case "tenant":
		k = g.TenantID
	case "server":
		k = g.ServerID
	default:
		k = g.User
	}
	if k == "" {
		return anonymousKey
	}
	return k
}
