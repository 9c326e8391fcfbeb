package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/hook-gateway/internal/logging"
	"github.com/ferro-labs/hook-gateway/internal/metrics"
	"github.com/ferro-labs/hook-gateway/plugin/fieldsel"
	"github.com/ferro-labs/hook-gateway/plugin/hooks"
	"github.com/ferro-labs/hook-gateway/plugin/policy"
)

// call is one planned plugin execution.
type call struct {
	entry   *entry
	mode    Mode
	sel     *fieldsel.Selection
	band    int
	ord     int
	seq     int
	reverse bool
}

// Invoke runs every applicable plugin for hook. payload must be a pointer
// to the hook's registered payload type. gctx may be nil; its RequestID is
// filled in when empty. locals is the table returned by the matching pre
// hook (nil for a fresh operation) and is returned updated.
//
// The only errors are programmer errors (unknown hook, wrong payload type).
// Plugin failures are reported through the result.
func (m *Manager) Invoke(ctx context.Context, hook string, payload hooks.Payload, gctx *GlobalContext, locals ContextTable) (*hooks.Result, ContextTable, error) {
	if err := m.registry.CheckPayload(hook, payload); err != nil {
		return nil, locals, err
	}
	if gctx == nil {
		gctx = &GlobalContext{}
	}
	if gctx.RequestID == "" {
		gctx.RequestID = uuid.NewString()
	}
	if gctx.State == nil {
		gctx.State = map[string]interface{}{}
	}
	if gctx.Metadata == nil {
		gctx.Metadata = map[string]interface{}{}
	}
	if locals == nil {
		locals = ContextTable{}
	}
	if logging.TraceIDFromContext(ctx) == "" {
		ctx = logging.WithTraceID(ctx, gctx.RequestID)
	}

	start := time.Now()
	st := m.snapshot()
	inv := m.describe(hook, payload, gctx)
	calls := m.plan(st, inv, payload, gctx)

	res := m.execute(ctx, st, inv, payload, gctx, locals, calls)

	outcome := "completed"
	if !res.ContinueProcessing {
		outcome = "blocked"
		if v := res.Violation; v != nil {
			metrics.Violations.WithLabelValues(v.PluginName, v.Code).Inc()
		}
	}
	metrics.HookInvocations.WithLabelValues(hook, outcome).Inc()
	metrics.HookDuration.WithLabelValues(hook).Observe(time.Since(start).Seconds())
	logging.FromContext(ctx).Debug("hook invoked",
		"hook", hook, "plugins", len(calls), "outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds())
	return res, locals, nil
}

// describe derives the invocation attributes from the payload and context.
// Context fields win over what the payload reports.
func (m *Manager) describe(hook string, payload hooks.Payload, gctx *GlobalContext) *Invocation {
	inv := &Invocation{
		Hook:        hook,
		Post:        m.registry.IsPostHook(hook),
		EntityType:  gctx.EntityType,
		EntityName:  gctx.EntityName,
		Tags:        gctx.Tags,
		User:        gctx.User,
		TenantID:    gctx.TenantID,
		ServerID:    gctx.ServerID,
		ServerName:  gctx.ServerName,
		GatewayID:   gctx.GatewayID,
		ContentType: gctx.ContentType,
	}
	if ent, ok := payload.(hooks.Entity); ok {
		et, name := ent.Entity()
		if inv.EntityType == "" {
			inv.EntityType = et
		}
		if inv.EntityName == "" {
			inv.EntityName = name
		}
	}
	if inv.ContentType == "" {
		if ct, ok := payload.(interface{ ContentType() string }); ok {
			inv.ContentType = ct.ContentType()
		}
	}
	return inv
}

// bindings builds the policy evaluation context for routing expressions.
func bindings(inv *Invocation, payload hooks.Payload, gctx *GlobalContext) policy.Bindings {
	tags := make([]interface{}, len(inv.Tags))
	for i, t := range inv.Tags {
		tags[i] = t
	}
	entityID := gctx.EntityID
	if entityID == "" {
		entityID = inv.EntityName
	}
	entity := map[string]interface{}{
		"name":     inv.EntityName,
		"type":     string(inv.EntityType),
		"id":       entityID,
		"tags":     tags,
		"metadata": gctx.Metadata,
	}
	b := policy.Bindings{
		"name":        inv.EntityName,
		"entity_type": string(inv.EntityType),
		"entity_id":   entityID,
		"tags":        tags,
		"metadata":    gctx.Metadata,
		"server_name": inv.ServerName,
		"server_id":   inv.ServerID,
		"gateway_id":  inv.GatewayID,
		"user":        inv.User,
		"tenant_id":   inv.TenantID,
		"hook":        inv.Hook,
		"entity":      entity,
	}
	if body, err := hooks.ToMap(payload); err == nil {
		b["payload"] = body
		if args, ok := body["args"]; ok {
			b["args"] = args
		}
	}
	switch inv.EntityType {
	case hooks.EntityTool, hooks.EntityPrompt, hooks.EntityResource, hooks.EntityAgent:
		b[string(inv.EntityType)] = map[string]interface{}{"id": entityID, "name": inv.EntityName}
	}
	return b
}

// plan resolves, filters and orders the plugins for one invocation.
func (m *Manager) plan(st *state, inv *Invocation, payload hooks.Payload, gctx *GlobalContext) []*call {
	var calls []*call
	if st.resolver != nil {
		for _, r := range st.resolver.Resolve(inv, bindings(inv, payload, gctx)) {
			e, ok := st.byName[r.Attachment.Name]
			if !ok || !e.cfg.DeclaresHook(inv.Hook) {
				continue
			}
			c := &call{
				entry:   e,
				mode:    e.cfg.EffectiveMode(),
				sel:     e.cfg.ApplyTo,
				reverse: r.Reverse || st.settings.AutoReversePostHooks,
			}
			if r.Attachment.Mode != "" {
				c.mode = r.Attachment.Mode
			}
			if r.Attachment.ApplyTo != nil {
				c.sel = r.Attachment.ApplyTo
			}
			c.band, c.reverse = bandKey(inv.Post, e.cfg, r.Attachment.Priority, r.Attachment.PostPriority, c.reverse)
			calls = append(calls, c)
		}
	} else {
		for _, e := range st.entries {
			if !e.cfg.DeclaresHook(inv.Hook) {
				continue
			}
			c := &call{entry: e, mode: e.cfg.EffectiveMode(), sel: e.cfg.ApplyTo}
			c.band, c.reverse = bandKey(inv.Post, e.cfg, nil, nil, st.settings.AutoReversePostHooks)
			calls = append(calls, c)
		}
	}

	filtered := calls[:0]
	for _, c := range calls {
		if c.mode == ModeDisabled || !eligible(c.entry.cfg.Conditions, inv, m.matcher) {
			continue
		}
		filtered = append(filtered, c)
	}
	calls = filtered

	// Reversed plugins mirror their band inside the range the reversed
	// plugins span, so the last plugin to see the request is the first to
	// see the response.
	lo, hi, seen := 0, 0, false
	for _, c := range calls {
		if !c.reverse {
			continue
		}
		if !seen || c.band < lo {
			lo = c.band
		}
		if !seen || c.band > hi {
			hi = c.band
		}
		seen = true
	}
	for i, c := range calls {
		c.seq = i
		c.ord = i
		if c.reverse {
			c.band = lo + hi - c.band
			c.ord = -i
		}
	}
	sort.SliceStable(calls, func(a, b int) bool {
		if calls[a].band != calls[b].band {
			return calls[a].band < calls[b].band
		}
		return calls[a].ord < calls[b].ord
	})
	return calls
}

// bandKey returns a plugin's band priority for this hook and whether its
// post-hook order should be mirrored.
func bandKey(post bool, cfg Config, prio, postPrio *int, autoReverse bool) (int, bool) {
	band := cfg.EffectivePriority()
	if prio != nil {
		band = *prio
	}
	if !post {
		return band, false
	}
	if postPrio == nil {
		postPrio = cfg.PostPriority
	}
	if postPrio != nil {
		return *postPrio, false
	}
	return band, autoReverse
}

// outcome is the result of one plugin call before mode policy is applied.
type outcome struct {
	res      *hooks.Result
	err      error
	base     *GlobalContext
	global   *GlobalContext
	local    *Context
	paths    []string
	duration time.Duration
}

// execute runs the planned calls band by band and folds their outcomes.
func (m *Manager) execute(ctx context.Context, st *state, inv *Invocation, payload hooks.Payload, gctx *GlobalContext, locals ContextTable, calls []*call) *hooks.Result {
	final := &hooks.Result{ContinueProcessing: true, Metadata: map[string]interface{}{}}
	current := payload

	for i := 0; i < len(calls); {
		j := i
		for j < len(calls) && calls[j].band == calls[i].band {
			j++
		}
		band := calls[i:j]
		i = j

		// Pre-create local slots so concurrent calls never write the table.
		for _, c := range band {
			if _, ok := locals[c.entry.cfg.Name]; !ok {
				locals[c.entry.cfg.Name] = NewContext(gctx)
			}
		}

		outcomes := make([]outcome, len(band))
		if st.settings.ParallelExecutionWithinBand && len(band) > 1 {
			var wg sync.WaitGroup
			for k, c := range band {
				wg.Add(1)
				// Each concurrent plugin gets its own copy so in-place edits
				// never race.
				in, err := hooks.Clone(current)
				if err != nil {
					in = current
				}
				go func(k int, c *call, in hooks.Payload) {
					defer wg.Done()
					outcomes[k] = m.runOne(ctx, st, inv, c, in, gctx, locals[c.entry.cfg.Name])
				}(k, c, in)
			}
			wg.Wait()
			// Fold in band order, not completion order.
			for k, c := range band {
				next, blocked := m.fold(ctx, st, inv, c, &outcomes[k], current, gctx, locals, final)
				if blocked {
					return final
				}
				current = next
			}
			continue
		}

		for k, c := range band {
			outcomes[k] = m.runOne(ctx, st, inv, c, current, gctx, locals[c.entry.cfg.Name])
			next, blocked := m.fold(ctx, st, inv, c, &outcomes[k], current, gctx, locals, final)
			if blocked {
				return final
			}
			current = next
		}
	}
	return final
}

// runOne invokes a single plugin with its own deadline. It never panics and
// never mutates shared state: the plugin works on copies of the global
// context and of its local context.
func (m *Manager) runOne(ctx context.Context, st *state, inv *Invocation, c *call, payload hooks.Payload, gctx *GlobalContext, local *Context) outcome {
	name := c.entry.cfg.Name
	var out outcome

	in := payload
	if paths := c.sel.Paths(!inv.Post); len(paths) > 0 {
		full, err := hooks.ToTree(payload)
		if err != nil {
			out.err = fmt.Errorf("scope payload: %w", err)
			return out
		}
		view, used := fieldsel.ApplyFieldSelection(full, c.sel, !inv.Post)
		scoped, err := m.registry.PayloadFromTree(inv.Hook, view)
		if err != nil {
			out.err = fmt.Errorf("scope payload: %w", err)
			return out
		}
		in, out.paths = scoped, used
	}

	out.base = gctx.Clone()
	out.global = gctx.Clone()
	out.local = &Context{
		Global:   out.global,
		State:    copyMap(local.State),
		Metadata: copyMap(local.Metadata),
	}

	callCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	type reply struct {
		res *hooks.Result
		err error
	}
	ch := make(chan reply, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("plugin panicked: %v", r)}
			}
		}()
		res, err := c.entry.runtime.Invoke(callCtx, inv.Hook, in, out.local)
		ch <- reply{res: res, err: err}
	}()

	select {
	case r := <-ch:
		out.res, out.err = r.res, r.err
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			out.err = fmt.Errorf("%w after %s", ErrPluginTimeout, st.timeout)
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			out.err = ctx.Err()
		} else {
			out.err = fmt.Errorf("%w after %s", ErrPluginTimeout, st.timeout)
		}
	}
	out.duration = time.Since(start)
	metrics.PluginDuration.WithLabelValues(name, inv.Hook).Observe(out.duration.Seconds())
	return out
}

// fold applies one outcome to the running result according to the plugin's
// mode. It returns the payload for the next plugin and whether the chain is
// blocked.
func (m *Manager) fold(ctx context.Context, st *state, inv *Invocation, c *call, o *outcome, current hooks.Payload, gctx *GlobalContext, locals ContextTable, final *hooks.Result) (hooks.Payload, bool) {
	name := c.entry.cfg.Name
	log := logging.FromContext(ctx).With("plugin", name, "hook", inv.Hook)
	failBlocks := c.mode == ModeEnforce ||
		(st.settings.FailOnPluginError && c.mode != ModePermissive)

	if o.err != nil {
		code := hooks.CodePluginError
		label := "error"
		if errors.Is(o.err, ErrPluginTimeout) {
			code = hooks.CodePluginTimeout
			label = "timeout"
		}
		metrics.PluginCalls.WithLabelValues(name, inv.Hook, label).Inc()
		if !failBlocks {
			log.Warn("plugin failed, continuing", "mode", c.mode, "error", o.err)
			return current, false
		}
		log.Error("plugin failed, blocking", "mode", c.mode, "error", o.err)
		final.ContinueProcessing = false
		final.Violation = failureViolation(name, code, o.err)
		return current, true
	}

	res := o.res
	if res == nil {
		res = hooks.Continue()
	}

	blocked := !res.ContinueProcessing
	if blocked && c.mode == ModePermissive {
		log.Info("permissive plugin would block, continuing", "violation", res.Violation)
		blocked = false
	}
	if blocked {
		metrics.PluginCalls.WithLabelValues(name, inv.Hook, "blocked").Inc()
	} else {
		metrics.PluginCalls.WithLabelValues(name, inv.Hook, "success").Inc()
	}

	// A blocking plugin's edits are dropped; the result carries the payload
	// as it stood before it ran.
	next := current
	if res.ModifiedPayload != nil && !blocked {
		merged, err := m.mergePayload(inv.Hook, current, res.ModifiedPayload, o.paths)
		if err != nil {
			log.Warn("discarding modified payload", "error", err)
		} else {
			next = merged
			final.ModifiedPayload = merged
		}
	}
	for k, v := range res.Metadata {
		final.Metadata[k] = v
	}
	gctx.mergeChanged(o.base, o.global)
	local := locals[name]
	local.Global = gctx
	local.State = o.local.State
	local.Metadata = o.local.Metadata

	if !blocked {
		return next, false
	}
	v := res.Violation
	if v == nil {
		v = &hooks.Violation{
			Reason:      "blocked",
			Description: fmt.Sprintf("plugin %s stopped processing", name),
			Code:        "PLUGIN_BLOCKED",
		}
	} else {
		cp := *v
		v = &cp
	}
	v.PluginName = name
	if v.MCPErrorCode == 0 {
		v.MCPErrorCode = hooks.DefaultMCPErrorCode
	}
	log.Info("plugin blocked request", "code", v.Code, "reason", v.Reason)
	final.ContinueProcessing = false
	final.Violation = v
	return next, true
}

// mergePayload turns a plugin's modified payload into the hook's payload
// type. With a field selection only the scoped paths are merged into the
// current payload.
func (m *Manager) mergePayload(hook string, current, modified hooks.Payload, paths []string) (hooks.Payload, error) {
	if paths == nil {
		if err := m.registry.CheckPayload(hook, modified); err == nil {
			return modified, nil
		}
		body, err := hooks.ToTree(modified)
		if err != nil {
			return nil, err
		}
		return m.registry.PayloadFromTree(hook, body)
	}
	full, err := hooks.ToTree(current)
	if err != nil {
		return nil, err
	}
	edited, err := hooks.ToTree(modified)
	if err != nil {
		return nil, err
	}
	return m.registry.PayloadFromTree(hook, fieldsel.MergeFields(full, edited, paths))
}

func failureViolation(name, code string, err error) *hooks.Violation {
	v := &hooks.Violation{
		Reason:       "plugin error",
		Description:  fmt.Sprintf("plugin %s error: %v", name, err),
		Code:         code,
		MCPErrorCode: hooks.DefaultMCPErrorCode,
		PluginName:   name,
	}
	if code == hooks.CodePluginTimeout {
		v.Reason = "plugin timeout"
		v.Description = fmt.Sprintf("plugin %s timeout: %v", name, err)
	}
	var perr *hooks.PluginError
	if errors.As(err, &perr) {
		v.Details = map[string]interface{}{"error_code": perr.Code}
		for k, val := range perr.Details {
			v.Details[k] = val
		}
		if perr.MCPErrorCode != 0 {
			v.MCPErrorCode = perr.MCPErrorCode
		}
	}
	return v
}
