package plugin

import (
	"fmt"
	"sort"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
	"github.com/ferro-labs/hook-gateway/plugin/policy"
)

// Resolved is one plugin selected by the resolver for an invocation.
type Resolved struct {
	Attachment Attachment
	// Rule is the index of the rule that contributed the attachment.
	Rule int
	// Reverse is set when the rule asks for reversed order on post hooks.
	Reverse bool
}

type compiledRule struct {
	rule  HookRule
	index int
	when  *policy.Expr
	atts  []compiledAttachment
}

type compiledAttachment struct {
	att  Attachment
	when *policy.Expr
}

// Resolver matches routing rules against an invocation and returns the
// ordered plugin attachments to run.
type Resolver struct {
	rules    []compiledRule
	strategy string
	eval     *policy.Evaluator
}

// NewResolver compiles rules. Every `when` expression is parsed here, so a
// syntax error surfaces at configuration time. A nil evaluator gets a
// private one.
func NewResolver(rules []HookRule, strategy string, eval *policy.Evaluator) (*Resolver, error) {
	switch strategy {
	case "":
		strategy = MergeMostSpecific
	case MergeMostSpecific, MergeAll:
	default:
		return nil, fmt.Errorf("unknown rule merge strategy %q", strategy)
	}
	if eval == nil {
		eval = policy.NewEvaluator(policy.DefaultCacheSize)
	}

	r := &Resolver{strategy: strategy, eval: eval}
	for i, rule := range rules {
		if len(rule.Plugins) == 0 {
			return nil, fmt.Errorf("routes[%d]: at least one plugin is required", i)
		}
		when, err := eval.Compile(rule.When)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: when: %w", i, err)
		}
		cr := compiledRule{rule: rule, index: i, when: when}
		for j, att := range rule.Plugins {
			if att.Name == "" {
				return nil, fmt.Errorf("routes[%d].plugins[%d]: name is required", i, j)
			}
			attWhen, err := eval.Compile(att.When)
			if err != nil {
				return nil, fmt.Errorf("routes[%d].plugins[%d]: when: %w", i, j, err)
			}
			cr.atts = append(cr.atts, compiledAttachment{att: att, when: attWhen})
		}
		// Stable order inside a rule: attachment priority, then position.
		sort.SliceStable(cr.atts, func(a, b int) bool {
			return attachmentPriority(cr.atts[a].att) < attachmentPriority(cr.atts[b].att)
		})
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

// Len returns the number of rules.
func (r *Resolver) Len() int { return len(r.rules) }

// Resolve returns the attachments that apply to inv, deduplicated by plugin
// name with the first occurrence kept.
func (r *Resolver) Resolve(inv *Invocation, b policy.Bindings) []Resolved {
	type candidate struct {
		rule        *compiledRule
		specificity int
	}
	var cands []candidate
	best := -1
	for i := range r.rules {
		cr := &r.rules[i]
		score, ok := cr.match(inv, b)
		if !ok {
			continue
		}
		cands = append(cands, candidate{rule: cr, specificity: score})
		if score > best {
			best = score
		}
	}

	var out []Resolved
	seen := make(map[string]bool)
	for _, c := range cands {
		if r.strategy == MergeMostSpecific && c.specificity != best {
			continue
		}
		for _, ca := range c.rule.atts {
			if seen[ca.att.Name] {
				continue
			}
			if len(ca.att.Hooks) > 0 && !contains(ca.att.Hooks, inv.Hook) {
				continue
			}
			if !ca.when.Eval(b) {
				continue
			}
			seen[ca.att.Name] = true
			out = append(out, Resolved{
				Attachment: ca.att,
				Rule:       c.rule.index,
				Reverse:    c.rule.rule.ReverseOrderOnPost,
			})
		}
	}
	return out
}

// match reports whether the rule is a candidate for inv and its
// specificity: the number of set criteria, with entities counting only
// when they restrict to a strict subset of entity types.
func (cr *compiledRule) match(inv *Invocation, b policy.Bindings) (int, bool) {
	rule := &cr.rule
	score := 0

	if len(rule.Entities) > 0 {
		found := false
		for _, e := range rule.Entities {
			if e == inv.EntityType {
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
		if distinctEntities(rule.Entities) < len(hooks.EntityTypes) {
			score++
		}
	}
	if len(rule.Hooks) > 0 && !contains(rule.Hooks, inv.Hook) {
		return 0, false
	}
	if len(rule.Name) > 0 {
		if !contains(rule.Name, inv.EntityName) {
			return 0, false
		}
		score++
	}
	if len(rule.Tags) > 0 {
		if !intersects(rule.Tags, inv.Tags) {
			return 0, false
		}
		score++
	}
	if rule.ServerName != "" {
		if rule.ServerName != inv.ServerName {
			return 0, false
		}
		score++
	}
	if rule.ServerID != "" {
		if rule.ServerID != inv.ServerID {
			return 0, false
		}
		score++
	}
	if rule.GatewayID != "" {
		if rule.GatewayID != inv.GatewayID {
			return 0, false
		}
		score++
	}
	if rule.When != "" {
		if !cr.when.Eval(b) {
			return 0, false
		}
		score++
	}
	return score, true
}

func attachmentPriority(a Attachment) int {
	if a.Priority == nil {
		return DefaultPriority
	}
	return *a.Priority
}

func distinctEntities(list []hooks.EntityType) int {
	seen := make(map[hooks.EntityType]bool, len(list))
	for _, e := range list {
		seen[e] = true
	}
	return len(seen)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}
