package plugin

import (
	"path"

	"github.com/ferro-labs/hook-gateway/plugin/hooks"
)

// Matcher decides whether a value matches a configured pattern. It is used
// for Condition.UserPatterns and Condition.ContentTypes.
type Matcher interface {
	Match(pattern, value string) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(pattern, value string) bool

// Match implements Matcher.
func (f MatcherFunc) Match(pattern, value string) bool { return f(pattern, value) }

// GlobMatcher matches with path.Match syntax ("*@example.com",
// "text/*"). Malformed patterns fall back to exact comparison.
var GlobMatcher Matcher = MatcherFunc(func(pattern, value string) bool {
	ok, err := path.Match(pattern, value)
	if err != nil {
		return pattern == value
	}
	return ok
})

// Invocation describes the hook call that conditions and routing rules
// match on. The manager derives it from the payload and global context.
type Invocation struct {
	Hook        string
	Post        bool
	EntityType  hooks.EntityType
	EntityName  string
	Tags        []string
	User        string
	TenantID    string
	ServerID    string
	ServerName  string
	GatewayID   string
	ContentType string
}

// eligible reports whether any condition matches inv. No conditions means
// always eligible.
func eligible(conds []Condition, inv *Invocation, m Matcher) bool {
	if len(conds) == 0 {
		return true
	}
	for i := range conds {
		if conds[i].matches(inv, m) {
			return true
		}
	}
	return false
}

func (c *Condition) matches(inv *Invocation, m Matcher) bool {
	if len(c.ServerIDs) > 0 && !contains(c.ServerIDs, inv.ServerID) {
		return false
	}
	if len(c.TenantIDs) > 0 && !contains(c.TenantIDs, inv.TenantID) {
		return false
	}
	// Entity-family sets only constrain invocations of their own family.
	var names []string
	switch inv.EntityType {
	case hooks.EntityTool:
		names = c.Tools
	case hooks.EntityPrompt:
		names = c.Prompts
	case hooks.EntityResource:
		names = c.Resources
	case hooks.EntityAgent:
		names = c.Agents
	}
	if len(names) > 0 && !contains(names, inv.EntityName) {
		return false
	}
	if len(c.UserPatterns) > 0 && !matchAny(m, c.UserPatterns, inv.User) {
		return false
	}
	if len(c.ContentTypes) > 0 && !matchAny(m, c.ContentTypes, inv.ContentType) {
		return false
	}
	return true
}

func matchAny(m Matcher, patterns []string, value string) bool {
	if value == "" {
		return false
	}
	for _, p := range patterns {
		if m.Match(p, value) {
			return true
		}
	}
	return false
}
