// Package policy implements the small boolean expression language used in
// routing rules (the `when` field).
//
// Grammar, lowest precedence first:
//
//	or_expr    = and_expr { "or" and_expr }
//	and_expr   = not_expr { "and" not_expr }
//	not_expr   = "not" not_expr | comparison
//	comparison = primary [ ( "==" | "!=" | "<" | ">" | "<=" | ">=" | "in" | "not in" ) primary ]
//	primary    = number | string | true | false | null | list | "(" or_expr ")" | call | path
//	path       = ident { "." ident | "[" ( number | string ) "]" }
//	call       = ( "contains" | "is_defined" ) "(" args ")"
//
// Paths that do not resolve evaluate to an absent value for which every
// comparison is false, so evaluation never fails at request time.
package policy

import (
	"errors"
	"strings"

	"github.com/ferro-labs/hook-gateway/internal/cache"
)

// ErrSyntax is returned when an expression does not parse.
var ErrSyntax = errors.New("expression syntax error")

// DefaultCacheSize is the number of compiled expressions an Evaluator keeps.
const DefaultCacheSize = 1000

// Bindings are the named top-level values an expression can reference.
type Bindings map[string]interface{}

// Expr is a compiled expression. It is safe for concurrent use.
type Expr struct {
	src  string
	root node
}

// Compile parses src. An empty or whitespace-only expression always
// evaluates to true.
func Compile(src string) (*Expr, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return &Expr{src: src}, nil
	}
	root, err := parse(trimmed)
	if err != nil {
		return nil, err
	}
	return &Expr{src: src, root: root}, nil
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against b.
func (e *Expr) Eval(b Bindings) bool {
	if e == nil || e.root == nil {
		return true
	}
	return truthy(e.root.eval(b))
}

// Evaluator compiles and evaluates expressions, memoizing parse results by
// source text.
type Evaluator struct {
	cache *cache.Memory[string, *Expr]
}

// NewEvaluator creates an Evaluator whose parse cache holds size entries
// (DefaultCacheSize when size <= 0).
func NewEvaluator(size int) *Evaluator {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Evaluator{cache: cache.NewMemory[string, *Expr](size, 0)}
}

// Compile returns the compiled form of src, parsing it at most once while
// it stays in the cache.
func (ev *Evaluator) Compile(src string) (*Expr, error) {
	return ev.cache.GetOrLoad(strings.TrimSpace(src), Compile)
}

// Evaluate compiles (or reuses) src and evaluates it against b. The only
// error is ErrSyntax.
func (ev *Evaluator) Evaluate(src string, b Bindings) (bool, error) {
	expr, err := ev.Compile(src)
	if err != nil {
		return false, err
	}
	return expr.Eval(b), nil
}

// CacheStats returns parse cache hits and misses.
func (ev *Evaluator) CacheStats() (hits, misses uint64) {
	return ev.cache.Stats()
}
