package policy

import (
	"reflect"
	"strings"
)

// absent is the value of a path that does not resolve. Every comparison
// involving it is false and it is falsy.
type absentValue struct{}

var absent = absentValue{}

type node interface {
	eval(b Bindings) interface{}
}

type literal struct{ v interface{} }

func (n *literal) eval(Bindings) interface{} { return n.v }

type step struct {
	key     string
	index   int
	isIndex bool
}

type pathNode struct {
	root  string
	steps []step
}

func (n *pathNode) eval(b Bindings) interface{} {
	cur, ok := b[n.root]
	if !ok {
		return absent
	}
	for _, s := range n.steps {
		cur = lookup(cur, s)
		if cur == absent {
			return absent
		}
	}
	return cur
}

func lookup(v interface{}, s step) interface{} {
	if s.isIndex {
		switch t := v.(type) {
		case []interface{}:
			if s.index >= 0 && s.index < len(t) {
				return t[s.index]
			}
		case []string:
			if s.index >= 0 && s.index < len(t) {
				return t[s.index]
			}
		}
		return absent
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if val, ok := t[s.key]; ok {
			return val
		}
	case map[string]string:
		if val, ok := t[s.key]; ok {
			return val
		}
	case Bindings:
		if val, ok := t[s.key]; ok {
			return val
		}
	}
	return absent
}

type listNode struct{ items []node }

func (n *listNode) eval(b Bindings) interface{} {
	out := make([]interface{}, len(n.items))
	for i, item := range n.items {
		out[i] = item.eval(b)
	}
	return out
}

type notNode struct{ x node }

func (n *notNode) eval(b Bindings) interface{} { return !truthy(n.x.eval(b)) }

type logicalNode struct {
	and  bool
	l, r node
}

func (n *logicalNode) eval(b Bindings) interface{} {
	left := truthy(n.l.eval(b))
	if n.and {
		return left && truthy(n.r.eval(b))
	}
	return left || truthy(n.r.eval(b))
}

type compareNode struct {
	op   string
	l, r node
}

func (n *compareNode) eval(b Bindings) interface{} {
	l, r := n.l.eval(b), n.r.eval(b)
	if l == absent || r == absent {
		return false
	}
	switch n.op {
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	}

	if lf, ok := toNumber(l); ok {
		rf, ok := toNumber(r)
		if !ok {
			return false
		}
		switch n.op {
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
		return false
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false
	}
	switch n.op {
	case "<":
		return ls < rs
	case ">":
		return ls > rs
	case "<=":
		return ls <= rs
	case ">=":
		return ls >= rs
	}
	return false
}

type inNode struct {
	l, r   node
	negate bool
}

func (n *inNode) eval(b Bindings) interface{} {
	found, ok := membership(n.l.eval(b), n.r.eval(b))
	if !ok {
		return false
	}
	return found != n.negate
}

type callNode struct {
	fn   string
	args []node
}

func (n *callNode) eval(b Bindings) interface{} {
	switch n.fn {
	case "contains":
		found, ok := membership(n.args[1].eval(b), n.args[0].eval(b))
		return ok && found
	case "is_defined":
		v := n.args[0].eval(b)
		return v != absent && v != nil
	}
	return false
}

// membership reports whether item is in container. ok is false when the
// question has no answer (absent operands or a non-container).
func membership(item, container interface{}) (found, ok bool) {
	if item == absent || container == absent {
		return false, false
	}
	switch c := container.(type) {
	case []interface{}:
		for _, v := range c {
			if equal(item, v) {
				return true, true
			}
		}
		return false, true
	case []string:
		s, isStr := item.(string)
		if !isStr {
			return false, true
		}
		for _, v := range c {
			if v == s {
				return true, true
			}
		}
		return false, true
	case map[string]interface{}:
		s, isStr := item.(string)
		if !isStr {
			return false, true
		}
		_, has := c[s]
		return has, true
	case map[string]string:
		s, isStr := item.(string)
		if !isStr {
			return false, true
		}
		_, has := c[s]
		return has, true
	case string:
		s, isStr := item.(string)
		if !isStr {
			return false, true
		}
		return strings.Contains(c, s), true
	}
	return false, false
}

func equal(a, b interface{}) bool {
	if a == absent || b == absent {
		return false
	}
	if af, ok := toNumber(a); ok {
		bf, ok := toNumber(b)
		return ok && af == bf
	}
	if _, ok := toNumber(b); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil, absentValue:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	case map[string]string:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}
