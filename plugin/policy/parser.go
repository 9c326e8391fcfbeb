package policy

type parser struct {
	toks []token
	pos  int
}

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"true": true, "false": true, "True": true, "False": true,
	"null": true, "None": true,
}

var functions = map[string]int{
	"contains":   2,
	"is_defined": 1,
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxErr(t.pos, "unexpected %q", t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		if t.kind == tokEOF {
			return t, syntaxErr(t.pos, "expected %s, got end of expression", what)
		}
		return t, syntaxErr(t.pos, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: false, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: true, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	switch {
	case t.kind == tokOp && t.text != "-":
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: t.text, l: left, r: right}, nil
	case p.isKeyword("in"):
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &inNode{l: left, r: right}, nil
	case p.isKeyword("not") && p.pos+1 < len(p.toks) && p.toks[p.pos+1].kind == tokIdent && p.toks[p.pos+1].text == "in":
		p.next()
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &inNode{l: left, r: right, negate: true}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literal{v: t.num}, nil
	case tokString:
		return &literal{v: t.text}, nil
	case tokOp:
		if t.text == "-" {
			n, err := p.expect(tokNumber, "number")
			if err != nil {
				return nil, err
			}
			return &literal{v: -n.num}, nil
		}
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		switch t.text {
		case "true", "True":
			return &literal{v: true}, nil
		case "false", "False":
			return &literal{v: false}, nil
		case "null", "None":
			return &literal{v: nil}, nil
		}
		if keywords[t.text] {
			return nil, syntaxErr(t.pos, "unexpected keyword %q", t.text)
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.parsePath(t)
	case tokEOF:
		return nil, syntaxErr(t.pos, "unexpected end of expression")
	}
	return nil, syntaxErr(t.pos, "unexpected %q", t.text)
}

func (p *parser) parseList() (node, error) {
	list := &listNode{}
	if p.peek().kind == tokRBracket {
		p.next()
		return list, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		list.items = append(list.items, item)
		t := p.next()
		if t.kind == tokRBracket {
			return list, nil
		}
		if t.kind != tokComma {
			return nil, syntaxErr(t.pos, "expected ',' or ']' in list")
		}
	}
}

func (p *parser) parseCall(name token) (node, error) {
	arity, ok := functions[name.text]
	if !ok {
		return nil, syntaxErr(name.pos, "unknown function %q", name.text)
	}
	p.next() // (
	call := &callNode{fn: name.text}
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(call.args) != arity {
		return nil, syntaxErr(name.pos, "%s expects %d argument(s), got %d", name.text, arity, len(call.args))
	}
	return call, nil
}

func (p *parser) parsePath(root token) (node, error) {
	path := &pathNode{root: root.text}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t, err := p.expect(tokIdent, "field name")
			if err != nil {
				return nil, err
			}
			path.steps = append(path.steps, step{key: t.text})
		case tokLBracket:
			p.next()
			t := p.next()
			switch t.kind {
			case tokNumber:
				path.steps = append(path.steps, step{index: int(t.num), isIndex: true})
			case tokString:
				path.steps = append(path.steps, step{key: t.text})
			default:
				return nil, syntaxErr(t.pos, "expected index or key")
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
		default:
			return path, nil
		}
	}
}
