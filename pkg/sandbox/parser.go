package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
}

var endTags = map[string]bool{
	"elif": true, "else": true, "endif": true, "endfor": true,
}

type parser struct {
	tokens   []token
	pos      int
	depth    int
	maxDepth int
}

func parse(tokens []token, limits Limits) ([]node, error) {
	p := &parser{tokens: tokens, maxDepth: limits.MaxNesting}
	nodes, _, err := p.parseNodes()
	return nodes, err
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n < len(p.tokens) {
		return p.tokens[p.pos+n]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &CompileError{Line: tok.line, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) isOp(op string) bool {
	tok := p.peek()
	return tok.kind == tokOp && tok.val == op
}

func (p *parser) isName(name string) bool {
	tok := p.peek()
	return tok.kind == tokName && tok.val == name
}

func (p *parser) expectOp(op string) error {
	if !p.isOp(op) {
		tok := p.peek()
		return p.errorf(tok, "expected %q, got %s", op, tok.describe())
	}
	p.next()
	return nil
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.peek()
	if tok.kind != kind {
		return tok, p.errorf(tok, "expected %s, got %s", kind, tok.describe())
	}
	return p.next(), nil
}

func (p *parser) enter(tok token) error {
	p.depth++
	if p.depth > p.maxDepth {
		return p.errorf(tok, "template nesting exceeds %d levels", p.maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// parseNodes parses until the end of the template or until a block tag named
// in stops. It returns the stop tag that ended the run ("" at end of input);
// the remainder of that tag is left for the caller.
func (p *parser) parseNodes(stops ...string) ([]node, string, error) {
	var nodes []node
	for {
		tok := p.next()
		switch tok.kind {
		case tokEOF:
			if len(stops) > 0 {
				return nil, "", p.errorf(tok, "unexpected end of template, expected {%% %s %%}", strings.Join(stops, " or "))
			}
			return nodes, "", nil

		case tokText:
			nodes = append(nodes, &textNode{text: tok.val})

		case tokVarBegin:
			x, err := p.parseExpr()
			if err != nil {
				return nil, "", err
			}
			if _, err = p.expect(tokVarEnd); err != nil {
				return nil, "", err
			}
			nodes = append(nodes, &outputNode{x: x, line: tok.line})

		case tokBlockBegin:
			name, err := p.expect(tokName)
			if err != nil {
				return nil, "", err
			}
			for _, stop := range stops {
				if name.val == stop {
					return nodes, stop, nil
				}
			}
			var n node
			switch name.val {
			case "if":
				n, err = p.parseIf(name)
			case "for":
				n, err = p.parseFor(name)
			default:
				if endTags[name.val] {
					return nil, "", p.errorf(name, "unexpected {%% %s %%}", name.val)
				}
				return nil, "", p.errorf(name, "unknown tag %q", name.val)
			}
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, n)

		default:
			return nil, "", p.errorf(tok, "unexpected %s", tok.describe())
		}
	}
}

func (p *parser) parseIf(tag token) (node, error) {
	if err := p.enter(tag); err != nil {
		return nil, err
	}
	defer p.leave()

	n := &ifNode{}
	for {
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err = p.expect(tokBlockEnd); err != nil {
			return nil, err
		}
		body, stop, err := p.parseNodes("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})

		switch stop {
		case "elif":
			continue
		case "else":
			if _, err = p.expect(tokBlockEnd); err != nil {
				return nil, err
			}
			if n.elseBody, _, err = p.parseNodes("endif"); err != nil {
				return nil, err
			}
		}
		if _, err = p.expect(tokBlockEnd); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func (p *parser) parseFor(tag token) (node, error) {
	if err := p.enter(tag); err != nil {
		return nil, err
	}
	defer p.leave()

	n := &forNode{line: tag.line}
	first, err := p.parseLoopVar()
	if err != nil {
		return nil, err
	}
	n.valVar = first
	if p.isOp(",") {
		p.next()
		second, err := p.parseLoopVar()
		if err != nil {
			return nil, err
		}
		n.keyVar, n.valVar = first, second
	}
	if !p.isName("in") {
		tok := p.peek()
		return nil, p.errorf(tok, "expected \"in\", got %s", tok.describe())
	}
	p.next()

	if n.seq, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if _, err = p.expect(tokBlockEnd); err != nil {
		return nil, err
	}

	body, stop, err := p.parseNodes("else", "endfor")
	if err != nil {
		return nil, err
	}
	n.body = body
	if stop == "else" {
		if _, err = p.expect(tokBlockEnd); err != nil {
			return nil, err
		}
		if n.elseBody, _, err = p.parseNodes("endfor"); err != nil {
			return nil, err
		}
	}
	if _, err = p.expect(tokBlockEnd); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) parseLoopVar() (string, error) {
	tok, err := p.expect(tokName)
	if err != nil {
		return "", err
	}
	if err = p.checkName(tok); err != nil {
		return "", err
	}
	if tok.val == "loop" {
		return "", p.errorf(tok, "\"loop\" is reserved and cannot be used as a loop variable")
	}
	return tok.val, nil
}

func (p *parser) checkName(tok token) error {
	if keywords[tok.val] {
		return p.errorf(tok, "unexpected keyword %q", tok.val)
	}
	if strings.HasPrefix(tok.val, "__") {
		return p.errorf(tok, "names starting with \"__\" are not allowed")
	}
	return nil
}

func (p *parser) parseExpr() (expr, error) {
	if err := p.enter(p.peek()); err != nil {
		return nil, err
	}
	defer p.leave()
	return p.parseOr()
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isName("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isName("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (expr, error) {
	if !p.isName("not") {
		return p.parseCompare()
	}
	tok := p.next()
	if err := p.enter(tok); err != nil {
		return nil, err
	}
	defer p.leave()
	x, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	return &notExpr{x: x}, nil
}

func (p *parser) parseCompare() (expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		var op string
		switch {
		case tok.kind == tokOp && (tok.val == "==" || tok.val == "!=" || tok.val == "<" ||
			tok.val == "<=" || tok.val == ">" || tok.val == ">="):
			op = tok.val
			p.next()
		case tok.kind == tokName && tok.val == "in":
			op = "in"
			p.next()
		case tok.kind == tokName && tok.val == "not" && p.peekAt(1).kind == tokName && p.peekAt(1).val == "in":
			op = "not in"
			p.next()
			p.next()
		case tok.kind == tokName && tok.val == "is":
			p.next()
			left, err = p.parseTest(left, tok)
			if err != nil {
				return nil, err
			}
			continue
		default:
			return left, nil
		}
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = &compareExpr{op: op, left: left, right: right, line: tok.line}
	}
}

func (p *parser) parseTest(target expr, is token) (expr, error) {
	negate := false
	if p.isName("not") {
		p.next()
		negate = true
	}
	name, err := p.expect(tokName)
	if err != nil {
		return nil, err
	}
	test, ok := tests[name.val]
	if !ok {
		return nil, p.errorf(name, "unknown test %q", name.val)
	}
	return &testExpr{target: target, name: name.val, test: test, negate: negate, line: is.line}, nil
}

func (p *parser) parseBinary(next func() (expr, error), ops ...string) (expr, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		matched := false
		if tok.kind == tokOp {
			for _, op := range ops {
				if tok.val == op {
					matched = true
					break
				}
			}
		}
		if !matched {
			return left, nil
		}
		p.next()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: tok.val, left: left, right: right, line: tok.line}
	}
}

func (p *parser) parseConcat() (expr, error) {
	return p.parseBinary(p.parseAdditive, "~")
}

func (p *parser) parseAdditive() (expr, error) {
	return p.parseBinary(p.parseMultiplicative, "+", "-")
}

func (p *parser) parseMultiplicative() (expr, error) {
	return p.parseBinary(p.parseUnary, "*", "/", "//", "%")
}

func (p *parser) parseUnary() (expr, error) {
	if !p.isOp("-") && !p.isOp("+") {
		return p.parseFilter()
	}
	tok := p.next()
	if err := p.enter(tok); err != nil {
		return nil, err
	}
	defer p.leave()
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if tok.val == "+" {
		return &negExpr{x: x, line: tok.line, plus: true}, nil
	}
	return &negExpr{x: x, line: tok.line}, nil
}

func (p *parser) parseFilter() (expr, error) {
	x, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for p.isOp("|") {
		p.next()
		name, err := p.expect(tokName)
		if err != nil {
			return nil, err
		}
		def, ok := filters[name.val]
		if !ok {
			return nil, p.errorf(name, "unknown filter %q", name.val)
		}
		var args []expr
		if p.isOp("(") {
			p.next()
			if args, err = p.parseList(")"); err != nil {
				return nil, err
			}
		}
		if len(args) < def.minArgs || len(args) > def.maxArgs {
			return nil, p.errorf(name, "filter %q takes %s, got %d", name.val, def.arity(), len(args))
		}
		x = &filterExpr{target: x, name: name.val, def: def, args: args, line: name.line}
	}
	return x, nil
}

func (p *parser) parsePostfix() (expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch {
		case tok.kind == tokOp && tok.val == ".":
			p.next()
			key := p.next()
			switch key.kind {
			case tokName:
				if err = p.checkName(key); err != nil {
					return nil, err
				}
				x = &attrExpr{target: x, key: key.val, line: key.line}
			case tokInt:
				idx, perr := strconv.ParseInt(key.val, 10, 64)
				if perr != nil {
					return nil, p.errorf(key, "invalid index %q", key.val)
				}
				x = &indexExpr{target: x, index: &literalExpr{val: idx}, line: key.line}
			default:
				return nil, p.errorf(key, "expected name after \".\", got %s", key.describe())
			}
		case tok.kind == tokOp && tok.val == "[":
			p.next()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err = p.expectOp("]"); err != nil {
				return nil, err
			}
			x = &indexExpr{target: x, index: idx, line: tok.line}
		case tok.kind == tokOp && tok.val == "(":
			return nil, p.errorf(tok, "function calls are not allowed")
		default:
			return x, nil
		}
	}
}

func (p *parser) parsePrimary() (expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokName:
		switch tok.val {
		case "true", "True":
			return &literalExpr{val: true}, nil
		case "false", "False":
			return &literalExpr{val: false}, nil
		case "none", "None":
			return &literalExpr{val: nil}, nil
		}
		if err := p.checkName(tok); err != nil {
			return nil, err
		}
		return &nameExpr{name: tok.val, line: tok.line}, nil
	case tokString:
		return &literalExpr{val: tok.val}, nil
	case tokInt:
		n, err := strconv.ParseInt(tok.val, 10, 64)
		if err != nil {
			return nil, p.errorf(tok, "integer literal %s out of range", tok.val)
		}
		return &literalExpr{val: n}, nil
	case tokFloat:
		f, err := strconv.ParseFloat(tok.val, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %s", tok.val)
		}
		return &literalExpr{val: f}, nil
	case tokOp:
		switch tok.val {
		case "(":
			x, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err = p.expectOp(")"); err != nil {
				return nil, err
			}
			return x, nil
		case "[":
			items, err := p.parseList("]")
			if err != nil {
				return nil, err
			}
			return &listExpr{items: items}, nil
		}
	}
	return nil, p.errorf(tok, "unexpected %s", tok.describe())
}

// parseList parses comma separated expressions up to and including the closing operator.
func (p *parser) parseList(closer string) ([]expr, error) {
	var items []expr
	for !p.isOp(closer) {
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, x)
		if !p.isOp(",") {
			break
		}
		p.next()
	}
	if err := p.expectOp(closer); err != nil {
		return nil, err
	}
	return items, nil
}
