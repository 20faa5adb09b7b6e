package sandbox

import (
	"context"
	"strings"
)

// state is the per-evaluation scratch space. It is never shared between calls.
type state struct {
	ctx        context.Context
	limits     Limits
	out        strings.Builder
	scopes     []map[string]any
	iterations int
}

func (st *state) lookup(name string) (any, bool) {
	for i := len(st.scopes) - 1; i >= 0; i-- {
		if v, ok := st.scopes[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (st *state) write(s string, line int) error {
	if st.out.Len()+len(s) > st.limits.MaxOutputSize {
		return evalErrorf(ReasonOutputLimit, line, "output exceeds %d bytes", st.limits.MaxOutputSize)
	}
	st.out.WriteString(s)
	return nil
}

// fits fails when a value of the given size could not be rendered within
// the output limit.
func (st *state) fits(size, line int) error {
	if size > st.limits.MaxOutputSize {
		return evalErrorf(ReasonOutputLimit, line, "value exceeds %d bytes", st.limits.MaxOutputSize)
	}
	return nil
}

// text is stringify bounded by the output limit. Containers are measured
// before they are encoded.
func (st *state) text(v any, line int) (string, error) {
	switch v.(type) {
	case []any, map[string]any:
		if err := st.fits(encodedSize(v, st.limits.MaxOutputSize), line); err != nil {
			return "", err
		}
	}
	s := stringify(v)
	if err := st.fits(len(s), line); err != nil {
		return "", err
	}
	return s, nil
}

// tick accounts for one loop iteration.
func (st *state) tick(line int) error {
	st.iterations++
	if st.iterations > st.limits.MaxIterations {
		return evalErrorf(ReasonIterationLimit, line, "more than %d loop iterations", st.limits.MaxIterations)
	}
	if err := st.ctx.Err(); err != nil {
		return evalErrorf(ReasonCanceled, line, "%v", err)
	}
	return nil
}

type node interface {
	render(st *state) error
}

type textNode struct {
	text string
}

func (n *textNode) render(st *state) error {
	return st.write(n.text, 0)
}

type outputNode struct {
	x    expr
	line int
}

func (n *outputNode) render(st *state) error {
	v, err := n.x.eval(st)
	if err != nil {
		return err
	}
	s, err := st.text(v, n.line)
	if err != nil {
		return err
	}
	return st.write(s, n.line)
}

type ifBranch struct {
	cond expr
	body []node
}

type ifNode struct {
	branches []ifBranch
	elseBody []node
}

func (n *ifNode) render(st *state) error {
	for _, b := range n.branches {
		v, err := b.cond.eval(st)
		if err != nil {
			return err
		}
		if truthy(v) {
			return renderNodes(st, b.body)
		}
	}
	return renderNodes(st, n.elseBody)
}

type forNode struct {
	keyVar   string
	valVar   string
	seq      expr
	body     []node
	elseBody []node
	line     int
}

func (n *forNode) render(st *state) error {
	seq, err := n.seq.eval(st)
	if err != nil {
		return err
	}

	var keys, vals []any
	switch s := seq.(type) {
	case []any:
		vals = s
		if n.keyVar != "" {
			keys = make([]any, len(s))
			for i := range s {
				keys[i] = int64(i)
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(s) {
			if n.keyVar != "" {
				keys = append(keys, k)
				vals = append(vals, s[k])
			} else {
				vals = append(vals, k)
			}
		}
	default:
		return evalErrorf(ReasonNotIterable, n.line, "cannot iterate over %s", typeName(seq))
	}

	if len(vals) == 0 {
		return renderNodes(st, n.elseBody)
	}

	scope := make(map[string]any, 3)
	st.scopes = append(st.scopes, scope)
	defer func() { st.scopes = st.scopes[:len(st.scopes)-1] }()

	for i, v := range vals {
		if err = st.tick(n.line); err != nil {
			return err
		}
		if n.keyVar != "" {
			scope[n.keyVar] = keys[i]
		}
		scope[n.valVar] = v
		scope["loop"] = map[string]any{
			"index":  int64(i + 1),
			"index0": int64(i),
			"first":  i == 0,
			"last":   i == len(vals)-1,
			"length": int64(len(vals)),
		}
		if err = renderNodes(st, n.body); err != nil {
			return err
		}
	}
	return nil
}

func renderNodes(st *state, nodes []node) error {
	for _, n := range nodes {
		if err := n.render(st); err != nil {
			return err
		}
	}
	return nil
}

type expr interface {
	eval(st *state) (any, error)
}

type literalExpr struct {
	val any
}

func (e *literalExpr) eval(*state) (any, error) { return e.val, nil }

type listExpr struct {
	items []expr
}

func (e *listExpr) eval(st *state) (any, error) {
	out := make([]any, 0, len(e.items))
	for _, item := range e.items {
		v, err := item.eval(st)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type nameExpr struct {
	name string
	line int
}

func (e *nameExpr) eval(st *state) (any, error) {
	v, ok := st.lookup(e.name)
	if !ok {
		return nil, evalErrorf(ReasonUndefined, e.line, "%q is undefined", e.name)
	}
	return v, nil
}

type attrExpr struct {
	target expr
	key    string
	line   int
}

func (e *attrExpr) eval(st *state) (any, error) {
	v, err := e.target.eval(st)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, evalErrorf(ReasonUndefined, e.line, "%s has no member %q", typeName(v), e.key)
	}
	item, ok := m[e.key]
	if !ok {
		return nil, evalErrorf(ReasonUndefined, e.line, "mapping has no key %q", e.key)
	}
	return item, nil
}

type indexExpr struct {
	target expr
	index  expr
	line   int
}

func (e *indexExpr) eval(st *state) (any, error) {
	v, err := e.target.eval(st)
	if err != nil {
		return nil, err
	}
	idx, err := e.index.eval(st)
	if err != nil {
		return nil, err
	}

	switch c := v.(type) {
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, evalErrorf(ReasonIndex, e.line, "mapping keys must be strings, got %s", typeName(idx))
		}
		item, ok := c[key]
		if !ok {
			return nil, evalErrorf(ReasonUndefined, e.line, "mapping has no key %q", key)
		}
		return item, nil
	case []any:
		i, ok := idx.(int64)
		if !ok {
			return nil, evalErrorf(ReasonIndex, e.line, "list indexes must be integers, got %s", typeName(idx))
		}
		if i < 0 {
			i += int64(len(c))
		}
		if i < 0 || i >= int64(len(c)) {
			return nil, evalErrorf(ReasonUndefined, e.line, "list index %d out of range", i)
		}
		return c[i], nil
	default:
		return nil, evalErrorf(ReasonIndex, e.line, "%s is not indexable", typeName(v))
	}
}

type notExpr struct {
	x expr
}

func (e *notExpr) eval(st *state) (any, error) {
	v, err := e.x.eval(st)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logicalExpr struct {
	op          string
	left, right expr
}

func (e *logicalExpr) eval(st *state) (any, error) {
	l, err := e.left.eval(st)
	if err != nil {
		return nil, err
	}
	if e.op == "and" && !truthy(l) || e.op == "or" && truthy(l) {
		return l, nil
	}
	return e.right.eval(st)
}

type compareExpr struct {
	op          string
	left, right expr
	line        int
}

func (e *compareExpr) eval(st *state) (any, error) {
	l, err := e.left.eval(st)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(st)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "in", "not in":
		found, err := contains(r, l, e.line)
		if err != nil {
			return nil, err
		}
		return found == (e.op == "in"), nil
	}

	c, err := order(l, r, e.line)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

type binaryExpr struct {
	op          string
	left, right expr
	line        int
}

func (e *binaryExpr) eval(st *state) (any, error) {
	l, err := e.left.eval(st)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(st)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "~":
		ls, err := st.text(l, e.line)
		if err != nil {
			return nil, err
		}
		rs, err := st.text(r, e.line)
		if err != nil {
			return nil, err
		}
		if err = st.fits(len(ls)+len(rs), e.line); err != nil {
			return nil, err
		}
		return ls + rs, nil
	case "+":
		if err = st.fits(concatSize(l, r, st.limits.MaxOutputSize), e.line); err != nil {
			return nil, err
		}
	}
	return arith(e.op, l, r, e.line)
}

type negExpr struct {
	x    expr
	line int
	plus bool
}

func (e *negExpr) eval(st *state) (any, error) {
	v, err := e.x.eval(st)
	if err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case int64:
		if e.plus {
			return n, nil
		}
		return -n, nil
	case float64:
		if e.plus {
			return n, nil
		}
		return -n, nil
	}
	return nil, evalErrorf(ReasonTypeMismatch, e.line, "unary operator needs a number, got %s", typeName(v))
}

// undefinedValue is what lenient filters receive in place of a missing variable.
type undefinedValue struct{}

type filterExpr struct {
	target expr
	name   string
	def    *filterDef
	args   []expr
	line   int
}

func (e *filterExpr) eval(st *state) (any, error) {
	v, err := e.target.eval(st)
	if err != nil {
		if !e.def.lenient || !isUndefined(err) {
			return nil, err
		}
		v = undefinedValue{}
	}
	args := make([]any, len(e.args))
	for i, a := range e.args {
		if args[i], err = a.eval(st); err != nil {
			return nil, err
		}
	}
	out, err := e.def.fn(st, v, args)
	if err != nil {
		if ee, ok := err.(*EvalError); ok {
			if ee.Line == 0 {
				ee.Line = e.line
			}
			return nil, ee
		}
		return nil, evalErrorf(ReasonFilter, e.line, "%s: %v", e.name, err)
	}
	return out, nil
}

type testExpr struct {
	target expr
	name   string
	test   testFunc
	negate bool
	line   int
}

func (e *testExpr) eval(st *state) (any, error) {
	v, err := e.target.eval(st)
	defined := true
	if err != nil {
		if !isUndefined(err) || (e.name != "defined" && e.name != "undefined") {
			return nil, err
		}
		defined = false
	}

	var ok bool
	switch e.name {
	case "defined":
		ok = defined
	case "undefined":
		ok = !defined
	default:
		if ok, err = e.test(v); err != nil {
			return nil, evalErrorf(ReasonTypeMismatch, e.line, "test %q: %v", e.name, err)
		}
	}
	return ok != e.negate, nil
}
