package sandbox

import (
	"context"
	"fmt"
)

// Template is the compiled form of a template body. It is immutable and safe
// for concurrent evaluation.
type Template struct {
	root []node
	size int
}

// Size returns the length in bytes of the body the template was compiled from.
func (t *Template) Size() int {
	return t.size
}

// Environment compiles and evaluates templates under a fixed set of Limits.
// An Environment holds no mutable state and may be shared between goroutines.
type Environment struct {
	limits Limits
}

// Option configures an Environment.
type Option func(*Environment)

// WithLimits overrides the default limits. Zero fields keep their defaults.
func WithLimits(l Limits) Option {
	return func(e *Environment) {
		e.limits = l.withDefaults()
	}
}

// New returns an Environment using DefaultLimits unless overridden.
func New(opts ...Option) *Environment {
	e := &Environment{limits: DefaultLimits()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limits returns the limits in effect for this environment.
func (e *Environment) Limits() Limits {
	return e.limits
}

// Compile parses body into a Template. Nothing in the body is evaluated.
func (e *Environment) Compile(body string) (*Template, error) {
	if len(body) > e.limits.MaxTemplateSize {
		return nil, &CompileError{Line: 1, Message: fmt.Sprintf("template is %d bytes, limit is %d", len(body), e.limits.MaxTemplateSize)}
	}
	tokens, err := lex(body)
	if err != nil {
		return nil, err
	}
	root, err := parse(tokens, e.limits)
	if err != nil {
		return nil, err
	}
	return &Template{root: root, size: len(body)}, nil
}

// Evaluate renders t against vars. The variables are copied and normalized
// first; the caller's map is never modified. Every failure, including a
// recovered runtime fault, is returned as an *EvalError.
func (e *Environment) Evaluate(ctx context.Context, t *Template, vars map[string]any) (out string, err error) {
	if t == nil {
		return "", &EvalError{Reason: ReasonInternal, Detail: "nil template"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if r := recover(); r != nil {
			out = ""
			err = &EvalError{Reason: ReasonInternal, Detail: "evaluation aborted"}
		}
	}()

	scope, err := normalizeVars(vars, e.limits.MaxValueDepth)
	if err != nil {
		return "", err
	}
	st := &state{
		ctx:    ctx,
		limits: e.limits,
		scopes: []map[string]any{scope},
	}
	if err = renderNodes(st, t.root); err != nil {
		return "", err
	}
	return st.out.String(), nil
}

// Render compiles and evaluates body in one step.
func (e *Environment) Render(ctx context.Context, body string, vars map[string]any) (string, error) {
	t, err := e.Compile(body)
	if err != nil {
		return "", err
	}
	return e.Evaluate(ctx, t, vars)
}
