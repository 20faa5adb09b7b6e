package sandbox

import (
	"errors"
	"fmt"
)

// CompileError reports a malformed template body.
type CompileError struct {
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("template syntax error (line %d): %s", e.Line, e.Message)
}

// Reason classifies an evaluation failure.
type Reason string

const (
	ReasonUndefined      Reason = "undefined"
	ReasonNotIterable    Reason = "not_iterable"
	ReasonTypeMismatch   Reason = "type_mismatch"
	ReasonIndex          Reason = "index"
	ReasonDivisionByZero Reason = "division_by_zero"
	ReasonIterationLimit Reason = "iteration_limit"
	ReasonOutputLimit    Reason = "output_limit"
	ReasonDepthLimit     Reason = "depth_limit"
	ReasonFilter         Reason = "filter"
	ReasonCanceled       Reason = "canceled"
	ReasonInternal       Reason = "internal"
)

// EvalError reports a failure while rendering a compiled template.
// Line is zero when the failure is not tied to a template position,
// for example when the variables themselves are rejected.
type EvalError struct {
	Reason Reason
	Line   int
	Detail string
}

func (e *EvalError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("template render error (line %d): %s: %s", e.Line, e.Reason, e.Detail)
	}
	return fmt.Sprintf("template render error: %s: %s", e.Reason, e.Detail)
}

func evalErrorf(reason Reason, line int, format string, args ...any) *EvalError {
	return &EvalError{Reason: reason, Line: line, Detail: fmt.Sprintf(format, args...)}
}

func isUndefined(err error) bool {
	var ee *EvalError
	return errors.As(err, &ee) && ee.Reason == ReasonUndefined
}
