package templating

import (
	"errors"
	"fmt"

	"github.com/CTAG07/stencil/pkg/sandbox"
)

// Kind classifies a store failure so callers can map it to a status or exit code.
type Kind string

const (
	KindInvalidID        Kind = "invalid_id"
	KindAlreadyExists    Kind = "already_exists"
	KindNotFound         Kind = "not_found"
	KindInvalidTemplate  Kind = "invalid_template"
	KindInvalidVariables Kind = "invalid_variables"
	KindRenderFailed     Kind = "render_failed"
	KindIO               Kind = "io"
)

// Error is returned by every Store operation. Cause holds the underlying
// error: a *sandbox.CompileError for KindInvalidTemplate, a *sandbox.EvalError
// for KindRenderFailed, a decoding error for KindInvalidVariables.
type Error struct {
	Kind  Kind
	ID    string
	Cause error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindInvalidID:
		msg = fmt.Sprintf("invalid template id %q", e.ID)
	case KindAlreadyExists:
		msg = fmt.Sprintf("template %q already exists", e.ID)
	case KindNotFound:
		msg = fmt.Sprintf("template %q not found", e.ID)
	case KindInvalidTemplate:
		msg = fmt.Sprintf("template %q does not compile", e.ID)
	case KindInvalidVariables:
		msg = "invalid variables"
	case KindRenderFailed:
		msg = fmt.Sprintf("rendering %q failed", e.ID)
	default:
		msg = fmt.Sprintf("template %q: %s", e.ID, e.Kind)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.ID == "" || t.ID == e.ID)
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf returns the Kind of err, or "" if err is not a store error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// EvalReason returns the sandbox reason code when err wraps an *sandbox.EvalError.
func EvalReason(err error) sandbox.Reason {
	var ee *sandbox.EvalError
	if errors.As(err, &ee) {
		return ee.Reason
	}
	return ""
}

func newError(kind Kind, id string, cause error) *Error {
	return &Error{Kind: kind, ID: id, Cause: cause}
}
