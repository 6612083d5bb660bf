// Package dibserrors defines the error taxonomy of §7: typed kinds
// carrying a structured context payload (table/column/constraint
// names, offending SQL) for display by an external UI, with Unwrap
// support so callers can still use errors.As/errors.Is against the
// underlying cause.
package dibserrors

import "fmt"

// Kind identifies one of the error taxonomy's seven variants.
type Kind string

const (
	KindIntrospection       Kind = "introspection_error"
	KindPrecondition        Kind = "precondition_error"
	KindUnresolvableDep     Kind = "unresolvable_dependency"
	KindVerificationFailure Kind = "verification_failure"
	KindRender              Kind = "render_error"
	KindExecution           Kind = "execution_error"
	KindState               Kind = "state_error"
)

// Context is the structured payload attached to an Error for display
// by an external UI: table/column/constraint identifiers, and for
// ExecutionError the failing SQL and SQLSTATE.
type Context struct {
	Table      string
	Column     string
	Constraint string
	SQL        string
	SQLState   string
}

// Error is the single error type used across the core; Kind
// discriminates the taxonomy member, Context carries display detail,
// and Cause (if non-nil) is the wrapped underlying error.
type Error struct {
	Kind    Kind
	Message string
	Context Context
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, message string, cause error, ctx Context) *Error {
	return &Error{Kind: kind, Message: message, Context: ctx, Cause: cause}
}

// Introspection wraps a catalog query or permission failure (§4.1).
func Introspection(message string, cause error) *Error {
	return newErr(KindIntrospection, message, cause, Context{})
}

// Precondition reports that a change's preconditions cannot be
// satisfied at the point the solver tried to apply it (§4.3).
func Precondition(message string, ctx Context) *Error {
	return newErr(KindPrecondition, message, nil, ctx)
}

// UnresolvableDependency reports a non-rename cycle or a stuck
// worklist (§4.3).
func UnresolvableDependency(message string, ctx Context) *Error {
	return newErr(KindUnresolvableDep, message, nil, ctx)
}

// VerificationFailure reports that the plan's simulated end state
// does not match the declared schema (§4.3).
func VerificationFailure(message string, ctx Context) *Error {
	return newErr(KindVerificationFailure, message, nil, ctx)
}

// Render reports a change referencing an unrepresentable type or a
// name longer than 63 bytes with no safe truncation (§4.4).
func Render(message string, ctx Context) *Error {
	return newErr(KindRender, message, nil, ctx)
}

// Execution wraps a Postgres error encountered while applying a
// migration: SQLSTATE, message, and the offending SQL (§4.5, §7).
func Execution(message string, cause error, ctx Context) *Error {
	return newErr(KindExecution, message, cause, ctx)
}

// State reports a malformed applied-migrations table (missing
// columns, an unparseable version) (§4.5).
func State(message string, cause error) *Error {
	return newErr(KindState, message, cause, Context{})
}
