// Package diag implements the compiler's error taxonomy (spec §7). The
// first error aborts compilation; there is no back-end error recovery.
package diag

import (
	"errors"
	"fmt"

	"github.com/fortiblox/solisp/pkg/compiler/ast"
)

// Sentinel kinds, tested with errors.Is against a *Error's wrapped kind.
var (
	KindSyntaxError        = errors.New("syntax error")
	KindUnboundSymbol      = errors.New("unbound symbol")
	KindArityError         = errors.New("arity error")
	KindIntrinsicArgError  = errors.New("invalid intrinsic argument")
	KindNotImplementedError = errors.New("not implemented")
	KindTooManyLiveValues  = errors.New("too many live values")
	KindBranchOutOfRange   = errors.New("branch out of range")
	KindVerifierError      = errors.New("verifier error")
	KindElfLayoutError     = errors.New("ELF layout error")
)

// Error is the concrete error type returned from every compiler phase. It
// carries a source Span (semantic-layer errors), an instruction Index
// (branch-range and verifier errors, which lack source spans by
// construction), or neither (TooManyLiveValues, ElfLayout).
type Error struct {
	Kind    error // one of the Kind* sentinels above
	Message string

	HasSpan bool
	Span    ast.Span

	HasIndex bool
	Index    int
}

func (e *Error) Error() string {
	loc := ""
	switch {
	case e.HasSpan:
		loc = fmt.Sprintf(" at %d:%d", e.Span.Line, e.Span.Column)
	case e.HasIndex:
		loc = fmt.Sprintf(" at instruction %d", e.Index)
	}
	return fmt.Sprintf("%s%s: %s", e.Kind.Error(), loc, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// UnboundSymbol reports a reference to a name with no binding in any
// enclosing scope.
func UnboundSymbol(span ast.Span, name string) *Error {
	return &Error{Kind: KindUnboundSymbol, Message: fmt.Sprintf("%q is not defined", name), HasSpan: true, Span: span}
}

// Arity reports a call with the wrong number of arguments. BPF has no
// argument-register overflow, so excess arguments are always a hard error.
func Arity(span ast.Span, callee string, want, got int) *Error {
	return &Error{
		Kind:    KindArityError,
		Message: fmt.Sprintf("%s expects %d argument(s), got %d", callee, want, got),
		HasSpan: true,
		Span:    span,
	}
}

// IntrinsicArg reports an intrinsic invoked with an argument that violates
// its contract (e.g. mem-load with a non-literal offset).
func IntrinsicArg(span ast.Span, intrinsic, reason string) *Error {
	return &Error{
		Kind:    KindIntrinsicArgError,
		Message: fmt.Sprintf("%s: %s", intrinsic, reason),
		HasSpan: true,
		Span:    span,
	}
}

// NotImplemented reports a source form meaningful only to the interpreter
// (PARALLEL, DECISION, WAIT, try/catch, ...) reaching the compiler.
func NotImplemented(span ast.Span, form string) *Error {
	return &Error{
		Kind:    KindNotImplementedError,
		Message: fmt.Sprintf("%s has no straight-line bytecode lowering", form),
		HasSpan: true,
		Span:    span,
	}
}

// TooManyLiveValues reports register-allocator exhaustion: live interval
// count exceeded callee-save plus spill capacity.
func TooManyLiveValues(funcName string, count int) *Error {
	return &Error{
		Kind:    KindTooManyLiveValues,
		Message: fmt.Sprintf("function %q has %d simultaneously live values, exceeding allocatable + spill capacity", funcName, count),
	}
}

// BranchOutOfRange reports a branch whose resolved displacement does not
// fit in the signed 16-bit offset field.
func BranchOutOfRange(index int, delta int) *Error {
	return &Error{
		Kind:     KindBranchOutOfRange,
		Message:  fmt.Sprintf("branch offset %d does not fit in a signed 16-bit field", delta),
		HasIndex: true,
		Index:    index,
	}
}

// Verifier reports a static verification failure, carrying the offending
// instruction index (spec §4.G).
func Verifier(index int, reason string) *Error {
	return &Error{Kind: KindVerifierError, Message: reason, HasIndex: true, Index: index}
}

// ElfLayout reports an internal inconsistency discovered while assembling
// the ELF object (section/segment offset mismatch).
func ElfLayout(reason string) *Error {
	return &Error{Kind: KindElfLayoutError, Message: reason}
}
