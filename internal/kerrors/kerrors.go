// Package kerrors collects the error taxonomy shared by the memory,
// page-table, and ELF-loading subsystems.
//
// Only OutOfMemory, InvalidArgument, and MalformedProgram are ever
// returned to a caller. Every other failure in this kernel (a double
// free, a double unlock, a scheduler invariant violation) is a
// programmer error and panics immediately; there is no recovery path
// for those because the kernel has nowhere else to send them.
package kerrors

import "fmt"

// Kind distinguishes the handful of error conditions a caller is
// expected to branch on.
type Kind int

const (
	// OutOfMemory is returned when the page pool has no extent of
	// sufficient size.
	OutOfMemory Kind = iota
	// InvalidArgument is returned for zero-size allocations,
	// misaligned mapping requests, or oversized alignment.
	InvalidArgument
	// MalformedProgram is returned when an ELF image fails validation
	// or a LOAD segment violates a process-loading invariant.
	MalformedProgram
	// Void is returned for the degenerate zero-size sub-page
	// allocation request; distinct from OutOfMemory because no page
	// pool interaction was attempted.
	Void
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out of memory"
	case InvalidArgument:
		return "invalid argument"
	case MalformedProgram:
		return "malformed program"
	case Void:
		return "void allocation"
	default:
		return "unknown kerrors.Kind"
	}
}

// Error is the concrete error type returned by the allocator and
// loader packages. Wrap with fmt.Errorf("...: %w", err) where more
// context helps; callers that only care about the kind should use
// errors.Is against the package-level sentinels below.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, kerrors.ErrOOM) works through fmt.Errorf wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinel instances for errors.Is comparisons. Only Kind is
// significant for equality; Msg is ignored by Is.
var (
	ErrOOM       = &Error{Kind: OutOfMemory}
	ErrInvalid   = &Error{Kind: InvalidArgument}
	ErrMalformed = &Error{Kind: MalformedProgram}
	ErrVoid      = &Error{Kind: Void}
)

// New constructs an *Error with an explanatory message.
func New(kind Kind, msg string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...)}
}

// Fatal panics unconditionally. Used for double frees, double
// unlocks, and scheduler invariant violations: programmer errors,
// not recoverable states.
func Fatal(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
