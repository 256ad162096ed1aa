// Package vmerr defines the error taxonomy shared by the frame, spage,
// swap and cache packages (the cache package includes its scheduler).
// It replaces the source kernel's
// defs.Err_t integer-code convention with ordinary Go errors that still
// carry the same five kinds.
package vmerr

import "fmt"

// Kind classifies a vmcore error so callers can branch with errors.Is
// without string matching.
type Kind int

const (
	// AddressViolation is a user-supplied pointer that failed
	// validation. The syscall layer terminates the offending process.
	AddressViolation Kind = iota
	// AllocationFailure means no frame or swap slot was available. It is
	// returned as an ordinary error (swap.Backend.Alloc), not panicked.
	AllocationFailure
	// BadMapping covers installing an SPTE where a mapping already
	// exists, mmap-ing over existing pages, or mmap-ing a zero-length
	// file.
	BadMapping
	// IOFailure is a short or failed block/file read or write.
	IOFailure
	// InvariantViolation is a violated internal invariant: eviction
	// made no progress, a writable page had no SPTE in an unexpected
	// state, or a pinned frame was asked to be removed. Eviction and
	// release paths return it as an error; frame.Manager.Install and
	// spage.AddressSpace.Destroy panic with it.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case AddressViolation:
		return "address violation"
	case AllocationFailure:
		return "allocation failure"
	case BadMapping:
		return "bad mapping"
	case IOFailure:
		return "io failure"
	case InvariantViolation:
		return "invariant violation"
	default:
		return "unknown vmcore error"
	}
}

// Error is a vmcore error: a Kind plus a message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a sentinel for e's Kind, so that
// errors.Is(err, vmerr.ErrBadMapping) works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// New constructs an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinels for errors.Is comparisons against a bare Kind.
var (
	ErrAddressViolation  = &Error{Kind: AddressViolation}
	ErrAllocationFailure = &Error{Kind: AllocationFailure}
	ErrBadMapping        = &Error{Kind: BadMapping}
	ErrIOFailure         = &Error{Kind: IOFailure}
	ErrInvariantViolation = &Error{Kind: InvariantViolation}
)

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ve, ok := err.(*Error); ok {
			e = ve
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Kind, true
}
