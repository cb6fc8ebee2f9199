// Package kerr implements the kernel's error taxonomy.
//
// Every public operation in this module returns one of the Code values
// below wrapped in an *Error, rather than a bare sentinel, so callers can
// still match with errors.Is while carrying the failing operation's name
// for diagnostics.
package kerr

import "fmt"

// Code enumerates the kernel-wide error kinds.
type Code int

const (
	// NoSuchID indicates a looked-up handle (pid, tid, irq, vector) is absent.
	NoSuchID Code = iota + 1
	// OutOfBound indicates a numeric argument is outside the accepted range.
	OutOfBound
	// NullPointer indicates a required output buffer is missing.
	NullPointer
	// AlreadyRegistered indicates a conflicting registration.
	AlreadyRegistered
	// NotRegistered indicates removal of an absent handler.
	NotRegistered
	// Unauthorized indicates a protected resource, wrong caller, or reserved vector.
	Unauthorized
	// Uninitialized indicates an operation on a torn-down primitive.
	Uninitialized
	// Locked indicates a non-blocking acquisition failed.
	Locked
	// ForbiddenPriority indicates a priority outside [0,63] for a thread op.
	ForbiddenPriority
	// NoMoreFreeMemory indicates allocator exhaustion.
	NoMoreFreeMemory
	// NotSupported indicates the capability is absent on the active driver.
	NotSupported
	// ChecksumFailed indicates ACPI table integrity failure.
	ChecksumFailed
)

// String returns the taxonomy name, not a sentence.
func (c Code) String() string {
	switch c {
	case NoSuchID:
		return "no-such-id"
	case OutOfBound:
		return "out-of-bound"
	case NullPointer:
		return "null-pointer"
	case AlreadyRegistered:
		return "already-registered"
	case NotRegistered:
		return "not-registered"
	case Unauthorized:
		return "unauthorized-action"
	case Uninitialized:
		return "uninitialized"
	case Locked:
		return "locked"
	case ForbiddenPriority:
		return "forbidden-priority"
	case NoMoreFreeMemory:
		return "no-more-free-memory"
	case NotSupported:
		return "not-supported"
	case ChecksumFailed:
		return "checksum-failed"
	default:
		return fmt.Sprintf("kerr.Code(%d)", int(c))
	}
}

// Error is the concrete error type returned by every public operation.
type Error struct {
	Code  Code
	Op    string // the operation that failed, e.g. "sched.Join"
	cause error
}

// New constructs an *Error. cause may be nil.
func New(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap supports errors.Is/errors.As over the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Code, so callers can
// do errors.Is(err, kerr.New(kerr.Locked, "", nil)) or, more idiomatically,
// kerr.Has(err, kerr.Locked).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Has reports whether err is (or wraps) a *kerr.Error with the given code.
func Has(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Code == code {
				return true
			}
			err = e.cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
