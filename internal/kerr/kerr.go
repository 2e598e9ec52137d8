// Package kerr defines the kernel's error taxonomy. Every fallible kernel invocation returns one
// of these codes in the first message register of its reply; this package turns that tiny, fixed vocabulary into a
// Go error that composes with errors.Is and errors.As the way the rest of the tree expects.
package kerr

import "fmt"

// Code is a kernel error code, returned in the first message register of every sys.Invoker reply.
type Code uint32

// Kernel error codes, in wire order. The numeric values are part of the kernel ABI and must not be
// renumbered.
const (
	NoError Code = iota
	InvalidArgument
	InvalidCapability
	IllegalOperation
	RangeError
	AlignmentError
	FailedLookup
	TruncatedMessage
	DeleteFirst
	RevokeFirst
	NotEnoughMemory
	UnknownError
)

var names = [...]string{
	"NoError", "InvalidArgument", "InvalidCapability", "IllegalOperation",
	"RangeError", "AlignmentError", "FailedLookup", "TruncatedMessage",
	"DeleteFirst", "RevokeFirst", "NotEnoughMemory", "UnknownError",
}

// FromWord decodes a kernel error code from a reply's first message register. Unrecognized
// codes collapse to UnknownError rather than panicking -- a future kernel revision may define new
// codes this root task doesn't know about yet.
func FromWord(word uintptr) Code {
	c := Code(word)
	if int(c) >= len(names) {
		return UnknownError
	}

	return c
}

func (c Code) String() string {
	if int(c) >= len(names) {
		return fmt.Sprintf("Code(%d)", uint32(c))
	}

	return names[c]
}

// Error implements error so a Code can be returned and wrapped directly; NoError is the zero value
// and is never itself returned as an error (see AsError).
func (c Code) Error() string {
	return "kernel: " + c.String()
}

// Is reports whether err is this same kernel error code. It lets callers write
// errors.Is(err, kerr.NotEnoughMemory) regardless of how many times the code has been wrapped.
func (c Code) Is(target error) bool {
	other, ok := target.(Code)
	return ok && other == c
}

// Ok reports whether the code represents success.
func (c Code) Ok() bool {
	return c == NoError
}

// AsError returns nil for NoError and c otherwise, so kernel-invocation wrappers can write
// `return kerr.AsError(code)` instead of repeating the NoError check everywhere.
func AsError(c Code) error {
	if c.Ok() {
		return nil
	}

	return c
}
