package guestfault

import (
	"errors"
	"fmt"
)

// Fault marks a condition caused by the guest program itself: an invalid
// syscall encoding reaching dispatch, a jump outside mapped memory, an
// undecodable instruction word. Host-side failures (I/O, allocation) are
// ordinary errors and never carry this type.
type Fault struct {
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Cause)
	}
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// IsFault reports whether err is, or wraps, a guest fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Wrap wraps an existing error as a guest fault
func Wrap(err error, message string) *Fault {
	return &Fault{
		Message: message,
		Cause:   err,
	}
}

// Faultf creates a new guest fault with formatted message
func Faultf(format string, args ...interface{}) *Fault {
	return &Fault{
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}
