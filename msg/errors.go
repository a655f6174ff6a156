package msg

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks producer errors: parameter constraint
	// violations raised synchronously before any state changes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned for unknown routing keys and missing joins.
	ErrNotFound = errors.New("not found")

	// ErrJoinNotReady is raised by the join.wait handler while counters
	// have not yet reached expected_steps. The dispatcher treats it like
	// any other transient error: abandon with backoff.
	ErrJoinNotReady = errors.New("join not ready")
)

// PermanentError is asserted by a handler when a message can never
// succeed. The dispatcher fails the row immediately instead of retrying.
type PermanentError struct {
	Message string
	Err     error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent failure with a descriptive message.
func Permanent(format string, args ...any) *PermanentError {
	return &PermanentError{Message: fmt.Sprintf(format, args...)}
}

// PermanentWrap keeps err in the chain so errors.Is still matches it.
func PermanentWrap(err error, format string, args ...any) *PermanentError {
	return &PermanentError{Message: fmt.Sprintf(format, args...), Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Invalidf builds an ErrInvalidArgument-wrapped error. Stores use it for
// every parameter violation so callers can test with errors.Is.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}
