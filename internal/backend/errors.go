package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches every transport-level failure returned by the client.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrUnresolvedBranch is returned when the service refuses a new message
	// because the previous reply's alternatives were never confirmed.
	ErrUnresolvedBranch = errors.New("backend: unresolved reply branch")
)

// Error describes a failed backend call.
type Error struct {
	Op     string
	Status int // 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports every *Error as ErrUnavailable.
func (e *Error) Is(target error) bool { return target == ErrUnavailable }
