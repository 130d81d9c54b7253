package supervisor

import (
	"errors"
	"fmt"
)

var ErrEmptyProgram = errors.New("worker program cannot be empty")

// InvalidStateError is returned when attempting an invalid Process state
// transition.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}
