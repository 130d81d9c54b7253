package bridge

import (
	"errors"
	"fmt"

	"github.com/nixpig/jobbridge/internal/jobstore"
)

var (
	ErrJobNotFound  = jobstore.ErrJobNotFound
	ErrTextRequired = errors.New("text is required")
	ErrInvalidMode  = errors.New("invalid mode")
)

// InvalidStateError is returned when a stream attempts an invalid state
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
