// Package jobstore holds the payloads of submitted jobs until a stream
// consumes them.
//
// A job id is single-use: the record is created by the submission boundary,
// read once by the stream that runs it and deleted when that stream ends.
package jobstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// DefaultTTL is how long a job record lives if nothing ever subscribes to it.
const DefaultTTL = 10 * time.Minute

// Store is keyed storage of JobPayload by job id. Implementations must be
// safe for concurrent use across unrelated job ids.
type Store interface {
	// Create stores payload under id or returns ErrJobExists.
	Create(ctx context.Context, id string, payload JobPayload) error

	// Get returns the payload stored under id or ErrJobNotFound.
	Get(ctx context.Context, id string) (JobPayload, error)

	// Delete removes the record stored under id. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, id string) error
}
