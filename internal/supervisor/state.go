package supervisor

import "sync/atomic"

type State int

const (
	// StateUnknown is the zero value for functions that return a (possibly
	// absent) State.
	StateUnknown State = iota

	// StateCreated indicates the process has been configured but not started.
	StateCreated

	// StateStarting indicates Start has been called but the worker has not yet
	// started.
	StateStarting

	// StateStarted indicates the worker is running and can be killed.
	StateStarted

	// StateKilling indicates Kill has signalled the worker but it has not yet
	// exited.
	StateKilling

	// StateExited indicates the worker has exited and been reaped.
	StateExited

	// StateFailed indicates the worker could not be started.
	StateFailed
)

// NOTE: Keep in sync with the State values above.
var states = []string{
	"Unknown",
	"Created",
	"Starting",
	"Started",
	"Killing",
	"Exited",
	"Failed",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return states[0]
	}

	return states[s]
}

// AtomicState wraps an atomic.Int32 so state transitions can be validated
// with CompareAndSwap.
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

func (a *AtomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
