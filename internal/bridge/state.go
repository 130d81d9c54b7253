package bridge

import (
	"slices"
	"sync/atomic"
)

// State is the lifecycle state of a single job stream.
type State int

const (
	// StateInit is a stream that has not looked up its job yet.
	StateInit State = iota

	// StateResolvingJob is looking the job up in the store.
	StateResolvingJob

	// StateStreaming has an open subscriber and is relaying worker output.
	StateStreaming

	// StateAborted has lost its subscriber.
	StateAborted

	// StateErrored failed to start the worker or read its output.
	StateErrored

	// StateFinalizing is tearing the worker down.
	StateFinalizing

	// StateClosed is finished; the subscriber is closed and the job deleted.
	StateClosed
)

// NOTE: Keep in sync with the State values above.
var stateNames = []string{
	"Init",
	"ResolvingJob",
	"Streaming",
	"Aborted",
	"Errored",
	"Finalizing",
	"Closed",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}

	return stateNames[s]
}

var transitions = map[State][]State{
	StateInit:         {StateResolvingJob},
	StateResolvingJob: {StateStreaming, StateAborted, StateClosed},
	StateStreaming:    {StateAborted, StateErrored, StateFinalizing},
	StateAborted:      {StateFinalizing},
	StateErrored:      {StateFinalizing},
	StateFinalizing:   {StateClosed},
}

// CanTransition reports whether a stream may move from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// atomicState holds a State and only allows moves listed in transitions.
type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) Load() State {
	return State(a.v.Load())
}

// advance moves to the next state, returning the state it left.
func (a *atomicState) advance(to State) (State, error) {
	for {
		from := a.Load()

		if !CanTransition(from, to) {
			return from, NewInvalidStateError(from, to)
		}

		if a.v.CompareAndSwap(int32(from), int32(to)) {
			return from, nil
		}
	}
}
