// Package ingestion provides the stock ingestion domain: the run state
// machine, domain models, the persistence interfaces, and the ingestion
// service coordinating them.
package ingestion

import (
	"errors"
	"fmt"
)

// State represents the position of an ingestion run in the ETL pipeline.
//
// States follow the pipeline flow:
//  1. QUEUED_FOR_FETCH - initial state when ingestion is requested
//  2. FETCHING - data is being fetched from the upstream source
//  3. FETCHED - raw data has been uploaded to the object store
//  4. QUEUED_FOR_TRANSFORM - ready for transform processing
//  5. TRANSFORM_RUNNING - transform worker is processing the data
//  6. TRANSFORM_FINISHED - data merged into the unified table
//  7. DONE - pipeline completed successfully
//  8. FAILED - pipeline encountered an error
type State string

// The eight ingestion run states. DONE and FAILED are terminal.
const (
	StateQueuedForFetch     State = "QUEUED_FOR_FETCH"
	StateFetching           State = "FETCHING"
	StateFetched            State = "FETCHED"
	StateQueuedForTransform State = "QUEUED_FOR_TRANSFORM"
	StateTransformRunning   State = "TRANSFORM_RUNNING"
	StateTransformFinished  State = "TRANSFORM_FINISHED"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

// Sentinel errors for state transition validation.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidStateTransition indicates a transition not present in the transition table.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrUnknownState indicates a state value outside the eight known states.
	ErrUnknownState = errors.New("unknown ingestion state")

	// ErrMissingErrorFields indicates a FAILED transition without error code and message.
	ErrMissingErrorFields = errors.New("FAILED requires both error_code and error_message")
)

// validTransitions is the transition table: a forward chain with one escape
// to FAILED from every active state. Terminal states have no successors.
var validTransitions = map[State][]State{
	StateQueuedForFetch:     {StateFetching, StateFailed},
	StateFetching:           {StateFetched, StateFailed},
	StateFetched:            {StateQueuedForTransform, StateFailed},
	StateQueuedForTransform: {StateTransformRunning, StateFailed},
	StateTransformRunning:   {StateTransformFinished, StateFailed},
	StateTransformFinished:  {StateDone, StateFailed},
	StateDone:               {},
	StateFailed:             {},
}

// stateTimestampColumns maps each state to the run column stamped on entry.
var stateTimestampColumns = map[State]string{
	StateQueuedForFetch:     "queued_for_fetch_at",
	StateFetching:           "fetching_started_at",
	StateFetched:            "fetching_finished_at",
	StateQueuedForTransform: "queued_for_transform_at",
	StateTransformRunning:   "transform_started_at",
	StateTransformFinished:  "transform_finished_at",
	StateDone:               "done_at",
	StateFailed:             "failed_at",
}

// States returns all eight states in pipeline order.
func States() []State {
	return []State{
		StateQueuedForFetch,
		StateFetching,
		StateFetched,
		StateQueuedForTransform,
		StateTransformRunning,
		StateTransformFinished,
		StateDone,
		StateFailed,
	}
}

// ActiveStates returns the six non-terminal states in pipeline order.
func ActiveStates() []State {
	return []State{
		StateQueuedForFetch,
		StateFetching,
		StateFetched,
		StateQueuedForTransform,
		StateTransformRunning,
		StateTransformFinished,
	}
}

// TerminalStates returns DONE and FAILED.
func TerminalStates() []State {
	return []State{StateDone, StateFailed}
}

// IsTerminal reports whether the state is DONE or FAILED.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// IsActive reports whether the state is one of the six non-terminal states.
func (s State) IsActive() bool {
	return s.Valid() && !s.IsTerminal()
}

// Valid reports whether the state is one of the eight known states.
func (s State) Valid() bool {
	_, ok := validTransitions[s]

	return ok
}

// String returns the wire representation of the state.
func (s State) String() string {
	return string(s)
}

// TimestampColumn returns the run column stamped when entering this state.
func (s State) TimestampColumn() (string, error) {
	column, ok := stateTimestampColumns[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, string(s))
	}

	return column, nil
}

// ParseState validates a raw state string against the known state set.
func ParseState(raw string) (State, error) {
	state := State(raw)
	if !state.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}

	return state, nil
}

// ValidateTransition validates a state transition against the transition table.
//
// Valid transitions:
//   - each active state → its successor
//   - each active state → FAILED
//
// Terminal states (DONE, FAILED) have no valid successors.
func ValidateTransition(from, to State) error {
	next, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, string(from))
	}

	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, string(to))
	}

	for _, candidate := range next {
		if candidate == to {
			return nil
		}
	}

	return fmt.Errorf("%w: cannot transition from %s to %s (valid: %v)",
		ErrInvalidStateTransition, from, to, next)
}
