package engine

import "encoding/json"

// State is the lifecycle state of an operation. An operation leaves
// Running exactly once, into one of the four terminal states.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timedOut"
	StateAborted   State = "aborted"
)

// Outcome is the terminal result of one operation. On success, Payload
// holds the single JSON document the worker printed to stdout. TimedOut
// is kept distinct from Failed so callers can tell "too slow" apart from
// "broken input".
type Outcome struct {
	OperationID string          `json:"operationId"`
	State       State           `json:"state"`
	ExitCode    int             `json:"exitCode"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Err         string          `json:"error,omitempty"`
	TimeMS      int64           `json:"timeMs"`
}

// Success reports whether the operation completed and produced a payload.
func (o *Outcome) Success() bool {
	return o.State == StateCompleted
}
