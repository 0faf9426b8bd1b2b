package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags carried in the Type field of every envelope.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Envelope is the single wire format exchanged between the rendering
// surface and the agent. Exactly one of the three variants is populated,
// selected by Type:
//
//   - request: ID, Command, Payload
//   - response: ID, RequestID, Success, and Payload or Error
//   - event: ID, Event, Payload
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	Command string `json:"command,omitempty"`

	Event string `json:"event,omitempty"`

	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Error     *Error `json:"error,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// validate checks the fields required for the envelope's variant.
// Malformed envelopes are dropped by the bus, never dispatched.
func (e *Envelope) validate() error {
	if e.ID == "" {
		return errors.New("missing id")
	}
	switch e.Type {
	case TypeRequest:
		if e.Command == "" {
			return errors.New("request missing command")
		}
	case TypeResponse:
		if e.RequestID == "" {
			return errors.New("response missing requestId")
		}
		if !e.Success && e.Error == nil {
			return errors.New("failed response missing error")
		}
	case TypeEvent:
		if e.Event == "" {
			return errors.New("event missing event name")
		}
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

// ErrorKind classifies a failed response so the rendering surface can
// distinguish, for example, a worker that was too slow from a worker that
// choked on its input.
type ErrorKind string

const (
	KindUnknownCommand ErrorKind = "UnknownCommand"
	KindHandlerError   ErrorKind = "HandlerError"
	KindTimeout        ErrorKind = "Timeout"
	KindWorkerTimeout  ErrorKind = "WorkerTimeout"
	KindWorkerFailure  ErrorKind = "WorkerFailure"
	KindAborted        ErrorKind = "Aborted"
	KindNotReady       ErrorKind = "NotReady"
)

// Error is the structured error carried in a failed response. It
// implements the error interface so handlers can return it directly and
// callers can branch on the kind with errors.As.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// asError converts an arbitrary handler error into a wire *Error.
// Typed errors keep their kind, anything else becomes a HandlerError with
// the message preserved verbatim.
func asError(err error) *Error {
	var msgErr *Error
	if errors.As(err, &msgErr) {
		return msgErr
	}
	return &Error{Kind: KindHandlerError, Message: err.Error()}
}
