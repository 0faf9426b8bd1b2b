package agent

import (
	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/batch"
)

// Event names emitted by the controller. Events are unsolicited; the
// rendering surface subscribes with Bus.OnEvent.
const (
	EventReady            = "ready"
	EventStateChanged     = "stateChanged"
	EventOperationStarted = "operationStarted"
	EventBatchProgress    = "batchProgress"
)

// Session states reported in status responses and stateChanged events.
type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionReady         SessionState = "ready"
	SessionBusy          SessionState = "busy"
)

// Request payloads.

type GetInfoParams struct {
	Path string `json:"path"`
}

type CreatePlotParams struct {
	Path     string `json:"path"`
	Variable string `json:"variable"`
	PlotType string `json:"plotType,omitempty"`
	Style    string `json:"style,omitempty"`
}

type RunOperationParams struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

type PlotAllParams struct {
	Path      string   `json:"path"`
	Variables []string `json:"variables"`
	PlotType  string   `json:"plotType,omitempty"`
	Style     string   `json:"style,omitempty"`
}

type CheckPackagesParams struct {
	Packages []string `json:"packages"`
}

type AbortOperationParams struct {
	OperationID string `json:"operationId"`
}

// Response and event payloads.

type AbortResult struct {
	Aborted bool `json:"aborted"`
}

type CancelBatchResult struct {
	Cancelled bool `json:"cancelled"`
}

type StatusResult struct {
	State          SessionState  `json:"state"`
	LiveOperations int           `json:"liveOperations"`
	Batch          *batch.Report `json:"batch,omitempty"`
}

type ReadyEvent struct {
	Packages map[string]bool `json:"packages"`
}

type StateChangedEvent struct {
	State SessionState `json:"state"`
}

type OperationStartedEvent struct {
	OperationID string `json:"operationId"`
	Name        string `json:"name"`
}
