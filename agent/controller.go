package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/batch"
	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/engine"
	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/message"
	"go.uber.org/zap"
)

// corePackages is what the readiness probe checks for. The session only
// becomes ready once the worker runtime confirms these are importable.
var corePackages = []string{"xarray", "numpy", "matplotlib"}

// Controller is the composition point of one session: it owns one bus
// and one engine, registers a handler per supported command, and turns
// engine outcomes into bus responses. At most one batch is active per
// session.
type Controller struct {
	log    *zap.SugaredLogger
	bus    *message.Bus
	eng    *engine.Engine
	worker Worker
	limits Limits

	mu          sync.Mutex
	initialized bool
	liveOps     int
	batch       *batch.Runner
}

// NewController wires the handlers into the bus. Handler registration is
// validated eagerly, so a duplicate or empty command name fails here.
func NewController(bus *message.Bus, eng *engine.Engine, worker Worker, limits Limits, log *zap.SugaredLogger) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("validating limits: %w", err)
	}
	if err := worker.Validate(); err != nil {
		return nil, fmt.Errorf("validating worker config: %w", err)
	}
	c := &Controller{
		log:    log,
		bus:    bus,
		eng:    eng,
		worker: worker,
		limits: limits,
	}

	handlers := map[string]message.Handler{
		OpGetInfo:        c.handleGetInfo,
		OpCreatePlot:     c.handleCreatePlot,
		OpCheckPackages:  c.handleCheckPackages,
		"runOperation":   c.handleRunOperation,
		"plotAll":        c.handlePlotAll,
		"cancelBatch":    c.handleCancelBatch,
		"abortOperation": c.handleAbortOperation,
		"abortAll":       c.handleAbortAll,
		"status":         c.handleStatus,
	}
	for command, h := range handlers {
		if err := bus.RegisterRequestHandler(command, h); err != nil {
			return nil, fmt.Errorf("registering handler: %w", err)
		}
	}
	return c, nil
}

// Initialize confirms the worker runtime by running the package
// availability probe. Until it succeeds, work requests are rejected with
// a NotReady error. On success a "ready" event is emitted.
func (c *Controller) Initialize(ctx context.Context) error {
	spec, err := c.worker.Spec(OpCheckPackages, corePackages)
	if err != nil {
		return err
	}
	op, err := c.eng.Start(spec)
	if err != nil {
		return fmt.Errorf("starting readiness probe: %w", err)
	}
	outcome, err := op.Wait(ctx)
	if err != nil {
		return err
	}
	if !outcome.Success() {
		return fmt.Errorf("readiness probe failed: %s", outcome.Err)
	}

	var packages map[string]bool
	if err := json.Unmarshal(outcome.Payload, &packages); err != nil {
		return fmt.Errorf("decoding readiness probe output: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.log.Infow("worker runtime ready", "Packages", packages)
	if err := c.bus.Event(ctx, EventReady, ReadyEvent{Packages: packages}); err != nil {
		c.log.Debugf("error emitting ready event: %s", err)
	}
	c.emitState()
	return nil
}

// Shutdown cancels the active batch and aborts every running operation.
// Called when the owning session is torn down so an orphaned rendering
// surface cannot leak a process.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	runner := c.batch
	c.mu.Unlock()
	if runner != nil {
		runner.Cancel()
	}
	c.eng.AbortAll()
}

// State reports the session state machine: uninitialized until the
// readiness probe succeeds, then busy while any operation is live.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() SessionState {
	if !c.initialized {
		return SessionUninitialized
	}
	if c.liveOps > 0 {
		return SessionBusy
	}
	return SessionReady
}

func (c *Controller) requireReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return message.Errorf(message.KindNotReady, "worker runtime not ready")
	}
	return nil
}

// opStarted and opFinished track the live-operation count and emit
// stateChanged events on Ready<->Busy transitions.
func (c *Controller) opStarted() {
	c.mu.Lock()
	c.liveOps++
	transition := c.liveOps == 1 && c.initialized
	c.mu.Unlock()
	if transition {
		c.emitState()
	}
}

func (c *Controller) opFinished() {
	c.mu.Lock()
	c.liveOps--
	transition := c.liveOps == 0 && c.initialized
	c.mu.Unlock()
	if transition {
		c.emitState()
	}
}

func (c *Controller) emitState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bus.Event(ctx, EventStateChanged, StateChangedEvent{State: c.State()}); err != nil {
		c.log.Debugf("error emitting state event: %s", err)
	}
}

// runWorker spawns one worker operation and waits for its outcome. The
// wait is bounded by the engine's server-side deadline; callers that
// stop waiting do not stop the worker.
func (c *Controller) runWorker(ctx context.Context, name string, args []string) (json.RawMessage, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	spec, err := c.worker.Spec(name, args)
	if err != nil {
		return nil, err
	}

	c.opStarted()
	defer c.opFinished()

	op, err := c.eng.Start(spec)
	if err != nil {
		operationsTotal.WithLabelValues(name, string(engine.StateFailed)).Inc()
		return nil, message.Errorf(message.KindWorkerFailure, "starting worker: %s", err)
	}
	operationsActive.Inc()
	defer operationsActive.Dec()

	if err := c.bus.Event(ctx, EventOperationStarted, OperationStartedEvent{OperationID: op.ID, Name: name}); err != nil {
		c.log.Debugf("error emitting operationStarted event: %s", err)
	}

	outcome, err := op.Wait(ctx)
	if err != nil {
		return nil, err
	}

	operationsTotal.WithLabelValues(name, string(outcome.State)).Inc()
	operationDuration.WithLabelValues(name).Observe(float64(outcome.TimeMS) / 1000)

	if !outcome.Success() {
		return nil, outcomeError(outcome)
	}
	return outcome.Payload, nil
}

// outcomeError maps a terminal engine state onto the wire error
// taxonomy. TimedOut maps to WorkerTimeout, never WorkerFailure, so the
// surface can tell "too slow" from "broken input".
func outcomeError(o *engine.Outcome) *message.Error {
	switch o.State {
	case engine.StateTimedOut:
		return message.Errorf(message.KindWorkerTimeout, "%s", o.Err)
	case engine.StateAborted:
		return message.Errorf(message.KindAborted, "%s", o.Err)
	default:
		return message.Errorf(message.KindWorkerFailure, "%s", o.Err)
	}
}

func (c *Controller) handleGetInfo(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p GetInfoParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding getInfo params: %w", err)
	}
	if p.Path == "" {
		return nil, errors.New("getInfo requires a path")
	}
	return c.runWorker(ctx, OpGetInfo, []string{"info", p.Path})
}

func (c *Controller) handleCreatePlot(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p CreatePlotParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding createPlot params: %w", err)
	}
	if p.Path == "" || p.Variable == "" {
		return nil, errors.New("createPlot requires a path and a variable")
	}
	return c.runWorker(ctx, OpCreatePlot, plotArgs(p.Path, p.Variable, p.PlotType, p.Style))
}

func plotArgs(path, variable, plotType, style string) []string {
	args := []string{"plot", path, variable}
	if plotType != "" {
		args = append(args, plotType)
	}
	if style != "" {
		args = append(args, "--style", style)
	}
	return args
}

func (c *Controller) handleCheckPackages(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p CheckPackagesParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding checkPackages params: %w", err)
	}
	if len(p.Packages) == 0 {
		return nil, errors.New("checkPackages requires at least one package name")
	}
	return c.runWorker(ctx, OpCheckPackages, p.Packages)
}

// handleRunOperation is the generic dispatch for the simpler worker
// operations that take positional arguments.
func (c *Controller) handleRunOperation(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p RunOperationParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding runOperation params: %w", err)
	}
	switch p.Name {
	case OpTextRepresentation, OpHTMLRepresentation, OpDataSlice, OpShowVersions, OpCreateSampleData:
		return c.runWorker(ctx, p.Name, p.Args)
	default:
		return nil, fmt.Errorf("operation %q cannot be run via runOperation", p.Name)
	}
}

func (c *Controller) handlePlotAll(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	var p PlotAllParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding plotAll params: %w", err)
	}
	if p.Path == "" || len(p.Variables) == 0 {
		return nil, errors.New("plotAll requires a path and at least one variable")
	}

	items := make([]batch.Item, 0, len(p.Variables))
	for _, v := range p.Variables {
		spec, err := c.worker.Spec(OpCreatePlot, plotArgs(p.Path, v, p.PlotType, p.Style))
		if err != nil {
			return nil, err
		}
		items = append(items, batch.Item{Name: v, Spec: spec})
	}

	c.mu.Lock()
	if c.batch != nil && !c.batch.Done() {
		c.mu.Unlock()
		return nil, errors.New("a batch is already running")
	}
	runner := batch.Run(c.eng, items, c.limits.MaxParallel,
		batch.WithLogger(c.log.Named("batch")),
		batch.WithProgress(c.emitProgress),
	)
	c.batch = runner
	c.mu.Unlock()

	c.opStarted()
	defer c.opFinished()

	report, err := runner.Wait(ctx)
	if err != nil {
		return nil, err
	}
	batchesTotal.WithLabelValues(batchOutcomeLabel(report)).Inc()
	return report, nil
}

func batchOutcomeLabel(r *batch.Report) string {
	if r.CancelledByUser {
		return "cancelled"
	}
	if r.Failed > 0 {
		return "partial"
	}
	return "completed"
}

func (c *Controller) emitProgress(p batch.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bus.Event(ctx, EventBatchProgress, p); err != nil {
		c.log.Debugf("error emitting batch progress: %s", err)
	}
}

func (c *Controller) handleCancelBatch(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	c.mu.Lock()
	runner := c.batch
	c.mu.Unlock()
	if runner == nil || runner.Done() {
		return CancelBatchResult{Cancelled: false}, nil
	}
	runner.Cancel()
	return CancelBatchResult{Cancelled: true}, nil
}

func (c *Controller) handleAbortOperation(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p AbortOperationParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding abortOperation params: %w", err)
	}
	if p.OperationID == "" {
		return nil, errors.New("abortOperation requires an operationId")
	}
	c.eng.Abort(p.OperationID)
	return AbortResult{Aborted: true}, nil
}

func (c *Controller) handleAbortAll(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	c.Shutdown()
	return AbortResult{Aborted: true}, nil
}

func (c *Controller) handleStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	status := StatusResult{
		State:          c.State(),
		LiveOperations: c.eng.Active(),
	}
	c.mu.Lock()
	if c.batch != nil {
		snap := c.batch.Snapshot()
		status.Batch = &snap
	}
	c.mu.Unlock()
	return status, nil
}
