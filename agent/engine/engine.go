package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Spec describes one worker process invocation.
type Spec struct {
	Command string
	Args    []string
	Env     []string
	WD      string
}

// Engine spawns worker processes, one per operation, and guarantees that
// no process outlives its operation. Every worker is started as the
// leader of a new process group so that the worker and anything it
// spawned can be killed with a single group signal.
//
// The engine's deadline is the server-side timeout layer: it is the only
// layer authorized to kill a process. Callers are expected to race Wait
// against their own, shorter, client-side timeout and may simply walk
// away; the engine still reaps the process.
type Engine struct {
	log      *zap.SugaredLogger
	deadline time.Duration

	mu  sync.Mutex
	ops map[string]*Operation
}

// Option configures an Engine.
type Option func(e *Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New builds an engine whose operations are killed after the given
// server-side deadline.
func New(deadline time.Duration, opts ...Option) *Engine {
	e := &Engine{
		log:      zap.NewNop().Sugar(),
		deadline: deadline,
		ops:      map[string]*Operation{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Operation is one in-flight or finished worker process. The process
// handle is owned by the engine and never exposed; callers hold only the
// ID, which they can pass to Abort.
type Operation struct {
	ID        string
	Command   string
	Args      []string
	StartedAt time.Time
	Deadline  time.Time

	engine *Engine
	cmd    *exec.Cmd
	timer  *time.Timer
	stdout bytes.Buffer
	stderr bytes.Buffer

	mu      sync.Mutex
	state   State
	outcome *Outcome
	done    chan struct{}
}

// Start spawns a worker process for the spec and returns immediately so
// the caller can abort before completion. The returned operation is
// tracked in the live registry until it reaches a terminal state.
func (e *Engine) Start(spec Spec) (*Operation, error) {
	op := &Operation{
		ID:        uuid.NewString(),
		Command:   spec.Command,
		Args:      spec.Args,
		StartedAt: time.Now(),
		engine:    e,
		state:     StateRunning,
		done:      make(chan struct{}),
	}
	op.Deadline = op.StartedAt.Add(e.deadline)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WD
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = &op.stdout
	cmd.Stderr = &op.stderr
	// New process group, so a group kill takes out the worker's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	op.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %q: %w", spec.Command, err)
	}

	e.mu.Lock()
	e.ops[op.ID] = op
	e.mu.Unlock()

	e.log.Debugw("started operation", "OperationID", op.ID, "Command", spec.Command, "Args", spec.Args, "PID", cmd.Process.Pid)

	op.timer = time.AfterFunc(e.deadline, op.timeout)
	go op.reap()

	return op, nil
}

// Abort terminates the operation's process group if it is still running.
// Aborting an unknown or already-finished operation is a no-op, so a
// timeout and an explicit abort can safely race.
func (e *Engine) Abort(id string) {
	e.mu.Lock()
	op := e.ops[id]
	e.mu.Unlock()
	if op == nil {
		e.log.Debugw("abort for unknown operation", "OperationID", id)
		return
	}
	op.Abort()
}

// AbortAll aborts every running operation. Used for bulk cancellation
// and for cleanup when the owning session is torn down.
func (e *Engine) AbortAll() {
	e.mu.Lock()
	ops := make([]*Operation, 0, len(e.ops))
	for _, op := range e.ops {
		ops = append(ops, op)
	}
	e.mu.Unlock()
	for _, op := range ops {
		op.Abort()
	}
}

// Active returns the number of operations still in the live registry.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.ops, id)
	e.mu.Unlock()
}

// Wait blocks until the operation reaches a terminal state or the
// context is done. Abandoning a Wait does not stop the worker; the
// engine's deadline remains the safety net.
func (op *Operation) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-op.done:
		return op.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the operation's current lifecycle state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Abort is the idempotent cancellation entry point: the first of
// {abort, timeout, natural exit} to claim the terminal transition wins,
// later callers are no-ops.
func (op *Operation) Abort() {
	if !op.claim(StateAborted) {
		return
	}
	op.engine.log.Debugw("aborting operation", "OperationID", op.ID)
	op.killGroup()
}

func (op *Operation) timeout() {
	if !op.claim(StateTimedOut) {
		return
	}
	op.engine.log.Debugw("operation deadline elapsed, killing process group", "OperationID", op.ID)
	op.killGroup()
}

// claim attempts the single Running -> terminal transition. It returns
// false if another trigger already claimed it.
func (op *Operation) claim(s State) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != StateRunning {
		return false
	}
	op.state = s
	return true
}

func (op *Operation) killGroup() {
	pid := op.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		op.engine.log.Debugw("group kill failed, killing process directly", "PID", pid, "Error", err)
		if err := op.cmd.Process.Kill(); err != nil {
			op.engine.log.Debugw("direct kill failed", "PID", pid, "Error", err)
		}
	}
}

// reap waits for the process to exit, builds the outcome for whichever
// terminal state won the claim, and performs the one-time cleanup:
// registry removal, timer stop, done signal.
func (op *Operation) reap() {
	waitErr := op.cmd.Wait()
	timeMS := time.Since(op.StartedAt).Milliseconds()

	op.timer.Stop()

	outcome := &Outcome{OperationID: op.ID, TimeMS: timeMS}
	if op.claim(StateCompleted) {
		// The process exited on its own before any kill trigger fired.
		op.finishNatural(outcome, waitErr)
	} else {
		op.mu.Lock()
		outcome.State = op.state
		op.mu.Unlock()
		outcome.ExitCode = -1
		switch outcome.State {
		case StateTimedOut:
			outcome.Err = fmt.Sprintf("worker exceeded deadline of %s", op.engine.deadline)
		case StateAborted:
			outcome.Err = "operation aborted"
		}
	}

	op.engine.remove(op.ID)
	op.outcome = outcome
	close(op.done)
	op.engine.log.Debugw("operation finished", "OperationID", op.ID, "State", outcome.State, "ExitCode", outcome.ExitCode, "TimeMS", timeMS)
}

// finishNatural classifies a natural exit: zero exit code with a single
// parseable JSON document on stdout is Completed, anything else is
// Failed with the captured error text. Garbage output never crashes the
// engine.
func (op *Operation) finishNatural(outcome *Outcome, waitErr error) {
	outcome.ExitCode = op.cmd.ProcessState.ExitCode()

	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			outcome.State = StateFailed
			outcome.Err = waitErr.Error()
			op.setState(StateFailed)
			return
		}
	}

	if outcome.ExitCode != 0 {
		outcome.State = StateFailed
		outcome.Err = failureText(op.stderr.String(), outcome.ExitCode)
		op.setState(StateFailed)
		return
	}

	raw := bytes.TrimSpace(op.stdout.Bytes())
	if len(raw) == 0 || !json.Valid(raw) {
		outcome.State = StateFailed
		outcome.Err = fmt.Sprintf("worker produced unparseable output: %s", truncate(string(raw), 200))
		op.setState(StateFailed)
		return
	}

	outcome.State = StateCompleted
	outcome.Payload = json.RawMessage(raw)
}

func (op *Operation) setState(s State) {
	op.mu.Lock()
	op.state = s
	op.mu.Unlock()
}

func failureText(stderr string, exitCode int) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return fmt.Sprintf("worker exited with code %d", exitCode)
	}
	return stderr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
