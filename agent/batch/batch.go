// Package batch runs a set of independent operations through the engine
// while capping how many worker processes run at once. The cap leaves
// headroom for the user to still issue a cancellation during a long
// batch instead of saturating the machine.
package batch

import (
	"context"
	"sync"

	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/engine"
	"go.uber.org/zap"
)

// Item is one unit of work in a batch, keyed by name (the variable or
// plot it targets). Results are a set keyed by that name, never
// positional: items may finish out of submission order.
type Item struct {
	Name string
	Spec engine.Spec
}

// Progress is reported once per terminal operation, not only at batch
// completion.
type Progress struct {
	Item      string       `json:"item"`
	State     engine.State `json:"state"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Aborted   int          `json:"aborted"`
	Total     int          `json:"total"`
	Percent   float64      `json:"percent"`
}

// Report is the final accounting for a batch. A cancelled batch still
// reports its counts rather than silently disappearing.
type Report struct {
	Total           int                        `json:"total"`
	Completed       int                        `json:"completed"`
	Failed          int                        `json:"failed"`
	Aborted         int                        `json:"aborted"`
	Drained         int                        `json:"drained"`
	CancelledByUser bool                       `json:"cancelledByUser"`
	Outcomes        map[string]*engine.Outcome `json:"outcomes"`
}

func (r *Report) finished() int {
	return r.Completed + r.Failed + r.Aborted
}

// Runner executes one batch. A batch has no process of its own; it is
// bookkeeping over engine operations.
type Runner struct {
	log        *zap.SugaredLogger
	eng        *engine.Engine
	limit      int
	onProgress func(Progress)

	mu        sync.Mutex
	queue     []Item
	active    map[string]string // operation id -> item name
	cancelled bool
	report    *Report

	done chan struct{}
}

// Option configures a Runner.
type Option func(r *Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// WithProgress registers a callback invoked after every terminal
// operation. Calls are serialized by the runner.
func WithProgress(fn func(Progress)) Option {
	return func(r *Runner) {
		r.onProgress = fn
	}
}

// Run starts executing the items with at most limit concurrent worker
// processes and returns immediately. Use Wait for the final report and
// Cancel to stop early.
func Run(eng *engine.Engine, items []Item, limit int, opts ...Option) *Runner {
	if limit < 1 {
		limit = 1
	}
	r := &Runner{
		log:    zap.NewNop().Sugar(),
		eng:    eng,
		limit:  limit,
		queue:  append([]Item(nil), items...),
		active: map[string]string{},
		report: &Report{
			Total:    len(items),
			Outcomes: map[string]*engine.Outcome{},
		},
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.run()
	return r
}

// Cancel marks the batch as cancelled by the user, aborts every active
// operation, and drains the remaining queue without starting it. Safe to
// call more than once.
func (r *Runner) Cancel() {
	if r.Done() {
		return
	}
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.report.CancelledByUser = true
	drained := len(r.queue)
	r.queue = nil
	r.report.Drained = drained
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	r.log.Debugw("cancelling batch", "Active", len(ids), "Drained", drained)
	for _, id := range ids {
		r.eng.Abort(id)
	}
}

// Wait blocks until every started operation has reached a terminal state
// or the context is done.
func (r *Runner) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-r.done:
		return r.report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the current counts without waiting.
func (r *Runner) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := *r.report
	snap.Outcomes = nil
	return snap
}

// Done reports whether the batch has finished.
func (r *Runner) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Runner) run() {
	defer close(r.done)

	results := make(chan *engine.Outcome)
	for {
		r.startQueued(results)

		r.mu.Lock()
		activeN := len(r.active)
		r.mu.Unlock()
		if activeN == 0 {
			// Nothing running and startQueued drained or exhausted the
			// queue, so the batch is finished.
			return
		}

		outcome := <-results
		r.mu.Lock()
		name := r.active[outcome.OperationID]
		delete(r.active, outcome.OperationID)
		r.mu.Unlock()
		r.finishOne(name, outcome)
	}
}

// startQueued tops up the active set to the concurrency limit. One
// item's failure to even start must not abort its siblings, so a start
// error is recorded as a failed outcome and the loop moves on.
func (r *Runner) startQueued(results chan<- *engine.Outcome) {
	for {
		r.mu.Lock()
		if r.cancelled || len(r.queue) == 0 || len(r.active) >= r.limit {
			r.mu.Unlock()
			return
		}
		item := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		op, err := r.eng.Start(item.Spec)
		if err != nil {
			r.log.Warnw("batch item failed to start", "Item", item.Name, "Error", err)
			r.finishOne(item.Name, &engine.Outcome{State: engine.StateFailed, Err: err.Error()})
			continue
		}

		r.mu.Lock()
		r.active[op.ID] = item.Name
		cancelled := r.cancelled
		r.mu.Unlock()
		if cancelled {
			// Cancel ran between the queue pop and this insertion, so it
			// saw neither the queued item nor the active entry. Abort the
			// straggler here; its outcome is counted like any other abort.
			r.eng.Abort(op.ID)
		}

		go func(op *engine.Operation) {
			// The engine's deadline bounds this wait.
			outcome, _ := op.Wait(context.Background())
			results <- outcome
		}(op)
	}
}

func (r *Runner) finishOne(name string, outcome *engine.Outcome) {
	r.mu.Lock()
	r.report.Outcomes[name] = outcome
	switch outcome.State {
	case engine.StateCompleted:
		r.report.Completed++
	case engine.StateAborted:
		r.report.Aborted++
	default:
		r.report.Failed++
	}
	progress := Progress{
		Item:      name,
		State:     outcome.State,
		Completed: r.report.Completed,
		Failed:    r.report.Failed,
		Aborted:   r.report.Aborted,
		Total:     r.report.Total,
	}
	if r.report.Total > 0 {
		progress.Percent = 100 * float64(r.report.finished()) / float64(r.report.Total)
	}
	fn := r.onProgress
	r.mu.Unlock()

	if fn != nil {
		fn(progress)
	}
}
