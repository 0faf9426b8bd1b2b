/*
Package engine runs worker processes, one per operation, with a hard
server-side deadline and guaranteed process-group termination.

Operations are tracked in a live registry keyed by operation id until
they reach a terminal state (completed, failed, timed out, or aborted).
Timeout, explicit abort, and natural exit race on the same state machine;
the first to claim the transition out of running performs the kill, the
others are no-ops. Cleanup (registry removal, deadline timer stop) runs
exactly once, from the goroutine that reaps the process.

On success the worker's stdout must be a single JSON document; a non-zero
exit code or unparseable output yields a failed outcome with the captured
stderr text rather than an engine error.
*/
package engine
