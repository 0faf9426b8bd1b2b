package agent

import (
	"errors"
	"fmt"
	"time"
)

// Limits are the per-session limits supplied by the embedding
// application at session start. The agent treats them as immutable.
type Limits struct {
	// RequestTimeout is the client-side timeout the rendering surface
	// waits on a response. Expiry means "I gave up waiting", not that the
	// worker stopped.
	RequestTimeout time.Duration

	// ExecTimeout is the server-side deadline enforced by the engine, the
	// only layer authorized to kill a worker. It must be strictly longer
	// than RequestTimeout so the engine remains the authoritative safety
	// net even after the surface has given up.
	ExecTimeout time.Duration

	// MaxParallel caps concurrent worker processes during a batch.
	MaxParallel int
}

// DefaultLimits returns the limits used when the embedder supplies none.
func DefaultLimits() Limits {
	return Limits{
		RequestTimeout: 30 * time.Second,
		ExecTimeout:    2 * time.Minute,
		MaxParallel:    3,
	}
}

// Validate rejects limit combinations the protocol cannot honor.
func (l Limits) Validate() error {
	if l.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if l.ExecTimeout <= 0 {
		return errors.New("exec timeout must be positive")
	}
	if l.ExecTimeout <= l.RequestTimeout {
		return fmt.Errorf("exec timeout %s must be longer than request timeout %s", l.ExecTimeout, l.RequestTimeout)
	}
	if l.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1, got %d", l.MaxParallel)
	}
	return nil
}
