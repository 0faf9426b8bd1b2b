package message

import (
	"context"
	"errors"
	"sync"
)

// Conn is a bidirectional, message-at-a-time transport for envelopes.
// The production implementation is a WebSocket (ws.go); tests use an
// in-memory pipe.
type Conn interface {
	Read(ctx context.Context) (*Envelope, error)
	Write(ctx context.Context, env *Envelope) error
	Close() error
}

// Pipe returns two connected in-memory Conns, the message analog of
// net.Pipe. Writes on one side are reads on the other. Closing either
// side fails pending and future operations on both.
func Pipe() (Conn, Conn) {
	aToB := make(chan *Envelope, 16)
	bToA := make(chan *Envelope, 16)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }
	a := &pipeConn{in: bToA, out: aToB, done: done, close: closeFn}
	b := &pipeConn{in: aToB, out: bToA, done: done, close: closeFn}
	return a, b
}

type pipeConn struct {
	in    <-chan *Envelope
	out   chan<- *Envelope
	done  chan struct{}
	close func()
}

func (c *pipeConn) Read(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.done:
		return nil, errors.New("pipe closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, env *Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return errors.New("pipe closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.close()
	return nil
}
