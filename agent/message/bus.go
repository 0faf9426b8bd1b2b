package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by in-flight requests when the underlying
// connection goes away before a response arrives.
var ErrClosed = errors.New("bus closed")

// Handler processes one incoming request. The returned value is
// JSON-encoded into the response payload. A returned *Error keeps its
// kind on the wire, any other error becomes a HandlerError.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Listener observes one incoming event.
type Listener func(payload json.RawMessage)

type eventListener struct {
	id uint64
	fn Listener
}

// Bus correlates requests with responses over a single bidirectional
// connection and fans incoming events out to listeners. Both sides of the
// boundary run one Bus each over the same Conn.
//
// The pending table, handler registry, and listener map are owned by the
// Bus and guarded by its mutex; callers never see them.
type Bus struct {
	log  *zap.SugaredLogger
	conn Conn

	mu         sync.Mutex
	pending    map[string]chan *Envelope
	handlers   map[string]Handler
	listeners  map[string][]eventListener
	nextListID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// BusOption configures a Bus.
type BusOption func(b *Bus)

// WithLogger sets the logger used by the bus.
func WithLogger(l *zap.SugaredLogger) BusOption {
	return func(b *Bus) {
		b.log = l
	}
}

// NewBus builds a bus on top of the given connection. Run must be called
// for incoming messages to be dispatched.
func NewBus(conn Conn, opts ...BusOption) *Bus {
	b := &Bus{
		log:       zap.NewNop().Sugar(),
		conn:      conn,
		pending:   map[string]chan *Envelope{},
		handlers:  map[string]Handler{},
		listeners: map[string][]eventListener{},
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RegisterRequestHandler associates the handler with a command name.
// Registration is validated eagerly: an empty command, a nil handler, or
// a duplicate registration is an error, so typos surface at startup
// instead of as permanent UnknownCommand responses.
func (b *Bus) RegisterRequestHandler(command string, h Handler) error {
	if command == "" {
		return errors.New("empty command name")
	}
	if h == nil {
		return fmt.Errorf("nil handler for command %q", command)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[command]; ok {
		return fmt.Errorf("handler already registered for command %q", command)
	}
	b.handlers[command] = h
	return nil
}

// OnEvent subscribes the listener to an event name and returns an
// unsubscribe function. Listeners for the same event run in subscription
// order.
func (b *Bus) OnEvent(event string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextListID++
	id := b.nextListID
	b.listeners[event] = append(b.listeners[event], eventListener{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ls := b.listeners[event]
		for i := range ls {
			if ls[i].id == id {
				b.listeners[event] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Request sends a request and waits for the matching response or the
// given client-side timeout, whichever comes first. On timeout the
// pending entry is removed and a late response is discarded with a debug
// log; the caller receives a Timeout error.
func (b *Bus) Request(ctx context.Context, command string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request payload: %w", err)
	}

	id := uuid.NewString()
	ch := make(chan *Envelope, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	env := &Envelope{Type: TypeRequest, ID: id, Command: command, Payload: raw}
	if err := b.conn.Write(ctx, env); err != nil {
		b.removePending(id)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.Success {
			return nil, resp.Error
		}
		return resp.Payload, nil
	case <-timer.C:
		b.removePending(id)
		return nil, Errorf(KindTimeout, "no response to %q within %s", command, timeout)
	case <-ctx.Done():
		b.removePending(id)
		return nil, ctx.Err()
	case <-b.closed:
		return nil, ErrClosed
	}
}

// Event sends a fire-and-forget event. No response is expected and no
// pending entry is created.
func (b *Bus) Event(ctx context.Context, event string, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	return b.conn.Write(ctx, &Envelope{
		Type:    TypeEvent,
		ID:      uuid.NewString(),
		Event:   event,
		Payload: raw,
	})
}

// Run reads and dispatches incoming messages until the connection fails
// or the context is canceled. When Run returns, every in-flight Request
// is failed with ErrClosed.
func (b *Bus) Run(ctx context.Context) error {
	defer b.close()
	for {
		env, err := b.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Debugf("bus read error: %s", err)
			return err
		}
		if err := env.validate(); err != nil {
			b.log.Warnw("dropping malformed message", "Error", err, "Type", env.Type, "ID", env.ID)
			continue
		}
		switch env.Type {
		case TypeRequest:
			go b.dispatchRequest(ctx, env)
		case TypeResponse:
			b.resolve(env)
		case TypeEvent:
			b.dispatchEvent(env)
		}
	}
}

// Close tears down the connection and fails all in-flight requests.
func (b *Bus) Close() error {
	b.close()
	return b.conn.Close()
}

func (b *Bus) close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}

func (b *Bus) removePending(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// resolve delivers a response to the pending request it correlates to.
// A response with no pending entry is expected once a timeout races the
// real completion, so it is logged and dropped, never an error.
func (b *Bus) resolve(env *Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.RequestID]
	if ok {
		delete(b.pending, env.RequestID)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Warnw("dropping response with no pending request", "RequestID", env.RequestID)
		return
	}
	ch <- env
}

// dispatchRequest runs the registered handler and sends exactly one
// response, even when the handler fails or panics after partial work.
func (b *Bus) dispatchRequest(ctx context.Context, env *Envelope) {
	b.mu.Lock()
	h, ok := b.handlers[env.Command]
	b.mu.Unlock()

	resp := &Envelope{Type: TypeResponse, ID: uuid.NewString(), RequestID: env.ID}
	if !ok {
		resp.Error = Errorf(KindUnknownCommand, "unknown command %q", env.Command)
	} else {
		result, err := b.invoke(ctx, h, env.Payload)
		if err != nil {
			resp.Error = asError(err)
		} else {
			raw, err := marshalPayload(result)
			if err != nil {
				resp.Error = Errorf(KindHandlerError, "encoding response payload: %s", err)
			} else {
				resp.Success = true
				resp.Payload = raw
			}
		}
	}

	if err := b.conn.Write(ctx, resp); err != nil {
		b.log.Debugw("error writing response", "RequestID", env.ID, "Error", err)
	}
}

// invoke isolates handler panics so a broken handler produces a failed
// response instead of taking down the bus.
func (b *Bus) invoke(ctx context.Context, h Handler, payload json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warnw("handler panicked", "Panic", r)
			err = Errorf(KindHandlerError, "handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

// dispatchEvent invokes listeners in subscription order. Each invocation
// is isolated so a panicking listener does not starve the others.
func (b *Bus) dispatchEvent(env *Envelope) {
	b.mu.Lock()
	ls := make([]eventListener, len(b.listeners[env.Event]))
	copy(ls, b.listeners[env.Event])
	b.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Warnw("event listener panicked", "Event", env.Event, "Panic", r)
				}
			}()
			l.fn(env.Payload)
		}()
	}
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
