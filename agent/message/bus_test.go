package message

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// busPair wires two buses over an in-memory pipe and runs both.
func busPair(t *testing.T) (client *Bus, server *Bus, serverConn Conn) {
	t.Helper()
	a, b := Pipe()
	client = NewBus(a)
	server = NewBus(b)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	go server.Run(ctx)
	return client, server, b
}

func TestRequestResponse(t *testing.T) {
	client, server, _ := busPair(t)

	err := server.RegisterRequestHandler("echo", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return payload, nil
	})
	require.NoError(t, err)

	raw, err := client.Request(context.Background(), "echo", map[string]int{"v": 1}, time.Second)
	require.NoError(t, err)

	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, map[string]int{"v": 1}, got)

	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	assert.Zero(t, pending, "pending table should be empty after the response")
}

func TestUnknownCommand(t *testing.T) {
	client, _, _ := busPair(t)

	_, err := client.Request(context.Background(), "bogus", nil, time.Second)
	var msgErr *Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, KindUnknownCommand, msgErr.Kind)
}

func TestHandlerError(t *testing.T) {
	client, server, _ := busPair(t)

	require.NoError(t, server.RegisterRequestHandler("fail", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return nil, errors.New("the dataset is haunted")
	}))
	require.NoError(t, server.RegisterRequestHandler("typed", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return nil, Errorf(KindNotReady, "still warming up")
	}))
	require.NoError(t, server.RegisterRequestHandler("panic", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		panic("oops")
	}))

	_, err := client.Request(context.Background(), "fail", nil, time.Second)
	var msgErr *Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, KindHandlerError, msgErr.Kind)
	assert.Equal(t, "the dataset is haunted", msgErr.Message)

	_, err = client.Request(context.Background(), "typed", nil, time.Second)
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, KindNotReady, msgErr.Kind)

	_, err = client.Request(context.Background(), "panic", nil, time.Second)
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, KindHandlerError, msgErr.Kind)
	assert.Contains(t, msgErr.Message, "oops")
}

func TestTimeoutDiscardsLateResponse(t *testing.T) {
	client, server, _ := busPair(t)

	handlerDone := make(chan struct{})
	require.NoError(t, server.RegisterRequestHandler("slow", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		defer close(handlerDone)
		time.Sleep(300 * time.Millisecond)
		return map[string]bool{"late": true}, nil
	}))

	start := time.Now()
	_, err := client.Request(context.Background(), "slow", nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	var msgErr *Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, KindTimeout, msgErr.Kind)
	assert.Less(t, elapsed, 200*time.Millisecond, "timeout should fire well before the handler completes")

	// The late response must be observed and dropped without breaking the bus.
	<-handlerDone
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, server.RegisterRequestHandler("echo", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return payload, nil
	}))
	_, err = client.Request(context.Background(), "echo", map[string]int{"v": 2}, time.Second)
	require.NoError(t, err)
}

func TestStrayResponseDropped(t *testing.T) {
	client, server, serverConn := busPair(t)

	// A response correlating to nothing must be dropped, not crash the bus.
	err := serverConn.Write(context.Background(), &Envelope{
		Type:      TypeResponse,
		ID:        uuid.NewString(),
		RequestID: uuid.NewString(),
		Success:   true,
	})
	require.NoError(t, err)

	require.NoError(t, server.RegisterRequestHandler("echo", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return payload, nil
	}))
	_, err = client.Request(context.Background(), "echo", map[string]int{"v": 3}, time.Second)
	require.NoError(t, err)
}

func TestMalformedMessagesDropped(t *testing.T) {
	client, server, serverConn := busPair(t)

	for _, env := range []*Envelope{
		{Type: "garbage", ID: uuid.NewString()},
		{Type: TypeRequest, ID: ""},
		{Type: TypeRequest, ID: uuid.NewString(), Command: ""},
		{Type: TypeResponse, ID: uuid.NewString(), RequestID: ""},
		{Type: TypeResponse, ID: uuid.NewString(), RequestID: uuid.NewString(), Success: false, Error: nil},
		{Type: TypeEvent, ID: uuid.NewString(), Event: ""},
	} {
		require.NoError(t, serverConn.Write(context.Background(), env))
	}

	require.NoError(t, server.RegisterRequestHandler("echo", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return payload, nil
	}))
	_, err := client.Request(context.Background(), "echo", nil, time.Second)
	require.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	bus := NewBus(nil)
	h := func(ctx context.Context, payload json.RawMessage) (interface{}, error) { return nil, nil }

	require.Error(t, bus.RegisterRequestHandler("", h))
	require.Error(t, bus.RegisterRequestHandler("x", nil))
	require.NoError(t, bus.RegisterRequestHandler("x", h))
	require.Error(t, bus.RegisterRequestHandler("x", h), "duplicate registration must fail")
}

func TestEventListeners(t *testing.T) {
	client, server, _ := busPair(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	server.OnEvent("tick", func(payload json.RawMessage) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	server.OnEvent("tick", func(payload json.RawMessage) {
		panic("listener gone wrong")
	})
	server.OnEvent("tick", func(payload json.RawMessage) {
		mu.Lock()
		order = append(order, "third")
		mu.Unlock()
		close(done)
	})

	require.NoError(t, client.Event(context.Background(), "tick", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listeners were not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, order, "listeners run in subscription order, panics isolated")
}

func TestEventUnsubscribe(t *testing.T) {
	client, server, _ := busPair(t)

	calls := make(chan string, 4)
	unsub := server.OnEvent("tick", func(payload json.RawMessage) {
		calls <- "removed"
	})
	server.OnEvent("tick", func(payload json.RawMessage) {
		calls <- "kept"
	})
	unsub()
	unsub() // second call is a no-op

	require.NoError(t, client.Event(context.Background(), "tick", nil))

	select {
	case got := <-calls:
		assert.Equal(t, "kept", got)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining listener was not invoked")
	}
	select {
	case got := <-calls:
		t.Fatalf("unexpected extra listener call: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}
