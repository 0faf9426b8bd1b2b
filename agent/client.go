package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/batch"
	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/message"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is the rendering-surface side of the protocol: it connects to a
// running agent, holds the client half of the bus, and exposes typed
// request methods. It never sees process handles, only operation ids.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL        string
	wsURL          string
	requestTimeout time.Duration
	waitInterval   time.Duration

	customizeRetryableClient func(*retryablehttp.Client)

	mu        sync.Mutex
	bus       *message.Bus
	runCancel context.CancelFunc
}

// ClientOption configures a Client.
type ClientOption func(c *Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("viewerclient").Sugar()
	}
}

// WithClientRequestTimeout sets the client-side timeout applied to every
// request. Keep it shorter than the agent's exec timeout; the agent
// validates that ordering on its side.
func WithClientRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithClientWaitInterval sets the polling interval of WaitForServer.
func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithCustomizeRetryableClient customizes the underlying HTTP client.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at host:port addr.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:         log.Named("viewer_client"),
		baseURL:        fmt.Sprintf("http://%s", addr),
		wsURL:          fmt.Sprintf("ws://%s/session", addr),
		requestTimeout: DefaultLimits().RequestTimeout,
		waitInterval:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 5
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	return c
}

// WaitForServer polls the agent's health endpoint until it answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.checkHealth(ctx)
			if err == nil {
				c.Logger.Debug("agent is up, done waiting")
				return nil
			}
			c.Logger.Debugf("agent not up yet: %s", err)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}

// Connect waits for the agent, dials the session WebSocket, and starts
// the client half of the bus. Event subscriptions are only valid after
// Connect.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.WaitForServer(ctx); err != nil {
		return fmt.Errorf("waiting for agent: %w", err)
	}

	c.Logger.Debugw("dialing session WebSocket", "URL", c.wsURL)
	wsConn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing session WebSocket: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	bus := message.NewBus(
		message.NewWebSocketConn(wsConn),
		message.WithLogger(c.Logger.Named("bus")),
	)

	c.mu.Lock()
	c.bus = bus
	c.runCancel = cancel
	c.mu.Unlock()

	go func() {
		err := bus.Run(runCtx)
		c.Logger.Debugw("client bus stopped", "Error", err)
	}()
	return nil
}

// Close tears down the session.
func (c *Client) Close() error {
	c.mu.Lock()
	bus := c.bus
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if bus != nil {
		return bus.Close()
	}
	return nil
}

// Bus exposes the underlying bus for raw requests and event
// subscriptions. Nil before Connect.
func (c *Client) Bus() *message.Bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

func (c *Client) request(ctx context.Context, command string, payload interface{}, timeout time.Duration, out interface{}) error {
	bus := c.Bus()
	if bus == nil {
		return fmt.Errorf("not connected")
	}
	raw, err := bus.Request(ctx, command, payload, timeout)
	if err != nil {
		return err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", command, err)
		}
	}
	return nil
}

// GetInfo requests metadata for a data file.
func (c *Client) GetInfo(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.request(ctx, OpGetInfo, GetInfoParams{Path: path}, c.requestTimeout, &out)
	return out, err
}

// CreatePlot renders one variable and returns the worker's plot payload.
func (c *Client) CreatePlot(ctx context.Context, p CreatePlotParams) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.request(ctx, OpCreatePlot, p, c.requestTimeout, &out)
	return out, err
}

// RunOperation runs one of the generic named worker operations.
func (c *Client) RunOperation(ctx context.Context, name string, args []string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.request(ctx, "runOperation", RunOperationParams{Name: name, Args: args}, c.requestTimeout, &out)
	return out, err
}

// CheckPackages asks the worker runtime which packages are importable.
func (c *Client) CheckPackages(ctx context.Context, packages []string) (map[string]bool, error) {
	out := map[string]bool{}
	err := c.request(ctx, OpCheckPackages, CheckPackagesParams{Packages: packages}, c.requestTimeout, &out)
	return out, err
}

// PlotAll runs a plot batch. The timeout bounds the whole batch, so it
// should be sized to the batch, not to a single request.
func (c *Client) PlotAll(ctx context.Context, p PlotAllParams, timeout time.Duration) (*batch.Report, error) {
	var out batch.Report
	if err := c.request(ctx, "plotAll", p, timeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AbortOperation requests cancellation of one operation by id.
func (c *Client) AbortOperation(ctx context.Context, operationID string) error {
	return c.request(ctx, "abortOperation", AbortOperationParams{OperationID: operationID}, c.requestTimeout, nil)
}

// AbortAll cancels the batch and aborts every running operation.
func (c *Client) AbortAll(ctx context.Context) error {
	return c.request(ctx, "abortAll", nil, c.requestTimeout, nil)
}

// CancelBatch cancels the active batch, reporting whether there was one.
func (c *Client) CancelBatch(ctx context.Context) (bool, error) {
	var out CancelBatchResult
	err := c.request(ctx, "cancelBatch", nil, c.requestTimeout, &out)
	return out.Cancelled, err
}

// Status reports the session state.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var out StatusResult
	if err := c.request(ctx, "status", nil, c.requestTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OnReady subscribes to the ready event. Call after Connect.
func (c *Client) OnReady(fn func(ReadyEvent)) func() {
	return c.onEvent(EventReady, func(raw json.RawMessage) {
		var ev ReadyEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.Logger.Debugf("error decoding ready event: %s", err)
			return
		}
		fn(ev)
	})
}

// OnStateChanged subscribes to session state transitions.
func (c *Client) OnStateChanged(fn func(StateChangedEvent)) func() {
	return c.onEvent(EventStateChanged, func(raw json.RawMessage) {
		var ev StateChangedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.Logger.Debugf("error decoding state event: %s", err)
			return
		}
		fn(ev)
	})
}

// OnOperationStarted subscribes to operation announcements, which carry
// the operation id needed for AbortOperation.
func (c *Client) OnOperationStarted(fn func(OperationStartedEvent)) func() {
	return c.onEvent(EventOperationStarted, func(raw json.RawMessage) {
		var ev OperationStartedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.Logger.Debugf("error decoding operationStarted event: %s", err)
			return
		}
		fn(ev)
	})
}

// OnBatchProgress subscribes to incremental batch progress.
func (c *Client) OnBatchProgress(fn func(batch.Progress)) func() {
	return c.onEvent(EventBatchProgress, func(raw json.RawMessage) {
		var p batch.Progress
		if err := json.Unmarshal(raw, &p); err != nil {
			c.Logger.Debugf("error decoding batch progress: %s", err)
			return
		}
		fn(p)
	})
}

func (c *Client) onEvent(event string, fn message.Listener) func() {
	bus := c.Bus()
	if bus == nil {
		c.Logger.Warnf("subscribing to %q before Connect, subscription dropped", event)
		return func() {}
	}
	return bus.OnEvent(event, fn)
}
