package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/engine"
	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/message"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Agent is the daemon the rendering surface connects to. Each WebSocket
// connection on /session gets its own bus, engine, and controller, so
// sessions never share pending tables or operation registries.
type Agent struct {
	logger     *zap.SugaredLogger
	listenAddr string
	limits     Limits
	worker     Worker

	httpServer *http.Server
}

// Option configures an Agent.
type Option func(a *Agent)

// WithListenAddr sets the address the HTTP server listens on.
func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

// WithLogger sets the agent logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Sugar()
	}
}

// WithLogLevel raises the minimum level of the agent logger.
func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithLimits sets the per-session limits.
func WithLimits(l Limits) Option {
	return func(a *Agent) {
		a.limits = l
	}
}

// NewAgent constructs the viewer agent.
func NewAgent(worker Worker, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:     logger.Named("vieweragent").Sugar(),
		listenAddr: "127.0.0.1:8391",
		limits:     DefaultLimits(),
		worker:     worker,
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.limits.Validate(); err != nil {
		return nil, fmt.Errorf("validating limits: %w", err)
	}
	if err := worker.Validate(); err != nil {
		return nil, fmt.Errorf("validating worker config: %w", err)
	}
	return a, nil
}

// Run serves until Stop is called.
func (a *Agent) Run() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/session", a.session)
	router.GET("/healthz", a.healthz)
	router.Handler(http.MethodGet, "/metrics", metricsHandler())

	server := http.Server{Handler: router}
	a.httpServer = &server

	a.logger.Infow("listening", "Addr", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// session upgrades the connection and runs one full session on it. When
// the surface disconnects for any reason, the controller is shut down so
// no worker process outlives the session.
func (a *Agent) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	a.logger.Debug("accepted session")

	bus := message.NewBus(
		message.NewWebSocketConn(wsConn),
		message.WithLogger(a.logger.Named("bus")),
	)
	eng := engine.New(a.limits.ExecTimeout, engine.WithLogger(a.logger.Named("engine")))
	ctrl, err := NewController(bus, eng, a.worker, a.limits, a.logger.Named("controller"))
	if err != nil {
		a.logger.Warnf("error building session controller: %s", err)
		wsConn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		if err := ctrl.Initialize(ctx); err != nil {
			a.logger.Warnf("session initialization failed: %s", err)
		}
	}()

	err = bus.Run(ctx)
	a.logger.Debugw("session ended", "Error", err)
	ctrl.Shutdown()
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"}); err != nil {
		a.logger.Debugf("error writing healthz response: %s", err)
	}
}

// Stop shuts the agent down.
func (a *Agent) Stop() error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}
