// Package server exposes a sync hub over WebSocket, next to its health and
// Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/sync"
)

// Hub is the hub surface the server needs.
type Hub interface {
	sync.HubAPI
	ActiveSessions() int
}

// ServerState tracks the server lifecycle.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures the HTTP surface.
type Config struct {
	SyncPath    string // default "/sync"
	MetricsPath string // default "/metrics"
	HealthPath  string // default "/healthz"

	// MaxChunkSize bounds incoming chunk messages.
	MaxChunkSize int
	// AllowedOrigins are prefixes accepted for browser Origin headers.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
	// ShutdownTimeout bounds the graceful stop (default 10s).
	ShutdownTimeout time.Duration
	// TraceWire logs every request and reply type at debug level.
	TraceWire bool
}

func (c Config) withDefaults() Config {
	if c.SyncPath == "" {
		c.SyncPath = "/sync"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/healthz"
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"http://localhost", "https://localhost"}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Server serves one hub.
type Server struct {
	cfg      Config
	hub      Hub
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	state atomic.Int32
	conns gosync.WaitGroup
	open  atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves g on the metrics path. Without it the path is not
// mounted.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a server for hub.
func New(hub Hub, cfg Config, opts ...Option) *Server {
	s := &Server{cfg: cfg.withDefaults(), hub: hub}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// State returns the lifecycle state.
func (s *Server) State() ServerState { return ServerState(s.state.Load()) }

func (s *Server) setState(st ServerState) {
	s.state.Store(int32(st))
	s.logger.Infow("Server state changed", logger.FieldStatus, st.String())
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.SyncPath, s.HandleSyncWebSocket)
	mux.HandleFunc(s.cfg.HealthPath, s.HandleHealth)
	if s.gatherer != nil {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// HandleSyncWebSocket upgrades the request and answers sync requests on it
// until the client disconnects or the server stops.
func (s *Server) HandleSyncWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.State() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "hub is shutting down")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Warnw("Sync WebSocket upgrade failed",
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldError, err,
		)
		return
	}

	s.conns.Add(1)
	s.open.Add(1)
	defer func() {
		s.open.Add(-1)
		s.conns.Done()
	}()

	conn := newConn(ws, maxMessageSize(s.cfg.MaxChunkSize))
	defer conn.Close()

	log := s.logger.With(logger.FieldAddress, r.RemoteAddr)
	log.Debugw("Sync connection opened")
	var c sync.Conn = conn
	if s.cfg.TraceWire {
		c = &tracedConn{Conn: conn, log: log}
	}
	if err := sync.ServeConn(r.Context(), s.hub, c, log); err != nil && !closedNormally(err) {
		log.Infow("Sync connection ended", logger.FieldError, err)
		return
	}
	log.Debugw("Sync connection closed")
}

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status         string `json:"status"`
	State          string `json:"state"`
	ActiveSessions int    `json:"active_sessions"`
	Connections    int64  `json:"connections"`
}

// HandleHealth reports 200 while running and 503 once draining.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.State()
	resp := healthResponse{
		Status:         "ok",
		State:          st.String(),
		ActiveSessions: s.hub.ActiveSessions(),
		Connections:    s.open.Load(),
	}
	code := http.StatusOK
	if st != ServerStateRunning {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// Serve accepts connections on ln until ctx is done, then drains: new sync
// connections are refused, open ones are closed, and Serve returns once
// their handlers have finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked sync connections outlive Shutdown; their requests
		// derive from connCtx so cancelling it closes them.
		BaseContext: func(net.Listener) context.Context { return connCtx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.setState(ServerStateRunning)
	s.logger.Infow("Hub listening",
		logger.FieldAddress, ln.Addr().String(),
		"sync_path", s.cfg.SyncPath,
	)

	select {
	case err := <-errCh:
		s.setState(ServerStateStopped)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "hub HTTP server failed")
	case <-ctx.Done():
	}

	s.setState(ServerStateDraining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	cancelConns()
	s.conns.Wait()
	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "hub HTTP shutdown")
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHintf(errors.Wrapf(err, "failed to listen on %s", addr),
			"set hub.listen_addr or THSYNC_HUB_LISTEN_ADDR to a free address")
	}
	return s.Serve(ctx, ln)
}

// checkOrigin accepts non-browser clients and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	// Prefix matching allows any port
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

func closedNormally(err error) bool {
	return websocket.IsCloseError(errors.UnwrapAll(err), websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
