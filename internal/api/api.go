// Package api exposes WardWatch over HTTP and WebSocket: capture ingress from
// bedside tablets, event egress to dashboards, and the alert REST surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/WardWatch/internal/alert"
	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/monitor"
	"github.com/BTreeMap/WardWatch/internal/pipeline"
	"github.com/BTreeMap/WardWatch/internal/session"
	"github.com/BTreeMap/WardWatch/internal/store"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// Default server settings.
const (
	DefaultAddr          = ":8080"
	DefaultHandshakeWait = 10 * time.Second
	DefaultEventBuffer   = 64
	DefaultShutdownWait  = 5 * time.Second
)

// Deps are the components the server exposes.
type Deps struct {
	Registry  *session.Registry
	Manager   *pipeline.Manager
	Machine   *monitor.Machine
	Engine    *alert.Engine
	Store     alert.Repo
	Decisions store.DecisionLog
	Outbox    store.OutboxRepo
	Bus       *events.Bus
}

// Opts holds optional server settings.
type Opts struct {
	Addr          string
	HandshakeWait time.Duration
	EventBuffer   int
	Gatherer      prometheus.Gatherer
	LogThrottle   time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithHandshakeWait bounds how long a capture socket may take to send its
// handshake.
func WithHandshakeWait(d time.Duration) Option {
	return func(o *Opts) { o.HandshakeWait = d }
}

// WithEventBuffer sets the per-socket event buffer.
func WithEventBuffer(n int) Option {
	return func(o *Opts) { o.EventBuffer = n }
}

// WithGatherer sets the Prometheus gatherer served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithLogThrottle sets the interval for repeated per-patient warnings.
func WithLogThrottle(d time.Duration) Option {
	return func(o *Opts) { o.LogThrottle = d }
}

// Server is the WardWatch HTTP server.
type Server struct {
	deps     Deps
	opts     Opts
	upgrader websocket.Upgrader
	warnLog  *util.KeyedLimiter
	mux      *http.ServeMux
}

// NewServer wires the routes.
func NewServer(deps Deps, opts ...Option) *Server {
	o := Opts{
		Addr:          DefaultAddr,
		HandshakeWait: DefaultHandshakeWait,
		EventBuffer:   DefaultEventBuffer,
		Gatherer:      prometheus.DefaultGatherer,
		LogThrottle:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		deps: deps,
		opts: o,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bedside tablets and dashboards are served from other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		warnLog: util.NewKeyedLimiter(o.LogThrottle),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/ws/capture/{patientID}", allow(http.MethodGet, s.captureHandler))
	s.mux.Handle("/ws/events", allow(http.MethodGet, s.eventsHandler))

	s.mux.Handle("/alerts", allow(http.MethodGet, s.listAlertsHandler))
	s.mux.Handle("/alerts/{id}", allow(http.MethodGet, s.getAlertHandler))
	s.mux.Handle("/alerts/{id}/acknowledge", allow(http.MethodPost, s.acknowledgeHandler))
	s.mux.Handle("/alerts/{id}/resolve", allow(http.MethodPost, s.resolveHandler))
	s.mux.Handle("/alerts/{id}/handoff", allow(http.MethodPost, s.handoffHandler))

	s.mux.Handle("/patients/{id}/state", allow(http.MethodGet, s.patientStateHandler))
	s.mux.Handle("/patients/{id}/decisions", allow(http.MethodGet, s.decisionsHandler))
	s.mux.Handle("/patients/{id}/notifications", allow(http.MethodGet, s.notificationsHandler))
	s.mux.Handle("/patients/{id}/room", allow(http.MethodPut, s.patientRoomHandler))
	s.mux.Handle("/patients/{id}/wearable", allow(http.MethodPost, s.wearableHandler))
	s.mux.Handle("/rooms/{id}/severity", allow(http.MethodGet, s.roomSeverityHandler))
	s.mux.Handle("/sessions", allow(http.MethodGet, s.sessionsHandler))

	s.mux.Handle("/metrics", allow(http.MethodGet, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	s.mux.Handle("/healthz", allow(http.MethodGet, s.healthHandler))
	s.mux.Handle("/", http.HandlerFunc(notFoundHandler))
}

// allow rejects every method but the given one with a JSON 405.
func allow(method string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		h(w, r)
	})
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownWait)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	// Hijacked sockets are not closed by Shutdown.
	for _, ps := range s.deps.Registry.List() {
		s.deps.Registry.Terminate(ps.SessionID, websocket.CloseGoingAway, "server shutting down")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) warn(key, msg string, args ...any) {
	if s.warnLog.Allow(key, time.Now()) {
		slog.Warn(msg, args...)
	}
}
