// Package server exposes trafficmon over HTTP: the presence WebSocket, the
// public routes behind the admission gate, and the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/clock"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/gate"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/geo"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/presence"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/telemetry"
)

// Options are the HTTP-facing settings.
type Options struct {
	Addr           string
	AllowedOrigins []string
	AdminToken     string
	ExposeLocation bool
	SendQueue      int
	GeoTimeout     time.Duration
	Retention      time.Duration
}

// Deps are the components the server routes requests into.
type Deps struct {
	Directory *presence.Directory
	Gate      *gate.Gate
	Buffer    *telemetry.Buffer
	Flusher   *telemetry.Flusher
	Store     storage.Store
	// Geo may be nil, in which case every location is geo.Unknown.
	Geo    geo.Lookuper
	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is the trafficmon HTTP server.
type Server struct {
	opts Options

	dir     *presence.Directory
	gate    *gate.Gate
	buffer  *telemetry.Buffer
	flusher *telemetry.Flusher
	store   storage.Store
	geo     geo.Lookuper
	clock   clock.Clock
	logger  *slog.Logger

	hub        *Hub
	detachHub  func()
	mux        *http.ServeMux
	httpServer *http.Server
}

// New creates a server and attaches its WebSocket hub to the directory.
func New(opts Options, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewRealClock()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 16
	}
	s := &Server{
		opts:    opts,
		dir:     deps.Directory,
		gate:    deps.Gate,
		buffer:  deps.Buffer,
		flusher: deps.Flusher,
		store:   deps.Store,
		geo:     deps.Geo,
		clock:   deps.Clock,
		logger:  deps.Logger,
		mux:     http.NewServeMux(),
	}
	s.hub = NewHub(opts.SendQueue, opts.ExposeLocation, deps.Logger)
	s.detachHub = s.dir.Attach(s.hub)
	s.routes()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.cors(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /{$}", s.admit(http.HandlerFunc(s.handleRoot)))
	s.mux.Handle("GET /dashboard", s.admit(http.HandlerFunc(s.handleDashboard)))
	s.mux.Handle("GET /api/presence", s.admit(http.HandlerFunc(s.handlePresence)))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.mux.Handle("GET /admin/visits", s.requireAdmin(s.handleRecentVisits))
	s.mux.Handle("POST /admin/visits/purge", s.requireAdmin(s.handlePurgeVisits))
	s.mux.Handle("GET /admin/policy", s.requireAdmin(s.handleListPolicies))
	s.mux.Handle("PUT /admin/policy/{address}", s.requireAdmin(s.handleSetPolicy))
	s.mux.Handle("DELETE /admin/policy/{address}", s.requireAdmin(s.handleClearPolicy))
	s.mux.Handle("GET /admin/connections", s.requireAdmin(s.handleConnections))
	s.mux.Handle("GET /admin/connections/{id}", s.requireAdmin(s.handleConnection))
	s.mux.Handle("GET /admin/stats", s.requireAdmin(s.handleStats))
	s.mux.Handle("POST /admin/flush", s.requireAdmin(s.handleFlush))
}

// handleRoot serves a welcome message.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "trafficmon",
		"status":  "running",
		"time":    s.clock.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth reports store and limiter reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ok", "store": "ok", "limiter": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		body["store"] = err.Error()
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	if err := s.gate.Ping(ctx); err != nil {
		body["limiter"] = err.Error()
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

type presenceResponse struct {
	Seq      uint64             `json:"seq"`
	Count    int                `json:"count"`
	Visitors []presence.Visitor `json:"visitors"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	snap := s.dir.Snapshot()
	writeJSON(w, http.StatusOK, presenceResponse{
		Seq:      snap.Seq,
		Count:    len(snap.Connections),
		Visitors: snap.Visitors(s.opts.ExposeLocation),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(DashboardHTML))
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("trafficmon server listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes every WebSocket client and
// waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.detachHub()
	s.hub.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
