// Package status serves filemon's health and activity endpoints over HTTP.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/filemon/internal/database"
	"github.com/tripwire/filemon/internal/monitor"
)

// Monitor is the view of the controller the server reports on.
type Monitor interface {
	State() monitor.State
	Stats() monitor.Stats
}

// DatabaseChecker reports database reachability.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
	Last() database.Result
}

// Health is the /healthz payload.
type Health struct {
	Status   string           `json:"status"`
	State    string           `json:"state"`
	UptimeS  float64          `json:"uptime_s"`
	Database *database.Result `json:"database,omitempty"`
}

// Server holds the handlers' dependencies.
type Server struct {
	mon    Monitor
	db     DatabaseChecker
	events http.Handler
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEventStream mounts h at GET /events.
func WithEventStream(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// NewServer returns a Server for mon. db may be nil when no database probe is
// configured.
func NewServer(mon Monitor, db DatabaseChecker, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{mon: mon, db: db, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRouter returns the chi router for srv.
//
//	GET /healthz  - 200 while the monitor is running, 503 otherwise
//	GET /status   - monitor counters
//	GET /events   - live WebSocket event stream, when configured
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/status", srv.handleStatus)
	if srv.events != nil {
		r.Get("/events", srv.events.ServeHTTP)
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.mon.Stats()
	h := Health{
		Status:  "ok",
		State:   st.State,
		UptimeS: st.UptimeS,
	}
	code := http.StatusOK
	if s.mon.State() != monitor.Running {
		h.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Debug("healthz: database unreachable", slog.Any("error", err))
		}
		res := s.db.Last()
		h.Database = &res
	}

	s.writeJSON(w, code, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mon.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("status: failed to encode response", slog.Any("error", err))
	}
}
