// Package httpapi exposes the dispatch engine over REST and hosts the
// websocket upgrade endpoints. Ride requests come in here; everything after
// session creation flows over the realtime channel.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/session"
)

// DispatchAPI is the slice of the session engine the REST surface needs.
type DispatchAPI interface {
	CreateSession(ctx context.Context, req models.RideRequest) (*session.Session, error)
	Cancel(ctx context.Context, sessionID, by, reason string) error
	Snapshot(sessionID string) (session.Snapshot, bool)
}

type Server struct {
	Engine DispatchAPI
	Hub    *realtime.Hub
	Geo    geo.Geo
	Ingest realtime.LocationSink // optional
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine DispatchAPI, hub *realtime.Hub, g geo.Geo, ingest realtime.LocationSink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine: engine,
		Hub:    hub,
		Geo:    g,
		Ingest: ingest,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/dispatch", s.handleCreateDispatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/dispatch/{session_id}", s.handleGetDispatch).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/dispatch/{session_id}/cancel", s.handleCancelDispatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.Hub != nil {
		s.mux.HandleFunc("/ws/driver", s.Hub.ServeDriver)
		s.mux.HandleFunc("/ws/customer", s.Hub.ServeCustomer)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
