package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
)

type createDispatchRequest struct {
	RequestID    string              `json:"request_id,omitempty"`
	RiderID      string              `json:"rider_id"`
	Pickup       models.Coord        `json:"pickup"`
	Dropoff      models.Coord        `json:"dropoff"`
	ServiceType  models.ServiceType  `json:"service_type,omitempty"`
	VehicleClass models.VehicleClass `json:"vehicle_class,omitempty"`
}

func (s *Server) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	var body createDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if body.RiderID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "rider_id is required")
		return
	}
	req := models.RideRequest{
		RequestID:    body.RequestID,
		RiderID:      body.RiderID,
		Pickup:       body.Pickup,
		Dropoff:      body.Dropoff,
		ServiceType:  body.ServiceType,
		VehicleClass: body.VehicleClass,
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ServiceType == "" {
		req.ServiceType = models.ServiceRide
	}

	sess, err := s.Engine.CreateSession(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	// the session may already be terminal (no drivers in range); the caller
	// gets the snapshot either way and follows progress over the websocket
	s.writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	snap, ok := s.Engine.Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown_session", "no such dispatch session")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type cancelDispatchRequest struct {
	By     string `json:"by,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	var body cancelDispatchRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.By == "" {
		body.By = "admin"
	}
	if body.Reason == "" {
		body.Reason = "cancelled_via_api"
	}
	// cancelling an already-terminal session is a no-op for the engine, so
	// repeated cancels answer 200 with the unchanged snapshot
	err := s.Engine.Cancel(r.Context(), id, body.By, body.Reason)
	switch {
	case err == nil:
		snap, _ := s.Engine.Snapshot(id)
		s.writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "unknown_session", "no such dispatch session")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type driverLocationRequest struct {
	DriverID     string              `json:"driver_id"`
	Lat          float64             `json:"lat"`
	Lng          float64             `json:"lng"`
	Heading      float64             `json:"heading,omitempty"`
	ServiceMode  models.ServiceType  `json:"service_mode,omitempty"`
	VehicleClass models.VehicleClass `json:"vehicle_class,omitempty"`
	Updated      time.Time           `json:"updated,omitempty"`
}

// handleDriverLocation is the server-to-server ingest path for fleets that
// report positions over HTTP instead of a live socket.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body driverLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if body.DriverID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "driver_id is required")
		return
	}
	if body.Updated.IsZero() {
		body.Updated = time.Now()
	}
	d := models.Driver{
		ID:           body.DriverID,
		Loc:          models.Coord{Lat: body.Lat, Lon: body.Lng},
		Heading:      body.Heading,
		Online:       true,
		ServiceMode:  body.ServiceMode,
		VehicleClass: body.VehicleClass,
		Updated:      body.Updated,
	}
	// stale updates lose to newer ones already in the index; that is not a
	// client error
	_ = s.Geo.UpsertLocation(r.Context(), d)
	if s.Ingest != nil {
		if err := s.Ingest.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("location ingest publish failed", "driver_id", d.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}
