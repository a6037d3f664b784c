package session

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Event is the realtime wire envelope. Payload marshals into the envelope's
// payload field as-is.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Server -> customer and server -> driver event types.
const (
	EvSessionStarted         = "session_started"
	EvOfferSent              = "offer_sent"
	EvDriverAssigned         = "driver_assigned"
	EvNoDriversFound         = "no_drivers_found"
	EvDispatchCancelled      = "dispatch_cancelled"
	EvRideOffer              = "ride_offer"
	EvOfferCancelled         = "offer_cancelled"
	EvOfferAccepted          = "offer_accepted"
	EvOfferRejectedConfirmed = "offer_rejected_confirmed"
	EvError                  = "error"
)

// Publisher delivers a session-scoped event to every live subscriber of that
// session. Publishing with zero subscribers is a no-op.
type Publisher interface {
	PublishToSession(sessionID string, ev Event)
}

// DriverNotifier delivers an event to one driver, whatever transport is
// currently reachable (live socket, push fallback).
type DriverNotifier interface {
	NotifyDriver(ctx context.Context, driverID string, ev Event) error
}

type SessionStartedPayload struct {
	SessionID        string            `json:"session_id"`
	Status           Status            `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	AssignedDriverID string            `json:"assigned_driver_id,omitempty"`
	Fare             *models.FareQuote `json:"fare,omitempty"`
}

type OfferSentPayload struct {
	SessionID       string `json:"session_id"`
	DriverIndex     int    `json:"driver_index"`
	TotalCandidates int    `json:"total_candidates"`
}

type DriverAssignedPayload struct {
	SessionID string               `json:"session_id"`
	Driver    models.DriverProfile `json:"driver"`
}

type NoDriversFoundPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type DispatchCancelledPayload struct {
	SessionID string `json:"session_id"`
	By        string `json:"by"`
}

type RideOfferPayload struct {
	SessionID   string             `json:"session_id"`
	OfferID     string             `json:"offer_id"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Pickup      models.Coord       `json:"pickup"`
	Dropoff     models.Coord       `json:"dropoff"`
	ServiceType models.ServiceType `json:"service_type"`
	Customer    models.Customer    `json:"customer"`
	Fare        *models.FareQuote  `json:"fare,omitempty"`
}

type OfferRefPayload struct {
	SessionID string `json:"session_id"`
	OfferID   string `json:"offer_id"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
