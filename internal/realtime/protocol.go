package realtime

import (
	"encoding/json"

	"github.com/example/ride-dispatch/internal/models"
)

// Client -> server message types. Server -> client types live in the session
// package next to their payloads.
const (
	MsgGoOnline         = "go_online"
	MsgGoOffline        = "go_offline"
	MsgUpdateLocation   = "update_location"
	MsgAcceptOffer      = "accept_offer"
	MsgRejectOffer      = "reject_offer"
	MsgSubscribeSession = "subscribe_session"
	MsgCancelDispatch   = "cancel_dispatch"
	MsgPing             = "ping"
	MsgPong             = "pong"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type goOnlinePayload struct {
	ServiceMode  models.ServiceType  `json:"service_mode"`
	VehicleClass models.VehicleClass `json:"vehicle_class,omitempty"`
	Lat          float64             `json:"lat"`
	Lng          float64             `json:"lng"`
}

type updateLocationPayload struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading,omitempty"`
}

type acceptOfferPayload struct {
	SessionID string `json:"session_id"`
}

type rejectOfferPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type sessionRefPayload struct {
	SessionID string `json:"session_id"`
}
