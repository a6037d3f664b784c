package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/session"
)

// handleMessage is the single explicit dispatch point for inbound traffic:
// every message type maps to one state-machine or index operation. Protocol
// violations answer with a typed error event and leave the connection open.
func (h *Hub) handleMessage(c *Conn, msg inboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case MsgPing:
		h.enqueue(c, session.Event{Type: MsgPong})
		return
	case MsgGoOnline, MsgGoOffline, MsgUpdateLocation, MsgAcceptOffer, MsgRejectOffer:
		if c.identity.Role != RoleDriver {
			h.sendError(c, "protocol_violation", "driver message on a rider connection")
			return
		}
	case MsgSubscribeSession, MsgCancelDispatch:
		if c.identity.Role != RoleRider {
			h.sendError(c, "protocol_violation", "rider message on a driver connection")
			return
		}
	default:
		h.sendError(c, "unknown_type", "unknown message type: "+msg.Type)
		return
	}

	switch msg.Type {
	case MsgGoOnline:
		h.handleGoOnline(ctx, c, msg.Payload)
	case MsgGoOffline:
		h.handleGoOffline(ctx, c)
	case MsgUpdateLocation:
		h.handleUpdateLocation(ctx, c, msg.Payload)
	case MsgAcceptOffer:
		h.handleAcceptOffer(ctx, c, msg.Payload)
	case MsgRejectOffer:
		h.handleRejectOffer(ctx, c, msg.Payload)
	case MsgSubscribeSession:
		h.handleSubscribeSession(c, msg.Payload)
	case MsgCancelDispatch:
		h.handleCancelDispatch(ctx, c, msg.Payload)
	}
}

func (h *Hub) handleGoOnline(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p goOnlinePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid_payload", "invalid go_online payload")
		return
	}
	d := models.Driver{
		ID:           c.identity.UserID,
		Loc:          models.Coord{Lat: p.Lat, Lon: p.Lng},
		Online:       true,
		ServiceMode:  p.ServiceMode,
		VehicleClass: p.VehicleClass,
		Updated:      time.Now(),
	}
	if err := h.Geo.UpsertLocation(ctx, d); err != nil {
		h.sendError(c, "location_rejected", err.Error())
	}
}

func (h *Hub) handleGoOffline(ctx context.Context, c *Conn) {
	_ = h.Geo.SetOffline(ctx, c.identity.UserID)
	h.Engine.DriverOffline(ctx, c.identity.UserID)
}

func (h *Hub) handleUpdateLocation(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p updateLocationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid_payload", "invalid update_location payload")
		return
	}
	// position only: the index merge keeps the capability advertised at
	// go_online, and a jitter-delayed update must not flip a driver who went
	// offline back into candidate queries
	d := models.Driver{
		ID:      c.identity.UserID,
		Loc:     models.Coord{Lat: p.Lat, Lon: p.Lng},
		Heading: p.Heading,
		Updated: time.Now(),
	}
	// stale updates are dropped by the index; reordering from network
	// jitter is expected, not an error worth reporting to the client
	_ = h.Geo.UpsertLocation(ctx, d)
	if h.Ingest != nil {
		if err := h.Ingest.PublishLocation(ctx, d); err != nil {
			h.logger().Warn("location ingest publish failed", "driver_id", d.ID, "error", err)
		}
	}
}

func (h *Hub) handleAcceptOffer(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p acceptOfferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid_payload", "invalid accept_offer payload")
		return
	}
	err := h.Engine.AcceptOffer(ctx, c.identity.UserID, p.SessionID)
	switch {
	case err == nil:
		// engine pushes offer_accepted and driver_assigned
	case errors.Is(err, session.ErrOfferResolved):
		h.sendError(c, "offer_expired", "offer is no longer available")
	case errors.Is(err, session.ErrSessionNotFound):
		h.sendError(c, "unknown_session", "no such dispatch session")
	default:
		h.sendError(c, "internal", err.Error())
	}
}

func (h *Hub) handleRejectOffer(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p rejectOfferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid_payload", "invalid reject_offer payload")
		return
	}
	err := h.Engine.RejectOffer(ctx, c.identity.UserID, p.SessionID, p.Reason)
	switch {
	case err == nil:
		// engine pushes offer_rejected_confirmed
	case errors.Is(err, session.ErrOfferResolved):
		h.sendError(c, "offer_resolved", "offer was already resolved")
	case errors.Is(err, session.ErrSessionNotFound):
		h.sendError(c, "unknown_session", "no such dispatch session")
	default:
		h.sendError(c, "internal", err.Error())
	}
}

func (h *Hub) handleSubscribeSession(c *Conn, raw json.RawMessage) {
	var p sessionRefPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid_payload", "invalid subscribe_session payload")
		return
	}
	snap, ok := h.Engine.Snapshot(p.SessionID)
	if !ok || snap.RiderID != c.identity.UserID {
		// identical answer for missing and foreign sessions: no state leaks
		h.sendError(c, "unknown_session", "no such dispatch session")
		return
	}
	h.subscribe(c, p.SessionID)
	// server-authoritative resync: the snapshot, never replayed history
	h.enqueue(c, session.Event{Type: session.EvSessionStarted, Payload: session.SessionStartedPayload{
		SessionID:        snap.SessionID,
		Status:           snap.Status,
		Reason:           snap.Reason,
		AssignedDriverID: snap.AssignedDriverID,
		Fare:             snap.Fare,
	}})
}

func (h *Hub) handleCancelDispatch(ctx context.Context, c *Conn, raw json.RawMessage) {
	var p sessionRefPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.sendError(c, "invalid_payload", "invalid cancel_dispatch payload")
		return
	}
	snap, ok := h.Engine.Snapshot(p.SessionID)
	if !ok || snap.RiderID != c.identity.UserID {
		h.sendError(c, "unknown_session", "no such dispatch session")
		return
	}
	if err := h.Engine.Cancel(ctx, p.SessionID, "rider", "rider_cancelled"); err != nil {
		h.sendError(c, "internal", err.Error())
	}
}

func (h *Hub) subscribe(c *Conn, sessionID string) {
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.subs[sessionID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	c.mu.Lock()
	c.subscribed[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) sendError(c *Conn, code, message string) {
	h.enqueue(c, session.Event{Type: session.EvError, Payload: session.ErrorPayload{
		Code: code, Message: message,
	}})
}
