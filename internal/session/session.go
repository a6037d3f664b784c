package session

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/selector"
)

// Session is the state machine and in-memory record for one ride request's
// matching lifecycle. All mutation happens under mu: the per-session lock is
// the single-writer mutation path, so transitions never race each other and
// a cancel racing an accept resolves in whichever order the lock serializes.
type Session struct {
	ID        string
	Request   models.RideRequest
	CreatedAt time.Time
	ExpiresAt time.Time

	mu         sync.Mutex
	status     Status
	reason     string
	candidates []selector.Candidate
	cursor     int
	offers     []offer.Offer
	current    *offer.Offer // points into offers while pending, nil otherwise
	// offerSeq versions the offer window timer: a timer fire that does not
	// match the current value is stale and discarded.
	offerSeq         uint64
	assignedDriverID string
	fare             *models.FareQuote
	endedAt          time.Time
}

// Snapshot is the authoritative externally visible state. Reconnecting
// clients resync from this, never from replayed event history.
type Snapshot struct {
	SessionID        string            `json:"session_id"`
	RequestID        string            `json:"request_id"`
	RiderID          string            `json:"rider_id"`
	Status           Status            `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	CandidateCursor  int               `json:"candidate_cursor"`
	TotalCandidates  int               `json:"total_candidates"`
	CurrentOfferID   string            `json:"current_offer_id,omitempty"`
	AssignedDriverID string            `json:"assigned_driver_id,omitempty"`
	Fare             *models.FareQuote `json:"fare,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:        s.ID,
		RequestID:        s.Request.RequestID,
		RiderID:          s.Request.RiderID,
		Status:           s.status,
		Reason:           s.reason,
		CandidateCursor:  s.cursor,
		TotalCandidates:  len(s.candidates),
		AssignedDriverID: s.assignedDriverID,
		Fare:             s.fare,
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
	}
	if s.current != nil {
		snap.CurrentOfferID = s.current.OfferID
	}
	return snap
}

// Snapshot returns the current authoritative state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Offers returns a copy of the offer audit trail.
func (s *Session) Offers() []offer.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]offer.Offer, len(s.offers))
	copy(out, s.offers)
	return out
}

// transitionLocked applies a status change if the edge exists in the state
// graph. Illegal edges, including anything out of a terminal state, are
// refused.
func (s *Session) transitionLocked(to Status) bool {
	if !canTransition(s.status, to) {
		return false
	}
	s.status = to
	if to.Terminal() {
		s.endedAt = time.Now()
	}
	return true
}

// lastOfferForLocked finds the most recent offer extended to the driver.
func (s *Session) lastOfferForLocked(driverID string) (offer.Offer, bool) {
	for i := len(s.offers) - 1; i >= 0; i-- {
		if s.offers[i].DriverID == driverID {
			return s.offers[i], true
		}
	}
	return offer.Offer{}, false
}
