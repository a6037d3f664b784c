package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/selector"
	"github.com/example/ride-dispatch/internal/storage"
)

// Presence answers whether a driver is still online. Candidates can go
// offline between selection and offer issuance.
type Presence interface {
	IsOnline(ctx context.Context, driverID string) bool
}

// PaymentHolder places a pre-authorization hold once a driver is assigned.
// Capture happens after the trip, outside this engine.
type PaymentHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
}

// Engine owns every dispatch session and runs the offer sequencer. All
// session mutation funnels through engine methods, which serialize per
// session on the session's own lock.
type Engine struct {
	Cfg       config.DispatchConfig
	Selector  *selector.Selector
	Locks     *offer.LockManager
	Registry  *Registry
	Publisher Publisher
	Drivers   DriverNotifier
	Store     storage.SessionStore
	Quoter    pricing.Quoter
	Payments  PaymentHolder
	Presence  Presence
	Logger    *slog.Logger
}

// CreateSession starts the matching lifecycle for one ride request. Candidate
// selection runs synchronously (with bounded retries); the first offer is
// issued before this returns, so callers immediately observe OFFER_PENDING,
// NO_DRIVERS_FOUND, or a cancellation that raced in.
func (e *Engine) CreateSession(ctx context.Context, req models.RideRequest) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(e.Cfg.SessionTTL),
		status:    StatusRequested,
	}
	e.Registry.Add(s)
	observability.SessionsStarted.Inc()

	s.mu.Lock()
	s.transitionLocked(StatusSearching)
	if e.Quoter != nil {
		if q, err := e.Quoter.Quote(ctx, req.Pickup, req.Dropoff, req.VehicleClass); err == nil {
			s.fare = &q
		}
	}
	e.publish(s.ID, Event{Type: EvSessionStarted, Payload: SessionStartedPayload{
		SessionID: s.ID, Status: s.status, Fare: s.fare,
	}})
	s.mu.Unlock()

	cands, selErr := e.buildCandidatesWithRetry(ctx, req, s.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		// rider cancelled while we were selecting
		return s, nil
	}
	if selErr != nil {
		e.logger().Error("candidate selection unavailable",
			"session_id", s.ID, "error", selErr)
		e.finishLocked(s, StatusNoDriversFound, "selection_unavailable")
		return s, nil
	}
	s.candidates = cands
	if len(cands) == 0 {
		e.finishLocked(s, StatusNoDriversFound, "no_drivers")
		return s, nil
	}
	e.advanceLocked(ctx, s)
	return s, nil
}

// buildCandidatesWithRetry retries transient selection failures with
// exponential backoff before giving up. Per-attempt errors are never
// surfaced to the rider.
func (e *Engine) buildCandidatesWithRetry(ctx context.Context, req models.RideRequest, sessionID string) ([]selector.Candidate, error) {
	attempts := e.Cfg.SelectionAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := e.Cfg.SelectionBackoff
	exclude := func(driverID string) bool {
		holder, held := e.Locks.Holder(driverID)
		return held && holder != sessionID
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		cands, err := e.Selector.BuildCandidateList(ctx, req, exclude)
		if err == nil {
			return cands, nil
		}
		lastErr = err
		e.logger().Warn("candidate selection failed, retrying",
			"session_id", sessionID, "attempt", i+1, "error", err)
		if i < attempts-1 && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// advanceLocked walks the candidate list and extends the next offer. Skips,
// without erroring, any candidate whose offer lock is held elsewhere, who
// went offline since selection, or who is unreachable on every transport.
// Caller holds s.mu.
func (e *Engine) advanceLocked(ctx context.Context, s *Session) {
	for s.cursor < len(s.candidates) {
		cand := s.candidates[s.cursor]
		s.cursor++

		if !e.Locks.TryAcquire(cand.DriverID, s.ID) {
			continue
		}
		if e.Presence != nil && !e.Presence.IsOnline(ctx, cand.DriverID) {
			e.Locks.Release(cand.DriverID, s.ID)
			continue
		}

		now := time.Now()
		o := offer.Offer{
			SessionID: s.ID,
			DriverID:  cand.DriverID,
			OfferID:   uuid.NewString(),
			IssuedAt:  now,
			ExpiresAt: now.Add(e.Cfg.OfferWindow),
			Result:    offer.ResultPending,
		}
		ev := Event{Type: EvRideOffer, Payload: RideOfferPayload{
			SessionID:   s.ID,
			OfferID:     o.OfferID,
			ExpiresAt:   o.ExpiresAt,
			Pickup:      s.Request.Pickup,
			Dropoff:     s.Request.Dropoff,
			ServiceType: s.Request.ServiceType,
			Customer:    s.Request.Customer,
			Fare:        s.fare,
		}}
		if e.Drivers != nil {
			if err := e.Drivers.NotifyDriver(ctx, cand.DriverID, ev); err != nil {
				e.logger().Debug("driver unreachable, skipping",
					"session_id", s.ID, "driver_id", cand.DriverID, "error", err)
				e.Locks.Release(cand.DriverID, s.ID)
				continue
			}
		}

		s.offers = append(s.offers, o)
		s.current = &s.offers[len(s.offers)-1]
		s.offerSeq++
		seq := s.offerSeq
		s.transitionLocked(StatusOfferPending)
		e.publish(s.ID, Event{Type: EvOfferSent, Payload: OfferSentPayload{
			SessionID: s.ID, DriverIndex: s.cursor, TotalCandidates: len(s.candidates),
		}})
		e.logger().Info("offer extended",
			"session_id", s.ID, "driver_id", cand.DriverID, "offer_id", o.OfferID,
			"driver_index", s.cursor, "total_candidates", len(s.candidates))

		time.AfterFunc(e.Cfg.OfferWindow, func() { e.offerWindowElapsed(s, seq) })
		return
	}
	e.finishLocked(s, StatusNoDriversFound, "candidates_exhausted")
}

// offerWindowElapsed is the offer deadline timer. The seq check makes a
// stale fire (offer already resolved and sequencer moved on) a no-op.
func (e *Engine) offerWindowElapsed(s *Session, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerSeq != seq || s.current == nil || s.current.Resolved() {
		return
	}
	o := s.current
	o.Result = offer.ResultExpired
	observability.OffersTotal.WithLabelValues(string(offer.ResultExpired)).Inc()
	e.Locks.Release(o.DriverID, s.ID)
	s.current = nil
	e.notifyDriverAsync(o.DriverID, Event{Type: EvOfferCancelled, Payload: OfferRefPayload{
		SessionID: s.ID, OfferID: o.OfferID,
	}})
	e.logger().Info("offer window elapsed",
		"session_id", s.ID, "driver_id", o.DriverID, "offer_id", o.OfferID)

	if s.cursor >= len(s.candidates) {
		e.finishLocked(s, StatusExpired, "offer_window_elapsed")
		return
	}
	s.transitionLocked(StatusSearching)
	e.advanceLocked(context.Background(), s)
}

// AcceptOffer records a driver's acceptance. A late accept on an offer that
// already expired, or on anything other than the current pending offer,
// returns ErrOfferResolved and mutates nothing.
func (e *Engine) AcceptOffer(ctx context.Context, driverID, sessionID string) error {
	s, ok := e.Registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return ErrOfferResolved
	}
	if s.current == nil || s.current.DriverID != driverID || s.current.Resolved() {
		return ErrOfferResolved
	}
	if time.Now().After(s.current.ExpiresAt) {
		// arrived after the deadline; the timer will advance the session
		return ErrOfferResolved
	}

	o := s.current
	o.Result = offer.ResultAccepted
	s.current = nil
	s.offerSeq++ // invalidate the pending window timer
	s.assignedDriverID = driverID
	s.transitionLocked(StatusAssigned)
	s.reason = ""

	observability.OffersTotal.WithLabelValues(string(offer.ResultAccepted)).Inc()
	observability.SessionsEnded.WithLabelValues(string(StatusAssigned)).Inc()
	observability.AssignLatency.Observe(time.Since(s.CreatedAt).Seconds())

	// the driver's offer lock stays held as the assignment hold

	profile := models.DriverProfile{ID: driverID}
	if e.Selector != nil && e.Selector.Profiles != nil {
		if p, err := e.Selector.Profiles.Profile(ctx, driverID); err == nil {
			profile = p
		}
	}
	e.notifyDriverAsync(driverID, Event{Type: EvOfferAccepted, Payload: OfferRefPayload{
		SessionID: s.ID, OfferID: o.OfferID,
	}})
	e.publish(s.ID, Event{Type: EvDriverAssigned, Payload: DriverAssignedPayload{
		SessionID: s.ID, Driver: profile,
	}})
	e.logger().Info("driver assigned",
		"session_id", s.ID, "driver_id", driverID, "offer_id", o.OfferID)

	e.archiveLocked(s)
	e.holdPayment(s)
	return nil
}

// RejectOffer records an explicit driver rejection and advances to the next
// candidate. Rejecting the same offer twice is an idempotent no-op.
func (e *Engine) RejectOffer(ctx context.Context, driverID, sessionID, reason string) error {
	s, ok := e.Registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.DriverID != driverID || s.current.Resolved() {
		if last, found := s.lastOfferForLocked(driverID); found && last.Result == offer.ResultRejected {
			// re-entrant reject: first one already advanced the session
			return nil
		}
		return ErrOfferResolved
	}

	o := s.current
	o.Result = offer.ResultRejected
	s.current = nil
	s.offerSeq++
	observability.OffersTotal.WithLabelValues(string(offer.ResultRejected)).Inc()
	e.Locks.Release(driverID, s.ID)
	e.notifyDriverAsync(driverID, Event{Type: EvOfferRejectedConfirmed, Payload: OfferRefPayload{
		SessionID: s.ID, OfferID: o.OfferID,
	}})
	e.logger().Info("offer rejected",
		"session_id", s.ID, "driver_id", driverID, "offer_id", o.OfferID, "reason", reason)

	if s.status.Terminal() {
		return nil
	}
	s.transitionLocked(StatusSearching)
	e.advanceLocked(ctx, s)
	return nil
}

// Cancel moves the session to a terminal cancelled state. Cancelling an
// already-terminal session is a no-op, not an error. Any pending offer is
// voided and the held driver's lock released.
func (e *Engine) Cancel(ctx context.Context, sessionID, by, reason string) error {
	s, ok := e.Registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil
	}
	e.voidPendingOfferLocked(s)

	st := StatusCancelledByRider
	if by == "admin" {
		st = StatusCancelledByAdmin
	}
	e.finishLocked(s, st, reason)
	e.publish(s.ID, Event{Type: EvDispatchCancelled, Payload: DispatchCancelledPayload{
		SessionID: s.ID, By: by,
	}})
	return nil
}

// DriverOffline voids the driver's pending offer, if any, and advances that
// session to the next candidate.
func (e *Engine) DriverOffline(ctx context.Context, driverID string) {
	holder, held := e.Locks.Holder(driverID)
	if !held {
		return
	}
	s, ok := e.Registry.Get(holder)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.DriverID != driverID || s.current.Resolved() {
		return
	}
	o := s.current
	o.Result = offer.ResultCancelled
	s.current = nil
	s.offerSeq++
	observability.OffersTotal.WithLabelValues(string(offer.ResultCancelled)).Inc()
	e.Locks.Release(driverID, s.ID)
	e.logger().Info("driver went offline mid-offer",
		"session_id", s.ID, "driver_id", driverID, "offer_id", o.OfferID)

	if s.status.Terminal() {
		return
	}
	s.transitionLocked(StatusSearching)
	e.advanceLocked(ctx, s)
}

// ResyncDriver returns the events a reconnecting driver needs to rebuild its
// state: a still-pending offer is re-pushed with its original deadline; an
// assignment is re-announced so the client lands on ASSIGNED instead of
// being re-prompted.
func (e *Engine) ResyncDriver(ctx context.Context, driverID string) []Event {
	holder, held := e.Locks.Holder(driverID)
	if !held {
		return nil
	}
	s, ok := e.Registry.Get(holder)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusAssigned && s.assignedDriverID == driverID {
		ref := OfferRefPayload{SessionID: s.ID}
		if last, found := s.lastOfferForLocked(driverID); found {
			ref.OfferID = last.OfferID
		}
		return []Event{{Type: EvOfferAccepted, Payload: ref}}
	}
	if s.current != nil && s.current.DriverID == driverID && !s.current.Resolved() &&
		time.Now().Before(s.current.ExpiresAt) {
		return []Event{{Type: EvRideOffer, Payload: RideOfferPayload{
			SessionID:   s.ID,
			OfferID:     s.current.OfferID,
			ExpiresAt:   s.current.ExpiresAt,
			Pickup:      s.Request.Pickup,
			Dropoff:     s.Request.Dropoff,
			ServiceType: s.Request.ServiceType,
			Customer:    s.Request.Customer,
			Fare:        s.fare,
		}}}
	}
	return nil
}

// Snapshot returns the authoritative state for one session.
func (e *Engine) Snapshot(sessionID string) (Snapshot, bool) {
	s, ok := e.Registry.Get(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// RunJanitor periodically enforces the session TTL and evicts terminal
// sessions past the retention window.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := time.Now()
	for _, s := range e.Registry.All() {
		s.mu.Lock()
		terminal := s.status.Terminal()
		expired := !terminal && now.After(s.ExpiresAt)
		evict := terminal && !s.endedAt.IsZero() && now.After(s.endedAt.Add(e.Cfg.RetentionWindow))
		assigned := s.assignedDriverID
		s.mu.Unlock()

		if expired {
			_ = e.Cancel(ctx, s.ID, "admin", "dispatch_deadline")
		}
		if evict {
			// the assignment hold ends with the session record; trip-time
			// exclusivity belongs to the trip system, not the dispatcher
			if assigned != "" {
				e.Locks.Release(assigned, s.ID)
			}
			e.Registry.Remove(s.ID)
		}
	}
}

// voidPendingOfferLocked cancels the in-flight offer during a session-level
// cancellation. Caller holds s.mu.
func (e *Engine) voidPendingOfferLocked(s *Session) {
	if s.current == nil || s.current.Resolved() {
		return
	}
	o := s.current
	o.Result = offer.ResultCancelled
	s.current = nil
	s.offerSeq++
	observability.OffersTotal.WithLabelValues(string(offer.ResultCancelled)).Inc()
	e.Locks.Release(o.DriverID, s.ID)
	e.notifyDriverAsync(o.DriverID, Event{Type: EvOfferCancelled, Payload: OfferRefPayload{
		SessionID: s.ID, OfferID: o.OfferID,
	}})
}

// finishLocked moves the session to a terminal state, publishes the outcome
// and archives the record. Caller holds s.mu.
func (e *Engine) finishLocked(s *Session, st Status, reason string) {
	if !s.transitionLocked(st) {
		return
	}
	s.reason = reason
	observability.SessionsEnded.WithLabelValues(string(st)).Inc()
	switch st {
	case StatusNoDriversFound, StatusExpired:
		e.publish(s.ID, Event{Type: EvNoDriversFound, Payload: NoDriversFoundPayload{
			SessionID: s.ID, Reason: reason,
		}})
	}
	e.logger().Info("session finished", "session_id", s.ID, "status", st, "reason", reason)
	e.archiveLocked(s)
}

// archiveLocked writes the terminal record in the background. Caller holds
// s.mu; everything the goroutine needs is copied first.
func (e *Engine) archiveLocked(s *Session) {
	if e.Store == nil {
		return
	}
	rec := storage.ArchivedSession{
		ID:               s.ID,
		RequestID:        s.Request.RequestID,
		RiderID:          s.Request.RiderID,
		Pickup:           s.Request.Pickup,
		Dropoff:          s.Request.Dropoff,
		ServiceType:      s.Request.ServiceType,
		Status:           string(s.status),
		Reason:           s.reason,
		AssignedDriverID: s.assignedDriverID,
		CreatedAt:        s.CreatedAt,
		EndedAt:          s.endedAt,
		Offers:           make([]offer.Offer, len(s.offers)),
	}
	copy(rec.Offers, s.offers)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Store.ArchiveSession(ctx, rec); err != nil {
			e.logger().Error("session archive failed", "session_id", rec.ID, "error", err)
		}
	}()
}

// holdPayment places the fare pre-auth after assignment, best effort.
// Caller holds s.mu; inputs are copied before the goroutine starts.
func (e *Engine) holdPayment(s *Session) {
	if e.Payments == nil || s.fare == nil {
		return
	}
	amount, currency := s.fare.Amount, s.fare.Currency
	customer, sessionID := s.Request.Customer.ID, s.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.Payments.Hold(ctx, amount, currency, customer); err != nil {
			e.logger().Warn("fare pre-auth failed", "session_id", sessionID, "error", err)
		}
	}()
}

func (e *Engine) publish(sessionID string, ev Event) {
	if e.Publisher != nil {
		e.Publisher.PublishToSession(sessionID, ev)
	}
}

func (e *Engine) notifyDriverAsync(driverID string, ev Event) {
	if e.Drivers == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Drivers.NotifyDriver(ctx, driverID, ev)
	}()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
