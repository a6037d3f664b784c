package session

// Status is the dispatch session state. Transitions are monotonic: the legal
// edge set below is the whole graph, and terminal states accept no edges out.
type Status string

const (
	StatusRequested        Status = "REQUESTED"
	StatusSearching        Status = "SEARCHING"
	StatusOfferPending     Status = "OFFER_PENDING"
	StatusAssigned         Status = "ASSIGNED"
	StatusNoDriversFound   Status = "NO_DRIVERS_FOUND"
	StatusExpired          Status = "EXPIRED"
	StatusCancelledByRider Status = "CANCELLED_BY_RIDER"
	StatusCancelledByAdmin Status = "CANCELLED_BY_ADMIN"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusAssigned, StatusNoDriversFound, StatusExpired, StatusCancelledByRider, StatusCancelledByAdmin:
		return true
	}
	return false
}

var legalTransitions = map[Status][]Status{
	StatusRequested: {StatusSearching, StatusNoDriversFound, StatusCancelledByRider, StatusCancelledByAdmin},
	StatusSearching: {StatusOfferPending, StatusNoDriversFound, StatusCancelledByRider, StatusCancelledByAdmin},
	StatusOfferPending: {StatusSearching, StatusAssigned, StatusNoDriversFound, StatusExpired,
		StatusCancelledByRider, StatusCancelledByAdmin},
}

func canTransition(from, to Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
