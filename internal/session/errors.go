package session

import "errors"

var (
	// ErrSessionNotFound means the session id references nothing in the registry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrOfferResolved means an accept or reject referenced an offer that is no
	// longer pending (expired, cancelled, or answered earlier).
	ErrOfferResolved = errors.New("offer already resolved")
)
