package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offer"
)

// ArchivedSession is the durable record of one finished dispatch session and
// its offer audit trail. Only terminal sessions are archived.
type ArchivedSession struct {
	ID               string
	RequestID        string
	RiderID          string
	Pickup           models.Coord
	Dropoff          models.Coord
	ServiceType      models.ServiceType
	Status           string
	Reason           string
	AssignedDriverID string
	CreatedAt        time.Time
	EndedAt          time.Time
	Offers           []offer.Offer
}

// SessionStore defines persistence operations for finished sessions.
type SessionStore interface {
	ArchiveSession(ctx context.Context, s ArchivedSession) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]ArchivedSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]ArchivedSession)}
}

func (m *MemoryStore) ArchiveSession(ctx context.Context, s ArchivedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(id string) (ArchivedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}
