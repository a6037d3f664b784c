package offer

import "sync"

// LockManager enforces the one-pending-offer-per-driver invariant across all
// sessions. A driver's lock is acquired before an offer is issued and released
// on reject, expiry or cancel; acceptance keeps it held as the assignment hold.
type LockManager struct {
	mu      sync.Mutex
	holders map[string]string // driverID -> sessionID
}

func NewLockManager() *LockManager {
	return &LockManager{holders: make(map[string]string)}
}

// TryAcquire takes the driver's lock for sessionID. It reports false without
// blocking when another session already holds it. Re-acquiring a lock already
// held by the same session succeeds.
func (m *LockManager) TryAcquire(driverID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.holders[driverID]; ok {
		return holder == sessionID
	}
	m.holders[driverID] = sessionID
	return true
}

// Release frees the driver's lock, but only if sessionID still holds it, so a
// late release cannot steal a lock re-acquired by another session.
func (m *LockManager) Release(driverID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holders[driverID] == sessionID {
		delete(m.holders, driverID)
	}
}

// Holder returns the session currently holding the driver's lock.
func (m *LockManager) Holder(driverID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.holders[driverID]
	return s, ok
}
