package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseHeld is returned when another worker holds an unexpired lease.
var ErrLeaseHeld = errors.New("lease held by another worker")

// Lease is a time-bounded mutual-exclusion token granting one worker the
// right to mutate one environment's record. The expiry guarantees a crashed
// holder cannot block the environment forever.
type Lease struct {
	EnvironmentID string
	Token         string
	ExpiresAt     time.Time
}

// Valid reports whether the lease carries a token that has not expired at
// the given instant.
func (l Lease) Valid(now time.Time) bool {
	return l.Token != "" && now.Before(l.ExpiresAt)
}

// LeaseManager hands out per-environment leases.
type LeaseManager struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]Lease
	now    func() time.Time
}

// NewLeaseManager creates a manager issuing leases valid for ttl.
func NewLeaseManager(ttl time.Duration) *LeaseManager {
	return &LeaseManager{
		ttl:    ttl,
		leases: make(map[string]Lease),
		now:    time.Now,
	}
}

// Acquire grants a lease for the environment, or ErrLeaseHeld if an
// unexpired lease is outstanding. An expired lease is taken over.
func (m *LeaseManager) Acquire(environmentID string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[environmentID]; ok && held.ExpiresAt.After(now) {
		return Lease{}, fmt.Errorf("acquire lease for %s: %w", environmentID, ErrLeaseHeld)
	}

	lease := Lease{
		EnvironmentID: environmentID,
		Token:         uuid.NewString(),
		ExpiresAt:     now.Add(m.ttl),
	}
	m.leases[environmentID] = lease
	return lease, nil
}

// Renew extends the lease if the token still holds it.
func (m *LeaseManager) Renew(lease Lease) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.leases[lease.EnvironmentID]
	if !ok || held.Token != lease.Token {
		return Lease{}, fmt.Errorf("renew lease for %s: %w", lease.EnvironmentID, ErrLeaseHeld)
	}
	held.ExpiresAt = m.now().Add(m.ttl)
	m.leases[lease.EnvironmentID] = held
	return held, nil
}

// Release gives the lease back. A release with a stale token is ignored so
// a recovered holder cannot evict the current one.
func (m *LeaseManager) Release(lease Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.leases[lease.EnvironmentID]; ok && held.Token == lease.Token {
		delete(m.leases, lease.EnvironmentID)
	}
}
