package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/clock"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/matching"
)

type MemoryRepository struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*Request
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[uuid.UUID]*Request)}
}

func clone(r *Request) *Request {
	out := *r
	out.Symptoms = append([]string(nil), r.Symptoms...)
	out.CandidateIDs = append([]uuid.UUID(nil), r.CandidateIDs...)
	return &out
}

func hasStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) Create(_ context.Context, r Request) (*Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.requests {
		if existing.RequesterID == r.RequesterID && existing.Kind == r.Kind && !existing.Status.Terminal() {
			return clone(existing), false, nil
		}
	}

	stored := clone(&r)
	m.requests[r.ID] = stored
	return clone(stored), true, nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return clone(r), nil
}

func (m *MemoryRepository) MarkOffered(_ context.Context, id uuid.UUID, candidates []uuid.UUID, offerExpiresAt, now time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || !hasStatus(AllowedFrom(KindFreelance, StatusOffered), r.Status) {
		return nil, ErrStaleState
	}
	r.Status = StatusOffered
	r.CandidateIDs = append([]uuid.UUID(nil), candidates...)
	expires := offerExpiresAt
	r.OfferExpiresAt = &expires
	r.UpdatedAt = now
	return clone(r), nil
}

func (m *MemoryRepository) Assign(_ context.Context, id, providerID uuid.UUID, from []Status, requireCandidate bool, now time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	switch {
	case !ok, !hasStatus(from, r.Status), r.AssignedProviderID != nil:
		return nil, ErrStaleState
	case requireCandidate && !r.IsCandidate(providerID):
		return nil, ErrStaleState
	case r.OfferExpiresAt != nil && !r.OfferExpiresAt.After(now):
		return nil, ErrStaleState
	}

	assigned := providerID
	r.Status = StatusAccepted
	r.AssignedProviderID = &assigned
	r.UpdatedAt = now
	return clone(r), nil
}

func (m *MemoryRepository) Transition(_ context.Context, id uuid.UUID, from []Status, to Status, now time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || !hasStatus(from, r.Status) {
		return nil, ErrStaleState
	}
	r.Status = to
	r.UpdatedAt = now
	return clone(r), nil
}

func (m *MemoryRepository) UpdateLocation(_ context.Context, id uuid.UUID, loc geo.Point, now time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok || r.Status.Terminal() {
		return nil, ErrStaleState
	}
	r.Location = loc
	r.UpdatedAt = now
	return clone(r), nil
}

func (m *MemoryRepository) ExpireOffers(_ context.Context, now time.Time) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Request
	for _, r := range m.requests {
		if r.Status == StatusOffered && r.OfferExpiresAt != nil && r.OfferExpiresAt.Before(now) {
			r.Status = StatusExpired
			r.UpdatedAt = now
			result = append(result, *clone(r))
		}
	}
	return result, nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, kind Kind, status Status, limit int) ([]Request, error) {
	m.mu.Lock()
	var result []Request
	for _, r := range m.requests {
		if r.Kind == kind && r.Status == status {
			result = append(result, *clone(r))
		}
	}
	m.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MemorySessionStore expires sessions lazily against its clock.
type MemorySessionStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	sessions map[string]map[uuid.UUID]memorySession
}

type memorySession struct {
	session   matching.Session
	expiresAt time.Time
}

func NewMemorySessionStore(clk clock.Clock) *MemorySessionStore {
	return &MemorySessionStore{clock: clk, sessions: make(map[string]map[uuid.UUID]memorySession)}
}

func (m *MemorySessionStore) Put(_ context.Context, s matching.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool := m.sessions[s.Pool]
	if pool == nil {
		pool = make(map[uuid.UUID]memorySession)
		m.sessions[s.Pool] = pool
	}
	pool[s.ProviderID] = memorySession{session: s, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, pool string, providerID uuid.UUID) (*matching.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[pool][providerID]
	if !ok || !e.expiresAt.After(m.clock.Now()) {
		return nil, ErrSessionNotFound
	}
	s := e.session
	return &s, nil
}

func (m *MemorySessionStore) Remove(_ context.Context, pool string, providerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions[pool], providerID)
	return nil
}

func (m *MemorySessionStore) ListOnline(_ context.Context, pool string) ([]matching.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var result []matching.Session
	for id, e := range m.sessions[pool] {
		if !e.expiresAt.After(now) {
			delete(m.sessions[pool], id)
			continue
		}
		if e.session.Online {
			result = append(result, e.session)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ProviderID.String() < result[j].ProviderID.String() })
	return result, nil
}
