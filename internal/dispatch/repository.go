package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/matching"
)

var (
	ErrRequestNotFound = apperr.New(apperr.KindNotFound, "request not found")
	ErrStaleState      = apperr.New(apperr.KindConflict, "request changed concurrently, please retry")
)

// RequestRepository stores dispatch requests. Status changes are
// conditional on the current status.
type RequestRepository interface {
	// Create inserts r unless the requester already has a live request of
	// the same kind, in which case that one is returned with created false.
	Create(ctx context.Context, r Request) (req *Request, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Request, error)
	// MarkOffered moves a REQUESTED or OFFERED request to OFFERED with a new
	// candidate list and offer deadline.
	MarkOffered(ctx context.Context, id uuid.UUID, candidates []uuid.UUID, offerExpiresAt, now time.Time) (*Request, error)
	// Assign stamps providerID on a request that is in one of from, has no
	// assignee and, for offers, has not lapsed. With requireCandidate the
	// provider must be on the candidate list.
	Assign(ctx context.Context, id, providerID uuid.UUID, from []Status, requireCandidate bool, now time.Time) (*Request, error)
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, now time.Time) (*Request, error)
	// UpdateLocation succeeds only while the request is live.
	UpdateLocation(ctx context.Context, id uuid.UUID, loc geo.Point, now time.Time) (*Request, error)
	// ExpireOffers moves OFFERED requests whose offer lapsed before now to EXPIRED.
	ExpireOffers(ctx context.Context, now time.Time) ([]Request, error)
	ListByStatus(ctx context.Context, kind Kind, status Status, limit int) ([]Request, error)
}

// SessionStore keeps provider presence with a heartbeat TTL.
type SessionStore interface {
	Put(ctx context.Context, s matching.Session, ttl time.Duration) error
	Get(ctx context.Context, pool string, providerID uuid.UUID) (*matching.Session, error)
	Remove(ctx context.Context, pool string, providerID uuid.UUID) error
	ListOnline(ctx context.Context, pool string) ([]matching.Session, error)
}

var ErrSessionNotFound = apperr.New(apperr.KindNotFound, "provider is not online")
