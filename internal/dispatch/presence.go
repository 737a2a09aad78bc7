package dispatch

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/matching"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

func validPool(pool string) error {
	if pool != realtime.PoolDoctors && pool != realtime.PoolAmbulance {
		return apperr.Validation("unknown provider pool %q", pool)
	}
	return nil
}

// GoOnline marks the provider available in pool. Without a location the
// last known one is kept.
func (s *Service) GoOnline(ctx context.Context, providerID uuid.UUID, pool string, loc *geo.Point) (*matching.Session, error) {
	if err := validPool(pool); err != nil {
		return nil, err
	}
	if loc != nil && !loc.Valid() {
		return nil, apperr.Validation("invalid location")
	}

	if loc == nil {
		prev, err := s.sessions.Get(ctx, pool, providerID)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, errors.Wrap(err, "load session")
		}
		if prev != nil {
			loc = prev.Location
		}
	}

	sess := matching.Session{
		ProviderID: providerID,
		Pool:       pool,
		Online:     true,
		Location:   loc,
		UpdatedAt:  s.clock.Now(),
	}
	if err := s.sessions.Put(ctx, sess, s.cfg.SessionTTL); err != nil {
		return nil, errors.Wrap(err, "store session")
	}
	return &sess, nil
}

func (s *Service) GoOffline(ctx context.Context, providerID uuid.UUID, pool string) error {
	if err := validPool(pool); err != nil {
		return err
	}
	return errors.Wrap(s.sessions.Remove(ctx, pool, providerID), "remove session")
}

// UpdateProviderLocation is the heartbeat: it refreshes location and TTL.
func (s *Service) UpdateProviderLocation(ctx context.Context, providerID uuid.UUID, pool string, loc geo.Point) (*matching.Session, error) {
	if !loc.Valid() {
		return nil, apperr.Validation("invalid location")
	}
	return s.GoOnline(ctx, providerID, pool, &loc)
}
